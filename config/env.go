package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Environment overrides. They win over config.json.
const (
	EnvLogLevel          = "GOSESSION_LOG_LEVEL"
	EnvListenPort        = "GOSESSION_LISTEN_PORT"
	EnvAPIAddress        = "GOSESSION_API_ADDRESS"
	EnvReadReceipts      = "GOSESSION_READ_RECEIPTS"
	EnvTypingIndicators  = "GOSESSION_TYPING_INDICATORS"
	EnvAllowUnrestricted = "GOSESSION_ALLOW_UNRESTRICTED"
)

// LoadEnv loads each existing .env file into the process environment.
// Variables that are already set are left alone, and missing files are
// skipped.
func LoadEnv(paths ...string) error {
	for _, path := range paths {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load env file %q: %w", path, err)
		}
	}
	return nil
}

// ApplyEnv overlays GOSESSION_* variables onto cfg.
func ApplyEnv(cfg *DeviceConfig) error {
	if level := strings.TrimSpace(os.Getenv(EnvLogLevel)); level != "" {
		cfg.LogLevel = level
	}
	if addr := strings.TrimSpace(os.Getenv(EnvAPIAddress)); addr != "" {
		cfg.APIAddress = addr
	}
	if raw := strings.TrimSpace(os.Getenv(EnvListenPort)); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil || port < 0 || port > 65535 {
			return fmt.Errorf("%s: invalid port %q", EnvListenPort, raw)
		}
		if port == 0 {
			cfg.PortMode = PortModeAutomatic
		} else {
			cfg.PortMode = PortModeFixed
		}
		cfg.ListeningPort = port
	}

	flags := []struct {
		name   string
		target *bool
	}{
		{EnvReadReceipts, &cfg.Messaging.ReadReceipts},
		{EnvTypingIndicators, &cfg.Messaging.TypingIndicators},
		{EnvAllowUnrestricted, &cfg.Messaging.AllowUnrestricted},
	}
	for _, flag := range flags {
		raw := strings.TrimSpace(os.Getenv(flag.name))
		if raw == "" {
			continue
		}
		value, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", flag.name, err)
		}
		*flag.target = value
	}
	return nil
}
