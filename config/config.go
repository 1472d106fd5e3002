package config

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "gosession"
	// DefaultListeningPort is the TCP port used when no user override exists.
	DefaultListeningPort = 9999
	// DefaultAPIAddress is where the local command API listens.
	DefaultAPIAddress = "127.0.0.1:7420"
	// DefaultLogLevel is used when neither config nor environment set one.
	DefaultLogLevel = "info"
	// PortModeAutomatic picks an available port at launch.
	PortModeAutomatic = "automatic"
	// PortModeFixed uses the configured listening port value.
	PortModeFixed = "fixed"
	// ProfileKeySize is the length of the random profile key.
	ProfileKeySize = 32

	defaultJobTimeoutSeconds  = 120
	defaultExpirySweepSeconds = 30
	defaultSecurityRetention  = 90
	defaultDeviceName         = "GoSession Device"
	configFileName            = "config.json"
	keysDirectoryName         = "keys"
	attachmentsDirectoryName  = "files"
	dataDirEnv                = "GOSESSION_DATA_DIR"
)

var ErrInvalidProfileKey = errors.New("config: profile key must be 32 bytes of base64")

// MessagingConfig holds the user-facing messaging toggles and timing.
type MessagingConfig struct {
	ReadReceipts       bool `json:"read_receipts"`
	TypingIndicators   bool `json:"typing_indicators"`
	JobTimeoutSeconds  int  `json:"job_timeout_seconds"`
	ExpirySweepSeconds int  `json:"expiry_sweep_seconds"`
	// AllowUnrestricted accepts sealed envelopes without an access key.
	AllowUnrestricted bool `json:"allow_unrestricted"`
}

// JobTimeout bounds each conversation job.
func (m MessagingConfig) JobTimeout() time.Duration {
	return time.Duration(m.JobTimeoutSeconds) * time.Second
}

// ExpirySweepInterval is how often disappearing messages are swept.
func (m MessagingConfig) ExpirySweepInterval() time.Duration {
	return time.Duration(m.ExpirySweepSeconds) * time.Second
}

// DeviceConfig contains persistent local-device settings.
type DeviceConfig struct {
	DeviceID      string `json:"device_id"`
	DeviceName    string `json:"device_name"`
	PortMode      string `json:"port_mode"`
	ListeningPort int    `json:"listening_port"`
	APIAddress    string `json:"api_address"`
	LogLevel      string `json:"log_level"`
	KeysDir       string `json:"keys_dir"`
	ProfileKey    string `json:"profile_key"`
	// OpenGroupHost makes this device accept and number open group posts.
	OpenGroupHost bool            `json:"open_group_host"`
	Messaging     MessagingConfig `json:"messaging"`
	// SecurityEventRetentionDays bounds how long the security log is kept.
	SecurityEventRetentionDays int `json:"security_event_retention_days"`
}

// SecurityEventRetention is the configured security log horizon.
func (c *DeviceConfig) SecurityEventRetention() time.Duration {
	return time.Duration(c.SecurityEventRetentionDays) * 24 * time.Hour
}

// ProfileKeyBytes decodes the stored profile key.
func (c *DeviceConfig) ProfileKeyBytes() ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(c.ProfileKey)
	if err != nil || len(raw) != ProfileKeySize {
		return nil, ErrInvalidProfileKey
	}
	return raw, nil
}

// ListenAddress is the transport listen address for the configured port mode.
func (c *DeviceConfig) ListenAddress() string {
	port := c.ListeningPort
	if c.PortMode == PortModeAutomatic {
		port = 0
	}
	return fmt.Sprintf(":%d", port)
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If GOSESSION_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(dataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// AttachmentsDir is where encrypted attachment blobs are kept.
func AttachmentsDir(dataDir string) string {
	return filepath.Join(dataDir, attachmentsDirectoryName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, keysDirectoryName),
		AttachmentsDir(dataDir),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*DeviceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg DeviceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *DeviceConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns both.
// Environment overrides from the data directory's .env and the process
// environment are applied to the returned config but never persisted.
func LoadOrCreate() (*DeviceConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}
	if err := LoadEnv(filepath.Join(dataDir, ".env")); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if cfg, err = defaultConfig(dataDir); err != nil {
			return nil, "", err
		}
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	case err != nil:
		return nil, "", err
	default:
		updated, err := normalizeDefaults(cfg, dataDir)
		if err != nil {
			return nil, "", err
		}
		if updated {
			if err := Save(cfgPath, cfg); err != nil {
				return nil, "", err
			}
		}
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, "", err
	}
	return cfg, cfgPath, nil
}

func defaultConfig(dataDir string) (*DeviceConfig, error) {
	profileKey, err := newProfileKey()
	if err != nil {
		return nil, err
	}

	return &DeviceConfig{
		DeviceID:      uuid.NewString(),
		DeviceName:    hostDeviceName(),
		PortMode:      PortModeAutomatic,
		ListeningPort: 0,
		APIAddress:    DefaultAPIAddress,
		LogLevel:      DefaultLogLevel,
		KeysDir:       filepath.Join(dataDir, keysDirectoryName),
		ProfileKey:    profileKey,
		Messaging: MessagingConfig{
			ReadReceipts:       true,
			TypingIndicators:   true,
			JobTimeoutSeconds:  defaultJobTimeoutSeconds,
			ExpirySweepSeconds: defaultExpirySweepSeconds,
		},
		SecurityEventRetentionDays: defaultSecurityRetention,
	}, nil
}

func normalizeDefaults(cfg *DeviceConfig, dataDir string) (bool, error) {
	updated := false

	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
		updated = true
	}

	if cfg.DeviceName == "" {
		cfg.DeviceName = hostDeviceName()
		updated = true
	}

	mode := normalizePortMode(cfg.PortMode)
	if mode == "" {
		if cfg.ListeningPort > 0 {
			mode = PortModeFixed
		} else {
			mode = PortModeAutomatic
		}
	}
	if cfg.PortMode != mode {
		cfg.PortMode = mode
		updated = true
	}

	if cfg.PortMode == PortModeFixed && cfg.ListeningPort == 0 {
		cfg.ListeningPort = DefaultListeningPort
		updated = true
	}
	if cfg.PortMode == PortModeAutomatic && cfg.ListeningPort < 0 {
		cfg.ListeningPort = 0
		updated = true
	}

	if cfg.APIAddress == "" {
		cfg.APIAddress = DefaultAPIAddress
		updated = true
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
		updated = true
	}
	if cfg.KeysDir == "" {
		cfg.KeysDir = filepath.Join(dataDir, keysDirectoryName)
		updated = true
	}

	if _, err := cfg.ProfileKeyBytes(); err != nil {
		key, err := newProfileKey()
		if err != nil {
			return false, err
		}
		cfg.ProfileKey = key
		updated = true
	}

	if cfg.Messaging.JobTimeoutSeconds <= 0 {
		cfg.Messaging.JobTimeoutSeconds = defaultJobTimeoutSeconds
		updated = true
	}
	if cfg.Messaging.ExpirySweepSeconds <= 0 {
		cfg.Messaging.ExpirySweepSeconds = defaultExpirySweepSeconds
		updated = true
	}
	if cfg.SecurityEventRetentionDays <= 0 {
		cfg.SecurityEventRetentionDays = defaultSecurityRetention
		updated = true
	}

	return updated, nil
}

func newProfileKey() (string, error) {
	key := make([]byte, ProfileKeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generate profile key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

func hostDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return defaultDeviceName
}

func normalizePortMode(mode string) string {
	switch mode {
	case PortModeAutomatic:
		return PortModeAutomatic
	case PortModeFixed:
		return PortModeFixed
	default:
		return ""
	}
}
