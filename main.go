package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"

	"gosession/api"
	"gosession/attachment"
	"gosession/config"
	"gosession/conversation"
	"gosession/crypto"
	"gosession/discovery"
	"gosession/network"
	"gosession/storage"
)

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if err := config.LoadEnv(".env"); err != nil {
		logrus.WithError(err).Fatal("startup failed while loading .env")
	}
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		logrus.WithError(err).Fatal("startup failed while loading config")
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logrus.SetLevel(level)
	} else {
		logrus.WithField("level", cfg.LogLevel).Warn("unknown log level, keeping info")
	}
	log := logrus.WithField("device_id", cfg.DeviceID)

	dataDir := filepath.Dir(cfgPath)
	identity, err := crypto.EnsureIdentity(cfg.KeysDir)
	if err != nil {
		log.WithError(err).Fatal("startup failed while preparing identity keys")
	}
	profileKey, err := cfg.ProfileKeyBytes()
	if err != nil {
		log.WithError(err).Fatal("startup failed while reading profile key")
	}

	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		log.WithError(err).Fatal("startup failed while opening database")
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.WithError(err).Error("database close error")
		}
	}()

	if pruned, err := store.SetSecurityEventRetention(cfg.SecurityEventRetention()); err != nil {
		log.WithError(err).Warn("security event retention not applied")
	} else if pruned > 0 {
		log.WithField("pruned", pruned).Info("expired security events removed")
	}

	log.WithFields(logrus.Fields{
		"identity":    identity.ID(),
		"device_name": cfg.DeviceName,
		"fingerprint": crypto.FormatFingerprint(crypto.KeyFingerprint(identity.SigningPublic)),
		"config":      cfgPath,
		"database":    dbPath,
	}).Info("starting")

	sessions, err := crypto.NewSessionManager(identity, logrus.WithField("component", "session"))
	if err != nil {
		log.WithError(err).Fatal("startup failed while creating session manager")
	}

	local := network.LocalIdentity{DeviceID: cfg.DeviceID, DeviceName: cfg.DeviceName, Keys: identity}
	transport, err := network.NewTransport(network.TransportOptions{
		Identity:          local,
		Store:             store,
		ListenAddress:     cfg.ListenAddress(),
		ProfileKey:        profileKey,
		AllowUnrestricted: cfg.Messaging.AllowUnrestricted,
		OpenGroupHost:     cfg.OpenGroupHost,
		Log:               logrus.WithField("component", "transport"),
	})
	if err != nil {
		log.WithError(err).Fatal("startup failed while creating transport")
	}

	uploader, err := attachment.NewUploader(store, config.AttachmentsDir(dataDir), nil)
	if err != nil {
		log.WithError(err).Fatal("startup failed while preparing attachments")
	}

	manager, err := conversation.NewManager(conversation.ManagerOptions{
		Self:                identity.ID(),
		SelfDevice:          cfg.DeviceID,
		ProfileKey:          profileKey,
		Store:               store,
		Transport:           transport,
		Crypto:              sessions,
		Uploader:            uploader,
		ProfileFetcher:      transport.Directory(),
		SecurityLog:         store,
		JobTimeout:          cfg.Messaging.JobTimeout(),
		ExpirySweepInterval: cfg.Messaging.ExpirySweepInterval(),
		ReadReceipts:        cfg.Messaging.ReadReceipts,
		TypingIndicators:    cfg.Messaging.TypingIndicators,
		Log:                 logrus.WithField("component", "conversation"),
	})
	if err != nil {
		log.WithError(err).Fatal("startup failed while creating conversation manager")
	}
	manager.Start()
	defer manager.Close()

	transport.SetHandler(manager)
	if err := transport.Start(); err != nil {
		log.WithError(err).Fatal("startup failed while starting transport")
	}
	defer transport.Stop()

	discoveryService, err := discovery.Start(discovery.Config{
		SelfDeviceID:  cfg.DeviceID,
		IdentityID:    identity.ID(),
		DeviceName:    cfg.DeviceName,
		ListeningPort: transport.Port(),
		Observer:      transport.Directory(),
		Log:           logrus.WithField("component", "discovery"),
	})
	if err != nil {
		log.WithError(err).Warn("discovery startup failed, peers must be added manually")
	} else {
		defer discoveryService.Stop()
		go drainDiscoveryEvents(discoveryService.Scanner.Events())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	listener, err := net.Listen("tcp", cfg.APIAddress)
	if err != nil {
		log.WithError(err).Fatal("startup failed while binding api")
	}
	hub := api.NewHub(manager.Events(), logrus.WithField("component", "api_hub"))
	router := api.NewRouter(manager, uploader, store, hub, logrus.WithField("component", "api"))

	log.WithField("port", transport.Port()).Info("running (press Ctrl+C to stop)")
	if err := api.Serve(ctx, listener, router, hub, nil); err != nil {
		log.WithError(err).Error("api stopped")
	}
	log.Info("shutting down")
}

func drainDiscoveryEvents(events <-chan discovery.Event) {
	log := logrus.WithField("component", "discovery")
	for event := range events {
		log.WithFields(logrus.Fields{
			"event":     event.Type,
			"device_id": event.Peer.DeviceID,
			"identity":  event.Peer.IdentityID,
			"addresses": event.Peer.Addresses,
			"port":      event.Peer.Port,
		}).Debug("discovery update")
	}
}
