package main

import (
	"context"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"lanpair/api"
	"lanpair/config"
	"lanpair/discovery"
	"lanpair/network"
	"lanpair/node"
	"lanpair/storage"
)

func main() {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		log.WithError(err).Fatal("Startup failed while loading config")
	}
	config.ConfigureLogging(cfg.Logging)

	if cfg.UsesDefaultSecret() {
		log.Warn("Pairing password and salt are the built-in defaults; set [pairing] in the config file")
	}

	dataDir := filepath.Dir(cfgPath)
	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		log.WithError(err).Fatal("Startup failed while opening database")
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.WithError(err).Warn("Database close error")
		}
	}()

	n, err := node.New(
		store,
		network.NewUDPTransport(cfg.Network.BindAddress),
		discovery.NewInterfaceResolver(cfg.Network.AdvertiseAddress),
		node.Options{
			DeviceName:          cfg.Device.Name,
			Port:                cfg.Network.ListeningPort,
			Password:            cfg.Pairing.Password,
			Salt:                cfg.Pairing.Salt,
			Iterations:          cfg.Pairing.Iterations,
			PairingTTL:          cfg.Pairing.TTL.Duration,
			RequestTimeout:      cfg.Network.RequestTimeout.Duration,
			MaintenanceInterval: cfg.Pairing.MaintenanceInterval.Duration,
			RateLimit:           cfg.Network.RateLimit,
			StoragePrefix:       cfg.Pairing.StoragePrefix,
		},
	)
	if err != nil {
		log.WithError(err).Fatal("Startup failed while creating node")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := n.Start(ctx); err != nil {
		log.WithError(err).Fatal("Startup failed while binding transport")
	}
	defer func() {
		if err := n.Close(); err != nil {
			log.WithError(err).Warn("Node close error")
		}
	}()
	port, _ := n.Port()

	fmt.Printf("Device ID:       %s\n", cfg.Device.ID)
	fmt.Printf("Device Name:     %s\n", cfg.Device.Name)
	fmt.Printf("Listening Port:  %d\n", port)
	fmt.Printf("Config File:     %s\n", cfgPath)
	fmt.Printf("Database File:   %s\n", dbPath)
	fmt.Printf("Control API:     http://%s\n", cfg.API.Listen)

	var presence api.PresenceSource
	if !cfg.Discovery.Disabled {
		discoveryService, err := discovery.Start(discovery.Config{
			SelfDeviceID:  cfg.Device.ID,
			DeviceName:    cfg.Device.Name,
			ListeningPort: port,
		})
		if err != nil {
			log.WithError(err).Warn("Discovery startup failed")
		} else {
			defer discoveryService.Stop()
			presence = discoveryService.Scanner
			go logDiscoveryEvents(discoveryService.Scanner.Events())
		}
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return api.NewServer(n, presence).ListenAndServe(groupCtx, cfg.API.Listen)
	})

	fmt.Println("Status:          running (press Ctrl+C to stop)")
	if err := group.Wait(); err != nil {
		log.WithError(err).Error("Control agent stopped")
	}
	fmt.Println("Status:          shutting down")
}

func logDiscoveryEvents(events <-chan discovery.Event) {
	for event := range events {
		fields := log.Fields{
			"id":   event.Peer.DeviceID,
			"name": event.Peer.DeviceName,
		}
		switch event.Type {
		case discovery.EventPeerUpserted:
			fields["addresses"] = event.Peer.Addresses
			fields["port"] = event.Peer.Port
			log.WithFields(fields).Info("Peer available")
		case discovery.EventPeerRemoved:
			log.WithFields(fields).Info("Peer removed")
		default:
			log.WithFields(fields).WithField("event", event.Type).Debug("Discovery event")
		}
	}
}
