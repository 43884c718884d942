package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"swiftly/config"
	"swiftly/discovery"
	"swiftly/logging"
	"swiftly/network"
	"swiftly/relay"
)

const usage = `usage: swiftly <command> [flags]

commands:
  relay      run the pairing and transfer relay
  receive    connect to a relay and accept files
  send       pair with a device and send it files
  discover   watch for relays on the local network
  id         print this installation's configuration
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup failed while loading config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	args := os.Args[2:]
	switch os.Args[1] {
	case "relay":
		err = runRelay(ctx, cfg, logger, args)
	case "receive":
		err = runReceive(ctx, cfg, logger, args)
	case "send":
		err = runSend(ctx, cfg, logger, args)
	case "discover":
		err = runDiscover(ctx, logger, args)
	case "id":
		printIdentity(cfg, cfgPath)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Error("command failed")
		os.Exit(1)
	}
}

func runRelay(ctx context.Context, cfg *config.Config, logger *logrus.Logger, args []string) error {
	flags := flag.NewFlagSet("relay", flag.ExitOnError)
	listen := flags.String("listen", cfg.Relay.ListenAddress, "address to listen on")
	advertise := flags.Bool("advertise", cfg.Relay.Advertise, "announce the relay over mDNS")
	_ = flags.Parse(args)

	policy, err := relay.ParseDuplicatePolicy(cfg.Relay.DuplicatePairing)
	if err != nil {
		return err
	}

	server, err := network.Listen(*listen, network.ServerOptions{
		Path:                      cfg.Relay.Path,
		KeepAliveInterval:         cfg.Relay.KeepAliveInterval.Std(),
		KeepAliveTimeout:          cfg.Relay.KeepAliveTimeout.Std(),
		MaxMessageSize:            cfg.Relay.MaxMessageSize,
		ConnectionRateLimitPerIP:  cfg.Relay.ConnectionRateLimitPerIP,
		ConnectionRateLimitWindow: cfg.Relay.ConnectionRateLimitWindow.Std(),
		OnInboundConnectionRateLimit: func(remoteIP string) {
			logger.WithField("remote_ip", remoteIP).Warn("connection rate limited")
		},
	})
	if err != nil {
		return err
	}

	r := relay.New(relay.NewMemoryRegistry(), relay.Options{
		PairingTimeout:         cfg.Relay.PairingTimeout.Std(),
		DuplicatePolicy:        policy,
		AllowUnpairedTransfers: cfg.Relay.AllowUnpairedTransfers,
		MaxChunkPayload:        int(cfg.Relay.MaxMessageSize),
		Logger:                 logger,
	})

	logger.WithFields(logrus.Fields{
		"addr": server.Addr().String(),
		"path": server.Path(),
	}).Info("relay listening")

	if *advertise {
		advertiser, err := advertiseRelay(cfg, server)
		if err != nil {
			logger.WithError(err).Warn("mDNS advertisement failed")
		} else {
			defer advertiser.Stop()
			logger.Info("relay advertised over mDNS")
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.Serve(gctx, server)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("relay shutting down")
		return server.Close()
	})
	return g.Wait()
}

func advertiseRelay(cfg *config.Config, server *network.Server) (*discovery.Advertiser, error) {
	addr, ok := server.Addr().(*net.TCPAddr)
	if !ok {
		return nil, fmt.Errorf("unexpected listener address %v", server.Addr())
	}
	return discovery.Advertise(discovery.Config{
		RelayID:      cfg.Device.DeviceID,
		InstanceName: cfg.Device.DeviceName,
		Port:         addr.Port,
		Path:         server.Path(),
	})
}

func runDiscover(ctx context.Context, logger *logrus.Logger, args []string) error {
	flags := flag.NewFlagSet("discover", flag.ExitOnError)
	_ = flags.Parse(args)

	scanner, err := discovery.NewRelayScanner(discovery.Config{})
	if err != nil {
		return err
	}
	scanner.Start()
	defer scanner.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event := <-scanner.Events():
			fields := logrus.Fields{"relay_id": event.Relay.RelayID, "name": event.Relay.Instance}
			switch event.Type {
			case discovery.EventRelayUpserted:
				fields["url"] = event.Relay.URL()
				fields["version"] = event.Relay.Version
				logger.WithFields(fields).Info("relay available")
			case discovery.EventRelayRemoved:
				logger.WithFields(fields).Info("relay removed")
			}
		}
	}
}

func printIdentity(cfg *config.Config, cfgPath string) {
	fmt.Printf("Device ID:       %s\n", cfg.Device.DeviceID)
	fmt.Printf("Device Name:     %s\n", cfg.Device.DeviceName)
	fmt.Printf("Relay URL:       %s\n", cfg.Device.RelayURL)
	fmt.Printf("Relay Listen:    %s%s\n", cfg.Relay.ListenAddress, cfg.Relay.Path)
	fmt.Printf("Files Directory: %s\n", cfg.Device.FilesDir)
	fmt.Printf("Config File:     %s\n", cfgPath)
	fmt.Printf("Data Directory:  %s\n", filepath.Dir(cfgPath))
}
