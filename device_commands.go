package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"swiftly/client"
	"swiftly/config"
	"swiftly/crypto"
	"swiftly/discovery"
	"swiftly/storage"
	"swiftly/transfer"
)

func runReceive(ctx context.Context, cfg *config.Config, logger *logrus.Logger, args []string) error {
	flags := flag.NewFlagSet("receive", flag.ExitOnError)
	relayURL := flags.String("relay", "", "relay WebSocket URL (default from config or mDNS)")
	yes := flags.Bool("yes", false, "accept every pairing request and file without asking")
	_ = flags.Parse(args)

	url, err := resolveRelayURL(ctx, cfg, *relayURL)
	if err != nil {
		return err
	}

	prompt := newPrompter()
	opts := deviceOptions(cfg, logger)
	opts.AutoAcceptPairing = cfg.Device.AutoAcceptPairing || *yes
	opts.OnPairingRequest = func(req client.PairingRequestNotification) (bool, error) {
		question := fmt.Sprintf("Pair with %s?", req.RequesterID)
		if req.Fingerprint != "" {
			question = fmt.Sprintf("Pair with %s (code %s)?", req.RequesterID, crypto.FormatFingerprint(req.Fingerprint))
		}
		return prompt.confirm(question), nil
	}
	if !cfg.Device.AutoAcceptTransfers && !*yes {
		opts.OnTransferRequest = func(offer client.TransferOffer) (bool, error) {
			return prompt.confirm(fmt.Sprintf("Receive %q (%d bytes) from %s?", offer.File.Name, offer.File.Size, offer.SenderID)), nil
		}
	}
	opts.NewSink = client.DirSinks(cfg.Device.FilesDir)
	opts.OnReceived = func(received client.Received) {
		entry := logger.WithFields(logrus.Fields{"sender": received.Offer.SenderID, "name": received.Offer.File.Name})
		if received.Err != nil {
			entry.WithError(received.Err).Warn("receive failed")
			return
		}
		entry.WithField("location", received.Location).Info("file saved")
	}

	if cfg.Device.SpoolToDisk {
		spool, err := openSpool(logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := spool.Close(); err != nil {
				logger.WithError(err).Warn("spool close error")
			}
		}()
		opts.NewStore = spool.ChunkStore
	}

	device, err := client.Dial(ctx, url, opts)
	if err != nil {
		return err
	}
	defer func() {
		_ = device.Close()
	}()

	fmt.Printf("Device ID:   %s\n", device.ID())
	fmt.Printf("Pairing URI: %s\n", device.PairingURI())
	fmt.Println("Waiting for files (press Ctrl+C to stop)")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-device.Done():
			return errors.New("relay connection closed")
		case err := <-device.Errors():
			logger.WithError(err).Debug("device error")
		}
	}
}

func runSend(ctx context.Context, cfg *config.Config, logger *logrus.Logger, args []string) error {
	flags := flag.NewFlagSet("send", flag.ExitOnError)
	relayURL := flags.String("relay", "", "relay WebSocket URL (default from config or mDNS)")
	target := flags.String("to", "", "pairing URI or device ID of the receiver")
	_ = flags.Parse(args)

	if *target == "" || flags.NArg() == 0 {
		return errors.New("usage: swiftly send -to <pairing-uri> <file>...")
	}
	peerID, err := client.ParsePairingURI(*target)
	if err != nil {
		return err
	}

	url, err := resolveRelayURL(ctx, cfg, *relayURL)
	if err != nil {
		return err
	}

	opts := deviceOptions(cfg, logger)
	opts.OnProgress = func(progress transfer.Progress) {
		logger.WithFields(logrus.Fields{
			"file_id": progress.Key.Token,
			"chunks":  fmt.Sprintf("%d/%d", progress.Received, progress.Total),
			"percent": progress.Percent,
		}).Debug("progress")
	}

	device, err := client.Dial(ctx, url, opts)
	if err != nil {
		return err
	}
	defer func() {
		_ = device.Close()
	}()

	pairing, err := device.Pair(ctx, peerID)
	if err != nil {
		return fmt.Errorf("pair with %s: %w", peerID, err)
	}
	if pairing.Fingerprint != "" {
		fmt.Printf("Verification code: %s\n", crypto.FormatFingerprint(pairing.Fingerprint))
	}

	for _, path := range flags.Args() {
		if err := sendPath(ctx, device, peerID, path, logger); err != nil {
			return err
		}
	}
	return nil
}

func sendPath(ctx context.Context, device *client.Device, peerID, path string, logger *logrus.Logger) error {
	source, err := client.OpenFileSource(path)
	if err != nil {
		return err
	}
	defer func() {
		_ = source.Close()
	}()

	result, err := device.SendFile(ctx, peerID, source)
	if err != nil {
		return fmt.Errorf("send %s: %w", path, err)
	}
	logger.WithFields(logrus.Fields{
		"file":    path,
		"file_id": result.FileID,
		"chunks":  result.Chunks,
		"bytes":   result.Bytes,
	}).Info("file delivered")
	return nil
}

func deviceOptions(cfg *config.Config, logger *logrus.Logger) client.Options {
	return client.Options{
		ChunkSize:       cfg.Device.ChunkSize,
		ChunksPerSecond: cfg.Device.ChunksPerSecond,
		Encrypt:         cfg.Device.Encrypt,
		Logger:          logger,
	}
}

// resolveRelayURL prefers the flag, then mDNS when enabled, then the config.
func resolveRelayURL(ctx context.Context, cfg *config.Config, flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if !cfg.Device.DiscoverRelay {
		return cfg.Device.RelayURL, nil
	}

	found, err := discovery.FindRelay(ctx, discovery.Config{})
	if errors.Is(err, discovery.ErrNoRelay) {
		return cfg.Device.RelayURL, nil
	}
	if err != nil {
		return "", err
	}
	return found.URL(), nil
}

func openSpool(logger *logrus.Logger) (*storage.Store, error) {
	dataDir, err := config.ResolveDataDir()
	if err != nil {
		return nil, err
	}
	spool, path, err := storage.OpenWithOptions(config.SpoolDir(dataDir), storage.Options{Logger: logger})
	if err != nil {
		return nil, err
	}
	logger.WithField("path", path).Debug("chunk spool opened")
	return spool, nil
}

// prompter serializes yes/no questions on the terminal.
type prompter struct {
	mu     sync.Mutex
	reader *bufio.Reader
}

func newPrompter() *prompter {
	return &prompter{reader: bufio.NewReader(os.Stdin)}
}

func (p *prompter) confirm(question string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Printf("%s [y/N] ", question)
	answer, err := p.reader.ReadString('\n')
	if err != nil {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true
	default:
		return false
	}
}
