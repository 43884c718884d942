package client

import (
	"context"
	"crypto/ecdh"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	appcrypto "swiftly/crypto"
	"swiftly/network"
	"swiftly/transfer"
)

// Device is one endpoint connected to a relay. It pairs with other devices,
// sends files to them and receives theirs.
type Device struct {
	options Options
	conn    *network.Connection
	id      string
	logger  logrus.FieldLogger

	privateKey *ecdh.PrivateKey
	publicKey  *ecdh.PublicKey

	sessions *transfer.Manager
	pacer    *transfer.Pacer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	errors chan error

	mu             sync.Mutex
	peers          map[string]*peer
	pendingPairing map[string]pendingPairing
	pairWaiters    map[string]chan pairingEvent
	outbound       map[string]chan transferEvent
	inbound        map[transfer.Key]*inboundTransfer
}

type peer struct {
	codec       transfer.Codec
	fingerprint string
}

// Dial connects to the relay at url and waits for the identifier it assigns.
func Dial(ctx context.Context, url string, options Options) (*Device, error) {
	opts := options.withDefaults()

	conn, err := network.Dial(ctx, url, opts.Dial)
	if err != nil {
		return nil, err
	}
	id, err := readWelcome(ctx, conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	d := &Device{
		options:        opts,
		conn:           conn,
		id:             id,
		logger:         opts.Logger.WithField("device", id),
		pacer:          transfer.NewPacer(opts.ChunksPerSecond, opts.PacerBurst),
		done:           make(chan struct{}),
		errors:         make(chan error, 32),
		peers:          make(map[string]*peer),
		pendingPairing: make(map[string]pendingPairing),
		pairWaiters:    make(map[string]chan pairingEvent),
		outbound:       make(map[string]chan transferEvent),
		inbound:        make(map[transfer.Key]*inboundTransfer),
	}
	d.sessions = transfer.NewManager(transfer.ManagerOptions{
		NewStore:   opts.NewStore,
		OnProgress: opts.OnProgress,
	})
	if opts.Encrypt {
		d.privateKey, d.publicKey, err = appcrypto.GenerateEphemeralX25519KeyPair()
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
	}

	d.ctx, d.cancel = context.WithCancel(context.Background())
	go d.readLoop()

	d.logger.Info("connected to relay")
	return d, nil
}

func readWelcome(ctx context.Context, conn *network.Connection) (string, error) {
	payload, err := conn.ReceiveMessage(ctx)
	if err != nil {
		return "", fmt.Errorf("await welcome: %w", err)
	}
	msgType, err := network.DecodeMessageType(payload)
	if err != nil {
		return "", err
	}
	if msgType != network.TypeWelcome {
		return "", fmt.Errorf("%w: got %q", ErrUnexpectedWelcome, msgType)
	}

	var welcome network.WelcomeMessage
	if err := network.DecodeMessage(payload, &welcome); err != nil {
		return "", err
	}
	if welcome.ID == "" {
		return "", fmt.Errorf("%w: empty id", ErrUnexpectedWelcome)
	}
	return welcome.ID, nil
}

// ID is the identifier the relay assigned. Other devices pair with it.
func (d *Device) ID() string {
	return d.id
}

// PairingURI is the text a QR code for this device carries.
func (d *Device) PairingURI() string {
	return PairingURI(d.id)
}

// Done is closed once the relay connection is gone.
func (d *Device) Done() <-chan struct{} {
	return d.done
}

// Errors reports asynchronous failures. Errors are dropped when nobody reads.
func (d *Device) Errors() <-chan error {
	return d.errors
}

// Sessions lists inbound transfers in progress.
func (d *Device) Sessions() []transfer.Info {
	return d.sessions.Sessions()
}

// Close disconnects from the relay and aborts inbound transfers.
func (d *Device) Close() error {
	d.cancel()
	err := d.conn.Close()
	<-d.done

	d.mu.Lock()
	keys := make([]transfer.Key, 0, len(d.inbound))
	for key := range d.inbound {
		keys = append(keys, key)
	}
	d.inbound = make(map[transfer.Key]*inboundTransfer)
	d.mu.Unlock()

	for _, key := range keys {
		_, _ = d.sessions.Abort(key, "device closed")
	}
	return err
}

func (d *Device) readLoop() {
	defer close(d.done)

	for {
		payload, err := d.conn.ReceiveMessage(d.ctx)
		if err != nil {
			if d.ctx.Err() == nil && !errors.Is(err, network.ErrConnectionClosed) {
				d.reportError(err)
			}
			return
		}
		d.handle(payload)
	}
}

func (d *Device) handle(payload []byte) {
	msgType, err := network.DecodeMessageType(payload)
	if err != nil {
		d.reportError(err)
		return
	}

	switch msgType {
	case network.TypePairingRequest:
		var msg network.PairingRequest
		if d.decode(payload, &msg) {
			d.handlePairingRequest(msg)
		}
	case network.TypePairingResponse:
		var msg network.PairingResponse
		if d.decode(payload, &msg) {
			d.deliverPairing(msg.ResponderID, pairingEvent{response: &msg})
		}
	case network.TypePairingError:
		var msg network.PairingError
		if d.decode(payload, &msg) {
			d.deliverPairing(msg.TargetID, pairingEvent{err: &RemoteError{Code: msg.Code, Message: msg.Message}})
		}
	case network.TypePairingCancelled:
		var msg network.PairingCancelled
		if d.decode(payload, &msg) {
			d.handlePairingCancelled(msg)
		}
	case network.TypeTransferRequest:
		var msg network.TransferRequest
		if d.decode(payload, &msg) {
			d.handleTransferRequest(msg)
		}
	case network.TypeTransferAccepted, network.TypeTransferDeclined:
		var msg network.TransferResponse
		if d.decode(payload, &msg) {
			d.deliverTransfer(msg.FileID, transferEvent{response: &msg})
		}
	case network.TypeTransferResult:
		var msg network.TransferResult
		if d.decode(payload, &msg) {
			d.deliverTransfer(msg.FileID, transferEvent{result: &msg})
		}
	case network.TypeTransferError:
		var msg network.TransferError
		if d.decode(payload, &msg) {
			d.handleTransferError(msg)
		}
	case network.TypeTransferAborted:
		var msg network.TransferAborted
		if d.decode(payload, &msg) {
			d.handleTransferAborted(msg)
		}
	case network.TypeFileChunk:
		var msg network.FileChunk
		if d.decode(payload, &msg) {
			d.handleFileChunk(msg)
		}
	case network.TypeTransferComplete:
		var msg network.TransferComplete
		if d.decode(payload, &msg) {
			d.handleTransferComplete(msg)
		}
	case network.TypeError:
		var msg network.ErrorMessage
		if d.decode(payload, &msg) {
			d.reportError(&RemoteError{Code: msg.Code, Message: msg.Message})
		}
	default:
		d.logger.WithField("type", msgType).Debug("ignoring message")
	}
}

func (d *Device) decode(payload []byte, msg any) bool {
	if err := network.DecodeMessage(payload, msg); err != nil {
		d.reportError(err)
		return false
	}
	return true
}

func (d *Device) send(msg any) error {
	select {
	case <-d.done:
		return ErrClosed
	default:
	}
	return d.conn.SendMessage(msg)
}

func (d *Device) reportError(err error) {
	if err == nil {
		return
	}
	d.logger.WithError(err).Warn("device error")
	select {
	case d.errors <- err:
	default:
	}
}

func (d *Device) codecFor(peerID string) transfer.Codec {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.codecLocked(peerID)
}

func (d *Device) encodedPublicKey() string {
	if d.publicKey == nil {
		return ""
	}
	return appcrypto.EncodeX25519PublicKey(d.publicKey)
}
