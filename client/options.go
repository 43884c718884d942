package client

import (
	"time"

	"github.com/sirupsen/logrus"

	"swiftly/network"
	"swiftly/transfer"
)

const (
	// DefaultResponseTimeout bounds the wait for a receiver's accept or decline.
	DefaultResponseTimeout = 2 * time.Minute
	// DefaultResultTimeout bounds the wait for the receiver's transfer-result.
	DefaultResultTimeout = time.Minute
)

// PairingRequestNotification describes an inbound pairing request.
type PairingRequestNotification struct {
	RequesterID string
	ReceivedAt  time.Time
	// Fingerprint is set when both sides exchanged keys, for out-of-band comparison.
	Fingerprint string
}

// TransferOffer describes an inbound file offer.
type TransferOffer struct {
	SenderID string
	FileID   string
	File     transfer.Metadata
}

// Received reports the end of one inbound transfer.
type Received struct {
	Offer    TransferOffer
	Sink     Sink
	Location string
	Err      error
}

// Options controls a Device.
type Options struct {
	Dial network.DialOptions

	// ChunkSize is the raw byte length of every chunk but the last.
	ChunkSize       int
	// ChunksPerSecond paces sends; a negative value disables pacing.
	ChunksPerSecond float64
	PacerBurst      int

	// Encrypt exchanges ephemeral X25519 keys during pairing and seals
	// chunks between peers that both did so.
	Encrypt bool

	// AutoAcceptPairing answers every pairing request with accept.
	AutoAcceptPairing bool
	// OnPairingRequest decides requests when AutoAcceptPairing is off. When
	// nil, requests wait in PendingPairings for RespondToPairing.
	OnPairingRequest func(PairingRequestNotification) (bool, error)

	// OnTransferRequest decides inbound offers. When nil every offer is accepted.
	OnTransferRequest func(TransferOffer) (bool, error)
	// NewSink opens the destination of an accepted transfer. Defaults to a
	// MemorySink per transfer.
	NewSink SinkFactory
	// NewStore buffers inbound chunks. Defaults to transfer.NewMemoryStore.
	NewStore transfer.StoreFactory

	OnProgress func(transfer.Progress)
	OnReceived func(Received)

	ResponseTimeout time.Duration
	ResultTimeout   time.Duration

	Logger logrus.FieldLogger
}

func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = transfer.DefaultChunkSize
	}
	if o.ChunksPerSecond == 0 {
		o.ChunksPerSecond = transfer.DefaultChunksPerSecond
	}
	if o.PacerBurst <= 0 {
		o.PacerBurst = transfer.DefaultPaceBurst
	}
	if o.NewSink == nil {
		o.NewSink = MemorySinks
	}
	if o.NewStore == nil {
		o.NewStore = transfer.NewMemoryStore
	}
	if o.ResponseTimeout <= 0 {
		o.ResponseTimeout = DefaultResponseTimeout
	}
	if o.ResultTimeout <= 0 {
		o.ResultTimeout = DefaultResultTimeout
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	return o
}
