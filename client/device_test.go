package client

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swiftly/network"
	"swiftly/relay"
	"swiftly/storage"
	"swiftly/transfer"
)

func quietLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func startRelay(t *testing.T, options relay.Options) string {
	t.Helper()

	server, err := network.Listen("127.0.0.1:0", network.ServerOptions{})
	require.NoError(t, err)

	options.Logger = quietLogger()
	r := relay.New(relay.NewMemoryRegistry(), options)
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan struct{})
	go func() {
		defer close(served)
		_ = r.Serve(ctx, server)
	}()
	t.Cleanup(func() {
		cancel()
		_ = server.Close()
		<-served
	})

	return fmt.Sprintf("ws://%s%s", server.Addr().String(), server.Path())
}

func dialDevice(t *testing.T, url string, options Options) *Device {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	options.Logger = quietLogger()
	device, err := Dial(ctx, url, options)
	require.NoError(t, err)
	require.NotEmpty(t, device.ID())
	t.Cleanup(func() {
		_ = device.Close()
	})
	return device
}

func testContext(t *testing.T) context.Context {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// receivedCollector gathers OnReceived callbacks.
type receivedCollector struct {
	ch chan Received
}

func newReceivedCollector() *receivedCollector {
	return &receivedCollector{ch: make(chan Received, 8)}
}

func (c *receivedCollector) record(received Received) {
	c.ch <- received
}

func (c *receivedCollector) next(t *testing.T) Received {
	t.Helper()

	select {
	case received := <-c.ch:
		return received
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for a received file")
		return Received{}
	}
}

func TestHelloInTwoByteChunks(t *testing.T) {
	url := startRelay(t, relay.Options{})

	var (
		progressMu sync.Mutex
		percents   []int
	)
	received := newReceivedCollector()
	bob := dialDevice(t, url, Options{
		AutoAcceptPairing: true,
		OnReceived:        received.record,
		OnProgress: func(progress transfer.Progress) {
			progressMu.Lock()
			percents = append(percents, progress.Percent)
			progressMu.Unlock()
		},
	})
	alice := dialDevice(t, url, Options{ChunkSize: 2})
	require.NotEqual(t, alice.ID(), bob.ID())

	ctx := testContext(t)
	pairing, err := alice.Pair(ctx, bob.ID())
	require.NoError(t, err)
	assert.Equal(t, bob.ID(), pairing.PeerID)
	assert.False(t, pairing.Encrypted)
	assert.Equal(t, []string{bob.ID()}, alice.Peers())

	result, err := alice.SendFile(ctx, bob.ID(), BytesSource("hello.txt", "text/plain", []byte("hello")))
	require.NoError(t, err)
	assert.Equal(t, 3, result.Chunks)
	assert.Equal(t, uint64(5), result.Bytes)

	got := received.next(t)
	require.NoError(t, got.Err)
	assert.Equal(t, alice.ID(), got.Offer.SenderID)
	assert.Equal(t, result.FileID, got.Offer.FileID)
	assert.Equal(t, "hello.txt", got.Offer.File.Name)

	sink, ok := got.Sink.(*MemorySink)
	require.True(t, ok)
	assert.Equal(t, "hello", string(sink.Bytes()))

	progressMu.Lock()
	defer progressMu.Unlock()
	if diff := cmp.Diff([]int{33, 66, 100}, percents); diff != "" {
		t.Fatalf("unexpected receive progress (-want +got):\n%s", diff)
	}
	assert.Empty(t, bob.Sessions())
}

func TestEncryptedTransferSpooledToDisk(t *testing.T) {
	url := startRelay(t, relay.Options{})

	spool, _, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = spool.Close()
	})

	filesDir := t.TempDir()
	received := newReceivedCollector()
	bob := dialDevice(t, url, Options{
		Encrypt:           true,
		AutoAcceptPairing: true,
		NewSink:           DirSinks(filesDir),
		NewStore:          spool.ChunkStore,
		OnReceived:        received.record,
	})
	alice := dialDevice(t, url, Options{Encrypt: true, ChunkSize: 16 * 1024})

	ctx := testContext(t)
	pairing, err := alice.Pair(ctx, bob.ID())
	require.NoError(t, err)
	require.True(t, pairing.Encrypted)

	aliceFingerprint, ok := alice.Fingerprint(bob.ID())
	require.True(t, ok)
	bobFingerprint, ok := bob.Fingerprint(alice.ID())
	require.True(t, ok)
	assert.Equal(t, aliceFingerprint, bobFingerprint)

	content := make([]byte, 100*1024+7)
	_, err = rand.Read(content)
	require.NoError(t, err)

	sourcePath := filepath.Join(t.TempDir(), "photo.jpg")
	require.NoError(t, os.WriteFile(sourcePath, content, 0o600))
	source, err := OpenFileSource(sourcePath)
	require.NoError(t, err)
	defer func() {
		_ = source.Close()
	}()
	assert.Equal(t, "image/jpeg", source.Metadata().MimeType)

	result, err := alice.SendFile(ctx, bob.ID(), source)
	require.NoError(t, err)
	assert.Equal(t, 7, result.Chunks)

	got := received.next(t)
	require.NoError(t, got.Err)
	assert.Equal(t, filepath.Join(filesDir, result.FileID+"_photo.jpg"), got.Location)

	onDisk, err := os.ReadFile(got.Location)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(content, onDisk), "file on disk differs from source")

	_, err = os.Stat(got.Location + ".part")
	assert.True(t, os.IsNotExist(err), "partial file should be renamed away")

	stats, err := spool.Stats(transfer.Key{SenderID: alice.ID(), ReceiverID: bob.ID(), Token: result.FileID}.String())
	require.NoError(t, err)
	assert.Zero(t, stats.Chunks, "spool is released after finalize")
}

func TestDeclinedTransfer(t *testing.T) {
	url := startRelay(t, relay.Options{})

	offers := make(chan TransferOffer, 1)
	bob := dialDevice(t, url, Options{
		AutoAcceptPairing: true,
		OnTransferRequest: func(offer TransferOffer) (bool, error) {
			offers <- offer
			return false, nil
		},
	})
	alice := dialDevice(t, url, Options{})

	ctx := testContext(t)
	_, err := alice.Pair(ctx, bob.ID())
	require.NoError(t, err)

	_, err = alice.SendFile(ctx, bob.ID(), BytesSource("secret.txt", "text/plain", []byte("no thanks")))
	assert.ErrorIs(t, err, transfer.ErrDeclined)

	offer := <-offers
	assert.Equal(t, "secret.txt", offer.File.Name)
	assert.Equal(t, uint64(9), offer.File.Size)
	assert.Empty(t, bob.Sessions())
}

func TestZeroByteFile(t *testing.T) {
	url := startRelay(t, relay.Options{})

	received := newReceivedCollector()
	bob := dialDevice(t, url, Options{AutoAcceptPairing: true, OnReceived: received.record})
	alice := dialDevice(t, url, Options{})

	ctx := testContext(t)
	_, err := alice.Pair(ctx, bob.ID())
	require.NoError(t, err)

	result, err := alice.SendFile(ctx, bob.ID(), BytesSource("empty", "", nil))
	require.NoError(t, err)
	assert.Zero(t, result.Chunks)

	got := received.next(t)
	require.NoError(t, got.Err)
	assert.Empty(t, got.Sink.(*MemorySink).Bytes())
}

func TestPairUnknownTarget(t *testing.T) {
	url := startRelay(t, relay.Options{})
	alice := dialDevice(t, url, Options{})

	_, err := alice.Pair(testContext(t), "nobody-home")
	assert.ErrorIs(t, err, relay.ErrTargetNotFound)

	var remote *RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, network.PairingCodeTargetNotFound, remote.Code)
}

func TestPairingAnsweredManually(t *testing.T) {
	url := startRelay(t, relay.Options{})

	bob := dialDevice(t, url, Options{})
	alice := dialDevice(t, url, Options{})

	outcome := make(chan error, 1)
	go func() {
		_, err := alice.Pair(testContext(t), bob.ID())
		outcome <- err
	}()

	require.Eventually(t, func() bool {
		return len(bob.PendingPairings()) == 1
	}, 3*time.Second, 10*time.Millisecond)
	pending := bob.PendingPairings()[0]
	assert.Equal(t, alice.ID(), pending.RequesterID)
	assert.Empty(t, pending.Fingerprint)

	_, err := bob.RespondToPairing(alice.ID(), false)
	require.NoError(t, err)
	assert.ErrorIs(t, <-outcome, ErrPairingDeclined)
	assert.Empty(t, bob.Peers())

	_, err = bob.RespondToPairing(alice.ID(), true)
	assert.ErrorIs(t, err, relay.ErrNoPendingPairing)
}

func TestPairingTimesOutAtRelay(t *testing.T) {
	url := startRelay(t, relay.Options{PairingTimeout: 100 * time.Millisecond})

	bob := dialDevice(t, url, Options{})
	alice := dialDevice(t, url, Options{})

	started := time.Now()
	_, err := alice.Pair(testContext(t), bob.ID())
	assert.ErrorIs(t, err, relay.ErrTimedOut)
	assert.Less(t, time.Since(started), 2*time.Second)
}

func TestTimedOutPairingIsWithdrawnAtTarget(t *testing.T) {
	url := startRelay(t, relay.Options{PairingTimeout: 100 * time.Millisecond})

	bob := dialDevice(t, url, Options{})
	alice := dialDevice(t, url, Options{})

	_, err := alice.Pair(testContext(t), bob.ID())
	require.ErrorIs(t, err, relay.ErrTimedOut)

	require.Eventually(t, func() bool {
		return len(bob.PendingPairings()) == 0
	}, 3*time.Second, 10*time.Millisecond)

	_, err = bob.RespondToPairing(alice.ID(), true)
	assert.ErrorIs(t, err, relay.ErrNoPendingPairing)
	assert.Empty(t, bob.Peers())
	assert.Empty(t, alice.Peers())
}

func TestRefusedPairingAnswerForgetsPeer(t *testing.T) {
	url := startRelay(t, relay.Options{})

	bob := dialDevice(t, url, Options{})
	alice := dialDevice(t, url, Options{})

	// An answer that crossed the relay's timeout on the wire.
	_, err := bob.addPeer(alice.ID(), "")
	require.NoError(t, err)
	require.NoError(t, bob.send(network.PairingResponse{
		Type:     network.TypePairingResponse,
		TargetID: alice.ID(),
		Accepted: true,
	}))

	select {
	case err := <-bob.Errors():
		assert.ErrorIs(t, err, relay.ErrNoPendingPairing)
	case <-time.After(3 * time.Second):
		t.Fatalf("expected the relay to refuse the answer")
	}
	assert.Empty(t, bob.Peers())
}

func TestSendRequiresPairing(t *testing.T) {
	url := startRelay(t, relay.Options{})

	bob := dialDevice(t, url, Options{})
	alice := dialDevice(t, url, Options{})

	_, err := alice.SendFile(testContext(t), bob.ID(), BytesSource("a.txt", "text/plain", []byte("a")))
	assert.ErrorIs(t, err, relay.ErrNotPaired)
}

func TestReceiverDisconnectAbortsSender(t *testing.T) {
	url := startRelay(t, relay.Options{})

	offered := make(chan struct{})
	release := make(chan struct{})
	bob := dialDevice(t, url, Options{
		AutoAcceptPairing: true,
		OnTransferRequest: func(TransferOffer) (bool, error) {
			close(offered)
			<-release
			return true, nil
		},
	})
	alice := dialDevice(t, url, Options{})

	ctx := testContext(t)
	_, err := alice.Pair(ctx, bob.ID())
	require.NoError(t, err)

	outcome := make(chan error, 1)
	go func() {
		_, err := alice.SendFile(ctx, bob.ID(), BytesSource("a.txt", "text/plain", []byte("abc")))
		outcome <- err
	}()

	<-offered
	require.NoError(t, bob.Close())
	close(release)

	assert.ErrorIs(t, <-outcome, transfer.ErrAborted)
}

func TestInvalidChunkIsDroppedWithoutAbort(t *testing.T) {
	url := startRelay(t, relay.Options{})
	bob := dialDevice(t, url, Options{})

	key := transfer.Key{SenderID: "alice", ReceiverID: bob.ID(), Token: "f1"}
	offer := TransferOffer{SenderID: "alice", FileID: "f1", File: transfer.Metadata{Name: "hello.txt", Size: 5}}
	_, err := bob.sessions.Open(key, offer.File)
	require.NoError(t, err)
	_, err = bob.sessions.Respond(key, true)
	require.NoError(t, err)
	_, err = bob.sessions.BeginStreaming(key)
	require.NoError(t, err)
	bob.mu.Lock()
	bob.inbound[key] = &inboundTransfer{key: key, offer: offer, codec: transfer.Base64Codec{}}
	bob.mu.Unlock()

	chunk := func(index, total int, payload string) network.FileChunk {
		encoded, err := transfer.Base64Codec{}.Encode([]byte(payload))
		require.NoError(t, err)
		return network.FileChunk{
			Type:        network.TypeFileChunk,
			SenderID:    "alice",
			FileID:      "f1",
			ChunkIndex:  index,
			TotalChunks: total,
			Chunk:       encoded,
		}
	}

	bob.handleFileChunk(chunk(0, 3, "he"))
	bob.handleFileChunk(chunk(7, 3, "zz"))

	select {
	case err := <-bob.Errors():
		assert.ErrorIs(t, err, transfer.ErrInvalidChunk)
	case <-time.After(3 * time.Second):
		t.Fatalf("expected the out-of-range chunk to be reported")
	}

	info, ok := bob.sessions.Get(key)
	require.True(t, ok, "session must survive an invalid chunk")
	assert.Equal(t, transfer.StateStreaming, info.State)
	assert.Equal(t, 1, info.Received)
	assert.NotNil(t, bob.inboundFor(key))

	bob.handleFileChunk(chunk(1, 3, "ll"))
	info, _ = bob.sessions.Get(key)
	assert.Equal(t, 2, info.Received)
}
