package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"swiftly/network"
	"swiftly/transfer"
)

// ErrNotPaired indicates a transfer between endpoints that never paired.
var ErrNotPaired = errors.New("relay: endpoints are not paired")

// Options controls relay policy.
type Options struct {
	PairingTimeout  time.Duration
	DuplicatePolicy DuplicatePolicy
	// AllowUnpairedTransfers lets any two endpoints exchange files, as the
	// relay did before pairing was enforced.
	AllowUnpairedTransfers bool
	// MaxChunkPayload bounds the encoded length of one chunk. Zero disables the check.
	MaxChunkPayload int
	Logger          logrus.FieldLogger
}

func (o Options) withDefaults() Options {
	if o.PairingTimeout <= 0 {
		o.PairingTimeout = DefaultPairingTimeout
	}
	if o.DuplicatePolicy == "" {
		o.DuplicatePolicy = DuplicateSupersede
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	return o
}

// Relay forwards pairing, transfer and signaling messages between endpoints
// by identifier. It tracks transfer sessions but never holds file payloads.
type Relay struct {
	options  Options
	registry Registry
	pairing  *Coordinator
	sessions *transfer.Manager
	rooms    *rooms
	logger   logrus.FieldLogger
}

// New returns a relay over registry.
func New(registry Registry, options Options) *Relay {
	opts := options.withDefaults()
	return &Relay{
		options:  opts,
		registry: registry,
		pairing: NewCoordinator(registry, CoordinatorOptions{
			Timeout:         opts.PairingTimeout,
			DuplicatePolicy: opts.DuplicatePolicy,
			Logger:          opts.Logger,
		}),
		sessions: transfer.NewManager(transfer.ManagerOptions{}),
		rooms:    newRooms(),
		logger:   opts.Logger,
	}
}

// Registry returns the endpoint registry.
func (r *Relay) Registry() Registry {
	return r.registry
}

// Pairing returns the pairing coordinator.
func (r *Relay) Pairing() *Coordinator {
	return r.pairing
}

// Sessions returns the transfer session manager.
func (r *Relay) Sessions() *transfer.Manager {
	return r.sessions
}

// Connect registers an endpoint and tells it its identifier.
func (r *Relay) Connect(endpoint Endpoint) error {
	if err := r.registry.Register(endpoint); err != nil {
		return err
	}
	r.logger.WithField("endpoint", endpoint.ID()).Info("endpoint connected")

	if err := endpoint.SendMessage(network.WelcomeMessage{
		Type:            network.TypeWelcome,
		ID:              endpoint.ID(),
		ProtocolVersion: network.ProtocolVersion,
	}); err != nil {
		r.Disconnect(endpoint.ID())
		return fmt.Errorf("send welcome: %w", err)
	}
	return nil
}

// Disconnect unregisters an endpoint, aborts its transfers, notifies the
// other party of each, and drops its pairings and room memberships.
func (r *Relay) Disconnect(id string) {
	if !r.registry.Unregister(id) {
		return
	}
	r.pairing.ForgetEndpoint(id)
	r.rooms.leave(id)

	for _, info := range r.sessions.AbortEndpoint(id, "peer disconnected") {
		other := info.Key.SenderID
		if other == id {
			other = info.Key.ReceiverID
		}
		err := r.registry.Send(other, network.TransferAborted{
			Type:   network.TypeTransferAborted,
			FileID: info.Key.Token,
			PeerID: id,
			Reason: info.Reason,
		})
		if err != nil {
			r.logger.WithError(err).WithField("endpoint", other).Debug("abort notice not delivered")
		}
	}
	r.logger.WithField("endpoint", id).Info("endpoint disconnected")
}

// Serve runs the relay over every connection the server accepts until ctx
// ends or the server closes.
func (r *Relay) Serve(ctx context.Context, server *network.Server) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	incoming := server.Incoming()
	errs := server.Errors()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case conn, ok := <-incoming:
			if !ok {
				return nil
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				r.serveConnection(ctx, conn)
			}()
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			r.logger.WithError(err).Warn("relay server error")
		}
	}
}

func (r *Relay) serveConnection(ctx context.Context, conn *network.Connection) {
	defer func() {
		_ = conn.Close()
	}()

	if err := r.Connect(conn); err != nil {
		r.logger.WithError(err).WithField("endpoint", conn.ID()).Warn("endpoint rejected")
		return
	}
	defer r.Disconnect(conn.ID())

	for {
		payload, err := conn.ReceiveMessage(ctx)
		if err != nil {
			if !errors.Is(err, network.ErrConnectionClosed) && !errors.Is(err, context.Canceled) {
				r.logger.WithError(err).WithField("endpoint", conn.ID()).Debug("connection ended")
			}
			return
		}
		r.Handle(conn.ID(), payload)
	}
}

// Handle processes one inbound message from fromID. Malformed or invalid
// input is answered with an error message; it never brings the relay down.
func (r *Relay) Handle(fromID string, payload []byte) {
	defer func() {
		if recovered := recover(); recovered != nil {
			r.logger.WithField("endpoint", fromID).Errorf("panic handling message: %v", recovered)
			r.replyError(fromID, network.ErrorCodeInternal, "internal error")
		}
	}()

	msgType, err := network.DecodeMessageType(payload)
	if err != nil {
		r.replyError(fromID, network.ErrorCodeMalformed, err.Error())
		return
	}

	switch msgType {
	case network.TypePairingRequest:
		var msg network.PairingRequest
		if r.decode(fromID, payload, &msg) {
			r.handlePairingRequest(fromID, msg)
		}
	case network.TypePairingResponse:
		var msg network.PairingResponse
		if r.decode(fromID, payload, &msg) {
			r.handlePairingResponse(fromID, msg)
		}
	case network.TypeTransferRequest:
		var msg network.TransferRequest
		if r.decode(fromID, payload, &msg) {
			r.handleTransferRequest(fromID, msg)
		}
	case network.TypeTransferAccepted, network.TypeTransferDeclined:
		var msg network.TransferResponse
		if r.decode(fromID, payload, &msg) {
			r.handleTransferResponse(fromID, msg, msgType == network.TypeTransferAccepted)
		}
	case network.TypeFileChunk:
		var msg network.FileChunk
		if r.decode(fromID, payload, &msg) {
			r.handleFileChunk(fromID, msg)
		}
	case network.TypeTransferComplete:
		var msg network.TransferComplete
		if r.decode(fromID, payload, &msg) {
			r.handleTransferComplete(fromID, msg)
		}
	case network.TypeTransferResult:
		var msg network.TransferResult
		if r.decode(fromID, payload, &msg) {
			r.handleTransferResult(fromID, msg)
		}
	case network.TypeOffer, network.TypeAnswer, network.TypeICECandidate:
		var msg network.SignalMessage
		if r.decode(fromID, payload, &msg) {
			r.handleSignal(fromID, msg)
		}
	case network.TypeJoinRoom:
		var msg network.JoinRoom
		if r.decode(fromID, payload, &msg) {
			r.handleJoinRoom(fromID, msg)
		}
	default:
		r.replyError(fromID, network.ErrorCodeUnknownType, fmt.Sprintf("unknown message type %q", msgType))
	}
}

// InitiateTransfer opens a session and relays the offer to the receiver.
// An empty token is replaced by a relay-issued one.
func (r *Relay) InitiateTransfer(senderID, receiverID, token string, metadata transfer.Metadata) (transfer.Key, error) {
	if _, err := r.registry.Resolve(receiverID); err != nil {
		return transfer.Key{}, fmt.Errorf("%w: %v", transfer.ErrPeerUnreachable, err)
	}
	if !r.options.AllowUnpairedTransfers && !r.pairing.Paired(senderID, receiverID) {
		return transfer.Key{}, fmt.Errorf("%w: %s and %s", ErrNotPaired, senderID, receiverID)
	}
	if token == "" {
		token = uuid.NewString()
	}

	key := transfer.Key{SenderID: senderID, ReceiverID: receiverID, Token: token}
	if _, err := r.sessions.Open(key, metadata); err != nil {
		return transfer.Key{}, err
	}

	err := r.registry.Send(receiverID, network.TransferRequest{
		Type:     network.TypeTransferRequest,
		SenderID: senderID,
		FileID:   token,
		File:     metadata,
	})
	if err != nil {
		_, _ = r.sessions.Abort(key, "receiver unreachable")
		return transfer.Key{}, fmt.Errorf("%w: %v", transfer.ErrPeerUnreachable, err)
	}

	r.logger.WithFields(logrus.Fields{
		"sender":   senderID,
		"receiver": receiverID,
		"file_id":  token,
		"name":     metadata.Name,
		"size":     metadata.Size,
	}).Info("transfer requested")
	return key, nil
}

// RespondToTransfer records the receiver's decision and relays it to the sender.
// An accepted session streams from this point on.
func (r *Relay) RespondToTransfer(responderID, senderID, token string, accepted bool) (transfer.Key, error) {
	key, err := r.sessions.Resolve(senderID, responderID, token)
	if err != nil {
		return transfer.Key{}, err
	}
	if _, err := r.sessions.Respond(key, accepted); err != nil {
		return key, err
	}

	msgType := network.TypeTransferDeclined
	if accepted {
		msgType = network.TypeTransferAccepted
		if _, err := r.sessions.BeginStreaming(key); err != nil {
			return key, err
		}
	}

	err = r.registry.Send(senderID, network.TransferResponse{
		Type:        msgType,
		ResponderID: responderID,
		FileID:      key.Token,
	})
	if err != nil {
		if accepted {
			r.abortAndNotify(key, responderID, "sender unreachable")
		}
		return key, fmt.Errorf("%w: %v", transfer.ErrPeerUnreachable, err)
	}

	r.logger.WithFields(logrus.Fields{
		"sender":   senderID,
		"receiver": responderID,
		"file_id":  key.Token,
		"accepted": accepted,
	}).Info("transfer answered")
	return key, nil
}

// SubmitChunk accounts for a chunk and forwards it to the receiver. Duplicate
// indices are dropped without forwarding.
func (r *Relay) SubmitChunk(senderID string, msg network.FileChunk) error {
	if r.options.MaxChunkPayload > 0 && len(msg.Chunk) > r.options.MaxChunkPayload {
		return fmt.Errorf("%w: payload of %d bytes exceeds %d", transfer.ErrInvalidChunk, len(msg.Chunk), r.options.MaxChunkPayload)
	}

	key, err := r.sessions.Resolve(senderID, msg.TargetID, msg.FileID)
	if err != nil {
		return fmt.Errorf("%w: %w", transfer.ErrInvalidChunk, err)
	}

	added, err := r.sessions.SubmitChunk(key, transfer.Chunk{Index: msg.ChunkIndex, TotalChunks: msg.TotalChunks})
	if err != nil {
		return err
	}
	if !added {
		return nil
	}

	err = r.registry.Send(key.ReceiverID, network.FileChunk{
		Type:        network.TypeFileChunk,
		SenderID:    senderID,
		FileID:      key.Token,
		Chunk:       msg.Chunk,
		ChunkIndex:  msg.ChunkIndex,
		TotalChunks: msg.TotalChunks,
	})
	if err != nil {
		r.abortAndNotify(key, key.ReceiverID, "receiver unreachable")
		return fmt.Errorf("%w: %v", transfer.ErrPeerUnreachable, err)
	}

	r.logger.WithFields(logrus.Fields{
		"file_id":     key.Token,
		"chunk_index": msg.ChunkIndex,
		"total":       msg.TotalChunks,
	}).Debug("chunk relayed")
	return nil
}

// FinalizeTransfer completes a session once every chunk has passed through
// and tells the receiver. With gaps it fails with ErrIncompleteTransfer and
// the session keeps streaming.
func (r *Relay) FinalizeTransfer(senderID, receiverID, token string) (transfer.Key, error) {
	key, err := r.sessions.Resolve(senderID, receiverID, token)
	if err != nil {
		return transfer.Key{}, err
	}
	if _, err := r.sessions.Finalize(key, nil); err != nil {
		return key, err
	}

	err = r.registry.Send(receiverID, network.TransferComplete{
		Type:     network.TypeTransferComplete,
		SenderID: senderID,
		FileID:   key.Token,
	})
	if err != nil {
		return key, fmt.Errorf("%w: %v", transfer.ErrPeerUnreachable, err)
	}

	r.logger.WithFields(logrus.Fields{
		"sender":   senderID,
		"receiver": receiverID,
		"file_id":  key.Token,
	}).Info("transfer complete")
	return key, nil
}

func (r *Relay) handlePairingRequest(fromID string, msg network.PairingRequest) {
	if _, err := r.pairing.InitiatePairing(fromID, msg.TargetID, msg.PublicKey); err != nil {
		r.logger.WithError(err).WithFields(logrus.Fields{
			"requester": fromID,
			"target":    msg.TargetID,
		}).Info("pairing request rejected")
		r.send(fromID, network.PairingError{
			Type:     network.TypePairingError,
			Code:     PairingErrorCode(err),
			Message:  err.Error(),
			TargetID: msg.TargetID,
		})
	}
}

func (r *Relay) handlePairingResponse(fromID string, msg network.PairingResponse) {
	if err := r.pairing.RespondToPairing(fromID, msg.TargetID, msg.Accepted, msg.PublicKey); err != nil {
		code := PairingErrorCode(err)
		if errors.Is(err, ErrNoPendingPairing) {
			code = network.PairingCodeNoPending
		}
		r.send(fromID, network.PairingCancelled{
			Type:        network.TypePairingCancelled,
			Code:        code,
			Message:     err.Error(),
			RequesterID: msg.TargetID,
		})
	}
}

func (r *Relay) handleTransferRequest(fromID string, msg network.TransferRequest) {
	if _, err := r.InitiateTransfer(fromID, msg.TargetID, msg.FileID, msg.File); err != nil {
		r.sendTransferError(fromID, msg.FileID, err, nil)
	}
}

func (r *Relay) handleTransferResponse(fromID string, msg network.TransferResponse, accepted bool) {
	if _, err := r.RespondToTransfer(fromID, msg.TargetID, msg.FileID, accepted); err != nil {
		r.sendTransferError(fromID, msg.FileID, err, nil)
	}
}

func (r *Relay) handleFileChunk(fromID string, msg network.FileChunk) {
	if err := r.SubmitChunk(fromID, msg); err != nil {
		index := msg.ChunkIndex
		r.logger.WithError(err).WithFields(logrus.Fields{
			"endpoint":    fromID,
			"file_id":     msg.FileID,
			"chunk_index": index,
		}).Warn("chunk rejected")
		r.sendTransferError(fromID, msg.FileID, err, &index)
	}
}

func (r *Relay) handleTransferComplete(fromID string, msg network.TransferComplete) {
	if _, err := r.FinalizeTransfer(fromID, msg.TargetID, msg.FileID); err != nil {
		r.sendTransferError(fromID, msg.FileID, err, nil)
	}
}

func (r *Relay) handleTransferResult(fromID string, msg network.TransferResult) {
	if msg.Status == network.TransferStatusFailed {
		key := transfer.Key{SenderID: msg.TargetID, ReceiverID: fromID, Token: msg.FileID}
		if _, err := r.sessions.Abort(key, "receiver failed: "+msg.Message); err == nil {
			r.logger.WithField("file_id", msg.FileID).Info("transfer failed on receiver")
		}
	}
	err := r.registry.Send(msg.TargetID, network.TransferResult{
		Type:        network.TypeTransferResult,
		ResponderID: fromID,
		FileID:      msg.FileID,
		Status:      msg.Status,
		Message:     msg.Message,
	})
	if err != nil {
		r.logger.WithError(err).WithField("file_id", msg.FileID).Debug("transfer result not delivered")
	}
}

func (r *Relay) handleSignal(fromID string, msg network.SignalMessage) {
	target := msg.Target
	msg.Target = ""
	msg.Sender = fromID
	if err := r.registry.Send(target, msg); err != nil {
		r.replyError(fromID, network.PairingCodeTargetNotFound, err.Error())
	}
}

func (r *Relay) handleJoinRoom(fromID string, msg network.JoinRoom) {
	if msg.RoomID == "" {
		r.replyError(fromID, network.ErrorCodeMalformed, "roomId is required")
		return
	}
	for _, member := range r.rooms.join(msg.RoomID, fromID) {
		r.send(member, network.PeerJoined{
			Type:   network.TypePeerJoined,
			PeerID: fromID,
			RoomID: msg.RoomID,
		})
	}
}

func (r *Relay) abortAndNotify(key transfer.Key, missingID, reason string) {
	info, err := r.sessions.Abort(key, reason)
	if err != nil {
		return
	}
	other := key.SenderID
	if other == missingID {
		other = key.ReceiverID
	}
	r.send(other, network.TransferAborted{
		Type:   network.TypeTransferAborted,
		FileID: key.Token,
		PeerID: missingID,
		Reason: info.Reason,
	})
}

func (r *Relay) decode(fromID string, payload []byte, msg any) bool {
	if err := network.DecodeMessage(payload, msg); err != nil {
		r.replyError(fromID, network.ErrorCodeMalformed, err.Error())
		return false
	}
	return true
}

func (r *Relay) sendTransferError(toID, fileID string, err error, chunkIndex *int) {
	r.send(toID, network.TransferError{
		Type:       network.TypeTransferError,
		FileID:     fileID,
		Code:       TransferErrorCode(err),
		Message:    err.Error(),
		ChunkIndex: chunkIndex,
	})
}

func (r *Relay) replyError(toID, code, message string) {
	r.send(toID, network.NewErrorMessage(code, message))
}

func (r *Relay) send(toID string, message any) {
	if err := r.registry.Send(toID, message); err != nil {
		r.logger.WithError(err).WithField("endpoint", toID).Debug("message not delivered")
	}
}

// TransferErrorCode maps a transfer failure to its wire code.
func TransferErrorCode(err error) string {
	switch {
	case errors.Is(err, transfer.ErrPeerUnreachable):
		return network.TransferCodePeerUnreachable
	case errors.Is(err, ErrNotPaired):
		return network.TransferCodeNotPaired
	case errors.Is(err, transfer.ErrInvalidChunk):
		return network.TransferCodeInvalidChunk
	case errors.Is(err, transfer.ErrIncompleteTransfer):
		return network.TransferCodeIncomplete
	default:
		return network.TransferCodeInvalidRequest
	}
}
