package network

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"swiftly/transfer"
)

const (
	// ProtocolVersion is the current wire protocol version.
	ProtocolVersion = 1
	// DefaultPath is the WebSocket endpoint served by the relay.
	DefaultPath = "/ws"
	// DefaultMaxMessageSize bounds one inbound message (4 MB). A default
	// chunk is 64 KiB of payload plus a small JSON envelope.
	DefaultMaxMessageSize = 4 * 1024 * 1024
	// DefaultConnectionTimeout bounds the WebSocket opening handshake.
	DefaultConnectionTimeout = 30 * time.Second
	// DefaultKeepAliveInterval sends a ping on every connection this often.
	DefaultKeepAliveInterval = 25 * time.Second
	// DefaultKeepAliveTimeout waits this long past the interval for any traffic.
	DefaultKeepAliveTimeout = 15 * time.Second
	// DefaultWriteTimeout bounds one outbound write.
	DefaultWriteTimeout = 10 * time.Second
)

const (
	TypeWelcome          = "welcome"
	TypePairingRequest   = "pairing-request"
	TypePairingResponse  = "pairing-response"
	TypePairingError     = "pairing-error"
	TypePairingCancelled = "pairing-cancelled"
	TypeTransferRequest  = "transfer-request"
	TypeTransferAccepted = "transfer-accepted"
	TypeTransferDeclined = "transfer-declined"
	TypeFileChunk        = "file-chunk"
	TypeTransferComplete = "transfer-complete"
	TypeTransferResult   = "transfer-result"
	TypeTransferAborted  = "transfer-aborted"
	TypeTransferError    = "transfer-error"
	TypeOffer            = "offer"
	TypeAnswer           = "answer"
	TypeICECandidate     = "ice-candidate"
	TypeJoinRoom         = "join-room"
	TypePeerJoined       = "peer-joined"
	TypeError            = "error"
)

// Pairing error codes.
const (
	PairingCodeTargetNotFound   = "target_not_found"
	PairingCodeTimedOut         = "timed_out"
	PairingCodePeerDisconnected = "peer_disconnected"
	PairingCodeInProgress       = "pairing_in_progress"
	PairingCodeSuperseded       = "superseded"
	PairingCodeInvalidTarget    = "invalid_target"
	PairingCodeNoPending        = "no_pending_pairing"
)

// Transfer error codes.
const (
	TransferCodePeerUnreachable = "peer_unreachable"
	TransferCodeNotPaired       = "not_paired"
	TransferCodeInvalidChunk    = "invalid_chunk"
	TransferCodeIncomplete      = "incomplete_transfer"
	TransferCodeInvalidRequest  = "invalid_request"
)

// Transfer result statuses.
const (
	TransferStatusCompleted = "completed"
	TransferStatusFailed    = "failed"
)

// Generic error codes.
const (
	ErrorCodeMalformed   = "malformed_message"
	ErrorCodeUnknownType = "unknown_type"
	ErrorCodeInternal    = "internal_error"
)

var (
	// ErrInvalidMessageType indicates the message type is missing or unknown.
	ErrInvalidMessageType = errors.New("network: invalid message type")
	// ErrConnectionClosed indicates the connection is no longer usable.
	ErrConnectionClosed = errors.New("network: connection closed")
	// ErrPongTimeout indicates keep-alive timed out waiting for traffic.
	ErrPongTimeout = errors.New("network: pong timeout")
)

// Envelope identifies the protocol message type.
type Envelope struct {
	Type string `json:"type"`
}

// WelcomeMessage tells a freshly connected endpoint its identifier.
type WelcomeMessage struct {
	Type            string `json:"type"`
	ID              string `json:"id"`
	ProtocolVersion int    `json:"protocolVersion"`
}

// PairingRequest carries targetId inbound and requesterId once relayed.
// The relay stamps PairingID on the relayed copy.
type PairingRequest struct {
	Type        string `json:"type"`
	TargetID    string `json:"targetId,omitempty"`
	RequesterID string `json:"requesterId,omitempty"`
	PairingID   string `json:"pairingId,omitempty"`
	PublicKey   string `json:"publicKey,omitempty"`
}

// PairingResponse carries targetId inbound and responderId once relayed.
type PairingResponse struct {
	Type        string `json:"type"`
	TargetID    string `json:"targetId,omitempty"`
	ResponderID string `json:"responderId,omitempty"`
	Accepted    bool   `json:"accepted"`
	PublicKey   string `json:"publicKey,omitempty"`
}

// PairingError resolves a requester's pending pairing without a response.
type PairingError struct {
	Type     string `json:"type"`
	Code     string `json:"code"`
	Message  string `json:"message"`
	TargetID string `json:"targetId,omitempty"`
}

// PairingCancelled tells a target that a relayed pairing request is no longer
// answerable. PairingID is empty when the relay has no handshake to name.
type PairingCancelled struct {
	Type        string `json:"type"`
	Code        string `json:"code"`
	Message     string `json:"message"`
	RequesterID string `json:"requesterId"`
	PairingID   string `json:"pairingId,omitempty"`
}

// TransferRequest offers a file. FileID is the session token.
type TransferRequest struct {
	Type     string            `json:"type"`
	TargetID string            `json:"targetId,omitempty"`
	SenderID string            `json:"senderId,omitempty"`
	FileID   string            `json:"fileId,omitempty"`
	File     transfer.Metadata `json:"file"`
}

// TransferResponse is sent as transfer-accepted or transfer-declined.
type TransferResponse struct {
	Type        string `json:"type"`
	TargetID    string `json:"targetId,omitempty"`
	ResponderID string `json:"responderId,omitempty"`
	FileID      string `json:"fileId,omitempty"`
}

// FileChunk carries one encoded chunk.
type FileChunk struct {
	Type        string `json:"type"`
	TargetID    string `json:"targetId,omitempty"`
	SenderID    string `json:"senderId,omitempty"`
	FileID      string `json:"fileId,omitempty"`
	Chunk       string `json:"chunk"`
	ChunkIndex  int    `json:"chunkIndex"`
	TotalChunks int    `json:"totalChunks"`
}

// TransferComplete tells the receiver no more chunks follow.
type TransferComplete struct {
	Type     string `json:"type"`
	TargetID string `json:"targetId,omitempty"`
	SenderID string `json:"senderId,omitempty"`
	FileID   string `json:"fileId,omitempty"`
}

// TransferResult reports the receiver's finalization outcome to the sender.
type TransferResult struct {
	Type        string `json:"type"`
	TargetID    string `json:"targetId,omitempty"`
	ResponderID string `json:"responderId,omitempty"`
	FileID      string `json:"fileId"`
	Status      string `json:"status"`
	Message     string `json:"message,omitempty"`
}

// TransferAborted tells a party its session was torn down.
type TransferAborted struct {
	Type   string `json:"type"`
	FileID string `json:"fileId"`
	PeerID string `json:"peerId"`
	Reason string `json:"reason"`
}

// TransferError reports a rejected transfer operation to its originator.
type TransferError struct {
	Type       string `json:"type"`
	FileID     string `json:"fileId,omitempty"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	ChunkIndex *int   `json:"chunkIndex,omitempty"`
}

// SignalMessage is an opaque offer, answer or ice-candidate relayed between peers.
type SignalMessage struct {
	Type      string          `json:"type"`
	Target    string          `json:"target,omitempty"`
	Sender    string          `json:"sender,omitempty"`
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

// JoinRoom adds the sender to a named room.
type JoinRoom struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
}

// PeerJoined announces a new room member to existing members.
type PeerJoined struct {
	Type   string `json:"type"`
	PeerID string `json:"peerId"`
	RoomID string `json:"roomId"`
}

// ErrorMessage reports protocol errors.
type ErrorMessage struct {
	Type      string `json:"type"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// NewErrorMessage builds an error message stamped with the current time.
func NewErrorMessage(code, message string) ErrorMessage {
	return ErrorMessage{
		Type:      TypeError,
		Code:      code,
		Message:   message,
		Timestamp: time.Now().UnixMilli(),
	}
}

// EncodeJSON marshals a protocol message to JSON.
func EncodeJSON(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal protocol message: %w", err)
	}
	return payload, nil
}

// DecodeMessageType extracts the "type" field from a payload.
func DecodeMessageType(payload []byte) (string, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if envelope.Type == "" {
		return "", ErrInvalidMessageType
	}
	return envelope.Type, nil
}

// DecodeMessage unmarshals payload into a typed message.
func DecodeMessage(payload []byte, message any) error {
	if err := json.Unmarshal(payload, message); err != nil {
		return fmt.Errorf("decode %T: %w", message, err)
	}
	return nil
}
