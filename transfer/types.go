package transfer

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrPeerUnreachable indicates the receiving endpoint could not be resolved.
	ErrPeerUnreachable = errors.New("transfer: peer unreachable")
	// ErrInvalidChunk indicates a chunk that cannot belong to any streaming session.
	ErrInvalidChunk = errors.New("transfer: invalid chunk")
	// ErrIncompleteTransfer indicates finalization was attempted with missing chunks.
	ErrIncompleteTransfer = errors.New("transfer: incomplete transfer")
	// ErrDeclined indicates the receiver declined the transfer.
	ErrDeclined = errors.New("transfer: declined by receiver")
	// ErrAborted indicates the session was torn down before completion.
	ErrAborted = errors.New("transfer: aborted")
	// ErrSessionNotFound indicates no session matches the given key.
	ErrSessionNotFound = errors.New("transfer: session not found")
	// ErrSessionExists indicates a session with the same key is already open.
	ErrSessionExists = errors.New("transfer: session already exists")
	// ErrAmbiguousSession indicates a token-less lookup matched more than one session.
	ErrAmbiguousSession = errors.New("transfer: ambiguous session")
	// ErrInvalidState indicates an operation that the session state does not allow.
	ErrInvalidState = errors.New("transfer: invalid session state")
	// ErrIntegrity indicates the reassembled file does not match its metadata.
	ErrIntegrity = errors.New("transfer: integrity check failed")
)

// State is the lifecycle state of one transfer session.
type State string

const (
	StateRequested State = "REQUESTED"
	StateAccepted  State = "ACCEPTED"
	StateDeclined  State = "DECLINED"
	StateStreaming State = "STREAMING"
	StateCompleted State = "COMPLETED"
	StateAborted   State = "ABORTED"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	switch s {
	case StateDeclined, StateCompleted, StateAborted:
		return true
	default:
		return false
	}
}

// Metadata describes the file being offered. Size is the declared byte count.
type Metadata struct {
	Name     string `json:"name"`
	Size     uint64 `json:"size"`
	MimeType string `json:"type"`
	Checksum string `json:"checksum,omitempty"`
}

// Validate rejects metadata that cannot describe a file.
func (m Metadata) Validate() error {
	if m.Name == "" {
		return errors.New("file name is required")
	}
	return nil
}

// Key identifies a session. Two transfers between the same pair differ by token.
type Key struct {
	SenderID   string
	ReceiverID string
	Token      string
}

func (k Key) String() string {
	return fmt.Sprintf("%s->%s/%s", k.SenderID, k.ReceiverID, k.Token)
}

// Involves reports whether endpointID is either party of the session.
func (k Key) Involves(endpointID string) bool {
	return k.SenderID == endpointID || k.ReceiverID == endpointID
}

// Chunk is one contiguous slice of the file. Payload is the decoded bytes and
// may be nil when the holder only tracks indices.
type Chunk struct {
	Index       int
	TotalChunks int
	Payload     []byte
}

// Progress reports the share of distinct chunks received so far.
type Progress struct {
	Key      Key
	Received int
	Total    int
	Percent  int
}

// Info is a point-in-time copy of a session.
type Info struct {
	Key       Key
	Metadata  Metadata
	State     State
	Received  int
	Total     int
	Reason    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

func percent(received, total int) int {
	if total <= 0 {
		return 0
	}
	return received * 100 / total
}
