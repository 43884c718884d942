package transfer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"
)

// Session is the state machine of one file moving between two endpoints.
// It is not safe for concurrent use; Manager serializes access.
type Session struct {
	key         Key
	metadata    Metadata
	state       State
	reason      string
	reassembler *Reassembler
	newStore    StoreFactory
	createdAt   time.Time
	updatedAt   time.Time
}

func newSession(key Key, metadata Metadata, newStore StoreFactory, now time.Time) *Session {
	return &Session{
		key:         key,
		metadata:    metadata,
		state:       StateRequested,
		reassembler: NewReassembler(nil),
		newStore:    newStore,
		createdAt:   now,
		updatedAt:   now,
	}
}

func (s *Session) info() Info {
	return Info{
		Key:       s.key,
		Metadata:  s.metadata,
		State:     s.state,
		Received:  s.reassembler.Received(),
		Total:     s.reassembler.Total(),
		Reason:    s.reason,
		CreatedAt: s.createdAt,
		UpdatedAt: s.updatedAt,
	}
}

func (s *Session) transition(to State, now time.Time) {
	s.state = to
	s.updatedAt = now
}

func (s *Session) respond(accepted bool, now time.Time) error {
	if s.state != StateRequested {
		return fmt.Errorf("%w: respond in %s", ErrInvalidState, s.state)
	}
	if !accepted {
		s.transition(StateDeclined, now)
		return nil
	}

	if s.newStore != nil {
		store, err := s.newStore(s.key)
		if err != nil {
			return fmt.Errorf("open chunk store: %w", err)
		}
		s.reassembler = NewReassembler(store)
	}
	s.transition(StateAccepted, now)
	return nil
}

func (s *Session) beginStreaming(now time.Time) error {
	switch s.state {
	case StateStreaming:
		return nil
	case StateAccepted:
		s.transition(StateStreaming, now)
		return nil
	default:
		return fmt.Errorf("%w: begin streaming in %s", ErrInvalidState, s.state)
	}
}

func (s *Session) addChunk(chunk Chunk, now time.Time) (bool, error) {
	if s.state != StateStreaming {
		return false, fmt.Errorf("%w: %w: session is %s", ErrInvalidChunk, ErrInvalidState, s.state)
	}
	added, err := s.reassembler.Add(chunk)
	if err != nil {
		return false, err
	}
	if added {
		s.updatedAt = now
	}
	return added, nil
}

// readyToFinalize reports why the session cannot complete yet.
func (s *Session) readyToFinalize() error {
	if s.state != StateStreaming {
		return fmt.Errorf("%w: finalize in %s", ErrInvalidState, s.state)
	}
	if s.reassembler.Total() < 0 {
		if s.metadata.Size != 0 {
			return fmt.Errorf("%w: no chunks received", ErrIncompleteTransfer)
		}
		return nil
	}
	if missing := s.reassembler.Missing(); len(missing) > 0 {
		return fmt.Errorf("%w: %d of %d chunks, first missing %d",
			ErrIncompleteTransfer, s.reassembler.Received(), s.reassembler.Total(), missing[0])
	}
	return nil
}

// finalize completes the session. With a nil writer only chunk accounting is
// checked, which is what an intermediary that never holds payloads can verify.
func (s *Session) finalize(w io.Writer, now time.Time) error {
	if err := s.readyToFinalize(); err != nil {
		return err
	}
	if w == nil || s.reassembler.Total() < 0 {
		s.transition(StateCompleted, now)
		return nil
	}

	hasher := sha256.New()
	written, err := s.reassembler.WriteTo(io.MultiWriter(w, hasher))
	if err != nil {
		return err
	}
	if uint64(written) != s.metadata.Size {
		s.reason = "size mismatch"
		s.transition(StateAborted, now)
		return fmt.Errorf("%w: wrote %d bytes, expected %d", ErrIntegrity, written, s.metadata.Size)
	}
	if s.metadata.Checksum != "" {
		sum := hex.EncodeToString(hasher.Sum(nil))
		if !strings.EqualFold(sum, s.metadata.Checksum) {
			s.reason = "checksum mismatch"
			s.transition(StateAborted, now)
			return fmt.Errorf("%w: checksum %s, expected %s", ErrIntegrity, sum, s.metadata.Checksum)
		}
	}

	s.transition(StateCompleted, now)
	return nil
}

func (s *Session) abort(reason string, now time.Time) {
	s.reason = reason
	s.transition(StateAborted, now)
}
