package transfer

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"time"
)

// ManagerOptions controls session buffering and observation.
type ManagerOptions struct {
	// NewStore opens a payload buffer when a session is accepted. Nil keeps
	// only chunk indices, which is enough to relay and account for a transfer.
	NewStore StoreFactory
	// OnProgress is called, outside the manager lock, for every new distinct chunk.
	OnProgress func(Progress)
	// Now overrides the clock in tests.
	Now func() time.Time
}

func (o ManagerOptions) withDefaults() ManagerOptions {
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Manager owns every live transfer session and serializes their transitions.
// Sessions leave the manager when they reach a terminal state.
type Manager struct {
	options ManagerOptions

	mu       sync.Mutex
	sessions map[Key]*Session
}

// NewManager returns an empty manager.
func NewManager(options ManagerOptions) *Manager {
	return &Manager{
		options:  options.withDefaults(),
		sessions: make(map[Key]*Session),
	}
}

// Open creates a session in the Requested state.
func (m *Manager) Open(key Key, metadata Metadata) (Info, error) {
	if key.SenderID == "" || key.ReceiverID == "" || key.Token == "" {
		return Info{}, fmt.Errorf("open session %s: sender, receiver and token are required", key)
	}
	if err := metadata.Validate(); err != nil {
		return Info{}, fmt.Errorf("open session %s: %w", key, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[key]; exists {
		return Info{}, fmt.Errorf("%w: %s", ErrSessionExists, key)
	}
	session := newSession(key, metadata, m.options.NewStore, m.options.Now())
	m.sessions[key] = session
	return session.info(), nil
}

// Respond records the receiver's decision. A declined session is discarded.
func (m *Manager) Respond(key Key, accepted bool) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[key]
	if !ok {
		return Info{}, fmt.Errorf("%w: %s", ErrSessionNotFound, key)
	}
	if err := session.respond(accepted, m.options.Now()); err != nil {
		return session.info(), err
	}
	if !accepted {
		delete(m.sessions, key)
	}
	return session.info(), nil
}

// BeginStreaming moves an accepted session to Streaming once the sender knows.
func (m *Manager) BeginStreaming(key Key) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[key]
	if !ok {
		return Info{}, fmt.Errorf("%w: %s", ErrSessionNotFound, key)
	}
	err := session.beginStreaming(m.options.Now())
	return session.info(), err
}

// SubmitChunk records one chunk. It reports false for a duplicate index.
// Chunks for unknown, declined or non-streaming sessions wrap ErrInvalidChunk.
func (m *Manager) SubmitChunk(key Key, chunk Chunk) (bool, error) {
	m.mu.Lock()
	session, ok := m.sessions[key]
	if !ok {
		m.mu.Unlock()
		return false, fmt.Errorf("%w: %w: %s", ErrInvalidChunk, ErrSessionNotFound, key)
	}
	added, err := session.addChunk(chunk, m.options.Now())
	received := session.reassembler.Received()
	total := session.reassembler.Total()
	m.mu.Unlock()

	if err != nil || !added {
		return false, err
	}
	if m.options.OnProgress != nil {
		m.options.OnProgress(Progress{
			Key:      key,
			Received: received,
			Total:    total,
			Percent:  percent(received, total),
		})
	}
	return true, nil
}

// Finalize completes a streaming session, writing the reassembled file to w
// when payloads are retained. With gaps it fails with ErrIncompleteTransfer
// and the session stays Streaming. A complete session leaves the manager
// before its payload is written, so a slow w never blocks other sessions;
// a failed write aborts it.
func (m *Manager) Finalize(key Key, w io.Writer) (Info, error) {
	m.mu.Lock()
	session, ok := m.sessions[key]
	if !ok {
		m.mu.Unlock()
		return Info{}, fmt.Errorf("%w: %s", ErrSessionNotFound, key)
	}

	if m.options.NewStore == nil {
		err := session.finalize(nil, m.options.Now())
		if session.state.Terminal() {
			m.discardLocked(session)
		}
		info := session.info()
		m.mu.Unlock()
		return info, err
	}
	if err := session.readyToFinalize(); err != nil {
		info := session.info()
		m.mu.Unlock()
		return info, err
	}
	delete(m.sessions, key)
	m.mu.Unlock()

	if w == nil {
		w = io.Discard
	}
	err := session.finalize(w, m.options.Now())
	if !session.state.Terminal() {
		session.abort(fmt.Sprintf("write failed: %v", err), m.options.Now())
	}
	_ = session.reassembler.Release()
	return session.info(), err
}

// Abort tears a session down and releases its buffer.
func (m *Manager) Abort(key Key, reason string) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[key]
	if !ok {
		return Info{}, fmt.Errorf("%w: %s", ErrSessionNotFound, key)
	}
	session.abort(reason, m.options.Now())
	m.discardLocked(session)
	return session.info(), nil
}

// AbortEndpoint aborts every session in which endpointID participates.
func (m *Manager) AbortEndpoint(endpointID, reason string) []Info {
	m.mu.Lock()
	defer m.mu.Unlock()

	var aborted []Info
	now := m.options.Now()
	for key, session := range m.sessions {
		if !key.Involves(endpointID) {
			continue
		}
		session.abort(reason, now)
		m.discardLocked(session)
		aborted = append(aborted, session.info())
	}
	sortInfos(aborted)
	return aborted
}

// Get returns a copy of the session.
func (m *Manager) Get(key Key) (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[key]
	if !ok {
		return Info{}, false
	}
	return session.info(), true
}

// Resolve finds the key of a live session. An empty token matches only when
// exactly one session exists between sender and receiver.
func (m *Manager) Resolve(senderID, receiverID, token string) (Key, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if token != "" {
		key := Key{SenderID: senderID, ReceiverID: receiverID, Token: token}
		if _, ok := m.sessions[key]; !ok {
			return Key{}, fmt.Errorf("%w: %s", ErrSessionNotFound, key)
		}
		return key, nil
	}

	var (
		found Key
		count int
	)
	for key := range m.sessions {
		if key.SenderID == senderID && key.ReceiverID == receiverID {
			found = key
			count++
		}
	}
	switch count {
	case 0:
		return Key{}, fmt.Errorf("%w: %s->%s", ErrSessionNotFound, senderID, receiverID)
	case 1:
		return found, nil
	default:
		return Key{}, fmt.Errorf("%w: %d sessions %s->%s", ErrAmbiguousSession, count, senderID, receiverID)
	}
}

// Sessions lists live sessions ordered by creation time.
func (m *Manager) Sessions() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()

	infos := make([]Info, 0, len(m.sessions))
	for _, session := range m.sessions {
		infos = append(infos, session.info())
	}
	sortInfos(infos)
	return infos
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) discardLocked(session *Session) {
	delete(m.sessions, session.key)
	_ = session.reassembler.Release()
}

func sortInfos(infos []Info) {
	sort.Slice(infos, func(i, j int) bool {
		if !infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].CreatedAt.Before(infos[j].CreatedAt)
		}
		return infos[i].Key.Token < infos[j].Key.Token
	})
}
