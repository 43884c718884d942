package transfer

import (
	"fmt"
	"io"
	"sync"
)

// ChunkStore buffers chunk payloads of one session by index.
type ChunkStore interface {
	// Put stores payload under index. It reports false when the index was already present.
	Put(index int, payload []byte) (bool, error)
	// WriteTo writes payloads 0..total-1 in ascending order.
	WriteTo(w io.Writer, total int) (int64, error)
	// Release drops every buffered payload.
	Release() error
}

// StoreFactory opens the buffer for a new session.
type StoreFactory func(key Key) (ChunkStore, error)

// NewMemoryStore is the default StoreFactory.
func NewMemoryStore(Key) (ChunkStore, error) {
	return &MemoryStore{chunks: make(map[int][]byte)}, nil
}

// MemoryStore keeps payloads in a sparse map.
type MemoryStore struct {
	mu     sync.Mutex
	chunks map[int][]byte
}

func (s *MemoryStore) Put(index int, payload []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.chunks[index]; exists {
		return false, nil
	}
	s.chunks[index] = append([]byte(nil), payload...)
	return true, nil
}

func (s *MemoryStore) WriteTo(w io.Writer, total int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var written int64
	for i := 0; i < total; i++ {
		payload, ok := s.chunks[i]
		if !ok {
			return written, fmt.Errorf("%w: chunk %d missing", ErrIncompleteTransfer, i)
		}
		n, err := w.Write(payload)
		written += int64(n)
		if err != nil {
			return written, fmt.Errorf("write chunk %d: %w", i, err)
		}
	}
	return written, nil
}

func (s *MemoryStore) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = make(map[int][]byte)
	return nil
}

// Len returns the number of buffered payloads.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks)
}
