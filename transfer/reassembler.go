package transfer

import (
	"fmt"
	"io"
)

// Reassembler accounts for the chunks of one file and, when backed by a
// store, rebuilds the file by ascending index once every chunk is present.
type Reassembler struct {
	total    int
	received map[int]struct{}
	store    ChunkStore
}

// NewReassembler returns an empty reassembler. A nil store tracks indices only.
func NewReassembler(store ChunkStore) *Reassembler {
	return &Reassembler{
		total:    -1,
		received: make(map[int]struct{}),
		store:    store,
	}
}

// Add records a chunk. A duplicate index is a no-op and reports false.
// The first chunk fixes the total; later chunks must agree with it.
func (r *Reassembler) Add(chunk Chunk) (bool, error) {
	if chunk.TotalChunks <= 0 {
		return false, fmt.Errorf("%w: total chunks %d", ErrInvalidChunk, chunk.TotalChunks)
	}
	if chunk.Index < 0 || chunk.Index >= chunk.TotalChunks {
		return false, fmt.Errorf("%w: index %d outside [0,%d)", ErrInvalidChunk, chunk.Index, chunk.TotalChunks)
	}
	if r.total >= 0 && chunk.TotalChunks != r.total {
		return false, fmt.Errorf("%w: total chunks %d, session expects %d", ErrInvalidChunk, chunk.TotalChunks, r.total)
	}
	if _, seen := r.received[chunk.Index]; seen {
		return false, nil
	}

	if r.store != nil {
		if _, err := r.store.Put(chunk.Index, chunk.Payload); err != nil {
			return false, fmt.Errorf("buffer chunk %d: %w", chunk.Index, err)
		}
	}
	r.total = chunk.TotalChunks
	r.received[chunk.Index] = struct{}{}
	return true, nil
}

// Total returns the expected chunk count, or -1 before the first chunk.
func (r *Reassembler) Total() int {
	return r.total
}

// Received returns the number of distinct chunks recorded.
func (r *Reassembler) Received() int {
	return len(r.received)
}

// Complete reports whether every index in [0,total) is present.
func (r *Reassembler) Complete() bool {
	return r.total >= 0 && len(r.received) == r.total
}

// Missing returns the absent indices in ascending order.
func (r *Reassembler) Missing() []int {
	if r.total < 0 {
		return nil
	}
	missing := make([]int, 0, r.total-len(r.received))
	for i := 0; i < r.total; i++ {
		if _, ok := r.received[i]; !ok {
			missing = append(missing, i)
		}
	}
	return missing
}

// WriteTo concatenates the chunks in ascending index order. It never writes
// anything while a gap remains.
func (r *Reassembler) WriteTo(w io.Writer) (int64, error) {
	if !r.Complete() {
		return 0, fmt.Errorf("%w: %d of %d chunks", ErrIncompleteTransfer, len(r.received), r.total)
	}
	if r.store == nil {
		return 0, fmt.Errorf("%w: payloads were not retained", ErrInvalidState)
	}
	return r.store.WriteTo(w, r.total)
}

// Release drops buffered payloads.
func (r *Reassembler) Release() error {
	if r.store == nil {
		return nil
	}
	return r.store.Release()
}
