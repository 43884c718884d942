package storage

import (
	"errors"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
	// ErrMissingChunk indicates a gap in a spooled session.
	ErrMissingChunk = errors.New("storage: missing chunk")
)

// SpoolStats summarizes what one session currently holds on disk.
type SpoolStats struct {
	SessionKey string
	Chunks     int
	Bytes      int64
	OldestAt   int64
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
