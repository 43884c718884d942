package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"io"

	"swiftly/transfer"
)

// PutChunk stores one payload. It reports false when the index was already spooled.
func (s *Store) PutChunk(sessionKey string, index int, payload []byte) (bool, error) {
	if sessionKey == "" {
		return false, errors.New("session_key is required")
	}
	if index < 0 {
		return false, fmt.Errorf("invalid chunk index %d", index)
	}
	if payload == nil {
		payload = []byte{}
	}

	res, err := s.db.Exec(
		`INSERT INTO transfer_chunks (session_key, chunk_index, payload, received_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_key, chunk_index) DO NOTHING`,
		sessionKey,
		index,
		payload,
		nowUnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("insert chunk %d for %q: %w", index, sessionKey, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("read rows affected for chunk insert: %w", err)
	}
	return rowsAffected == 1, nil
}

// GetChunk returns one spooled payload.
func (s *Store) GetChunk(sessionKey string, index int) ([]byte, error) {
	var payload []byte
	err := s.db.QueryRow(
		`SELECT payload FROM transfer_chunks WHERE session_key = ? AND chunk_index = ?`,
		sessionKey,
		index,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get chunk %d for %q: %w", index, sessionKey, err)
	}
	return payload, nil
}

// WriteChunks streams payloads 0..total-1 to w in ascending order.
func (s *Store) WriteChunks(sessionKey string, total int, w io.Writer) (int64, error) {
	rows, err := s.db.Query(
		`SELECT chunk_index, payload
		FROM transfer_chunks
		WHERE session_key = ? AND chunk_index < ?
		ORDER BY chunk_index ASC`,
		sessionKey,
		total,
	)
	if err != nil {
		return 0, fmt.Errorf("query chunks for %q: %w", sessionKey, err)
	}
	defer rows.Close()

	var (
		written int64
		next    int
	)
	for rows.Next() {
		var (
			index   int
			payload []byte
		)
		if err := rows.Scan(&index, &payload); err != nil {
			return written, fmt.Errorf("scan chunk row: %w", err)
		}
		if index != next {
			return written, fmt.Errorf("%w: chunk %d of %q", ErrMissingChunk, next, sessionKey)
		}
		n, err := w.Write(payload)
		written += int64(n)
		if err != nil {
			return written, fmt.Errorf("write chunk %d: %w", index, err)
		}
		next++
	}
	if err := rows.Err(); err != nil {
		return written, fmt.Errorf("iterate chunk rows: %w", err)
	}
	if next != total {
		return written, fmt.Errorf("%w: chunk %d of %q", ErrMissingChunk, next, sessionKey)
	}
	return written, nil
}

// DeleteChunks removes every payload of one session.
func (s *Store) DeleteChunks(sessionKey string) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM transfer_chunks WHERE session_key = ?`, sessionKey)
	if err != nil {
		return 0, fmt.Errorf("delete chunks for %q: %w", sessionKey, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for chunk delete: %w", err)
	}
	return rowsAffected, nil
}

// PruneChunksBefore removes chunks received before cutoffTimestamp.
func (s *Store) PruneChunksBefore(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.Exec(`DELETE FROM transfer_chunks WHERE received_at < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune spooled chunks: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for chunk prune: %w", err)
	}
	return rowsAffected, nil
}

// Stats reports what a session currently holds.
func (s *Store) Stats(sessionKey string) (SpoolStats, error) {
	stats := SpoolStats{SessionKey: sessionKey}
	var oldest sql.NullInt64
	if err := s.db.QueryRow(
		`SELECT COUNT(1), COALESCE(SUM(LENGTH(payload)), 0), MIN(received_at)
		FROM transfer_chunks WHERE session_key = ?`,
		sessionKey,
	).Scan(&stats.Chunks, &stats.Bytes, &oldest); err != nil {
		return SpoolStats{}, fmt.Errorf("read spool stats for %q: %w", sessionKey, err)
	}
	if oldest.Valid {
		stats.OldestAt = oldest.Int64
	}
	return stats, nil
}

// ChunkStore is a transfer.StoreFactory that spools each session to SQLite.
func (s *Store) ChunkStore(key transfer.Key) (transfer.ChunkStore, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("storage: spool is closed")
	}
	return &sessionSpool{store: s, sessionKey: key.String()}, nil
}

type sessionSpool struct {
	store      *Store
	sessionKey string
}

func (b *sessionSpool) Put(index int, payload []byte) (bool, error) {
	return b.store.PutChunk(b.sessionKey, index, payload)
}

func (b *sessionSpool) WriteTo(w io.Writer, total int) (int64, error) {
	written, err := b.store.WriteChunks(b.sessionKey, total, w)
	if errors.Is(err, ErrMissingChunk) {
		return written, fmt.Errorf("%w: %w", transfer.ErrIncompleteTransfer, err)
	}
	return written, err
}

func (b *sessionSpool) Release() error {
	_, err := b.store.DeleteChunks(b.sessionKey)
	return err
}
