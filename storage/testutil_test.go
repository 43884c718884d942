package storage

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
)

func quietLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := OpenWithOptions(dataDir, Options{Logger: quietLogger()})
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustPutChunk(t *testing.T, store *Store, sessionKey string, index int, payload string) {
	t.Helper()

	if _, err := store.PutChunk(sessionKey, index, []byte(payload)); err != nil {
		t.Fatalf("put chunk %d for %q: %v", index, sessionKey, err)
	}
}
