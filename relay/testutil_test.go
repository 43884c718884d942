package relay

import (
	"encoding/json"
	"io"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"

	"swiftly/network"
)

// fakeEndpoint records every message it is sent as encoded JSON.
type fakeEndpoint struct {
	id string

	mu       sync.Mutex
	messages [][]byte
	failWith error
}

func newFakeEndpoint(id string) *fakeEndpoint {
	return &fakeEndpoint{id: id}
}

func (e *fakeEndpoint) ID() string {
	return e.id
}

func (e *fakeEndpoint) SendMessage(message any) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.failWith != nil {
		return e.failWith
	}
	payload, err := network.EncodeJSON(message)
	if err != nil {
		return err
	}
	e.messages = append(e.messages, payload)
	return nil
}

func (e *fakeEndpoint) fail(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failWith = err
}

func (e *fakeEndpoint) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.messages)
}

func (e *fakeEndpoint) ofType(msgType string) [][]byte {
	e.mu.Lock()
	defer e.mu.Unlock()

	var matched [][]byte
	for _, payload := range e.messages {
		got, err := network.DecodeMessageType(payload)
		if err == nil && got == msgType {
			matched = append(matched, payload)
		}
	}
	return matched
}

// lastOf decodes the most recent message of msgType into T.
func lastOf[T any](t *testing.T, endpoint *fakeEndpoint, msgType string) T {
	t.Helper()

	var decoded T
	matched := endpoint.ofType(msgType)
	if len(matched) == 0 {
		t.Fatalf("%s received no %q message", endpoint.id, msgType)
	}
	if err := json.Unmarshal(matched[len(matched)-1], &decoded); err != nil {
		t.Fatalf("decode %q: %v", msgType, err)
	}
	return decoded
}

func quietLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func registerFakes(t *testing.T, registry Registry, ids ...string) map[string]*fakeEndpoint {
	t.Helper()

	endpoints := make(map[string]*fakeEndpoint, len(ids))
	for _, id := range ids {
		endpoint := newFakeEndpoint(id)
		if err := registry.Register(endpoint); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
		endpoints[id] = endpoint
	}
	return endpoints
}

func mustMarshal(t *testing.T, message any) []byte {
	t.Helper()

	payload, err := json.Marshal(message)
	if err != nil {
		t.Fatalf("marshal %T: %v", message, err)
	}
	return payload
}
