package network

import (
	"encoding/json"
	"errors"
	"testing"

	"swiftly/transfer"
)

func TestDecodeMessageType(t *testing.T) {
	msgType, err := DecodeMessageType([]byte(`{"type":"file-chunk","chunkIndex":1}`))
	if err != nil {
		t.Fatalf("DecodeMessageType failed: %v", err)
	}
	if msgType != TypeFileChunk {
		t.Fatalf("unexpected type %q", msgType)
	}

	if _, err := DecodeMessageType([]byte(`{"chunkIndex":1}`)); !errors.Is(err, ErrInvalidMessageType) {
		t.Fatalf("expected ErrInvalidMessageType, got %v", err)
	}
	if _, err := DecodeMessageType([]byte(`not json`)); err == nil {
		t.Fatalf("expected error for malformed payload")
	}
}

func TestWireFieldNames(t *testing.T) {
	payload, err := EncodeJSON(TransferRequest{
		Type:     TypeTransferRequest,
		TargetID: "bob",
		FileID:   "f1",
		File:     transfer.Metadata{Name: "hello.txt", Size: 5, MimeType: "text/plain"},
	})
	if err != nil {
		t.Fatalf("EncodeJSON failed: %v", err)
	}

	var generic map[string]any
	if err := json.Unmarshal(payload, &generic); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if generic["targetId"] != "bob" || generic["fileId"] != "f1" {
		t.Fatalf("unexpected envelope fields: %s", payload)
	}
	if _, ok := generic["senderId"]; ok {
		t.Fatalf("empty senderId must be omitted: %s", payload)
	}
	file, ok := generic["file"].(map[string]any)
	if !ok {
		t.Fatalf("missing file object: %s", payload)
	}
	if file["name"] != "hello.txt" || file["type"] != "text/plain" || file["size"] != float64(5) {
		t.Fatalf("unexpected file metadata: %s", payload)
	}

	var chunk FileChunk
	if err := DecodeMessage([]byte(`{"type":"file-chunk","targetId":"bob","chunk":"aGk=","chunkIndex":0,"totalChunks":1}`), &chunk); err != nil {
		t.Fatalf("DecodeMessage failed: %v", err)
	}
	if chunk.TargetID != "bob" || chunk.Chunk != "aGk=" || chunk.TotalChunks != 1 {
		t.Fatalf("unexpected chunk: %+v", chunk)
	}
}

func TestTransferErrorOmitsChunkIndexUnlessSet(t *testing.T) {
	payload, err := EncodeJSON(TransferError{Type: TypeTransferError, Code: TransferCodeIncomplete})
	if err != nil {
		t.Fatalf("EncodeJSON failed: %v", err)
	}
	if string(payload) != `{"type":"transfer-error","code":"incomplete_transfer","message":""}` {
		t.Fatalf("unexpected payload %s", payload)
	}

	index := 0
	payload, err = EncodeJSON(TransferError{Type: TypeTransferError, Code: TransferCodeInvalidChunk, ChunkIndex: &index})
	if err != nil {
		t.Fatalf("EncodeJSON failed: %v", err)
	}
	if string(payload) != `{"type":"transfer-error","code":"invalid_chunk","message":"","chunkIndex":0}` {
		t.Fatalf("unexpected payload %s", payload)
	}
}
