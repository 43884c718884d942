package client

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swiftly/relay"
	"swiftly/transfer"
)

func TestDirSinkDiscardRemovesPartialFile(t *testing.T) {
	dir := t.TempDir()
	sink, err := DirSinks(dir)(TransferOffer{FileID: "f1", File: transfer.Metadata{Name: "notes.txt"}})
	require.NoError(t, err)

	_, err = sink.Write([]byte("half"))
	require.NoError(t, err)
	require.FileExists(t, filepath.Join(dir, "f1_notes.txt.part"))

	require.NoError(t, sink.Discard())
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPrefixedFilename(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		want     string
	}{
		{name: "plain", filename: "photo.jpg", want: "abc_photo.jpg"},
		{name: "strips directories", filename: "../../etc/passwd", want: "abc_passwd"},
		{name: "empty", filename: "", want: "abc_file.bin"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := prefixedFilename("abc", tc.filename); got != tc.want {
				t.Fatalf("prefixedFilename(%q) = %q, want %q", tc.filename, got, tc.want)
			}
		})
	}
}

func TestMemorySinkHidesUncommittedBytes(t *testing.T) {
	sink := &MemorySink{Offer: TransferOffer{FileID: "f2"}}
	_, err := sink.Write([]byte("data"))
	require.NoError(t, err)
	assert.Nil(t, sink.Bytes())

	location, err := sink.Commit()
	require.NoError(t, err)
	assert.Equal(t, "memory:f2", location)
	assert.Equal(t, []byte("data"), sink.Bytes())
}

func TestBytesSourceMetadata(t *testing.T) {
	src := BytesSource("a.txt", "text/plain", []byte("abc"))
	metadata := src.Metadata()
	assert.Equal(t, uint64(3), metadata.Size)
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", metadata.Checksum)

	buf := make([]byte, 2)
	n, err := src.ReadAt(buf, 1)
	require.NoError(t, err)
	assert.Equal(t, "bc", string(buf[:n]))
}

func TestParsePairingURI(t *testing.T) {
	id, err := ParsePairingURI(PairingURI("device-1"))
	require.NoError(t, err)
	assert.Equal(t, "device-1", id)

	id, err = ParsePairingURI("  device-2 \n")
	require.NoError(t, err)
	assert.Equal(t, "device-2", id)

	for _, bad := range []string{"", PairingURIPrefix, "swiftly://pair/a/b", "two words"} {
		_, err := ParsePairingURI(bad)
		assert.ErrorIs(t, err, relay.ErrInvalidTarget, "input %q", bad)
	}
}
