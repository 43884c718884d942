package client

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"

	"swiftly/transfer"
)

// Source is a file offered for sending.
type Source interface {
	io.ReaderAt
	Metadata() transfer.Metadata
}

type bytesSource struct {
	*bytes.Reader
	metadata transfer.Metadata
}

// BytesSource offers an in-memory payload under name.
func BytesSource(name, mimeType string, data []byte) Source {
	sum := sha256.Sum256(data)
	return &bytesSource{
		Reader: bytes.NewReader(data),
		metadata: transfer.Metadata{
			Name:     name,
			Size:     uint64(len(data)),
			MimeType: mimeType,
			Checksum: hex.EncodeToString(sum[:]),
		},
	}
}

func (s *bytesSource) Metadata() transfer.Metadata {
	return s.metadata
}

// FileSource offers a file on disk. Close it when the transfer ends.
type FileSource struct {
	file     *os.File
	metadata transfer.Metadata
}

// OpenFileSource opens path and hashes it so the receiver can verify the result.
func OpenFileSource(path string) (*FileSource, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open source file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("stat source file: %w", err)
	}
	if info.IsDir() {
		_ = file.Close()
		return nil, fmt.Errorf("source %q is a directory", path)
	}

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("hash source file: %w", err)
	}

	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	return &FileSource{
		file: file,
		metadata: transfer.Metadata{
			Name:     filepath.Base(path),
			Size:     uint64(info.Size()),
			MimeType: mimeType,
			Checksum: hex.EncodeToString(hasher.Sum(nil)),
		},
	}, nil
}

func (s *FileSource) ReadAt(p []byte, off int64) (int, error) {
	return s.file.ReadAt(p, off)
}

func (s *FileSource) Metadata() transfer.Metadata {
	return s.metadata
}

func (s *FileSource) Close() error {
	return s.file.Close()
}
