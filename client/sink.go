package client

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Sink receives the reassembled bytes of one accepted transfer.
type Sink interface {
	Write(p []byte) (int, error)
	// Commit makes the file visible and returns where it landed.
	Commit() (string, error)
	// Discard drops whatever was written.
	Discard() error
}

// SinkFactory opens the destination for an accepted offer.
type SinkFactory func(offer TransferOffer) (Sink, error)

// DirSinks writes each file under dir as <fileId>_<name>, going through a
// .part file that is renamed into place on commit.
func DirSinks(dir string) SinkFactory {
	return func(offer TransferOffer) (Sink, error) {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create files directory: %w", err)
		}

		finalPath := filepath.Join(dir, prefixedFilename(offer.FileID, offer.File.Name))
		tempPath := finalPath + ".part"
		file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, fmt.Errorf("create partial file: %w", err)
		}
		return &dirSink{file: file, tempPath: tempPath, finalPath: finalPath}, nil
	}
}

type dirSink struct {
	file      *os.File
	tempPath  string
	finalPath string
}

func (s *dirSink) Write(p []byte) (int, error) {
	return s.file.Write(p)
}

func (s *dirSink) Commit() (string, error) {
	if err := s.file.Sync(); err != nil {
		_ = s.Discard()
		return "", fmt.Errorf("sync partial file: %w", err)
	}
	if err := s.file.Close(); err != nil {
		_ = os.Remove(s.tempPath)
		return "", fmt.Errorf("close partial file: %w", err)
	}
	if err := os.Rename(s.tempPath, s.finalPath); err != nil {
		_ = os.Remove(s.tempPath)
		return "", fmt.Errorf("finalize file: %w", err)
	}
	return s.finalPath, nil
}

func (s *dirSink) Discard() error {
	_ = s.file.Close()
	if err := os.Remove(s.tempPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove partial file: %w", err)
	}
	return nil
}

// MemorySink keeps a received file in memory.
type MemorySink struct {
	Offer TransferOffer

	mu        sync.Mutex
	buf       bytes.Buffer
	committed bool
}

// MemorySinks is the default SinkFactory.
func MemorySinks(offer TransferOffer) (Sink, error) {
	return &MemorySink{Offer: offer}, nil
}

func (s *MemorySink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *MemorySink) Commit() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.committed = true
	return "memory:" + s.Offer.FileID, nil
}

func (s *MemorySink) Discard() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf.Reset()
	return nil
}

// Bytes returns a copy of the committed content, or nil before commit.
func (s *MemorySink) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.committed {
		return nil
	}
	return bytes.Clone(s.buf.Bytes())
}

func prefixedFilename(fileID, filename string) string {
	base := filepath.Base(filename)
	if base == "" || base == "." || base == string(filepath.Separator) {
		base = "file.bin"
	}
	return fileID + "_" + base
}
