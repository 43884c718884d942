package transfer

import (
	"errors"
	"fmt"
	"io"
)

// DefaultChunkSize is the raw slice size. Base64 encodes it to exactly 64 KiB.
const DefaultChunkSize = 48 * 1024

// ChunkCount returns ceil(size/chunkSize).
func ChunkCount(size uint64, chunkSize int) int {
	if size == 0 || chunkSize <= 0 {
		return 0
	}
	c := uint64(chunkSize)
	return int((size + c - 1) / c)
}

// ReadChunk reads chunk index of a file of the given size.
func ReadChunk(r io.ReaderAt, size uint64, chunkSize, index int) ([]byte, error) {
	if chunkSize <= 0 {
		return nil, errors.New("chunk size must be > 0")
	}
	total := ChunkCount(size, chunkSize)
	if index < 0 || index >= total {
		return nil, fmt.Errorf("chunk index %d out of range [0,%d)", index, total)
	}

	offset := int64(index) * int64(chunkSize)
	length := int64(chunkSize)
	if remaining := int64(size) - offset; remaining < length {
		length = remaining
	}

	buffer := make([]byte, length)
	n, err := r.ReadAt(buffer, offset)
	if err != nil && !(errors.Is(err, io.EOF) && int64(n) == length) {
		return nil, fmt.Errorf("read chunk %d: %w", index, err)
	}
	return buffer, nil
}

// Split cuts data into contiguous slices in index order. The slices alias data.
func Split(data []byte, chunkSize int) [][]byte {
	total := ChunkCount(uint64(len(data)), chunkSize)
	chunks := make([][]byte, 0, total)
	for i := 0; i < total; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, data[start:end])
	}
	return chunks
}
