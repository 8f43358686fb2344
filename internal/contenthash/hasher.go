// Package contenthash implements the block content hash used to decide whether two files
// hold the same bytes.
//
// A file is split into BlockSize blocks, each block is hashed with SHA-256, and the
// concatenation of the block digests is hashed again with SHA-256. The result is reported
// as lowercase hex.
package contenthash

import (
	"crypto/sha256"
	"encoding"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
)

const (
	// BlockSize is the number of input bytes folded into a single block digest.
	BlockSize = 4 * 1024 * 1024

	// Size is the length of a raw digest in bytes.
	Size = sha256.Size

	readBufferSize = 64 * 1024
)

// Hasher is a streaming content hash accumulator. The zero value is not usable, use New.
// A Hasher is not safe for concurrent use.
type Hasher struct {
	overall  hash.Hash
	block    hash.Hash
	blockPos int
}

func New() *Hasher {
	return &Hasher{
		overall: sha256.New(),
		block:   sha256.New(),
	}
}

// Write ingests p. Block boundaries depend only on the cumulative byte count, never on how
// the input is split across calls. It never returns an error.
func (h *Hasher) Write(p []byte) (int, error) {
	n := len(p)
	for len(p) > 0 {
		space := BlockSize - h.blockPos
		part := min(space, len(p))
		h.block.Write(p[:part])
		h.blockPos += part
		p = p[part:]

		if h.blockPos == BlockSize {
			h.finishBlock()
		}
	}
	return n, nil
}

// Finalize returns the hex encoded content hash of everything written so far.
// It does not modify the accumulator, more data may be written afterwards.
func (h *Hasher) Finalize() string {
	return hex.EncodeToString(h.Sum(nil))
}

// Sum appends the raw content hash to b without modifying the accumulator.
func (h *Hasher) Sum(b []byte) []byte {
	overall := cloneHash(h.overall)
	if h.blockPos > 0 {
		overall.Write(h.block.Sum(nil))
	}
	return overall.Sum(b)
}

// Reset discards all ingested data.
func (h *Hasher) Reset() {
	h.overall.Reset()
	h.block.Reset()
	h.blockPos = 0
}

// Size returns the number of bytes in a raw digest.
func (h *Hasher) Size() int {
	return Size
}

func (h *Hasher) finishBlock() {
	h.overall.Write(h.block.Sum(nil))
	h.block.Reset()
	h.blockPos = 0
}

// cloneHash copies a sha256 state through its binary marshaling support.
func cloneHash(src hash.Hash) hash.Hash {
	state, err := src.(encoding.BinaryMarshaler).MarshalBinary()
	if err != nil {
		panic(fmt.Sprintf("contenthash: marshal sha256 state: %v", err))
	}
	dst := sha256.New()
	if err := dst.(encoding.BinaryUnmarshaler).UnmarshalBinary(state); err != nil {
		panic(fmt.Sprintf("contenthash: unmarshal sha256 state: %v", err))
	}
	return dst
}

// Reader hashes everything read from r using a fixed size buffer.
func Reader(r io.Reader) (string, error) {
	h := New()
	buf := make([]byte, readBufferSize)
	if _, err := io.CopyBuffer(h, r, buf); err != nil {
		return "", err
	}
	return h.Finalize(), nil
}

// File hashes the contents of the file at path.
func File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	sum, err := Reader(f)
	if err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return sum, nil
}

// Empty is the content hash of zero bytes.
var Empty = New().Finalize()
