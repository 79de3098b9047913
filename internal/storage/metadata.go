package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
)

// ErrTooLarge is returned by a MeteredReader that went past its limit
var ErrTooLarge = errors.New("object exceeds the size limit")

// Metadata describes a stored object
type Metadata struct {
	Name   string `json:"name"`
	URL    string `json:"url"`
	Size   int64  `json:"size"`
	MIME   string `json:"mime"`
	SHA256 string `json:"sha256,omitempty"`
}

// Validate checks that metadata has its required fields
func (m Metadata) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("file name is required")
	}
	if m.URL == "" {
		return fmt.Errorf("file URL is required")
	}
	if m.Size < 0 {
		return fmt.Errorf("file size must be non-negative")
	}
	return nil
}

// MeteredReader counts and hashes what passes through it and fails once
// more than limit bytes were read. A limit <= 0 disables the check.
type MeteredReader struct {
	r     io.Reader
	h     hash.Hash
	n     int64
	limit int64
}

func NewMeteredReader(r io.Reader, limit int64) *MeteredReader {
	return &MeteredReader{r: r, h: sha256.New(), limit: limit}
}

func (m *MeteredReader) Read(p []byte) (int, error) {
	n, err := m.r.Read(p)
	if n > 0 {
		m.h.Write(p[:n])
		m.n += int64(n)
		if m.limit > 0 && m.n > m.limit {
			return n, ErrTooLarge
		}
	}
	return n, err
}

func (m *MeteredReader) Size() int64 {
	return m.n
}

// SHA256 is the hex digest of everything read so far
func (m *MeteredReader) SHA256() string {
	return hex.EncodeToString(m.h.Sum(nil))
}
