package drift

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// Fingerprint identifies file content. Two fingerprints match when the
// content hash matches, or when both observed the file as missing.
type Fingerprint struct {
	Hash    string    `json:"hash,omitempty"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time,omitempty"`
	Missing bool      `json:"missing,omitempty"`
}

func (f Fingerprint) Equal(o Fingerprint) bool {
	if f.Missing || o.Missing {
		return f.Missing == o.Missing
	}
	return f.Hash == o.Hash
}

func (f Fingerprint) String() string {
	if f.Missing {
		return "missing"
	}
	if len(f.Hash) > 12 {
		return f.Hash[:12]
	}
	return f.Hash
}

// Compute fingerprints the file at path. A file that does not exist
// yields a Missing fingerprint, not an error.
func Compute(path string) (Fingerprint, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return Fingerprint{Missing: true}, nil
	}
	if err != nil {
		return Fingerprint{}, fmt.Errorf("fingerprint %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Fingerprint{}, fmt.Errorf("fingerprint %s: %w", path, err)
	}
	if info.IsDir() {
		return Fingerprint{}, fmt.Errorf("fingerprint %s: is a directory", path)
	}

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("fingerprint %s: %w", path, err)
	}
	return Fingerprint{
		Hash:    hex.EncodeToString(h.Sum(nil)),
		Size:    n,
		ModTime: info.ModTime().UTC(),
	}, nil
}

// FromBytes fingerprints in-memory content.
func FromBytes(data []byte) Fingerprint {
	sum := sha256.Sum256(data)
	return Fingerprint{Hash: hex.EncodeToString(sum[:]), Size: int64(len(data))}
}
