package serialization

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// ComputeChecksum hashes an in-memory payload, as embedded in the .born header.
func ComputeChecksum(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// ReaderChecksum streams r through SHA-256 and reports the bytes consumed.
func ReaderChecksum(r io.Reader) ([32]byte, int64, error) {
	var sum [32]byte
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return sum, n, err
	}
	h.Sum(sum[:0])
	return sum, n, nil
}

// FileChecksum returns the hex SHA-256 of the file at path and its size.
// This is the digest recorded for every committed checkpoint file.
func FileChecksum(path string) (string, int64, error) {
	//nolint:gosec // G304: checkpoint paths are user supplied
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer func() { _ = f.Close() }()

	sum, n, err := ReaderChecksum(f)
	if err != nil {
		return "", 0, fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return hex.EncodeToString(sum[:]), n, nil
}

// ValidateChecksum reports ErrChecksumMismatch unless the digests agree.
func ValidateChecksum(computed, stored [32]byte) error {
	if computed != stored {
		return ErrChecksumMismatch
	}
	return nil
}
