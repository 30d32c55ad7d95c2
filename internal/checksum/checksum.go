// Package checksum computes and compares file content digests.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"
)

// SHA256 is the default digest algorithm for update packages.
const SHA256 = "sha256"

// Digest streams the file at path through the named algorithm and returns
// the lowercase hex encoding.
func Digest(path, algorithm string) (string, error) {
	var h hash.Hash
	switch strings.ToLower(algorithm) {
	case "", SHA256:
		h = sha256.New()
	default:
		return "", fmt.Errorf("unsupported digest algorithm %q", algorithm)
	}

	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	if _, err := io.Copy(h, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Verify computes the SHA-256 digest of path and compares it to expectedHex
// case-insensitively.
func Verify(path, expectedHex string) (bool, error) {
	actual, err := Digest(path, SHA256)
	if err != nil {
		return false, err
	}
	return strings.EqualFold(actual, expectedHex), nil
}
