package sdruntime

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"go_txt2img/hub"
)

// VerifySnapshot checks the sha256 of snapshot files that were already
// cached against the LFS checksums the hub reported. Files downloaded by
// the same call were checked while streaming and are skipped, as are files
// without a published checksum.
func VerifySnapshot(snap *hub.Snapshot) error {
	fresh := make(map[string]bool, len(snap.Downloaded))
	for _, f := range snap.Downloaded {
		fresh[f] = true
	}

	names := make([]string, 0, len(snap.Checksums))
	for name := range snap.Checksums {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if fresh[name] {
			continue
		}
		if err := VerifyFileChecksum(snap.Path(name), snap.Checksums[name]); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// VerifyFileChecksum compares the SHA256 of path with expected.
//
// Returns:
//   - nil if checksum matches
//   - ErrModelNotFound if file doesn't exist
//   - ErrModelCorrupted if checksum mismatch
func VerifyFileChecksum(path, expected string) error {
	actual, err := CalculateChecksum(path)
	if err != nil {
		return err
	}
	if actual != expected {
		return fmt.Errorf("%w: expected %s, got %s", ErrModelCorrupted, expected, actual)
	}
	return nil
}

// CalculateChecksum streams a file through SHA256 and returns the
// lowercase hex digest.
func CalculateChecksum(filePath string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrModelNotFound, filePath)
		}
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// IsModelCorrupted checks if an error indicates model corruption.
func IsModelCorrupted(err error) bool {
	return errors.Is(err, ErrModelCorrupted)
}

// IsModelNotFound checks if an error indicates a missing model file.
func IsModelNotFound(err error) bool {
	return errors.Is(err, ErrModelNotFound)
}
