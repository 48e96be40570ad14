package util

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/afero"
)

// GenerateContentHash creates a SHA1 hash of file content
// Used to fingerprint bundled snapshot assets
func GenerateContentHash(fs afero.Fs, path string) (string, error) {
	f, err := fs.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash file: %w", err)
	}

	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// PrincipalFileKey turns a principal id into a string that is safe to use in a
// file name. Ids made only of [A-Za-z0-9_-] are kept as is so the files stay
// recognizable; anything else is replaced by a SHA1 of the id.
func PrincipalFileKey(principal string) string {
	safe := principal != ""
	for _, r := range principal {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_' || r == '-') {
			safe = false
			break
		}
	}
	if safe {
		return principal
	}

	h := sha1.New()
	io.WriteString(h, principal)
	return fmt.Sprintf("h%x", h.Sum(nil))
}

// FileExists reports whether path exists and is a regular file
func FileExists(fs afero.Fs, path string) bool {
	info, err := fs.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular()
}

// RemoveWithSidecars removes a SQLite database file together with its
// journal files. Missing files are not an error.
func RemoveWithSidecars(fs afero.Fs, path string) error {
	for _, suffix := range []string{"", "-wal", "-shm", "-journal"} {
		err := fs.Remove(path + suffix)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove %s: %w", path+suffix, err)
		}
	}
	return nil
}
