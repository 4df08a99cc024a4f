//go:build !unix

package store

import (
	"errors"
	"fmt"
	"os"
)

// lockDir falls back to an O_EXCL lock file where flock is unavailable.
func lockDir(path string) (func() error, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("open lock: %w", err)
	}
	return func() error {
		_ = f.Close()
		return os.Remove(path)
	}, nil
}
