package runner

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
)

// LockFile is the marker created in the installation root to serialize
// concurrent runs.
const LockFile = "install-dynamic-plugins.lock"

// Lock is an exclusive advisory lock backed by create-exclusive semantics on
// a marker file. There is no maximum wait: a concurrent holder that crashes
// without releasing the marker blocks all other runs until the marker is
// removed externally.
type Lock struct {
	path     string
	interval time.Duration
}

// NewLock returns a lock on the marker at path, polling at interval while a
// concurrent holder exists.
func NewLock(path string, interval time.Duration) *Lock {
	return &Lock{path: path, interval: interval}
}

// Acquire creates the marker file, waiting for any concurrent holder to
// release it first. It returns early when ctx is canceled.
func (l *Lock) Acquire(ctx context.Context) error {
	for {
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			f.Close()
			log.Info().Str("path", l.path).Msg("created lock file")

			return nil
		}
		if !os.IsExist(err) {
			return fmt.Errorf("creating lock file: %w", err)
		}

		log.Info().Str("path", l.path).Msg("waiting for lock release")
		if err := l.waitForRelease(ctx); err != nil {
			return err
		}
	}
}

// waitForRelease polls until the marker disappears.
func (l *Lock) waitForRelease(ctx context.Context) error {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := os.Stat(l.path); os.IsNotExist(err) {
				log.Info().Msg("lock released")
				return nil
			}
		}
	}
}

// Release removes the marker file. Safe to call on every exit path.
func (l *Lock) Release() {
	if err := os.Remove(l.path); err != nil {
		if !os.IsNotExist(err) {
			log.Error().Err(err).Str("path", l.path).Msg("failed to remove lock file")
		}

		return
	}
	log.Info().Str("path", l.path).Msg("removed lock file")
}
