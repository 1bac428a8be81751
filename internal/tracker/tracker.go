// Package tracker snapshots the fingerprints of previously installed plugins
// so a run can tell apart installs, skips and orphans.
package tracker

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FingerprintFile is the sidecar file carrying a plugin's fingerprint.
const FingerprintFile = "dynamic-plugin-config.hash"

// Snapshot maps the fingerprints found in the installation root at the start
// of a run to their directory names. Entries are consumed as the run confirms
// plugins are still desired; whatever remains identifies orphaned installs.
type Snapshot struct {
	dirByHash map[string]string
}

// Scan reads the installation root's immediate subdirectories and records
// every fingerprint sidecar found.
func Scan(root string) (*Snapshot, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("scanning installation root: %w", err)
	}

	snap := &Snapshot{dirByHash: make(map[string]string)}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(root, entry.Name(), FingerprintFile))
		if err != nil {
			// No sidecar means not installed by this tool.
			continue
		}
		snap.dirByHash[strings.TrimSpace(string(data))] = entry.Name()
	}

	return snap, nil
}

// Path returns the directory name recorded for hash.
func (s *Snapshot) Path(hash string) (string, bool) {
	dir, ok := s.dirByHash[hash]
	return dir, ok
}

// Consume marks the plugin with the given fingerprint as still desired,
// removing it from the orphan candidates.
func (s *Snapshot) Consume(hash string) {
	delete(s.dirByHash, hash)
}

// PurgePath drops every fingerprint entry pointing at dir. A single image can
// have been recorded under multiple stale fingerprints for the same
// destination; purging avoids spurious duplicate deletions later.
func (s *Snapshot) PurgePath(dir string) {
	for hash, path := range s.dirByHash {
		if path == dir {
			delete(s.dirByHash, hash)
		}
	}
}

// Remaining returns a copy of the fingerprints not consumed during the run,
// mapped to their directory names. These are the orphaned installs.
func (s *Snapshot) Remaining() map[string]string {
	out := make(map[string]string, len(s.dirByHash))
	for hash, dir := range s.dirByHash {
		out[hash] = dir
	}

	return out
}
