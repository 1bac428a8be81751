package installer

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/portalkit/dynplugins/internal/manifest"
	"github.com/portalkit/dynplugins/internal/tracker"
)

type archiveEntry struct {
	name    string
	content string
}

// writeTarGz builds a gzip-compressed tar archive of regular files at path.
func writeTarGz(t *testing.T, path string, entries []archiveEntry) {
	t.Helper()

	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	for _, entry := range entries {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     entry.name,
			Typeflag: tar.TypeReg,
			Mode:     0o644,
			Size:     int64(len(entry.content)),
		}))
		_, err := tw.Write([]byte(entry.content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
}

// fakeFetcher materializes a canned archive instead of invoking the external
// package fetcher.
type fakeFetcher struct {
	t           *testing.T
	archiveName string
	entries     []archiveEntry
	err         error
	calls       int
	lastPkg     string
}

func (f *fakeFetcher) Pack(_ context.Context, pkg, workDir string) (string, error) {
	f.calls++
	f.lastPkg = pkg
	if f.err != nil {
		return "", f.err
	}

	path := filepath.Join(workDir, f.archiveName)
	writeTarGz(f.t, path, f.entries)

	return path, nil
}

// fakeImageClient serves a canned layer archive and digest.
type fakeImageClient struct {
	layer     string
	digest    string
	layerErr  error
	digestErr error
	copies    int
	inspects  int
}

func (f *fakeImageClient) LayerArchive(_ context.Context, _ string) (string, error) {
	f.copies++
	return f.layer, f.layerErr
}

func (f *fakeImageClient) Digest(_ context.Context, _ string) (string, error) {
	f.inspects++
	return f.digest, f.digestErr
}

func entry(t *testing.T, fields map[string]any) *manifest.Entry {
	t.Helper()

	pkg, ok := fields["package"].(string)
	require.True(t, ok)

	return &manifest.Entry{Package: pkg, Fields: fields, Hash: "hash-" + pkg}
}

// recordInstalled writes a fingerprint sidecar so the snapshot sees the
// plugin as installed.
func recordInstalled(t *testing.T, root, dir, hash string) {
	t.Helper()

	path := filepath.Join(root, dir)
	require.NoError(t, os.MkdirAll(path, 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(path, tracker.FingerprintFile), []byte(hash), 0o644,
	))
}

func scan(t *testing.T, root string) *tracker.Snapshot {
	t.Helper()

	snap, err := tracker.Scan(root)
	require.NoError(t, err)

	return snap
}
