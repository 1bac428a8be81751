package runner

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/portalkit/dynplugins/internal/config"
	"github.com/portalkit/dynplugins/internal/tracker"
)

// fakeFetcher writes a canned package archive into the working directory.
type fakeFetcher struct {
	t     *testing.T
	name  string
	files map[string]string
	calls int
}

func (f *fakeFetcher) Pack(_ context.Context, _, workDir string) (string, error) {
	f.calls++

	path := filepath.Join(workDir, f.name)
	out, err := os.Create(path)
	require.NoError(f.t, err)
	defer out.Close()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)
	for name, content := range f.files {
		require.NoError(f.t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Typeflag: tar.TypeReg,
			Mode:     0o644,
			Size:     int64(len(content)),
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(f.t, err)
	}
	require.NoError(f.t, tw.Close())
	require.NoError(f.t, gz.Close())

	return path, nil
}

func testSettings() *config.Settings {
	return &config.Settings{
		MaxEntrySize:     1024,
		LockPollInterval: 10 * time.Millisecond,
	}
}

func newRunner(t *testing.T, manifestContent string, fetcher *fakeFetcher) *Runner {
	t.Helper()

	root := t.TempDir()
	manifestPath := filepath.Join(t.TempDir(), "dynamic-plugins.yaml")
	if manifestContent != "" {
		require.NoError(t, os.WriteFile(manifestPath, []byte(manifestContent), 0o644))
	}
	s := testSettings()
	s.SkipIntegrityCheck = true

	return &Runner{
		Root:         root,
		ManifestPath: manifestPath,
		Settings:     s,
		Fetcher:      fetcher,
	}
}

func TestRunNothingToInstall(t *testing.T) {
	t.Parallel()

	r := newRunner(t, "", nil)
	require.NoError(t, r.Run(context.Background()))

	data, err := os.ReadFile(filepath.Join(r.Root, GlobalConfigFile))
	require.NoError(t, err)
	assert.Empty(t, data)

	// The lock is released on the way out.
	assert.NoFileExists(t, filepath.Join(r.Root, LockFile))
}

func TestRunInstallsAndIsIdempotent(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{
		t:     t,
		name:  "some-plugin-1.0.0.tgz",
		files: map[string]string{"package/index.js": "code"},
	}
	r := newRunner(t, `
plugins:
  - package: some-plugin
    pluginConfig:
      catalog:
        providers:
          custom: true
`, fetcher)

	require.NoError(t, r.Run(context.Background()))
	assert.Equal(t, 1, fetcher.calls)
	assert.FileExists(t, filepath.Join(r.Root, "some-plugin-1.0.0", "index.js"))
	assert.FileExists(t, filepath.Join(r.Root, "some-plugin-1.0.0", tracker.FingerprintFile))

	first, err := os.ReadFile(filepath.Join(r.Root, GlobalConfigFile))
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, yaml.Unmarshal(first, &doc))
	assert.Contains(t, doc, "catalog")
	assert.Equal(
		t,
		"dynamic-plugins-root",
		doc["dynamicPlugins"].(map[string]any)["rootDirectory"],
	)

	// Second run with an unchanged manifest performs zero installs and
	// produces a byte-identical document.
	require.NoError(t, r.Run(context.Background()))
	assert.Equal(t, 1, fetcher.calls)

	second, err := os.ReadFile(filepath.Join(r.Root, GlobalConfigFile))
	require.NoError(t, err)
	assert.Equal(t, first, second)

	assert.FileExists(t, filepath.Join(r.Root, "some-plugin-1.0.0", "index.js"))
}

func TestRunRemovesOrphans(t *testing.T) {
	t.Parallel()

	r := newRunner(t, "plugins: []\n", nil)

	orphan := filepath.Join(r.Root, "stale-plugin")
	require.NoError(t, os.MkdirAll(orphan, 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(orphan, tracker.FingerprintFile), []byte("stale-hash"), 0o644,
	))

	require.NoError(t, r.Run(context.Background()))
	assert.NoDirExists(t, orphan)
}

func TestRunReinstallIntoSameDirectorySurvives(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{
		t:     t,
		name:  "some-plugin-1.0.0.tgz",
		files: map[string]string{"package/index.js": "code"},
	}
	r := newRunner(t, `
plugins:
  - package: some-plugin
`, fetcher)

	// A previous run left the same directory behind under a fingerprint
	// that no longer matches the manifest entry.
	stale := filepath.Join(r.Root, "some-plugin-1.0.0")
	require.NoError(t, os.MkdirAll(stale, 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(stale, tracker.FingerprintFile), []byte("stale-hash"), 0o644,
	))

	require.NoError(t, r.Run(context.Background()))
	assert.Equal(t, 1, fetcher.calls)

	// The fresh install must not be swept away as an orphan of the stale
	// fingerprint.
	assert.FileExists(t, filepath.Join(stale, "index.js"))

	sidecar, err := os.ReadFile(filepath.Join(stale, tracker.FingerprintFile))
	require.NoError(t, err)
	assert.NotEqual(t, "stale-hash", string(sidecar))
}

func TestRunSkipsDisabledPlugins(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{t: t, name: "p-1.0.0.tgz", files: map[string]string{"package/a": "x"}}
	r := newRunner(t, `
plugins:
  - package: some-plugin
    disabled: true
    pluginConfig:
      fromDisabled: true
`, fetcher)

	require.NoError(t, r.Run(context.Background()))
	assert.Zero(t, fetcher.calls)

	data, err := os.ReadFile(filepath.Join(r.Root, GlobalConfigFile))
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, yaml.Unmarshal(data, &doc))
	// Disabled plugins contribute no configuration.
	assert.NotContains(t, doc, "fromDisabled")
}

func TestRunConfigConflictIsFatal(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{
		t:     t,
		name:  "p-1.0.0.tgz",
		files: map[string]string{"package/a": "x"},
	}
	r := newRunner(t, `
plugins:
  - package: plugin-one
    pluginConfig:
      x:
        y: 1
  - package: plugin-two
    pluginConfig:
      x:
        y: 2
`, fetcher)

	err := r.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "x.y")

	// The lock is released even on a fatal run.
	assert.NoFileExists(t, filepath.Join(r.Root, LockFile))
}

func TestRunManifestErrorsAreFatal(t *testing.T) {
	t.Parallel()

	r := newRunner(t, "plugins:\n  - package: 42\n", nil)
	err := r.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "'plugins.package' field must be a string")
}

func TestLockSerializesRuns(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, LockFile)

	// A concurrent holder exists.
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	lock := NewLock(path, 10*time.Millisecond)
	acquired := make(chan error, 1)
	go func() {
		acquired <- lock.Acquire(context.Background())
	}()

	select {
	case <-acquired:
		t.Fatal("lock acquired while the marker still exists")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, os.Remove(path))

	select {
	case err := <-acquired:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("lock was not acquired after release")
	}

	assert.FileExists(t, path)
	lock.Release()
	assert.NoFileExists(t, path)
}

func TestLockAcquireHonorsCancellation(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, LockFile)
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- NewLock(path, 10*time.Millisecond).Acquire(ctx)
	}()

	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Acquire did not return after cancellation")
	}
}
