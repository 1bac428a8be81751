// Package installer materializes plugins into the installation root. Two
// strategies exist, selected by the package identifier's prefix: registry
// packages (remote or local filesystem) and container images. Both share one
// skip-decision contract and one secure extraction helper.
package installer

import (
	"context"
	"strings"

	"github.com/portalkit/dynplugins/internal/archive"
	"github.com/portalkit/dynplugins/internal/manifest"
	"github.com/portalkit/dynplugins/internal/tracker"
)

// Skip reasons reported by ShouldSkip.
const (
	ReasonNotInstalled     = "not installed"
	ReasonForceDownload    = "force download"
	ReasonAlreadyInstalled = "already installed"
	ReasonDigestUnchanged  = "digest unchanged"
)

// Installer is one acquisition strategy for a plugin.
type Installer interface {
	// ShouldSkip decides whether the installed copy of the plugin, if any,
	// makes (re)installation unnecessary.
	ShouldSkip(ctx context.Context, e *manifest.Entry, snap *tracker.Snapshot) (bool, string, error)
	// Install materializes the plugin's files and returns the name of its
	// directory under the installation root.
	Install(ctx context.Context, e *manifest.Entry, snap *tracker.Snapshot) (string, error)
}

// Options carries the shared collaborators and limits for all strategies.
type Options struct {
	// Root is the installation root directory.
	Root string
	// MaxEntrySize caps the declared size of a single archive entry.
	MaxEntrySize int64
	// SkipIntegrityCheck disables integrity verification of remote
	// registry packages.
	SkipIntegrityCheck bool
	// Fetcher produces package archives for registry packages.
	Fetcher PackageFetcher
	// Images copies and inspects container images.
	Images ImageClient
}

// ForPackage selects the strategy for a package identifier.
func ForPackage(pkg string, opts Options) Installer {
	extractor := &archive.Extractor{MaxEntrySize: opts.MaxEntrySize}
	if strings.HasPrefix(pkg, manifest.ImagePrefix) {
		return &ImageInstaller{opts: opts, extractor: extractor}
	}

	return &RegistryInstaller{opts: opts, extractor: extractor}
}

// shouldSkipGeneric is the common decision contract: never skip when not
// installed or when a refetch is forced, skip otherwise.
func shouldSkipGeneric(e *manifest.Entry, snap *tracker.Snapshot) (bool, string) {
	if _, ok := snap.Path(e.Hash); !ok {
		return false, ReasonNotInstalled
	}

	policy, set := e.PullPolicy()
	if !set {
		policy = manifest.PullIfNotPresent
	}
	if policy == manifest.PullAlways || e.ForceDownload() {
		return false, ReasonForceDownload
	}

	return true, ReasonAlreadyInstalled
}
