package installer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/portalkit/dynplugins/internal/archive"
	"github.com/portalkit/dynplugins/internal/manifest"
	"github.com/portalkit/dynplugins/internal/tracker"
)

// DigestFile is the sidecar file carrying the installed image digest.
const DigestFile = "dynamic-plugin-image.hash"

// latestMarker in the package identifier defaults the pull policy to Always.
const latestMarker = ":latest" + manifest.ImagePathDelimiter

// ImageInstaller installs plugins drawn from container images.
type ImageInstaller struct {
	opts      Options
	extractor *archive.Extractor
}

// splitImagePackage decomposes an image package identifier into the image
// reference and the in-image path.
func splitImagePackage(pkg string) (string, string, error) {
	image, path, found := strings.Cut(pkg, manifest.ImagePathDelimiter)
	if !found || path == "" {
		return "", "", fmt.Errorf(
			"image package %q must be of the form %simage%spath",
			pkg, manifest.ImagePrefix, manifest.ImagePathDelimiter,
		)
	}

	return image, path, nil
}

// effectivePolicy returns the declared pull policy, defaulting to Always for
// images tagged with the latest marker and IfNotPresent otherwise.
func effectivePolicy(e *manifest.Entry) manifest.PullPolicy {
	if policy, set := e.PullPolicy(); set {
		return policy
	}
	if strings.Contains(e.Package, latestMarker) {
		return manifest.PullAlways
	}

	return manifest.PullIfNotPresent
}

// ShouldSkip refines the generic contract: under the Always policy the
// remotely-queried image digest is compared against the digest persisted
// alongside the installed plugin, and an unchanged digest skips the install.
func (i *ImageInstaller) ShouldSkip(
	ctx context.Context,
	e *manifest.Entry,
	snap *tracker.Snapshot,
) (bool, string, error) {
	installedDir, ok := snap.Path(e.Hash)
	if !ok {
		return false, ReasonNotInstalled, nil
	}

	if effectivePolicy(e) == manifest.PullIfNotPresent {
		return true, ReasonAlreadyInstalled, nil
	}

	image, _, err := splitImagePackage(e.Package)
	if err != nil {
		return false, "", err
	}

	var local string
	data, err := os.ReadFile(filepath.Join(i.opts.Root, installedDir, DigestFile))
	if err == nil {
		local = strings.TrimSpace(string(data))
	}

	remote, err := i.opts.Images.Digest(ctx, image)
	if err != nil {
		return false, "", err
	}
	if local != "" && remote == local {
		return true, ReasonDigestUnchanged, nil
	}

	return false, ReasonForceDownload, nil
}

// Install extracts the requested in-image path from the image's first layer
// and persists the freshly queried image digest next to it.
func (i *ImageInstaller) Install(
	ctx context.Context,
	e *manifest.Entry,
	snap *tracker.Snapshot,
) (string, error) {
	image, pluginPath, err := splitImagePackage(e.Package)
	if err != nil {
		return "", err
	}

	layer, err := i.opts.Images.LayerArchive(ctx, image)
	if err != nil {
		return "", err
	}

	pluginDir := filepath.Join(i.opts.Root, pluginPath)
	if _, err := os.Stat(pluginDir); err == nil {
		log.Info().Str("path", pluginDir).Msg("removing previous plugin directory")
		if err := os.RemoveAll(pluginDir); err != nil {
			return "", fmt.Errorf("removing previous plugin directory %s: %w", pluginDir, err)
		}
	}

	if err := i.extractor.ExtractPrefix(layer, i.opts.Root, pluginPath); err != nil {
		return "", fmt.Errorf("image plugin %s: %w", e.Package, err)
	}

	remote, err := i.opts.Images.Digest(ctx, image)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(pluginDir, DigestFile), []byte(remote), 0o644); err != nil {
		return "", fmt.Errorf("writing image digest for %s: %w", e.Package, err)
	}

	// The same image may have been recorded under multiple stale
	// fingerprints that all map to this path.
	snap.PurgePath(pluginPath)

	return pluginPath, nil
}
