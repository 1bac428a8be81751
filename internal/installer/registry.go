package installer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/portalkit/dynplugins/internal/archive"
	"github.com/portalkit/dynplugins/internal/integrity"
	"github.com/portalkit/dynplugins/internal/manifest"
	"github.com/portalkit/dynplugins/internal/tracker"
)

// packageRoot is the fixed root segment every regular entry of a package
// archive must be prefixed with.
const packageRoot = "package/"

// RegistryInstaller installs registry packages, covering both remote
// registry names and local filesystem paths.
type RegistryInstaller struct {
	opts      Options
	extractor *archive.Extractor
}

// ShouldSkip applies the generic decision contract.
func (r *RegistryInstaller) ShouldSkip(
	_ context.Context,
	e *manifest.Entry,
	snap *tracker.Snapshot,
) (bool, string, error) {
	skip, reason := shouldSkipGeneric(e, snap)
	return skip, reason, nil
}

// Install fetches the package archive, verifies its integrity for remote
// packages, and extracts it under a fresh directory named after the archive.
func (r *RegistryInstaller) Install(
	ctx context.Context,
	e *manifest.Entry,
	_ *tracker.Snapshot,
) (string, error) {
	pkg := e.Package
	local := e.IsLocal()
	if local {
		cwd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("resolving local package %s: %w", pkg, err)
		}
		pkg = filepath.Join(cwd, strings.TrimPrefix(pkg, manifest.LocalPrefix))
	}

	checkIntegrity := !local && !r.opts.SkipIntegrityCheck

	integrityValue, hasIntegrity := e.Integrity()
	if checkIntegrity && !hasIntegrity {
		return "", fmt.Errorf("no integrity hash provided for package %s", e.Package)
	}

	archivePath, err := r.opts.Fetcher.Pack(ctx, pkg, r.opts.Root)
	if err != nil {
		return "", err
	}

	if checkIntegrity {
		log.Info().Str("package", e.Package).Msg("verifying package integrity")
		if err := integrity.VerifyFile(integrityValue, archivePath); err != nil {
			return "", fmt.Errorf("package %s: %w", e.Package, err)
		}
	}

	dir := strings.TrimSuffix(archivePath, ".tgz")
	if _, err := os.Stat(dir); err == nil {
		log.Info().Str("path", dir).Msg("removing previous plugin directory")
		if err := os.RemoveAll(dir); err != nil {
			return "", fmt.Errorf("removing previous plugin directory %s: %w", dir, err)
		}
	}

	log.Info().Str("archive", archivePath).Msg("extracting package archive")
	if err := r.extractor.ExtractPackage(archivePath, dir, packageRoot); err != nil {
		return "", fmt.Errorf("package %s: %w", e.Package, err)
	}

	log.Debug().Str("archive", archivePath).Msg("removing package archive")
	if err := os.Remove(archivePath); err != nil {
		return "", fmt.Errorf("removing package archive %s: %w", archivePath, err)
	}

	return filepath.Base(dir), nil
}
