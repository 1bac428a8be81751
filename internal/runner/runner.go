// Package runner coordinates one reconciliation pass: it serializes
// concurrent runs through a lock marker, drives the install/skip/remove
// decision for every desired plugin, writes the global configuration and
// removes orphaned installs.
package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/portalkit/dynplugins/internal/appconfig"
	"github.com/portalkit/dynplugins/internal/config"
	"github.com/portalkit/dynplugins/internal/installer"
	"github.com/portalkit/dynplugins/internal/manifest"
	"github.com/portalkit/dynplugins/internal/tracker"
)

// GlobalConfigFile is the name of the global configuration document written
// into the installation root.
const GlobalConfigFile = "app-config.dynamic-plugins.yaml"

// Runner executes reconciliation passes against one installation root.
type Runner struct {
	// Root is the installation root directory.
	Root string
	// ManifestPath is the desired-state manifest location.
	ManifestPath string
	// Settings carries environment-level limits and switches.
	Settings *config.Settings
	// Fetcher produces package archives for registry packages.
	Fetcher installer.PackageFetcher
	// Images copies and inspects container images. May be nil when no
	// image packages appear in the manifest.
	Images installer.ImageClient
}

// Run acquires the installation lock, executes exactly one reconciliation
// pass and releases the lock on every exit path.
func (r *Runner) Run(ctx context.Context) error {
	lock := NewLock(filepath.Join(r.Root, LockFile), r.Settings.LockPollInterval)
	if err := lock.Acquire(ctx); err != nil {
		return err
	}
	defer lock.Release()

	return r.reconcile(ctx)
}

// reconcile performs one pass of the overall reconciliation algorithm.
func (r *Runner) reconcile(ctx context.Context) error {
	globalPath := filepath.Join(r.Root, GlobalConfigFile)

	m, err := manifest.Load(r.ManifestPath)
	if err != nil {
		return err
	}
	if m == nil {
		log.Info().
			Str("manifest", r.ManifestPath).
			Msg("no manifest found or manifest empty, skipping dynamic plugins installation")

		return appconfig.WriteEmpty(globalPath)
	}

	if r.Settings.SkipIntegrityCheck {
		log.Warn().Msg("integrity check of packages is disabled")
	}

	entries, err := manifest.Resolve(m, r.ManifestPath)
	if err != nil {
		return err
	}

	snap, err := tracker.Scan(r.Root)
	if err != nil {
		return err
	}

	global := appconfig.New()
	opts := installer.Options{
		Root:               r.Root,
		MaxEntrySize:       r.Settings.MaxEntrySize,
		SkipIntegrityCheck: r.Settings.SkipIntegrityCheck,
		Fetcher:            r.Fetcher,
		Images:             r.Images,
	}

	for _, entry := range entries {
		if err := r.apply(ctx, entry, opts, snap, global); err != nil {
			return err
		}
	}

	if err := global.WriteFile(globalPath); err != nil {
		return err
	}

	removeOrphans(r.Root, snap)

	return nil
}

// apply drives the install/skip decision for one desired plugin.
func (r *Runner) apply(
	ctx context.Context,
	entry *manifest.Entry,
	opts installer.Options,
	snap *tracker.Snapshot,
	global *appconfig.GlobalConfig,
) error {
	if entry.Disabled() {
		log.Info().Str("package", entry.Package).Msg("skipping disabled dynamic plugin")
		return nil
	}

	inst := installer.ForPackage(entry.Package, opts)

	skip, reason, err := inst.ShouldSkip(ctx, entry, snap)
	if err != nil {
		return err
	}
	if skip {
		log.Info().
			Str("package", entry.Package).
			Str("reason", reason).
			Msg("skipping download of already installed dynamic plugin")
		snap.Consume(entry.Hash)

		return mergeConfig(entry, global)
	}

	log.Info().
		Str("package", entry.Package).
		Str("reason", reason).
		Msg("installing dynamic plugin")

	dir, err := inst.Install(ctx, entry, snap)
	if err != nil {
		return err
	}

	sidecar := filepath.Join(r.Root, dir, tracker.FingerprintFile)
	if err := os.WriteFile(sidecar, []byte(entry.Hash), 0o644); err != nil {
		return fmt.Errorf("writing fingerprint for %s: %w", entry.Package, err)
	}
	// A reinstall lands in the same directory, possibly under a changed
	// fingerprint; drop any snapshot entry for either so the directory is
	// not deleted as an orphan.
	snap.Consume(entry.Hash)
	snap.PurgePath(dir)

	log.Info().Str("package", entry.Package).Str("path", dir).
		Msg("successfully installed dynamic plugin")

	return mergeConfig(entry, global)
}

// mergeConfig merges the entry's configuration fragment, if present.
func mergeConfig(entry *manifest.Entry, global *appconfig.GlobalConfig) error {
	fragment := entry.PluginConfig()
	if fragment == nil {
		return nil
	}

	log.Debug().Str("package", entry.Package).Msg("merging plugin-specific configuration")
	if err := global.MergeFragment(fragment); err != nil {
		return fmt.Errorf("plugin %s: %w", entry.Package, err)
	}

	return nil
}

// removeOrphans deletes, best effort, every previously installed plugin whose
// fingerprint is no longer desired.
func removeOrphans(root string, snap *tracker.Snapshot) {
	for _, dir := range snap.Remaining() {
		log.Info().Str("path", dir).Msg("removing previously installed dynamic plugin")
		if err := os.RemoveAll(filepath.Join(root, dir)); err != nil {
			log.Error().Err(err).Str("path", dir).Msg("failed to remove orphaned plugin")
		}
	}
}
