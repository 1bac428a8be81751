package manifest

import (
	"fmt"
	"strings"
)

// Package identifier markers.
const (
	// LocalPrefix marks a package resolved from the local filesystem.
	LocalPrefix = "./"
	// ImagePrefix marks a package drawn from a container image.
	ImagePrefix = "oci://"
	// ImagePathDelimiter separates the image reference from the in-image path.
	ImagePathDelimiter = "!"
)

// Entry is one finally-resolved plugin entry. Fields holds every
// manifest-supplied field after overrides; typed accessors validate on read.
type Entry struct {
	Package string
	Fields  map[string]any
	// Hash is the content fingerprint, computed after all overrides are
	// applied and before any install decision.
	Hash string
}

// Disabled reports whether the entry is disabled.
func (e *Entry) Disabled() bool {
	v, _ := e.Fields["disabled"].(bool)
	return v
}

// ForceDownload reports whether a re-download is forced even when installed.
func (e *Entry) ForceDownload() bool {
	v, _ := e.Fields["forceDownload"].(bool)
	return v
}

// Integrity returns the integrity string and whether one was supplied.
func (e *Entry) Integrity() (string, bool) {
	v, ok := e.Fields["integrity"].(string)
	return v, ok
}

// PluginConfig returns the entry's configuration fragment, or nil.
func (e *Entry) PluginConfig() map[string]any {
	v, _ := e.Fields["pluginConfig"].(map[string]any)
	return v
}

// PullPolicy returns the declared pull policy and whether one was supplied.
func (e *Entry) PullPolicy() (PullPolicy, bool) {
	v, ok := e.Fields["pullPolicy"].(string)
	if !ok {
		return "", false
	}

	return PullPolicy(v), true
}

// IsLocal reports whether the package is a local filesystem path.
func (e *Entry) IsLocal() bool {
	return strings.HasPrefix(e.Package, LocalPrefix)
}

// IsImage reports whether the package is drawn from a container image.
func (e *Entry) IsImage() bool {
	return strings.HasPrefix(e.Package, ImagePrefix)
}

// validate checks field types and values that would otherwise fail late.
func (e *Entry) validate() error {
	if raw, exists := e.Fields["disabled"]; exists {
		if _, ok := raw.(bool); !ok {
			return fmt.Errorf("plugin %s: 'disabled' must be a boolean", e.Package)
		}
	}
	if raw, exists := e.Fields["forceDownload"]; exists {
		if _, ok := raw.(bool); !ok {
			return fmt.Errorf("plugin %s: 'forceDownload' must be a boolean", e.Package)
		}
	}
	if raw, exists := e.Fields["integrity"]; exists {
		if _, ok := raw.(string); !ok {
			return fmt.Errorf("plugin %s: 'integrity' must be a string", e.Package)
		}
	}
	if raw, exists := e.Fields["pullPolicy"]; exists {
		policy, ok := raw.(string)
		if !ok {
			return fmt.Errorf("plugin %s: 'pullPolicy' must be a string", e.Package)
		}
		switch PullPolicy(policy) {
		case PullIfNotPresent, PullAlways:
		default:
			return fmt.Errorf(
				"plugin %s: unknown pull policy %q, use %s or %s",
				e.Package, policy, PullIfNotPresent, PullAlways,
			)
		}
	}

	return nil
}
