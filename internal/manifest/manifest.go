// Package manifest loads the desired-state plugin manifest, resolves its
// includes and per-package overrides, and fingerprints every resolved entry.
package manifest

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// PullPolicy controls whether an already-installed plugin is re-validated
// against its source.
type PullPolicy string

const (
	// PullIfNotPresent only downloads a plugin when it is not installed.
	PullIfNotPresent PullPolicy = "IfNotPresent"
	// PullAlways re-validates the plugin against its source on every run.
	PullAlways PullPolicy = "Always"
)

// Manifest is one desired-state document: a list of include references and a
// list of plugin entries.
type Manifest struct {
	Includes []string
	Plugins  []map[string]any
}

// Load reads and validates the manifest document at path. It returns nil with
// no error when the file is absent or empty, which callers treat as the
// legitimate nothing-to-install state.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var content any
	if err := yaml.Unmarshal(data, &content); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if content == nil {
		return nil, nil
	}

	doc, ok := content.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%s content must be a YAML object", path)
	}

	m := &Manifest{}

	if raw, exists := doc["includes"]; exists {
		list, ok := raw.([]any)
		if !ok {
			return nil, fmt.Errorf("content of the 'includes' field must be a list in %s", path)
		}
		for _, item := range list {
			include, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf(
					"content of the 'includes' field must be a list of strings in %s", path,
				)
			}
			m.Includes = append(m.Includes, include)
		}
	}

	if raw, exists := doc["plugins"]; exists {
		plugins, err := pluginList(raw, path)
		if err != nil {
			return nil, err
		}
		m.Plugins = plugins
	}

	return m, nil
}

// Resolve applies includes and per-package field overrides and returns the
// ordered list of finally-resolved entries, fingerprints computed.
func Resolve(m *Manifest, path string) ([]*Entry, error) {
	set := newEntrySet()

	for _, include := range m.Includes {
		log.Info().Str("file", include).Msg("including dynamic plugins")

		data, err := os.ReadFile(include)
		if os.IsNotExist(err) {
			log.Warn().Str("file", include).Msg("include file does not exist, skipping")
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading include %s: %w", include, err)
		}

		var content any
		if err := yaml.Unmarshal(data, &content); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", include, err)
		}
		doc, ok := content.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%s content must be a YAML object", include)
		}
		plugins, err := pluginList(doc["plugins"], include)
		if err != nil {
			return nil, err
		}
		for _, plugin := range plugins {
			if err := set.merge(plugin, path); err != nil {
				return nil, err
			}
		}
	}

	for _, plugin := range m.Plugins {
		if err := set.merge(plugin, path); err != nil {
			return nil, err
		}
	}

	entries := set.entries()
	for _, entry := range entries {
		if err := entry.validate(); err != nil {
			return nil, err
		}
		hash, err := fingerprint(entry)
		if err != nil {
			return nil, err
		}
		entry.Hash = hash
	}

	return entries, nil
}

// pluginList validates that raw is a list of plugin objects.
func pluginList(raw any, source string) ([]map[string]any, error) {
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("content of the 'plugins' field must be a list in %s", source)
	}

	plugins := make([]map[string]any, 0, len(list))
	for _, item := range list {
		plugin, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("every item of the 'plugins' list must be an object in %s", source)
		}
		plugins = append(plugins, plugin)
	}

	return plugins, nil
}

// entrySet accumulates plugin entries keyed by package identifier while
// preserving first-seen order.
type entrySet struct {
	order     []string
	byPackage map[string]*Entry
}

func newEntrySet() *entrySet {
	return &entrySet{byPackage: make(map[string]*Entry)}
}

// merge records one plugin object. When the package identifier is already
// present, fields from the later source override the earlier ones; the
// package identity itself is never replaced.
func (s *entrySet) merge(plugin map[string]any, source string) error {
	pkg, ok := plugin["package"].(string)
	if !ok {
		return fmt.Errorf("content of the 'plugins.package' field must be a string in %s", source)
	}
	if pkg == "" {
		return fmt.Errorf("content of the 'plugins.package' field must not be empty in %s", source)
	}

	existing, exists := s.byPackage[pkg]
	if !exists {
		fields := make(map[string]any, len(plugin))
		for key, value := range plugin {
			fields[key] = value
		}
		s.byPackage[pkg] = &Entry{Package: pkg, Fields: fields}
		s.order = append(s.order, pkg)

		return nil
	}

	log.Info().Str("package", pkg).Msg("overriding dynamic plugin configuration")
	for key, value := range plugin {
		if key == "package" {
			continue
		}
		existing.Fields[key] = value
	}

	return nil
}

func (s *entrySet) entries() []*Entry {
	out := make([]*Entry, 0, len(s.order))
	for _, pkg := range s.order {
		out = append(out, s.byPackage[pkg])
	}

	return out
}
