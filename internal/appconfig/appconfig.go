// Package appconfig accumulates plugin configuration fragments into the
// single global configuration document consumed by the application.
package appconfig

import (
	"fmt"
	"os"
	"reflect"

	"gopkg.in/yaml.v3"
)

// RootDirectory is the relative directory name plugins are installed under,
// seeded into every global configuration document.
const RootDirectory = "dynamic-plugins-root"

// GlobalConfig is the accumulator for the global configuration document.
type GlobalConfig struct {
	doc map[string]any
}

// New returns a GlobalConfig pre-seeded with the plugin root directory setting.
func New() *GlobalConfig {
	return &GlobalConfig{
		doc: map[string]any{
			"dynamicPlugins": map[string]any{
				"rootDirectory": RootDirectory,
			},
		},
	}
}

// MergeFragment deep-merges one plugin's configuration fragment into the
// accumulator. Two plugins setting the same leaf key to different values is a
// conflict and fails the merge.
func (g *GlobalConfig) MergeFragment(fragment map[string]any) error {
	return merge(fragment, g.doc, "")
}

// Document returns the accumulated configuration document.
func (g *GlobalConfig) Document() map[string]any {
	return g.doc
}

// WriteFile writes the accumulated document to path, replacing any previous
// content.
func (g *GlobalConfig) WriteFile(path string) error {
	data, err := yaml.Marshal(g.doc)
	if err != nil {
		return fmt.Errorf("encoding global configuration: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing global configuration: %w", err)
	}

	return nil
}

// WriteEmpty writes an empty global configuration document to path. Used on
// the nothing-to-install path so the output file always exists.
func WriteEmpty(path string) error {
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		return fmt.Errorf("writing empty global configuration: %w", err)
	}

	return nil
}

// merge recursively merges source into destination. prefix carries the dotted
// key path for conflict reporting.
func merge(source, destination map[string]any, prefix string) error {
	for key, value := range source {
		if child, ok := value.(map[string]any); ok {
			node, exists := destination[key]
			if !exists {
				node = map[string]any{}
				destination[key] = node
			}
			nested, ok := node.(map[string]any)
			if !ok {
				return fmt.Errorf(
					"config key '%s%s' defined differently for 2 dynamic plugins",
					prefix, key,
				)
			}
			if err := merge(child, nested, prefix+key+"."); err != nil {
				return err
			}

			continue
		}

		if existing, exists := destination[key]; exists && !reflect.DeepEqual(existing, value) {
			return fmt.Errorf(
				"config key '%s%s' defined differently for 2 dynamic plugins",
				prefix, key,
			)
		}
		destination[key] = value
	}

	return nil
}
