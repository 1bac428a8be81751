package manifest

import (
	_ "crypto/sha256" // registers the fingerprint hash
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/opencontainers/go-digest"
)

// Lock files recognized for local package change detection.
var localLockFiles = []string{"package-lock.json", "yarn.lock"}

// fingerprint computes the content fingerprint of a resolved entry: a digest
// over a canonicalized copy of its fields with pluginConfig removed, so that
// configuration changes alone never force a reinstall. For local packages,
// auxiliary change-detection data is folded in.
func fingerprint(e *Entry) (string, error) {
	canonical := make(map[string]any, len(e.Fields)+1)
	for key, value := range e.Fields {
		if key == "pluginConfig" {
			continue
		}
		canonical[key] = value
	}

	if e.IsLocal() {
		canonical["_local_package_info"] = localPackageInfo(e.Package)
	}

	// encoding/json sorts map keys, giving an order-independent canonical
	// serialization.
	data, err := json.Marshal(canonical)
	if err != nil {
		return "", fmt.Errorf("canonicalizing plugin %s: %w", e.Package, err)
	}

	return digest.SHA256.FromBytes(data).Encoded(), nil
}

// localPackageInfo gathers change-detection data for a local package: the
// parsed package descriptor (or the directory's mtime when absent), the
// descriptor's mtime, and the mtimes of any recognized lock files. Read
// failures are folded in as an error marker so a distinguishable fingerprint
// forces a reinstall instead of aborting.
func localPackageInfo(pkg string) map[string]any {
	path := pkg
	if strings.HasPrefix(pkg, LocalPrefix) {
		cwd, err := os.Getwd()
		if err != nil {
			return map[string]any{"_error": err.Error()}
		}
		path = filepath.Join(cwd, strings.TrimPrefix(pkg, LocalPrefix))
	}

	descriptor := filepath.Join(path, "package.json")
	stat, err := os.Stat(descriptor)
	if os.IsNotExist(err) {
		dirStat, dirErr := os.Stat(path)
		if dirErr != nil {
			return map[string]any{"_not_found": true}
		}

		return map[string]any{"_directory_mtime": dirStat.ModTime().UnixNano()}
	}
	if err != nil {
		return map[string]any{"_error": err.Error()}
	}

	data, err := os.ReadFile(descriptor)
	if err != nil {
		return map[string]any{"_error": err.Error()}
	}
	var parsed any
	if err := json.Unmarshal(data, &parsed); err != nil {
		return map[string]any{"_error": err.Error()}
	}

	info := map[string]any{
		"_package_json":       parsed,
		"_package_json_mtime": stat.ModTime().UnixNano(),
	}

	for _, lock := range localLockFiles {
		lockStat, err := os.Stat(filepath.Join(path, lock))
		if err != nil {
			continue
		}
		info["_"+lock+"_mtime"] = lockStat.ModTime().UnixNano()
	}

	return info
}
