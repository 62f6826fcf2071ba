package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/igravious/twine/version"
)

/*

Persisted state lives under two roots:

	<cache>/twine/gems/<name>-<version>.gem                       downloaded artifacts
	<cache>/twine/environments/<api>/<primary>-<version>/...      unpacked per-command trees

where <cache> is $XDG_CACHE_HOME or ~/.cache. Each environment holds
gems/<name>-<version>/ trees with their sidecar markers plus a top-level
.installed file written last; a tree without the marker is never treated
as a cache hit, so interrupted installs are safe to retry.

*/

// installedMarker is the completion marker of an environment.
const installedMarker = ".installed"

func cacheRoot() (string, error) {
	if xdg := os.Getenv("XDG_CACHE_HOME"); xdg != "" {
		return filepath.Join(xdg, "twine"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("locating cache directory: %w", err)
	}
	return filepath.Join(home, ".cache", "twine"), nil
}

// gemCachePath returns the artifact path for a downloaded gem.
func gemCachePath(name string, v version.Version) (string, error) {
	root, err := cacheRoot()
	if err != nil {
		return "", err
	}
	return filepath.Join(root, "gems", fmt.Sprintf("%s-%s.gem", name, v)), nil
}

// rubyAPI maps a runtime version to its ABI directory name (3.3.1 → 3.3.0).
func rubyAPI(v string) string {
	parts := strings.SplitN(v, ".", 3)
	if len(parts) < 2 {
		return v
	}
	return fmt.Sprintf("%s.%s.0", parts[0], parts[1])
}

// envDir returns the unpack root for one command environment.
func envDir(api, primaryName string, primaryVersion version.Version) (string, error) {
	root, err := cacheRoot()
	if err != nil {
		return "", err
	}
	return filepath.Join(root, "environments", api, fmt.Sprintf("%s-%s", primaryName, primaryVersion)), nil
}

// envInstalled reports whether an environment finished installing.
func envInstalled(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, installedMarker))
	return err == nil
}

// markInstalled writes the completion marker. This is the last step of an
// install; everything before it is safely re-runnable.
func markInstalled(dir string) error {
	return os.WriteFile(filepath.Join(dir, installedMarker), []byte{}, 0o644)
}
