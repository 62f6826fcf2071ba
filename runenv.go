package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/igravious/twine/gem"
)

// bundlerShim is the minimal bundler-setup shadow written into the shim
// directory so code doing `require "bundler/setup"` keeps working against
// a load path this tool already composed.
const bundlerShim = `module Bundler
  def self.setup(*groups)
  end

  def self.require(*groups)
    $LOAD_PATH.each do |dir|
    end
  end
end
`

// gemPreload is required via RUBYOPT and turns the runtime's gem
// activation into a no-op; the load path already points at every unpacked
// gem.
const gemPreload = `module Kernel
  def gem(name, *requirements)
    true
  end
end
`

// runtimePrefix derives the installation prefix from the runtime
// executable path by stripping /bin/<exe>.
func runtimePrefix(rubyPath string) (string, error) {
	abs, err := filepath.Abs(rubyPath)
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	bin := filepath.Dir(abs)
	if filepath.Base(bin) != "bin" {
		return "", fmt.Errorf("runtime %s is not under a bin directory", rubyPath)
	}
	return filepath.Dir(bin), nil
}

func findRuby(rubyPath string) (string, error) {
	if rubyPath != "" {
		return rubyPath, nil
	}
	found, err := exec.LookPath("ruby")
	if err != nil {
		return "", fmt.Errorf("no ruby runtime found on PATH")
	}
	return found, nil
}

// composeLoadPath builds the RUBYLIB value: the shim directory, every
// unpacked gem's require paths, the runtime stdlib, and the arch-specific
// stdlib subdirectory holding rbconfig.rb.
func composeLoadPath(prefix, envRoot, api string) (string, error) {
	shimDir, err := ensureShims(prefix)
	if err != nil {
		return "", err
	}
	parts := []string{shimDir}

	gemDirs, err := unpackedGemDirs(envRoot)
	if err != nil {
		return "", err
	}
	for _, dir := range gemDirs {
		requirePaths, err := gem.ReadSidecar(dir, gem.RequirePathsMarker)
		if err != nil {
			// Trees unpacked by older runs default to lib.
			requirePaths = []string{"lib"}
		}
		for _, rp := range requirePaths {
			parts = append(parts, filepath.Join(dir, rp))
		}
	}

	stdlib := filepath.Join(prefix, "lib", "ruby", api)
	parts = append(parts, stdlib)
	if arch := archStdlibDir(stdlib); arch != "" {
		parts = append(parts, arch)
	}

	return strings.Join(parts, string(os.PathListSeparator)), nil
}

func unpackedGemDirs(envRoot string) ([]string, error) {
	gemsDir := filepath.Join(envRoot, "gems")
	entries, err := os.ReadDir(gemsDir)
	if err != nil {
		return nil, fmt.Errorf("reading environment %s: %w", envRoot, err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, filepath.Join(gemsDir, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}

// archStdlibDir finds the first arch-specific subdirectory of the stdlib
// that carries a compiler-config file.
func archStdlibDir(stdlib string) string {
	matches, err := filepath.Glob(filepath.Join(stdlib, "*", "rbconfig.rb"))
	if err != nil || len(matches) == 0 {
		return ""
	}
	sort.Strings(matches)
	return filepath.Dir(matches[0])
}

// ensureShims writes the shim directory under the runtime prefix on first
// use.
func ensureShims(prefix string) (string, error) {
	shimDir := filepath.Join(prefix, "lib", "twine_shims")
	setupPath := filepath.Join(shimDir, "bundler", "setup.rb")
	if _, err := os.Stat(setupPath); err == nil {
		return shimDir, nil
	}
	if err := os.MkdirAll(filepath.Dir(setupPath), 0o755); err != nil {
		return "", fmt.Errorf("creating shim directory: %w", err)
	}
	if err := os.WriteFile(setupPath, []byte(bundlerShim), 0o644); err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(shimDir, "bundler.rb"), []byte(bundlerShim), 0o644); err != nil {
		return "", err
	}
	return shimDir, nil
}

func ensurePreload(prefix string) (string, error) {
	path := filepath.Join(prefix, "lib", "twine_shims", "twine_preload.rb")
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(gemPreload), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// findExecutable locates a binary across the environment's unpacked gems
// via their .executables sidecars.
func findExecutable(envRoot, name string) (string, error) {
	dirs, err := unpackedGemDirs(envRoot)
	if err != nil {
		return "", err
	}
	for _, dir := range dirs {
		executables, err := gem.ReadSidecar(dir, gem.ExecutablesMarker)
		if err != nil {
			continue
		}
		for _, exe := range executables {
			if exe != name {
				continue
			}
			for _, bindir := range []string{"exe", "bin"} {
				script := filepath.Join(dir, bindir, name)
				if _, err := os.Stat(script); err == nil {
					return script, nil
				}
			}
		}
	}
	return "", fmt.Errorf("no gem in this environment provides the binary %q", name)
}

// execRuby composes the process environment and replaces the current
// process with the runtime. It only returns on failure.
func execRuby(rubyPath, envRoot, api, script string, args []string) error {
	prefix, err := runtimePrefix(rubyPath)
	if err != nil {
		return err
	}
	loadPath, err := composeLoadPath(prefix, envRoot, api)
	if err != nil {
		return err
	}
	preload, err := ensurePreload(prefix)
	if err != nil {
		return err
	}

	env := os.Environ()
	env = setEnv(env, "RUBYLIB", loadPath)
	env = setEnv(env, "RUBYOPT", "-r"+preload)
	libDir := filepath.Join(prefix, "lib")
	if current := os.Getenv("LD_LIBRARY_PATH"); current != "" {
		env = setEnv(env, "LD_LIBRARY_PATH", libDir+string(os.PathListSeparator)+current)
	} else {
		env = setEnv(env, "LD_LIBRARY_PATH", libDir)
	}

	argv := append([]string{rubyPath, script}, args...)
	return syscall.Exec(rubyPath, argv, env)
}

func setEnv(env []string, key, value string) []string {
	prefix := key + "="
	for i, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			env[i] = prefix + value
			return env
		}
	}
	return append(env, prefix+value)
}
