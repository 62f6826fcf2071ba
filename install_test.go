package main

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/igravious/twine/fetch"
	"github.com/igravious/twine/version"
)

// fakeGemBytes builds a minimal .gem archive in memory.
func fakeGemBytes(t *testing.T, name, ver string, files map[string]string) []byte {
	t.Helper()

	metadata := fmt.Sprintf(`--- !ruby/object:Gem::Specification
name: %s
version: !ruby/object:Gem::Version
  version: %s
platform: ruby
require_paths:
- lib
`, name, ver)

	var metaBuf bytes.Buffer
	metaGz := gzip.NewWriter(&metaBuf)
	if _, err := metaGz.Write([]byte(metadata)); err != nil {
		t.Fatal(err)
	}
	if err := metaGz.Close(); err != nil {
		t.Fatal(err)
	}

	var dataBuf bytes.Buffer
	dataGz := gzip.NewWriter(&dataBuf)
	dataTw := tar.NewWriter(dataGz)
	for path, contents := range files {
		if err := dataTw.WriteHeader(&tar.Header{Name: path, Mode: 0o644, Size: int64(len(contents))}); err != nil {
			t.Fatal(err)
		}
		if _, err := dataTw.Write([]byte(contents)); err != nil {
			t.Fatal(err)
		}
	}
	if err := dataTw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := dataGz.Close(); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	tw := tar.NewWriter(&out)
	for _, entry := range []struct {
		name string
		data []byte
	}{{"metadata.gz", metaBuf.Bytes()}, {"data.tar.gz", dataBuf.Bytes()}} {
		if err := tw.WriteHeader(&tar.Header{Name: entry.name, Mode: 0o644, Size: int64(len(entry.data))}); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write(entry.data); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	return out.Bytes()
}

func withCacheDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CACHE_HOME", dir)
	return dir
}

// The driver probes platform-suffixed artifact names and falls back to the
// generic one; two 404 rounds followed by a success must still succeed.
func TestInstallPlatformFallback(t *testing.T) {
	withCacheDir(t)

	gemData := fakeGemBytes(t, "demo", "1.0.0", map[string]string{"lib/demo.rb": "1"})
	var requested []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requested = append(requested, r.URL.Path)
		if r.URL.Path == "/gems/demo-1.0.0.gem" {
			w.Write(gemData)
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	lock := &Lockfile{
		Remote:       srv.URL,
		Specs:        []LockSpec{{Name: "demo", Version: version.MustParse("1.0.0")}},
		Dependencies: []LockDependency{{Name: "demo"}},
	}

	in := &installer{client: fetch.NewClient(), jobs: 2}
	dir, err := in.install(context.Background(), lock, "3.3.0")
	if err != nil {
		t.Fatal(err)
	}

	if len(requested) != 3 {
		t.Errorf("requests = %v, want three variant probes", requested)
	}
	if !envInstalled(dir) {
		t.Error("environment lacks the .installed marker")
	}
	if _, err := os.Stat(filepath.Join(dir, "gems", "demo-1.0.0", "lib", "demo.rb")); err != nil {
		t.Errorf("unpacked file missing: %v", err)
	}
}

func TestInstallAllVariantsExhausted(t *testing.T) {
	withCacheDir(t)

	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	lock := &Lockfile{
		Remote:       srv.URL,
		Specs:        []LockSpec{{Name: "ghost", Version: version.MustParse("1.0.0")}},
		Dependencies: []LockDependency{{Name: "ghost"}},
	}

	in := &installer{client: fetch.NewClient(), jobs: 1}
	if _, err := in.install(context.Background(), lock, "3.3.0"); err == nil {
		t.Fatal("expected failure when every variant 404s")
	}
}

func TestInstallCacheHit(t *testing.T) {
	withCacheDir(t)

	gemData := fakeGemBytes(t, "demo", "1.0.0", map[string]string{"lib/demo.rb": "1"})
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write(gemData)
	}))
	defer srv.Close()

	lock := &Lockfile{
		Remote:       srv.URL,
		Specs:        []LockSpec{{Name: "demo", Version: version.MustParse("1.0.0")}},
		Dependencies: []LockDependency{{Name: "demo"}},
	}

	in := &installer{client: fetch.NewClient(), jobs: 1}
	if _, err := in.install(context.Background(), lock, "3.3.0"); err != nil {
		t.Fatal(err)
	}
	first := hits

	// A finished environment is a cache hit; nothing is fetched again.
	if _, err := in.install(context.Background(), lock, "3.3.0"); err != nil {
		t.Fatal(err)
	}
	if hits != first {
		t.Errorf("second install fetched %d more times", hits-first)
	}
}

func TestInstallIncompleteEnvironmentRetries(t *testing.T) {
	withCacheDir(t)

	gemData := fakeGemBytes(t, "demo", "1.0.0", map[string]string{"lib/demo.rb": "1"})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(gemData)
	}))
	defer srv.Close()

	lock := &Lockfile{
		Remote:       srv.URL,
		Specs:        []LockSpec{{Name: "demo", Version: version.MustParse("1.0.0")}},
		Dependencies: []LockDependency{{Name: "demo"}},
	}

	in := &installer{client: fetch.NewClient(), jobs: 1}
	dir, err := in.install(context.Background(), lock, "3.3.0")
	if err != nil {
		t.Fatal(err)
	}

	// Simulate a killed install: the marker is missing, so the tree is not
	// trusted and the install runs again.
	if err := os.Remove(filepath.Join(dir, installedMarker)); err != nil {
		t.Fatal(err)
	}
	if _, err := in.install(context.Background(), lock, "3.3.0"); err != nil {
		t.Fatal(err)
	}
	if !envInstalled(dir) {
		t.Error("marker not rewritten")
	}
}
