package gem

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type fakeFile struct {
	name     string
	contents []byte
	mode     int64
	linkname string
}

const fakeMetadata = `--- !ruby/object:Gem::Specification
name: demo
version: !ruby/object:Gem::Version
  version: 1.2.0
platform: ruby
require_paths:
- lib
executables:
- demo
bindir: exe
`

// writeFakeGem builds a minimal .gem archive on disk.
func writeFakeGem(t *testing.T, dest string, metadata string, files []fakeFile) {
	t.Helper()

	var metadataBuf bytes.Buffer
	metaGz := gzip.NewWriter(&metadataBuf)
	if _, err := metaGz.Write([]byte(metadata)); err != nil {
		t.Fatal(err)
	}
	if err := metaGz.Close(); err != nil {
		t.Fatal(err)
	}

	var dataBuf bytes.Buffer
	dataGz := gzip.NewWriter(&dataBuf)
	dataTw := tar.NewWriter(dataGz)
	for _, f := range files {
		hdr := &tar.Header{Name: f.name, Mode: f.mode, Size: int64(len(f.contents))}
		if hdr.Mode == 0 {
			hdr.Mode = 0o644
		}
		if f.linkname != "" {
			hdr.Typeflag = tar.TypeSymlink
			hdr.Linkname = f.linkname
			hdr.Size = 0
		}
		if err := dataTw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if f.linkname == "" {
			if _, err := dataTw.Write(f.contents); err != nil {
				t.Fatal(err)
			}
		}
	}
	if err := dataTw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := dataGz.Close(); err != nil {
		t.Fatal(err)
	}

	out, err := os.Create(dest)
	if err != nil {
		t.Fatal(err)
	}
	defer out.Close()

	tw := tar.NewWriter(out)
	for _, entry := range []struct {
		name string
		data []byte
	}{
		{"metadata.gz", metadataBuf.Bytes()},
		{"data.tar.gz", dataBuf.Bytes()},
		{"checksums.yaml.gz", []byte{}},
	} {
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
}

func TestList(t *testing.T) {
	gemPath := filepath.Join(t.TempDir(), "demo-1.2.0.gem")
	writeFakeGem(t, gemPath, fakeMetadata, []fakeFile{{name: "lib/demo.rb", contents: []byte("puts 1")}})

	entries, err := List(gemPath)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name)
	}
	want := []string{"metadata.gz", "data.tar.gz", "checksums.yaml.gz"}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("entries (-want +got):\n%s", diff)
	}
}

func TestReadEntryCap(t *testing.T) {
	gemPath := filepath.Join(t.TempDir(), "demo.gem")
	writeFakeGem(t, gemPath, fakeMetadata, []fakeFile{{name: "lib/demo.rb", contents: []byte("x")}})

	if _, err := ReadEntry(gemPath, "metadata.gz", 4); err == nil {
		t.Error("expected size-cap error")
	}
	if _, err := ReadEntry(gemPath, "metadata.gz", 1<<20); err != nil {
		t.Errorf("unexpected error under cap: %v", err)
	}
	if _, err := ReadEntry(gemPath, "no-such-entry", 1<<20); !errors.Is(err, ErrEntryNotFound) {
		t.Errorf("expected ErrEntryNotFound, got %v", err)
	}
}

func TestReadMetadata(t *testing.T) {
	gemPath := filepath.Join(t.TempDir(), "demo.gem")
	writeFakeGem(t, gemPath, fakeMetadata, []fakeFile{{name: "lib/demo.rb", contents: []byte("x")}})

	meta, err := ReadMetadata(gemPath)
	if err != nil {
		t.Fatal(err)
	}
	if meta.Name != "demo" || meta.Version.String() != "1.2.0" {
		t.Errorf("meta = %+v", meta)
	}
	if diff := cmp.Diff([]string{"lib"}, meta.RequirePaths); diff != "" {
		t.Errorf("require_paths (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"demo"}, meta.Executables); diff != "" {
		t.Errorf("executables (-want +got):\n%s", diff)
	}
	if meta.Bindir != "exe" {
		t.Errorf("bindir = %q", meta.Bindir)
	}
}

func TestUnpack(t *testing.T) {
	tmp := t.TempDir()
	gemPath := filepath.Join(tmp, "demo-1.2.0.gem")
	writeFakeGem(t, gemPath, fakeMetadata, []fakeFile{
		{name: "lib/demo.rb", contents: []byte("module Demo; end")},
		{name: "exe/demo", contents: []byte("#!/usr/bin/env ruby"), mode: 0o755},
		{name: "lib/demo/link.rb", linkname: "../demo.rb"},
	})

	dest := filepath.Join(tmp, "unpacked")
	meta, err := Unpack(gemPath, dest)
	if err != nil {
		t.Fatal(err)
	}
	if meta.Name != "demo" {
		t.Errorf("meta name = %q", meta.Name)
	}

	data, err := os.ReadFile(filepath.Join(dest, "lib", "demo.rb"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "module Demo; end" {
		t.Errorf("contents = %q", data)
	}

	paths, err := ReadSidecar(dest, RequirePathsMarker)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"lib"}, paths); diff != "" {
		t.Errorf("require_paths sidecar (-want +got):\n%s", diff)
	}

	execs, err := ReadSidecar(dest, ExecutablesMarker)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"demo"}, execs); diff != "" {
		t.Errorf("executables sidecar (-want +got):\n%s", diff)
	}

	if target, err := os.Readlink(filepath.Join(dest, "lib", "demo", "link.rb")); err != nil || target != "../demo.rb" {
		t.Errorf("symlink = %q, %v", target, err)
	}
}

func TestUnpackRejectsTraversal(t *testing.T) {
	tmp := t.TempDir()
	outside := filepath.Join(tmp, "outside")
	dest := filepath.Join(tmp, "dest")

	cases := [][]fakeFile{
		{{name: "../etc/passwd", contents: []byte("evil")}},
		{{name: "ok/../../escape", contents: []byte("evil")}},
		{{name: "/absolute", contents: []byte("evil")}},
		{{name: "lib/link", linkname: "../../outside"}},
		{{name: "link", linkname: "/etc/passwd"}},
	}

	for i, files := range cases {
		gemPath := filepath.Join(tmp, "evil.gem")
		writeFakeGem(t, gemPath, fakeMetadata, files)

		if _, err := Unpack(gemPath, dest); !errors.Is(err, ErrUnsafePath) {
			t.Errorf("case %d: expected ErrUnsafePath, got %v", i, err)
		}
	}

	if _, err := os.Stat(outside); !os.IsNotExist(err) {
		t.Error("traversal wrote outside the destination")
	}
}

func TestCheckPath(t *testing.T) {
	cases := []struct {
		name  string
		depth int
		ok    bool
	}{
		{"lib/demo.rb", 0, true},
		{"a/b/../c", 0, true},
		{"a/./b", 0, true},
		{"../escape", 0, false},
		{"a/../../escape", 0, false},
		{"/abs", 0, false},
		{"../sibling", 1, true},
		{"../../escape", 1, false},
	}
	for _, tc := range cases {
		err := checkPath(tc.name, tc.depth)
		if tc.ok && err != nil {
			t.Errorf("checkPath(%q, %d) = %v, want nil", tc.name, tc.depth, err)
		}
		if !tc.ok && err == nil {
			t.Errorf("checkPath(%q, %d) succeeded, want error", tc.name, tc.depth)
		}
	}
}
