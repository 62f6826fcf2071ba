package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/igravious/twine/fetch"
	"github.com/igravious/twine/gem"
	"github.com/igravious/twine/index"
)

// workerModeThreshold switches the progress display from one row per
// artifact to one row per worker.
const workerModeThreshold = 12

// platformSuffixes lists the artifact name variants to probe, most
// specific first: the triple-suffixed prebuilt, the double-suffixed one,
// then the generic gem.
func platformSuffixes() []string {
	platform := rubyPlatform()
	return []string{"-" + platform + "-gnu", "-" + platform, ""}
}

type installer struct {
	client   *fetch.Client
	provider *index.Provider // nil when installing straight from a lockfile
	jobs     int
	verbose  bool
}

func (in *installer) logf(format string, args ...interface{}) {
	if in.verbose {
		fmt.Printf(format+"\n", args...)
	}
}

// install materialises a lockfile into a command environment and returns
// its directory. Nothing below the final marker write mutates persistent
// state destructively, so a killed install is safe to retry.
func (in *installer) install(ctx context.Context, lock *Lockfile, rubyVersion string) (string, error) {
	if len(lock.Specs) == 0 {
		return "", fmt.Errorf("lockfile has no gems")
	}

	primary, err := primarySpec(lock)
	if err != nil {
		return "", err
	}
	dir, err := envDir(rubyAPI(rubyVersion), primary.Name, primary.Version)
	if err != nil {
		return "", err
	}
	if envInstalled(dir) {
		in.logf("environment %s already installed", dir)
		return dir, nil
	}

	if err := in.fetchArtifacts(ctx, lock); err != nil {
		return "", err
	}

	for _, spec := range lock.Specs {
		gemPath, err := gemCachePath(spec.Name, spec.Version)
		if err != nil {
			return "", err
		}
		dest := filepath.Join(dir, "gems", fmt.Sprintf("%s-%s", spec.Name, spec.Version))
		if err := os.RemoveAll(dest); err != nil {
			return "", fmt.Errorf("cleaning %s: %w", dest, err)
		}
		in.logf("unpacking %s-%s", spec.Name, spec.Version)
		if _, err := gem.Unpack(gemPath, dest); err != nil {
			return "", fmt.Errorf("unpacking %s-%s: %w", spec.Name, spec.Version, err)
		}
	}

	if err := markInstalled(dir); err != nil {
		return "", err
	}
	return dir, nil
}

// primarySpec names the environment: the first declared dependency, or
// the alphabetically first spec when the lockfile lists none.
func primarySpec(lock *Lockfile) (LockSpec, error) {
	name := ""
	if len(lock.Dependencies) > 0 {
		name = lock.Dependencies[0].Name
	} else {
		name = lock.Specs[0].Name
	}
	for _, s := range lock.Specs {
		if s.Name == name {
			return s, nil
		}
	}
	return LockSpec{}, fmt.Errorf("lockfile dependency %q has no spec entry", name)
}

// fetchArtifacts downloads every missing gem into the artifact cache,
// retrying across platform-suffixed name variants in parallel rounds.
func (in *installer) fetchArtifacts(ctx context.Context, lock *Lockfile) error {
	type artifact struct {
		spec  LockSpec
		dest  string
		tmp   string
		round int
		done  bool
	}

	var pending []*artifact
	for _, spec := range lock.Specs {
		dest, err := gemCachePath(spec.Name, spec.Version)
		if err != nil {
			return err
		}
		if _, err := os.Stat(dest); err == nil {
			in.logf("cached %s-%s", spec.Name, spec.Version)
			continue
		}
		pending = append(pending, &artifact{spec: spec, dest: dest, tmp: dest + ".tmp"})
	}
	if len(pending) == 0 {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(pending[0].dest), 0o755); err != nil {
		return err
	}

	remote := strings.TrimRight(lock.Remote, "/")
	suffixes := platformSuffixes()
	mode := fetch.ModeFixed
	if len(pending) > workerModeThreshold {
		mode = fetch.ModeWorker
	}
	bar := fetch.NewMultiBar(os.Stderr, mode)
	rows := len(pending)
	if mode == fetch.ModeWorker {
		rows = in.jobs
	}
	bar.Start(rows, len(pending))

	pool := &fetch.Pool{Client: in.client, Workers: in.jobs}

	for round := 0; round < len(suffixes); round++ {
		var specs []fetch.Spec
		var batch []*artifact
		for _, a := range pending {
			if a.done || a.round != round {
				continue
			}
			file := fmt.Sprintf("%s-%s%s.gem", a.spec.Name, a.spec.Version, suffixes[round])
			specs = append(specs, fetch.Spec{
				URL:   fmt.Sprintf("%s/gems/%s", remote, file),
				Dest:  a.tmp,
				Label: file,
			})
			batch = append(batch, a)
		}
		if len(specs) == 0 {
			continue
		}

		results := make([]fetch.Result, len(specs))
		pool.Download(ctx, specs, results, bar)

		for i, r := range results {
			a := batch[i]
			if r.OK {
				if err := in.seal(ctx, a.spec, a.tmp, a.dest); err != nil {
					return err
				}
				a.done = true
				continue
			}
			// Transport failures for an artifact retry with the next
			// platform variant.
			a.round++
			if a.round >= len(suffixes) {
				return fmt.Errorf("downloading %s-%s: %w", a.spec.Name, a.spec.Version, r.Err)
			}
		}
	}

	return nil
}

// seal verifies the checksum recorded in the index, when one is known, and
// moves the artifact into its final cache location.
func (in *installer) seal(ctx context.Context, spec LockSpec, tmp, dest string) error {
	if in.provider != nil {
		want, err := in.provider.Checksum(ctx, spec.Name, spec.Version)
		if err == nil && want != "" {
			got, err := fileSHA256(tmp)
			if err != nil {
				return err
			}
			if got != want {
				os.Remove(tmp)
				return fmt.Errorf("checksum mismatch for %s-%s: got %s, expected %s", spec.Name, spec.Version, got, want)
			}
		}
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("moving %s into cache: %w", tmp, err)
	}
	return nil
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
