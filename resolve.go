package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/igravious/twine/fetch"
	"github.com/igravious/twine/gemfile"
	"github.com/igravious/twine/index"
	"github.com/igravious/twine/solver"
	"github.com/igravious/twine/version"
)

// fallbackRubyVersion is assumed when no runtime can be found and the
// Gemfile does not pin one.
const fallbackRubyVersion = "3.3.0"

// detectRubyVersion asks the runtime itself, falling back to a fixed
// default when no ruby is on PATH.
func detectRubyVersion(rubyPath string) string {
	exe := rubyPath
	if exe == "" {
		exe = "ruby"
	}
	out, err := exec.Command(exe, "-e", "print RUBY_VERSION").Output()
	if err == nil {
		if v := strings.TrimSpace(string(out)); v != "" {
			return v
		}
	}
	return fallbackRubyVersion
}

func rubyPlatform() string {
	arch := runtime.GOARCH
	switch arch {
	case "amd64":
		arch = "x86_64"
	case "arm64":
		arch = "aarch64"
	}
	return fmt.Sprintf("%s-%s", arch, runtime.GOOS)
}

// resolution carries everything the lock and install drivers need from one
// front-end-plus-solver pass.
type resolution struct {
	gemfile    *gemfile.Gemfile
	selections []solver.Selection
	provider   *index.Provider
	ruby       string
}

// resolveGemfile runs the Gemfile through the front end and the solver
// against the compact index.
func resolveGemfile(ctx context.Context, path string, client *fetch.Client, rubyPath string) (*resolution, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	rubyVersion := detectRubyVersion(rubyPath)
	parsed, err := gemfile.Parse(string(src), path, &gemfile.Context{
		RubyVersion:  rubyVersion,
		RubyEngine:   "ruby",
		RubyPlatform: rubyPlatform(),
	})
	if err != nil {
		return nil, err
	}
	if parsed.RubyVersion != "" {
		rubyVersion = parsed.RubyVersion
	}

	source := parsed.Source
	if source == "" {
		source = index.DefaultURL
	}

	provider := index.New(client, source)
	if v, err := version.Parse(rubyVersion); err == nil {
		provider.SetRubyVersion(v)
	}

	roots, err := rootDependencies(parsed)
	if err != nil {
		return nil, err
	}

	selections, err := solver.New(provider).Solve(ctx, roots)
	if err != nil {
		return nil, err
	}

	return &resolution{
		gemfile:    parsed,
		selections: selections,
		provider:   provider,
		ruby:       rubyVersion,
	}, nil
}

// rootDependencies turns gem declarations into solver requirements.
// Malformed constraints in the Gemfile itself are input errors, not
// skippable index noise.
func rootDependencies(parsed *gemfile.Gemfile) ([]solver.Dependency, error) {
	var roots []solver.Dependency
	for _, g := range parsed.Gems {
		set, err := constraintSet(g.Constraints)
		if err != nil {
			return nil, fmt.Errorf("gem %q: %w", g.Name, err)
		}
		roots = append(roots, solver.Dependency{Name: g.Name, Constraints: set})
	}
	if len(roots) == 0 {
		return nil, fmt.Errorf("no gem declarations found")
	}
	return roots, nil
}

func constraintSet(constraints []string) (version.ConstraintSet, error) {
	if len(constraints) == 0 {
		return version.ParseConstraints(">= 0")
	}
	return version.ParseConstraints(strings.Join(constraints, ", "))
}

// lockfileFrom assembles the lock structure for a finished resolution,
// querying the provider for each selection's dependency lines.
func lockfileFrom(ctx context.Context, res *resolution) (*Lockfile, error) {
	lock := &Lockfile{
		Remote:      strings.TrimRight(resolveRemote(res), "/"),
		Platforms:   []string{"ruby"},
		BundledWith: toolVersion,
	}

	for _, sel := range res.selections {
		deps, err := res.provider.Dependencies(ctx, sel.Name, sel.Version)
		if err != nil {
			return nil, err
		}
		spec := LockSpec{Name: sel.Name, Version: sel.Version}
		for _, d := range deps {
			spec.Deps = append(spec.Deps, LockDependency{
				Name:        d.Name,
				Constraints: joinedConstraints(d.Constraints),
			})
		}
		lock.Specs = append(lock.Specs, spec)
	}

	for _, g := range res.gemfile.Gems {
		lock.Dependencies = append(lock.Dependencies, LockDependency{
			Name:        g.Name,
			Constraints: strings.Join(g.Constraints, ", "),
		})
	}

	return lock, nil
}

func resolveRemote(res *resolution) string {
	if res.gemfile.Source != "" {
		return res.gemfile.Source
	}
	return index.DefaultURL
}

// joinedConstraints renders a set for lock output, eliding ">= 0".
func joinedConstraints(set version.ConstraintSet) string {
	s := set.String()
	if s == ">= 0" {
		return ""
	}
	return s
}
