// Package index implements the compact-index client: per-package version
// lists with dependency vectors, fetched lazily over HTTP and cached in
// memory for the duration of a run.
//
// The /info/{name} endpoint is line oriented. A header section ends at a
// line of "---"; every following line is
//
//	<version>[-<platform>] <dep>,<dep>,...|<meta>
//
// where each <dep> is name:c1&c2 and <meta> is a comma-separated list of
// key:value pairs including checksum: and optionally ruby:.
package index

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/igravious/twine/fetch"
	"github.com/igravious/twine/solver"
	"github.com/igravious/twine/version"
)

// DefaultURL is the canonical registry endpoint.
const DefaultURL = "https://rubygems.org"

type release struct {
	version  version.Version
	deps     []solver.Dependency
	checksum string
}

type entry struct {
	// releases are ordered newest first so ListVersions is a plain copy.
	releases []release
}

// Provider answers the solver's version and dependency queries from the
// compact index.
type Provider struct {
	client *fetch.Client
	base   string

	// rubyVersion filters out releases whose ruby: requirement the
	// configured runtime cannot satisfy.
	rubyVersion version.Version
	hasRuby     bool

	mu    sync.Mutex
	cache map[string]*entry
}

// New returns a provider against the given registry base URL.
func New(client *fetch.Client, base string) *Provider {
	if base == "" {
		base = DefaultURL
	}
	return &Provider{
		client: client,
		base:   strings.TrimRight(base, "/"),
		cache:  make(map[string]*entry),
	}
}

// SetRubyVersion enables per-release ruby: requirement filtering.
func (p *Provider) SetRubyVersion(v version.Version) {
	p.rubyVersion = v
	p.hasRuby = true
}

// ListVersions implements solver.Provider. Unknown packages yield an empty
// list; transport failures surface as errors.
func (p *Provider) ListVersions(ctx context.Context, name string) ([]version.Version, error) {
	e, err := p.lookup(ctx, name)
	if err != nil {
		return nil, err
	}
	out := make([]version.Version, len(e.releases))
	for i, r := range e.releases {
		out[i] = r.version
	}
	return out, nil
}

// Dependencies implements solver.Provider. An unknown version yields an
// empty vector.
func (p *Provider) Dependencies(ctx context.Context, name string, v version.Version) ([]solver.Dependency, error) {
	e, err := p.lookup(ctx, name)
	if err != nil {
		return nil, err
	}
	for _, r := range e.releases {
		if r.version.Equal(v) {
			return r.deps, nil
		}
	}
	return nil, nil
}

// Checksum returns the recorded checksum for an exact release, if any.
func (p *Provider) Checksum(ctx context.Context, name string, v version.Version) (string, error) {
	e, err := p.lookup(ctx, name)
	if err != nil {
		return "", err
	}
	for _, r := range e.releases {
		if r.version.Equal(v) {
			return r.checksum, nil
		}
	}
	return "", nil
}

func (p *Provider) lookup(ctx context.Context, name string) (*entry, error) {
	p.mu.Lock()
	if e, ok := p.cache[name]; ok {
		p.mu.Unlock()
		return e, nil
	}
	p.mu.Unlock()

	res, err := p.client.Get(ctx, fmt.Sprintf("%s/info/%s", p.base, name))
	if err != nil {
		return nil, err
	}

	e := &entry{}
	switch res.StatusCode {
	case http.StatusOK:
		e = p.parseInfo(string(res.Body))
	case http.StatusNotFound:
		// Unknown package: cache the empty entry.
	default:
		return nil, fmt.Errorf("index %s: HTTP %d for %s", p.base, res.StatusCode, name)
	}

	p.mu.Lock()
	p.cache[name] = e
	p.mu.Unlock()
	return e, nil
}

func (p *Provider) parseInfo(body string) *entry {
	e := &entry{}

	lines := strings.Split(body, "\n")
	seenSeparator := false
	for _, line := range lines {
		line = strings.TrimRight(line, "\r")
		if !seenSeparator {
			if line == "---" {
				seenSeparator = true
			}
			continue
		}
		if line == "" {
			continue
		}
		if r, ok := p.parseRelease(line); ok {
			e.releases = append(e.releases, r)
		}
	}

	sort.SliceStable(e.releases, func(i, j int) bool {
		return e.releases[i].version.GreaterThan(e.releases[j].version)
	})
	return e
}

// parseRelease handles one "<version>[-<platform>] deps|meta" line. Only
// platform-independent releases participate in resolution, so any platform
// suffix other than ruby skips the line.
func (p *Provider) parseRelease(line string) (release, bool) {
	versionPart, rest, found := strings.Cut(line, " ")
	if !found {
		return release{}, false
	}

	if i := platformIndex(versionPart); i >= 0 {
		if versionPart[i+1:] != "ruby" {
			return release{}, false
		}
		versionPart = versionPart[:i]
	}

	v, err := version.Parse(versionPart)
	if err != nil {
		return release{}, false
	}

	depsPart, metaPart, _ := strings.Cut(rest, "|")

	r := release{version: v}
	for _, pair := range strings.Split(metaPart, ",") {
		key, value, ok := strings.Cut(pair, ":")
		if !ok {
			continue
		}
		switch key {
		case "checksum":
			r.checksum = value
		case "ruby":
			if !p.rubyAllowed(value) {
				return release{}, false
			}
		}
	}

	if depsPart != "" {
		for _, d := range strings.Split(depsPart, ",") {
			name, raw, ok := strings.Cut(d, ":")
			if !ok {
				continue
			}
			set, err := version.ParseConstraints(strings.ReplaceAll(raw, "&", ","))
			if err != nil {
				// A malformed constraint skips this dependency only.
				continue
			}
			r.deps = append(r.deps, solver.Dependency{Name: name, Constraints: set})
		}
	}

	return r, true
}

// rubyAllowed tests a ruby: requirement against the configured runtime.
func (p *Provider) rubyAllowed(raw string) bool {
	if !p.hasRuby {
		return true
	}
	set, err := version.ParseConstraints(strings.ReplaceAll(raw, "&", ","))
	if err != nil {
		return true
	}
	return set.Match(p.rubyVersion)
}

// platformIndex finds the dash introducing a platform suffix: the first
// '-' followed by a letter.
func platformIndex(s string) int {
	for i := 0; i+1 < len(s); i++ {
		if s[i] == '-' && isLetter(s[i+1]) {
			return i
		}
	}
	return -1
}

func isLetter(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}
