package main

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"

	"github.com/igravious/twine/version"
)

// Lockfile is the resolved dependency snapshot written next to the
// Gemfile. The text format follows Bundler's: four sections, each a header
// line with indented content.
type Lockfile struct {
	Remote       string
	Specs        []LockSpec
	Platforms    []string
	Dependencies []LockDependency
	BundledWith  string
}

// LockSpec is one resolved gem with its dependency lines.
type LockSpec struct {
	Name    string
	Version version.Version
	Deps    []LockDependency
}

// LockDependency pairs a name with its joined constraint text; an empty
// constraint means ">= 0" and is elided from output.
type LockDependency struct {
	Name        string
	Constraints string
}

func (d LockDependency) render() string {
	if d.Constraints == "" {
		return d.Name
	}
	return fmt.Sprintf("%s (%s)", d.Name, d.Constraints)
}

// Write renders the lockfile text. Specs and their dependency lines are
// emitted alphabetically so repeated runs produce identical bytes.
func (l *Lockfile) Write(w io.Writer) error {
	bw := bufio.NewWriter(w)

	specs := append([]LockSpec(nil), l.Specs...)
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })

	fmt.Fprintln(bw, "GEM")
	fmt.Fprintf(bw, "  remote: %s/\n", strings.TrimRight(l.Remote, "/"))
	fmt.Fprintln(bw, "  specs:")
	for _, s := range specs {
		fmt.Fprintf(bw, "    %s (%s)\n", s.Name, s.Version)
		deps := append([]LockDependency(nil), s.Deps...)
		sort.Slice(deps, func(i, j int) bool { return deps[i].Name < deps[j].Name })
		for _, d := range deps {
			fmt.Fprintf(bw, "      %s\n", d.render())
		}
	}
	fmt.Fprintln(bw)

	fmt.Fprintln(bw, "PLATFORMS")
	for _, p := range l.Platforms {
		fmt.Fprintf(bw, "  %s\n", p)
	}
	fmt.Fprintln(bw)

	fmt.Fprintln(bw, "DEPENDENCIES")
	deps := append([]LockDependency(nil), l.Dependencies...)
	sort.Slice(deps, func(i, j int) bool { return deps[i].Name < deps[j].Name })
	for _, d := range deps {
		fmt.Fprintf(bw, "  %s\n", d.render())
	}
	fmt.Fprintln(bw)

	fmt.Fprintln(bw, "BUNDLED WITH")
	fmt.Fprintf(bw, "   %s\n", l.BundledWith)

	return bw.Flush()
}

var (
	lockSpecRe = regexp.MustCompile(`^    ([A-Za-z0-9._-]+) \(([^)]+)\)$`)
	lockDepRe  = regexp.MustCompile(`^      ([A-Za-z0-9._-]+)(?: \(([^)]+)\))?$`)
	lockTopRe  = regexp.MustCompile(`^  ([A-Za-z0-9._-]+)(?: \(([^)]+)\))?$`)
)

// ParseLockfile reads back the subset of the format this tool writes,
// enough to drive install and exec without re-resolving.
func ParseLockfile(r io.Reader) (*Lockfile, error) {
	out := &Lockfile{}
	scanner := bufio.NewScanner(r)

	section := ""
	var current *LockSpec
	flush := func() {
		if current != nil {
			out.Specs = append(out.Specs, *current)
			current = nil
		}
	}

	for scanner.Scan() {
		line := scanner.Text()

		switch line {
		case "GEM", "PLATFORMS", "DEPENDENCIES", "BUNDLED WITH":
			flush()
			section = line
			continue
		}

		switch section {
		case "GEM":
			if strings.HasPrefix(line, "  remote:") {
				out.Remote = strings.TrimSpace(strings.TrimPrefix(line, "  remote:"))
				continue
			}
			if line == "  specs:" {
				continue
			}
			if m := lockSpecRe.FindStringSubmatch(line); m != nil {
				flush()
				v, err := version.Parse(m[2])
				if err != nil {
					return nil, fmt.Errorf("lockfile: invalid version for %s: %w", m[1], err)
				}
				current = &LockSpec{Name: m[1], Version: v}
				continue
			}
			if m := lockDepRe.FindStringSubmatch(line); m != nil && current != nil {
				current.Deps = append(current.Deps, LockDependency{Name: m[1], Constraints: m[2]})
			}
		case "PLATFORMS":
			if p := strings.TrimSpace(line); p != "" {
				out.Platforms = append(out.Platforms, p)
			}
		case "DEPENDENCIES":
			if m := lockTopRe.FindStringSubmatch(line); m != nil {
				out.Dependencies = append(out.Dependencies, LockDependency{Name: m[1], Constraints: m[2]})
			}
		case "BUNDLED WITH":
			if v := strings.TrimSpace(line); v != "" {
				out.BundledWith = v
			}
		}
	}
	flush()

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading lockfile: %w", err)
	}
	return out, nil
}
