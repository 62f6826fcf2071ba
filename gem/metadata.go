// Package gem reads .gem archives: an outer uncompressed tar holding
// metadata.gz (a gzipped YAML gemspec), data.tar.gz (the files to
// install), and checksums.yaml.gz.
package gem

import (
	"fmt"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Metadata is the subset of the gemspec YAML the installer consumes.
type Metadata struct {
	Name         string       `yaml:"name"`
	Version      versionField `yaml:"version"`
	Platform     string       `yaml:"platform"`
	RequirePaths []string     `yaml:"require_paths"`
	Executables  []string     `yaml:"executables"`
	Bindir       string       `yaml:"bindir"`
}

// versionField accepts both the plain string form and the nested mapping
// left behind once the !ruby/object:Gem::Version tag is stripped.
type versionField struct {
	Version string
}

func (v *versionField) UnmarshalYAML(node *yaml.Node) error {
	var plain string
	if err := node.Decode(&plain); err == nil && plain != "" {
		v.Version = plain
		return nil
	}
	var nested struct {
		Version string `yaml:"version"`
	}
	if err := node.Decode(&nested); err == nil {
		v.Version = nested.Version
	}
	return nil
}

func (v versionField) String() string { return v.Version }

// rubyTagPattern matches the Ruby-specific YAML tags (!ruby/object:...)
// that the YAML decoder would otherwise reject.
var rubyTagPattern = regexp.MustCompile(`!ruby/[A-Za-z:0-9_-]*`)

// ParseMetadata decodes a gemspec YAML document.
func ParseMetadata(raw []byte) (*Metadata, error) {
	cleaned := rubyTagPattern.ReplaceAll(raw, nil)

	var meta Metadata
	if err := yaml.Unmarshal(cleaned, &meta); err != nil {
		return nil, fmt.Errorf("parsing gem metadata: %w", err)
	}
	if len(meta.RequirePaths) == 0 {
		meta.RequirePaths = []string{"lib"}
	}
	if meta.Bindir == "" {
		meta.Bindir = "bin"
	}
	return &meta, nil
}
