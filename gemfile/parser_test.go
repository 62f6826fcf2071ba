package gemfile

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func parse(t *testing.T, src string) *Gemfile {
	t.Helper()
	parsed, err := Parse(src, "Gemfile", testContext(nil))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return parsed
}

func TestParseSourceForms(t *testing.T) {
	cases := []struct {
		src  string
		want string
	}{
		{`source "https://gems.example.com"`, "https://gems.example.com"},
		{`source :rubygems`, CanonicalSource},
		{`source :gemcutter`, CanonicalSource},
		{`source("https://gems.example.com")`, "https://gems.example.com"},
	}
	for _, tc := range cases {
		if got := parse(t, tc.src).Source; got != tc.want {
			t.Errorf("%s: source = %q, want %q", tc.src, got, tc.want)
		}
	}
}

func TestParseScopedSource(t *testing.T) {
	src := `
source "https://rubygems.org"
source "https://private.example.com" do
  gem "internal"
end
`
	parsed := parse(t, src)
	if parsed.Source != "https://rubygems.org" {
		t.Errorf("source = %q", parsed.Source)
	}
	if len(parsed.Gems) != 1 || parsed.Gems[0].Name != "internal" {
		t.Errorf("gems = %+v", parsed.Gems)
	}
}

func TestParseGemForms(t *testing.T) {
	src := `
gem "plain"
gem "pinned", "1.2.3"
gem "ranged", ">= 1.0", "< 2.0"
gem "norequire", require: false
gem "pathrequire", require: "lib/path"
gem "listrequire", require: ["a", "b"]
gem "rocket", :require => false
gem "grouped", groups: [:development, :test]
gem "platformed", platforms: %i[mri jruby]
`
	parsed := parse(t, src)

	byName := map[string]Gem{}
	for _, g := range parsed.Gems {
		byName[g.Name] = g
	}

	if g := byName["plain"]; g.RequireMode != RequireDefault || len(g.Constraints) != 0 {
		t.Errorf("plain = %+v", g)
	}
	if g := byName["pinned"]; len(g.Constraints) != 1 || g.Constraints[0] != "1.2.3" {
		t.Errorf("pinned = %+v", g)
	}
	if diff := cmp.Diff([]string{">= 1.0", "< 2.0"}, byName["ranged"].Constraints); diff != "" {
		t.Errorf("ranged constraints (-want +got):\n%s", diff)
	}
	if g := byName["norequire"]; g.RequireMode != RequireDisabled {
		t.Errorf("norequire = %+v", g)
	}
	if g := byName["pathrequire"]; g.RequireMode != RequirePaths || g.RequirePaths[0] != "lib/path" {
		t.Errorf("pathrequire = %+v", g)
	}
	if diff := cmp.Diff([]string{"a", "b"}, byName["listrequire"].RequirePaths); diff != "" {
		t.Errorf("listrequire (-want +got):\n%s", diff)
	}
	if g := byName["rocket"]; g.RequireMode != RequireDisabled {
		t.Errorf("rocket = %+v", g)
	}
	if diff := cmp.Diff([]string{"development", "test"}, byName["grouped"].Groups); diff != "" {
		t.Errorf("grouped (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"mri", "jruby"}, byName["platformed"].Platforms); diff != "" {
		t.Errorf("platformed (-want +got):\n%s", diff)
	}
}

func TestParseGroupBlock(t *testing.T) {
	src := `
group :development, :test do
  gem "rspec"
end
group("ci") do
  gem "simplecov"
end
gem "rails"
`
	parsed := parse(t, src)
	byName := map[string]Gem{}
	for _, g := range parsed.Gems {
		byName[g.Name] = g
	}

	if diff := cmp.Diff([]string{"development", "test"}, byName["rspec"].Groups); diff != "" {
		t.Errorf("rspec groups (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"ci"}, byName["simplecov"].Groups); diff != "" {
		t.Errorf("simplecov groups (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"default"}, byName["rails"].Groups); diff != "" {
		t.Errorf("rails groups (-want +got):\n%s", diff)
	}
}

func TestParseExplicitGroupWinsOverContext(t *testing.T) {
	src := `
group :development do
  gem "pinned", group: :test
end
`
	parsed := parse(t, src)
	if diff := cmp.Diff([]string{"test"}, parsed.Gems[0].Groups); diff != "" {
		t.Errorf("groups (-want +got):\n%s", diff)
	}
}

func TestParsePlatformsBlock(t *testing.T) {
	src := `
platforms :mri do
  gem "byebug"
end
`
	parsed := parse(t, src)
	if diff := cmp.Diff([]string{"mri"}, parsed.Gems[0].Platforms); diff != "" {
		t.Errorf("platforms (-want +got):\n%s", diff)
	}
}

func TestParseRuby(t *testing.T) {
	parsed := parse(t, `ruby "3.3.0", engine: "ruby"`)
	if parsed.RubyVersion != "3.3.0" {
		t.Errorf("ruby version = %q", parsed.RubyVersion)
	}

	parsed = parse(t, `ruby file: ".ruby-version"`)
	if parsed.RubyVersion != "" {
		t.Errorf("ruby file: form set version %q", parsed.RubyVersion)
	}
}

func TestParseGemspec(t *testing.T) {
	for _, src := range []string{`gemspec`, `gemspec path: "."`, `gemspec :name => "x"`} {
		if !parse(t, src).HasGemspec {
			t.Errorf("%s: gemspec flag not set", src)
		}
	}
}

func TestParseStructuralKeywords(t *testing.T) {
	src := `
git_source(:gh) { |repo| "https://github.com/#{repo}.git" }
plugin "bundler-graph"
path "vendor/engines" do
  gem "engine"
end
gem "regular", git: "https://example.com/x.git", branch: "main"
install_if -> { true } do
  gem "conditional"
end
`
	parsed := parse(t, src)
	names := map[string]bool{}
	for _, g := range parsed.Gems {
		names[g.Name] = true
	}
	for _, want := range []string{"engine", "regular", "conditional"} {
		if !names[want] {
			t.Errorf("missing gem %q in %v", want, parsed.Gems)
		}
	}
}

// Conditional gem, constrained gem, and platform-scoped gem on one pass.
func TestParseFrontEndFidelity(t *testing.T) {
	src := `
gem "x" if ENV["USE"]
gem "y", "~> 3.0"
platforms :mri do gem "z" end
`
	parsed, err := Parse(src, "Gemfile", testContext(map[string]string{"USE": "1"}))
	if err != nil {
		t.Fatal(err)
	}
	if len(parsed.Gems) != 3 {
		t.Fatalf("gems = %+v, want 3 declarations", parsed.Gems)
	}

	x, y, z := parsed.Gems[0], parsed.Gems[1], parsed.Gems[2]
	if x.Name != "x" || !cmp.Equal([]string{"default"}, x.Groups) {
		t.Errorf("x = %+v", x)
	}
	if y.Name != "y" || y.Constraints[0] != "~> 3.0" || !cmp.Equal([]string{"default"}, y.Groups) {
		t.Errorf("y = %+v", y)
	}
	if z.Name != "z" || !cmp.Equal([]string{"mri"}, z.Platforms) {
		t.Errorf("z = %+v", z)
	}
}
