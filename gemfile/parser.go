package gemfile

import (
	"fmt"
	"strings"
)

// CanonicalSource is the registry URL the legacy :rubygems and :gemcutter
// symbols map to.
const CanonicalSource = "https://rubygems.org"

// maxContextDepth bounds nested group/platforms/source/path blocks.
const maxContextDepth = 8

// RequireMode distinguishes the three auto-require states of a gem
// declaration.
type RequireMode int

const (
	// RequireDefault means no require: keyword was given, or require: true.
	RequireDefault RequireMode = iota
	// RequireDisabled means require: false.
	RequireDisabled
	// RequirePaths means one or more explicit require paths were given.
	RequirePaths
)

// Gem is one gem declaration. Constraints are kept as opaque strings and
// evaluated later by the version package.
type Gem struct {
	Name         string
	Constraints  []string
	Groups       []string
	Platforms    []string
	RequireMode  RequireMode
	RequirePaths []string
}

// Gemfile is the static declaration structure the parser reduces to.
type Gemfile struct {
	Source      string
	RubyVersion string
	HasGemspec  bool
	Gems        []Gem
}

type contextFrame struct {
	groups    []string
	platforms []string
}

// Parser reduces the evaluator's filtered token stream to a Gemfile.
type Parser struct {
	eval    *Evaluator
	current Token
	peeked  bool

	contexts []contextFrame
	out      Gemfile
}

// Parse runs the full front end over src: lex, evaluate, reduce.
func Parse(src string, path string, ctx *Context) (*Gemfile, error) {
	p := &Parser{eval: NewEvaluator(src, path, ctx)}
	return p.parse()
}

func (p *Parser) next() (Token, error) {
	if p.peeked {
		p.peeked = false
		return p.current, nil
	}
	return p.eval.Next()
}

func (p *Parser) peek() (Token, error) {
	if !p.peeked {
		t, err := p.eval.Next()
		if err != nil {
			return Token{}, err
		}
		p.current = t
		p.peeked = true
	}
	return p.current, nil
}

func (p *Parser) skipLine() error {
	for {
		t, err := p.next()
		if err != nil {
			return err
		}
		if t.Kind == TokenNewline || t.Kind == TokenEOF {
			if t.Kind == TokenEOF {
				p.current, p.peeked = t, true
			}
			return nil
		}
	}
}

func (p *Parser) parse() (*Gemfile, error) {
	for {
		t, err := p.next()
		if err != nil {
			return nil, err
		}

		switch t.Kind {
		case TokenEOF:
			if len(p.contexts) > 0 {
				return nil, fmt.Errorf("unexpected end of file inside a block")
			}
			return &p.out, nil
		case TokenNewline:
			continue
		case TokenSource:
			err = p.parseSource(t)
		case TokenGem:
			err = p.parseGem(t)
		case TokenGroup:
			err = p.parseGroup(t)
		case TokenPlatforms:
			err = p.parsePlatforms(t)
		case TokenRuby:
			err = p.parseRuby(t)
		case TokenGemspec:
			p.out.HasGemspec = true
			err = p.skipLine()
		case TokenPath, TokenGit, TokenGithub, TokenInstallIf:
			err = p.parseOpaqueBlock(t)
		case TokenPlugin, TokenGitSource:
			err = p.skipLine()
		case TokenEnd:
			if len(p.contexts) == 0 {
				return nil, fmt.Errorf("line %d: end without matching block", t.Line)
			}
			p.contexts = p.contexts[:len(p.contexts)-1]
		default:
			return nil, fmt.Errorf("line %d: unexpected %s", t.Line, t)
		}
		if err != nil {
			return nil, err
		}
	}
}

func (p *Parser) pushContext(f contextFrame) error {
	if len(p.contexts) >= maxContextDepth {
		return fmt.Errorf("blocks nested deeper than %d", maxContextDepth)
	}
	p.contexts = append(p.contexts, f)
	return nil
}

// args reads the remainder of a statement as a comma-separated argument
// list, tolerating a single surrounding pair of parentheses. It stops
// before do/end/newline and reports whether a do-block opened.
func (p *Parser) args() ([]Token, bool, error) {
	var out []Token
	parens := 0

	for {
		t, err := p.peek()
		if err != nil {
			return nil, false, err
		}
		switch t.Kind {
		case TokenNewline, TokenEOF:
			if t.Kind == TokenNewline {
				p.peeked = false
			}
			return out, false, nil
		case TokenDo:
			p.peeked = false
			return out, true, nil
		case TokenEnd:
			// Inline do ... end: leave the end for the statement loop.
			return out, false, nil
		case TokenLParen:
			p.peeked = false
			if parens > 0 || len(out) > 0 {
				return nil, false, fmt.Errorf("line %d: unexpected (", t.Line)
			}
			parens++
		case TokenRParen:
			p.peeked = false
			if parens == 0 {
				return nil, false, fmt.Errorf("line %d: unexpected )", t.Line)
			}
			parens--
		default:
			p.peeked = false
			out = append(out, t)
		}
	}
}

// splitArgs splits a flat token list on top-level commas.
func splitArgs(tokens []Token) [][]Token {
	var out [][]Token
	depth := 0
	start := 0
	for i, t := range tokens {
		switch t.Kind {
		case TokenLBracket, TokenLBrace:
			depth++
		case TokenRBracket, TokenRBrace:
			depth--
		case TokenComma:
			if depth == 0 {
				out = append(out, tokens[start:i])
				start = i + 1
			}
		}
	}
	if start < len(tokens) {
		out = append(out, tokens[start:])
	}
	return out
}

func (p *Parser) parseSource(kw Token) error {
	args, hasDo, err := p.args()
	if err != nil {
		return err
	}
	if len(args) != 1 {
		return fmt.Errorf("line %d: source expects a single argument", kw.Line)
	}

	url := ""
	switch args[0].Kind {
	case TokenString:
		url = args[0].Text
	case TokenSymbol:
		switch args[0].Text {
		case "rubygems", "gemcutter":
			url = CanonicalSource
		default:
			return fmt.Errorf("line %d: unknown source symbol :%s", kw.Line, args[0].Text)
		}
	default:
		return fmt.Errorf("line %d: source expects a string or symbol", kw.Line)
	}

	if p.out.Source == "" {
		p.out.Source = url
	}
	if hasDo {
		// Scoped sources contribute no per-gem state this tool tracks;
		// the frame just balances the end.
		return p.pushContext(contextFrame{})
	}
	return nil
}

func (p *Parser) parseGroup(kw Token) error {
	args, hasDo, err := p.args()
	if err != nil {
		return err
	}
	if !hasDo {
		return fmt.Errorf("line %d: group expects a block", kw.Line)
	}

	var groups []string
	for _, arg := range splitArgs(args) {
		if len(arg) != 1 || (arg[0].Kind != TokenSymbol && arg[0].Kind != TokenString) {
			return fmt.Errorf("line %d: group names must be symbols or strings", kw.Line)
		}
		groups = append(groups, arg[0].Text)
	}
	if len(groups) == 0 {
		return fmt.Errorf("line %d: group expects at least one name", kw.Line)
	}
	return p.pushContext(contextFrame{groups: groups})
}

func (p *Parser) parsePlatforms(kw Token) error {
	args, hasDo, err := p.args()
	if err != nil {
		return err
	}
	if !hasDo {
		return fmt.Errorf("line %d: platforms expects a block", kw.Line)
	}

	var platforms []string
	for _, arg := range splitArgs(args) {
		if len(arg) != 1 || (arg[0].Kind != TokenSymbol && arg[0].Kind != TokenString) {
			return fmt.Errorf("line %d: platform names must be symbols or strings", kw.Line)
		}
		platforms = append(platforms, arg[0].Text)
	}
	return p.pushContext(contextFrame{platforms: platforms})
}

func (p *Parser) parseRuby(kw Token) error {
	args, _, err := p.args()
	if err != nil {
		return err
	}
	for i, arg := range splitArgs(args) {
		if i == 0 && len(arg) == 1 && arg[0].Kind == TokenString {
			p.out.RubyVersion = arg[0].Text
			continue
		}
		// Keyword options (engine:, engine_version:, file:, patchlevel:)
		// are accepted and discarded.
	}
	return nil
}

// parseOpaqueBlock consumes path/git/github/install_if statements. Their
// arguments are discarded, but a do-block still opens a context so gem
// declarations inside are collected.
func (p *Parser) parseOpaqueBlock(kw Token) error {
	_, hasDo, err := p.args()
	if err != nil {
		return err
	}
	if hasDo {
		return p.pushContext(contextFrame{})
	}
	return nil
}

func (p *Parser) parseGem(kw Token) error {
	args, hasDo, err := p.args()
	if err != nil {
		return err
	}
	if hasDo {
		return fmt.Errorf("line %d: gem does not take a block", kw.Line)
	}

	split := splitArgs(args)
	if len(split) == 0 || len(split[0]) != 1 || split[0][0].Kind != TokenString {
		return fmt.Errorf("line %d: gem expects a name string", kw.Line)
	}

	gem := Gem{Name: split[0][0].Text}
	for _, arg := range split[1:] {
		if len(arg) == 0 {
			return fmt.Errorf("line %d: empty gem argument", kw.Line)
		}

		// Keyword (key: value) and hashrocket (:key => value) forms.
		if arg[0].Kind == TokenKey {
			if err := p.gemOption(&gem, arg[0].Text, arg[1:], kw.Line); err != nil {
				return err
			}
			continue
		}
		if arg[0].Kind == TokenSymbol && len(arg) > 1 && arg[1].Kind == TokenArrow {
			if err := p.gemOption(&gem, arg[0].Text, arg[2:], kw.Line); err != nil {
				return err
			}
			continue
		}

		if len(arg) == 1 && arg[0].Kind == TokenString {
			gem.Constraints = append(gem.Constraints, arg[0].Text)
			continue
		}
		return fmt.Errorf("line %d: unexpected gem argument %s", kw.Line, arg[0])
	}

	// Omitted keywords inherit the enclosing block context.
	if len(gem.Groups) == 0 {
		for _, f := range p.contexts {
			gem.Groups = append(gem.Groups, f.groups...)
		}
	}
	if len(gem.Groups) == 0 {
		gem.Groups = []string{"default"}
	}
	if len(gem.Platforms) == 0 {
		for _, f := range p.contexts {
			gem.Platforms = append(gem.Platforms, f.platforms...)
		}
	}

	p.out.Gems = append(p.out.Gems, gem)
	return nil
}

// valueList flattens a keyword-argument value into its string elements:
// a literal, a [...] array, or a %w/%i percent array.
func valueList(tokens []Token) ([]string, bool) {
	if len(tokens) == 1 {
		switch tokens[0].Kind {
		case TokenString, TokenSymbol:
			return []string{tokens[0].Text}, true
		case TokenPercentArray:
			return strings.Fields(tokens[0].Text), true
		}
		return nil, false
	}
	if tokens[0].Kind != TokenLBracket || tokens[len(tokens)-1].Kind != TokenRBracket {
		return nil, false
	}
	var out []string
	for _, element := range splitArgs(tokens[1 : len(tokens)-1]) {
		if len(element) != 1 || (element[0].Kind != TokenSymbol && element[0].Kind != TokenString) {
			return nil, false
		}
		out = append(out, element[0].Text)
	}
	return out, true
}

func (p *Parser) gemOption(gem *Gem, key string, val []Token, line int) error {
	if len(val) == 0 {
		return fmt.Errorf("line %d: gem option %s: missing value", line, key)
	}

	switch key {
	case "require":
		if len(val) == 1 && val[0].Kind == TokenFalse {
			gem.RequireMode = RequireDisabled
			gem.RequirePaths = nil
			return nil
		}
		if len(val) == 1 && val[0].Kind == TokenTrue {
			gem.RequireMode = RequireDefault
			return nil
		}
		paths, ok := valueList(val)
		if !ok {
			return fmt.Errorf("line %d: gem option require: expects false, a path, or a list", line)
		}
		gem.RequireMode = RequirePaths
		gem.RequirePaths = paths
	case "group", "groups":
		groups, ok := valueList(val)
		if !ok {
			return fmt.Errorf("line %d: gem option %s: expects a name or list", line, key)
		}
		gem.Groups = groups
	case "platform", "platforms":
		platforms, ok := valueList(val)
		if !ok {
			return fmt.Errorf("line %d: gem option %s: expects a name or list", line, key)
		}
		gem.Platforms = platforms
	default:
		// Source selectors (git:, github:, path:, branch:, tag:, ref:) and
		// the rest of Bundler's per-gem options are accepted and ignored.
	}
	return nil
}
