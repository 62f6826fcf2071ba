package gemfile

import (
	"strconv"

	"github.com/igravious/twine/version"
)

// exprParser evaluates the restricted expression subset found in Gemfile
// conditionals: literals, variables, environment constants, ENV lookups,
// comparisons, and boolean connectives.
type exprParser struct {
	eval   *Evaluator
	tokens []Token
	pos    int
	line   int
}

// eval evaluates a token slice as a single expression.
func (e *Evaluator) eval(tokens []Token, line int) (value, error) {
	if len(tokens) == 0 {
		return value{}, e.errorf(line, "empty expression")
	}
	p := &exprParser{eval: e, tokens: tokens, line: line}
	v, err := p.parseOr()
	if err != nil {
		return value{}, err
	}
	if p.pos != len(p.tokens) {
		return value{}, e.errorf(p.peek().Line, "unexpected %s in expression", p.peek())
	}
	return v, nil
}

func (p *exprParser) peek() Token {
	if p.pos < len(p.tokens) {
		return p.tokens[p.pos]
	}
	return Token{Kind: TokenEOF, Line: p.line}
}

func (p *exprParser) next() Token {
	t := p.peek()
	if p.pos < len(p.tokens) {
		p.pos++
	}
	return t
}

func (p *exprParser) expect(kind Kind, what string) (Token, error) {
	t := p.next()
	if t.Kind != kind {
		return Token{}, p.eval.errorf(t.Line, "expected %s, got %s", what, t)
	}
	return t, nil
}

func (p *exprParser) parseOr() (value, error) {
	left, err := p.parseAnd()
	if err != nil {
		return value{}, err
	}
	for p.peek().Kind == TokenOr {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return value{}, err
		}
		if !left.truthy() {
			left = right
		}
	}
	return left, nil
}

func (p *exprParser) parseAnd() (value, error) {
	left, err := p.parseCompare()
	if err != nil {
		return value{}, err
	}
	for p.peek().Kind == TokenAnd {
		p.next()
		right, err := p.parseCompare()
		if err != nil {
			return value{}, err
		}
		if left.truthy() {
			left = right
		}
	}
	return left, nil
}

func (p *exprParser) parseCompare() (value, error) {
	left, err := p.parseUnary()
	if err != nil {
		return value{}, err
	}

	op := p.peek().Kind
	switch op {
	case TokenEq, TokenNeq, TokenGt, TokenGte, TokenLt, TokenLte:
		p.next()
	default:
		return left, nil
	}

	right, err := p.parseUnary()
	if err != nil {
		return value{}, err
	}

	cmp := compareValues(left, right)
	switch op {
	case TokenEq:
		return boolValue(cmp == 0), nil
	case TokenNeq:
		return boolValue(cmp != 0), nil
	case TokenGt:
		return boolValue(cmp > 0), nil
	case TokenGte:
		return boolValue(cmp >= 0), nil
	case TokenLt:
		return boolValue(cmp < 0), nil
	default:
		return boolValue(cmp <= 0), nil
	}
}

// compareValues picks the comparison semantics: version ordering when
// either side came from the runtime-version constant, numeric when both
// sides look like numbers, string otherwise.
func compareValues(a, b value) int {
	if a.isVersion || b.isVersion {
		av, errA := version.Parse(a.str)
		bv, errB := version.Parse(b.str)
		if errA == nil && errB == nil {
			return version.Compare(av, bv)
		}
	}
	if an, errA := strconv.ParseFloat(a.str, 64); errA == nil {
		if bn, errB := strconv.ParseFloat(b.str, 64); errB == nil {
			switch {
			case an < bn:
				return -1
			case an > bn:
				return 1
			default:
				return 0
			}
		}
	}
	switch {
	case a.str < b.str:
		return -1
	case a.str > b.str:
		return 1
	default:
		return 0
	}
}

func (p *exprParser) parseUnary() (value, error) {
	if p.peek().Kind == TokenNot {
		p.next()
		v, err := p.parseUnary()
		if err != nil {
			return value{}, err
		}
		return boolValue(!v.truthy()), nil
	}
	return p.parsePrimary()
}

func (p *exprParser) parsePrimary() (value, error) {
	t := p.next()
	switch t.Kind {
	case TokenString:
		if t.Interp {
			s, err := p.eval.interpolate(t.Text, t.Line)
			if err != nil {
				return value{}, err
			}
			return stringValue(s), nil
		}
		return stringValue(t.Text), nil
	case TokenSymbol:
		return stringValue(t.Text), nil
	case TokenInt, TokenFloat:
		return stringValue(t.Text), nil
	case TokenTrue:
		return boolValue(true), nil
	case TokenFalse:
		return boolValue(false), nil
	case TokenNil:
		return nilValue, nil
	case TokenLParen:
		v, err := p.parseOr()
		if err != nil {
			return value{}, err
		}
		if _, err := p.expect(TokenRParen, ")"); err != nil {
			return value{}, err
		}
		return v, nil
	case TokenIdent:
		if t.Text == "ENV" {
			return p.parseEnv(t.Line)
		}
		if v, ok := p.eval.lookup(t.Text); ok {
			return v, nil
		}
		if c, ok := p.eval.constant(t.Text); ok {
			return c, nil
		}
		return value{}, p.eval.errorf(t.Line, "unknown identifier %q", t.Text)
	}
	return value{}, p.eval.errorf(t.Line, "unsupported construct %s in expression", t)
}

// parseEnv handles ENV["K"], ENV.fetch("K", "default"), and ENV.key?("K").
func (p *exprParser) parseEnv(line int) (value, error) {
	switch p.peek().Kind {
	case TokenLBracket:
		p.next()
		key, err := p.expect(TokenString, "environment variable name")
		if err != nil {
			return value{}, err
		}
		if _, err := p.expect(TokenRBracket, "]"); err != nil {
			return value{}, err
		}
		if v, ok := p.eval.ctx.getenv(key.Text); ok {
			return stringValue(v), nil
		}
		return nilValue, nil

	case TokenDot:
		p.next()
		method, err := p.expect(TokenIdent, "ENV method")
		if err != nil {
			return value{}, err
		}
		if _, err := p.expect(TokenLParen, "("); err != nil {
			return value{}, err
		}
		key, err := p.expect(TokenString, "environment variable name")
		if err != nil {
			return value{}, err
		}

		switch method.Text {
		case "fetch":
			fallback := ""
			hasFallback := false
			if p.peek().Kind == TokenComma {
				p.next()
				def, err := p.expect(TokenString, "default value")
				if err != nil {
					return value{}, err
				}
				fallback = def.Text
				hasFallback = true
			}
			if _, err := p.expect(TokenRParen, ")"); err != nil {
				return value{}, err
			}
			if v, ok := p.eval.ctx.getenv(key.Text); ok {
				return stringValue(v), nil
			}
			if hasFallback {
				return stringValue(fallback), nil
			}
			return value{}, p.eval.errorf(line, "ENV.fetch(%q): key not set and no default given", key.Text)

		case "key?":
			if _, err := p.expect(TokenRParen, ")"); err != nil {
				return value{}, err
			}
			_, ok := p.eval.ctx.getenv(key.Text)
			return boolValue(ok), nil
		}
		return value{}, p.eval.errorf(line, "unsupported ENV method %q", method.Text)
	}

	return value{}, p.eval.errorf(line, "unsupported ENV usage")
}
