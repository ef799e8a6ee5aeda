// Package queryparser implements the hand-written recursive-descent
// parser for the fluent query DSL (spec §4.3):
//
//	db.table("<name>").<op>(…)…<terminal>()
package queryparser

import (
	"encoding/json"
	"fmt"

	"github.com/kartikbazzad/reactivedoc/internal/apperrors"
	"github.com/kartikbazzad/reactivedoc/internal/planner"
)

type parser struct {
	lex    *lexer
	tok    token
	source string
}

// Parse parses a single fluent-DSL expression into a query plan.
func Parse(src string) (*planner.Plan, error) {
	p := &parser{lex: newLexer(src), source: src}
	if err := p.advance(); err != nil {
		return nil, err
	}

	if err := p.expectIdent("db"); err != nil {
		return nil, err
	}
	if err := p.expect(tokDot); err != nil {
		return nil, err
	}
	if err := p.expectIdent("table"); err != nil {
		return nil, err
	}
	if err := p.expect(tokLParen); err != nil {
		return nil, err
	}
	if p.tok.kind != tokString {
		return nil, p.errorf("expected collection name string")
	}
	collection := p.tok.text
	if err := p.advance(); err != nil {
		return nil, err
	}
	if err := p.expect(tokRParen); err != nil {
		return nil, err
	}

	plan := &planner.Plan{Collection: collection, Source: src}

	for {
		if err := p.expect(tokDot); err != nil {
			return nil, err
		}
		if p.tok.kind != tokIdent {
			return nil, p.errorf("expected operator or terminal name")
		}
		name := p.tok.text
		if err := p.advance(); err != nil {
			return nil, err
		}
		if name == "insert" || name == "update" {
			// The argument is a raw JSON literal the DSL lexer cannot
			// tokenize; leave the lexer just past '(' for parseLiteralObject.
			if p.tok.kind != tokLParen {
				return nil, p.errorf("unexpected token")
			}
		} else if err := p.expect(tokLParen); err != nil {
			return nil, err
		}

		terminal, done, err := p.dispatch(name, plan)
		if err != nil {
			return nil, err
		}
		if done {
			plan.Terminal = terminal
			break
		}
	}

	if p.tok.kind != tokEOF {
		return nil, p.errorf("unexpected trailing input")
	}

	return plan, nil
}

// dispatch handles one `.name(args)` call. Returns (terminal, isTerminal, err).
func (p *parser) dispatch(name string, plan *planner.Plan) (planner.TerminalKind, bool, error) {
	switch name {
	case "filter":
		expr, err := p.parseLambda()
		if err != nil {
			return 0, false, err
		}
		plan.Filter = expr
		if err := p.expect(tokRParen); err != nil {
			return 0, false, err
		}
		return 0, false, nil

	case "orderBy":
		path, err := p.parseFieldPathLiteral()
		if err != nil {
			return 0, false, err
		}
		desc := false
		if p.tok.kind == tokComma {
			if err := p.advance(); err != nil {
				return 0, false, err
			}
			if p.tok.kind != tokString {
				return 0, false, p.errorf("expected direction string")
			}
			switch p.tok.text {
			case "asc":
				desc = false
			case "desc":
				desc = true
			default:
				return 0, false, p.errorf("orderBy direction must be \"asc\" or \"desc\"")
			}
			if err := p.advance(); err != nil {
				return 0, false, err
			}
		}
		plan.Order = &planner.OrderSpec{Path: path, Desc: desc}
		if err := p.expect(tokRParen); err != nil {
			return 0, false, err
		}
		return 0, false, nil

	case "limit":
		if p.tok.kind != tokNumber {
			return 0, false, p.errorf("expected numeric limit")
		}
		n := int64(p.tok.num)
		if err := p.advance(); err != nil {
			return 0, false, err
		}
		plan.Limit = &n
		if err := p.expect(tokRParen); err != nil {
			return 0, false, err
		}
		return 0, false, nil

	case "run":
		if err := p.expect(tokRParen); err != nil {
			return 0, false, err
		}
		return planner.TermList, true, nil

	case "changes":
		if err := p.expect(tokRParen); err != nil {
			return 0, false, err
		}
		return planner.TermChanges, true, nil

	case "get":
		id, err := p.parseIdentifierArg()
		if err != nil {
			return 0, false, err
		}
		plan.DocumentID = id
		if err := p.expect(tokRParen); err != nil {
			return 0, false, err
		}
		return planner.TermGet, true, nil

	case "insert":
		payload, err := p.parseLiteralObject()
		if err != nil {
			return 0, false, err
		}
		plan.Payload = payload
		if err := p.expect(tokRParen); err != nil {
			return 0, false, err
		}
		return planner.TermInsert, true, nil

	case "update":
		payload, err := p.parseLiteralObject()
		if err != nil {
			return 0, false, err
		}
		plan.Payload = payload
		if err := p.expect(tokRParen); err != nil {
			return 0, false, err
		}
		return planner.TermUpdate, true, nil

	case "delete":
		if err := p.expect(tokRParen); err != nil {
			return 0, false, err
		}
		return planner.TermDelete, true, nil

	default:
		return 0, false, fmt.Errorf("%w: %q", apperrors.ErrUnknownOperator, name)
	}
}

func (p *parser) parseIdentifierArg() (string, error) {
	switch p.tok.kind {
	case tokString:
		s := p.tok.text
		return s, p.advance()
	case tokNumber:
		s := p.tok.text
		return s, p.advance()
	default:
		return "", p.errorf("expected document id")
	}
}

func (p *parser) parseFieldPathLiteral() ([]string, error) {
	if p.tok.kind != tokString {
		return nil, p.errorf("expected field path string")
	}
	path := splitPath(p.tok.text)
	return path, p.advance()
}

func splitPath(s string) []string {
	var parts []string
	cur := ""
	for _, r := range s {
		if r == '.' {
			parts = append(parts, cur)
			cur = ""
			continue
		}
		cur += string(r)
	}
	parts = append(parts, cur)
	return parts
}

func (p *parser) advance() error {
	tok, err := p.lex.next()
	if err != nil {
		return err
	}
	p.tok = tok
	return nil
}

func (p *parser) expect(k tokenKind) error {
	if p.tok.kind != k {
		return p.errorf("unexpected token")
	}
	return p.advance()
}

func (p *parser) expectIdent(name string) error {
	if p.tok.kind != tokIdent || p.tok.text != name {
		return p.errorf("expected %q", name)
	}
	return p.advance()
}

func (p *parser) errorf(format string, args ...any) error {
	return &ParseError{Line: p.tok.line, Col: p.tok.col, Msg: fmt.Sprintf(format, args...)}
}

// parseLiteralObject parses a JSON-style literal value (object, array,
// string, number, bool, null) using the standard library decoder, since
// insert()/update() take literal JSON objects rather than DSL expressions.
// We re-lex from the current position by locating the matching close paren.
func (p *parser) parseLiteralObject() (json.RawMessage, error) {
	start := p.lex.pos // just past the opening '(' of insert()/update()
	// Scan the raw source from there with a small bracket-matching loop.
	depth := 0
	i := start
	// Find the first non-space rune at or after i that begins the value.
	for i < len(p.lex.src) && (p.lex.src[i] == ' ' || p.lex.src[i] == '\t' || p.lex.src[i] == '\n') {
		i++
	}
	valStart := i
	inString := false
	var stringQuote rune
	for i < len(p.lex.src) {
		r := p.lex.src[i]
		if inString {
			if r == '\\' {
				i += 2
				continue
			}
			if r == stringQuote {
				inString = false
			}
			i++
			continue
		}
		switch r {
		case '"', '\'':
			inString = true
			stringQuote = r
		case '{', '[':
			depth++
		case '}', ']':
			depth--
		case ')':
			if depth == 0 {
				goto done
			}
		}
		i++
	}
done:
	raw := string(p.lex.src[valStart:i])
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, p.errorf("invalid literal object: %v", err)
	}
	normalized, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	// Resynchronize the lexer/parser at the closing paren we found.
	p.lex.pos = i
	if err := p.advance(); err != nil {
		return nil, err
	}
	return normalized, nil
}
