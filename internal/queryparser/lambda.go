package queryparser

import (
	"github.com/kartikbazzad/reactivedoc/internal/planner"
)

// parseLambda parses `<ident> => <expr>` where ident is the lambda's bound
// parameter. On any construct outside the grammar of spec §3 plus the
// evaluator's escape hatches (string methods, simple arithmetic), the
// entire lambda body is preserved verbatim as a residual (spec §4.3).
func (p *parser) parseLambda() (*planner.Expr, error) {
	if p.tok.kind != tokIdent {
		return nil, p.errorf("expected lambda parameter")
	}
	param := p.tok.text
	if err := p.advance(); err != nil {
		return nil, err
	}
	if err := p.expect(tokArrow); err != nil {
		return nil, err
	}

	bodyStart := tokenStartOffset(p)

	lp := &lambdaParser{parser: p, param: param}
	expr, err := lp.parseExpr()
	if err == nil {
		return expr, nil
	}

	// Fall back: capture the raw source of the body up to (not including)
	// the filter() call's closing paren.
	raw, endPos, scanErr := scanBalanced(p.lex.src, bodyStart)
	if scanErr != nil {
		return nil, scanErr
	}
	p.lex.pos = endPos
	if err := p.advance(); err != nil {
		return nil, err
	}
	return &planner.Expr{Kind: planner.ExprResidual, Residual: raw}, nil
}

// tokenStartOffset returns the rune offset where the current token begins,
// derived from the lexer's current position and the token's own text
// length (works for idents/numbers/strings/punctuation alike since none
// of them contain the closing delimiter we search for).
func tokenStartOffset(p *parser) int {
	// The lexer position is just past the current token (plus any
	// trailing whitespace consumed by the *next* peek has not happened
	// yet, since lexer.next() stops right after the token). We recompute
	// by re-scanning backward past the token's rune count for simple
	// kinds, and for strings/punctuation we fall back to searching from
	// the current position backward for non-space.
	pos := p.lex.pos
	for pos > 0 {
		r := p.lex.src[pos-1]
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
			pos--
			continue
		}
		break
	}
	switch p.tok.kind {
	case tokIdent, tokTrue, tokFalse, tokNull:
		return pos - len([]rune(p.tok.text))
	case tokNumber:
		return pos - len([]rune(p.tok.text))
	case tokString:
		// text + 2 quotes, but escapes make length unreliable; walk back
		// from pos to the matching opening quote instead.
		i := pos - 1
		if i >= 0 && (p.lex.src[i] == '"' || p.lex.src[i] == '\'') {
			quote := p.lex.src[i]
			i--
			for i >= 0 {
				if p.lex.src[i] == quote && (i == 0 || p.lex.src[i-1] != '\\') {
					return i
				}
				i--
			}
		}
		return pos
	default:
		return pos - 1
	}
}

// scanBalanced returns the source slice from start up to (not including)
// the first unbalanced ')' found, plus the offset of that ')'.
func scanBalanced(src []rune, start int) (string, int, error) {
	depth := 0
	inString := false
	var quote rune
	i := start
	for i < len(src) {
		r := src[i]
		if inString {
			if r == '\\' {
				i += 2
				continue
			}
			if r == quote {
				inString = false
			}
			i++
			continue
		}
		switch r {
		case '"', '\'':
			inString = true
			quote = r
		case '(', '[':
			depth++
		case ')':
			if depth == 0 {
				return string(src[start:i]), i, nil
			}
			depth--
		case ']':
			depth--
		}
		i++
	}
	return "", 0, &ParseError{Msg: "unterminated lambda body"}
}

type lambdaParser struct {
	*parser
	param string
}

func (lp *lambdaParser) parseExpr() (*planner.Expr, error) { return lp.parseOr() }

func (lp *lambdaParser) parseOr() (*planner.Expr, error) {
	left, err := lp.parseAnd()
	if err != nil {
		return nil, err
	}
	operands := []*planner.Expr{left}
	for lp.tok.kind == tokOr {
		if err := lp.advance(); err != nil {
			return nil, err
		}
		right, err := lp.parseAnd()
		if err != nil {
			return nil, err
		}
		operands = append(operands, right)
	}
	if len(operands) == 1 {
		return left, nil
	}
	return &planner.Expr{Kind: planner.ExprBool, BoolOp: planner.BoolOr, Operands: operands}, nil
}

func (lp *lambdaParser) parseAnd() (*planner.Expr, error) {
	left, err := lp.parseNot()
	if err != nil {
		return nil, err
	}
	operands := []*planner.Expr{left}
	for lp.tok.kind == tokAnd {
		if err := lp.advance(); err != nil {
			return nil, err
		}
		right, err := lp.parseNot()
		if err != nil {
			return nil, err
		}
		operands = append(operands, right)
	}
	if len(operands) == 1 {
		return left, nil
	}
	return &planner.Expr{Kind: planner.ExprBool, BoolOp: planner.BoolAnd, Operands: operands}, nil
}

func (lp *lambdaParser) parseNot() (*planner.Expr, error) {
	if lp.tok.kind == tokNot {
		if err := lp.advance(); err != nil {
			return nil, err
		}
		inner, err := lp.parseNot()
		if err != nil {
			return nil, err
		}
		return &planner.Expr{Kind: planner.ExprBool, BoolOp: planner.BoolNot, Operands: []*planner.Expr{inner}}, nil
	}
	return lp.parseCompare()
}

func (lp *lambdaParser) parseCompare() (*planner.Expr, error) {
	left, err := lp.parseAdd()
	if err != nil {
		return nil, err
	}
	var op planner.CompareOp
	switch lp.tok.kind {
	case tokEq:
		op = planner.OpEq
	case tokNe:
		op = planner.OpNe
	case tokLt:
		op = planner.OpLt
	case tokLe:
		op = planner.OpLe
	case tokGt:
		op = planner.OpGt
	case tokGe:
		op = planner.OpGe
	default:
		return left, nil
	}
	if err := lp.advance(); err != nil {
		return nil, err
	}
	right, err := lp.parseAdd()
	if err != nil {
		return nil, err
	}
	return &planner.Expr{Kind: planner.ExprCompare, CompareOp: op, Left: left, Right: right}, nil
}

func (lp *lambdaParser) parseAdd() (*planner.Expr, error) {
	left, err := lp.parseMul()
	if err != nil {
		return nil, err
	}
	for lp.tok.kind == tokPlus || lp.tok.kind == tokMinus {
		op := byte('+')
		if lp.tok.kind == tokMinus {
			op = '-'
		}
		if err := lp.advance(); err != nil {
			return nil, err
		}
		right, err := lp.parseMul()
		if err != nil {
			return nil, err
		}
		left = &planner.Expr{Kind: planner.ExprArith, ArithOp: op, Left: left, Right: right}
	}
	return left, nil
}

func (lp *lambdaParser) parseMul() (*planner.Expr, error) {
	left, err := lp.parsePrimary()
	if err != nil {
		return nil, err
	}
	for lp.tok.kind == tokStar || lp.tok.kind == tokSlash {
		op := byte('*')
		if lp.tok.kind == tokSlash {
			op = '/'
		}
		if err := lp.advance(); err != nil {
			return nil, err
		}
		right, err := lp.parsePrimary()
		if err != nil {
			return nil, err
		}
		left = &planner.Expr{Kind: planner.ExprArith, ArithOp: op, Left: left, Right: right}
	}
	return left, nil
}

func (lp *lambdaParser) parsePrimary() (*planner.Expr, error) {
	switch lp.tok.kind {
	case tokLParen:
		if err := lp.advance(); err != nil {
			return nil, err
		}
		inner, err := lp.parseExpr()
		if err != nil {
			return nil, err
		}
		if err := lp.expect(tokRParen); err != nil {
			return nil, err
		}
		return inner, nil

	case tokNumber:
		n := lp.tok.num
		if err := lp.advance(); err != nil {
			return nil, err
		}
		return &planner.Expr{Kind: planner.ExprLiteral, Literal: n}, nil

	case tokString:
		s := lp.tok.text
		if err := lp.advance(); err != nil {
			return nil, err
		}
		return &planner.Expr{Kind: planner.ExprLiteral, Literal: s}, nil

	case tokTrue:
		if err := lp.advance(); err != nil {
			return nil, err
		}
		return &planner.Expr{Kind: planner.ExprLiteral, Literal: true}, nil

	case tokFalse:
		if err := lp.advance(); err != nil {
			return nil, err
		}
		return &planner.Expr{Kind: planner.ExprLiteral, Literal: false}, nil

	case tokNull:
		if err := lp.advance(); err != nil {
			return nil, err
		}
		return &planner.Expr{Kind: planner.ExprLiteral, Literal: nil}, nil

	case tokIdent:
		return lp.parseIdentChain()

	default:
		return nil, lp.errorf("unexpected token in expression")
	}
}

// parseIdentChain parses `param.a.b` (a field path) or `param.a.method(args)`.
func (lp *lambdaParser) parseIdentChain() (*planner.Expr, error) {
	if lp.tok.text != lp.param {
		return nil, lp.errorf("unrecognized identifier %q (expected lambda parameter %q)", lp.tok.text, lp.param)
	}
	if err := lp.advance(); err != nil {
		return nil, err
	}
	var path []string
	for lp.tok.kind == tokDot {
		if err := lp.advance(); err != nil {
			return nil, err
		}
		if lp.tok.kind != tokIdent {
			return nil, lp.errorf("expected field name after '.'")
		}
		name := lp.tok.text
		if err := lp.advance(); err != nil {
			return nil, err
		}
		if lp.tok.kind == tokLParen {
			// method call terminates the path: param.a.b.method(args)
			if err := lp.advance(); err != nil {
				return nil, err
			}
			var args []*planner.Expr
			for lp.tok.kind != tokRParen {
				arg, err := lp.parseExpr()
				if err != nil {
					return nil, err
				}
				args = append(args, arg)
				if lp.tok.kind == tokComma {
					if err := lp.advance(); err != nil {
						return nil, err
					}
				}
			}
			if err := lp.advance(); err != nil { // consume ')'
				return nil, err
			}
			if !isKnownStringMethod(name) {
				return nil, lp.errorf("unknown method %q", name)
			}
			return &planner.Expr{
				Kind:   planner.ExprStringMethod,
				Method: name,
				Left:   &planner.Expr{Kind: planner.ExprField, Path: path},
				Args:   args,
			}, nil
		}
		path = append(path, name)
	}
	if len(path) == 0 {
		return nil, lp.errorf("bare lambda parameter is not a valid expression")
	}
	return &planner.Expr{Kind: planner.ExprField, Path: path}, nil
}

func isKnownStringMethod(name string) bool {
	switch name {
	case "startsWith", "endsWith", "includes":
		return true
	default:
		return false
	}
}
