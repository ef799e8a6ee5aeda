// Package evalexpr interprets a residual filter-expression tree against
// a materialized document, as the fallback path when the SQL compiler
// (C4) could not fully translate a filter (spec §4.5).
//
// Evaluation is stateless and side-effect-free. Anything the evaluator
// cannot handle yields false for that document (fail-closed) rather than
// erroring, matching the spec's explicit narrowing away from an embedded
// scripting sandbox (spec §9).
package evalexpr

import (
	"encoding/json"
	"strings"

	"github.com/kartikbazzad/reactivedoc/internal/planner"
)

// Eval reports whether payload matches expr. A nil expr matches
// everything.
func Eval(expr *planner.Expr, payload json.RawMessage) bool {
	if expr == nil {
		return true
	}
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return false
	}
	v, ok := evalNode(expr, doc)
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

// evalNode returns (value, ok); ok is false whenever the node cannot be
// evaluated, which callers must treat as a non-match.
func evalNode(e *planner.Expr, doc any) (any, bool) {
	switch e.Kind {
	case planner.ExprLiteral:
		return e.Literal, true

	case planner.ExprField:
		return lookupPath(doc, e.Path)

	case planner.ExprCompare:
		return evalCompare(e, doc)

	case planner.ExprBool:
		return evalBool(e, doc)

	case planner.ExprStringMethod:
		return evalStringMethod(e, doc)

	case planner.ExprArith:
		return evalArith(e, doc)

	case planner.ExprResidual:
		// Genuinely unparseable source: fail closed.
		return nil, false

	default:
		return nil, false
	}
}

func lookupPath(doc any, path []string) (any, bool) {
	cur := doc
	for _, seg := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false // missing/non-object field: strict, no match
		}
		v, present := m[seg]
		if !present {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

func evalBool(e *planner.Expr, doc any) (any, bool) {
	switch e.BoolOp {
	case planner.BoolNot:
		v, ok := evalNode(e.Operands[0], doc)
		if !ok {
			return nil, false
		}
		b, ok := v.(bool)
		if !ok {
			return nil, false
		}
		return !b, true

	case planner.BoolAnd:
		for _, op := range e.Operands {
			v, ok := evalNode(op, doc)
			if !ok {
				return nil, false
			}
			b, ok := v.(bool)
			if !ok || !b {
				return false, true
			}
		}
		return true, true

	case planner.BoolOr:
		for _, op := range e.Operands {
			v, ok := evalNode(op, doc)
			if ok {
				if b, ok := v.(bool); ok && b {
					return true, true
				}
			}
		}
		return false, true

	default:
		return nil, false
	}
}

func evalCompare(e *planner.Expr, doc any) (any, bool) {
	left, leftOK := evalNode(e.Left, doc)
	right, rightOK := evalNode(e.Right, doc)
	if !leftOK || !rightOK {
		// Missing field: strict semantics, never equal, never ordered.
		return false, true
	}

	if ln, lok := asFloat(left); lok {
		if rn, rok := asFloat(right); rok {
			return compareNumbers(e.CompareOp, ln, rn), true
		}
	}
	ls, lok := left.(string)
	rs, rok := right.(string)
	if lok && rok {
		return compareStrings(e.CompareOp, ls, rs), true
	}
	if e.CompareOp == planner.OpEq {
		return left == right, true
	}
	if e.CompareOp == planner.OpNe {
		return left != right, true
	}
	return false, true
}

func compareNumbers(op planner.CompareOp, a, b float64) bool {
	switch op {
	case planner.OpEq:
		return a == b
	case planner.OpNe:
		return a != b
	case planner.OpLt:
		return a < b
	case planner.OpLe:
		return a <= b
	case planner.OpGt:
		return a > b
	case planner.OpGe:
		return a >= b
	default:
		return false
	}
}

func compareStrings(op planner.CompareOp, a, b string) bool {
	switch op {
	case planner.OpEq:
		return a == b
	case planner.OpNe:
		return a != b
	case planner.OpLt:
		return a < b
	case planner.OpLe:
		return a <= b
	case planner.OpGt:
		return a > b
	case planner.OpGe:
		return a >= b
	default:
		return false
	}
}

func asFloat(v any) (float64, bool) {
	f, ok := v.(float64)
	return f, ok
}

func evalStringMethod(e *planner.Expr, doc any) (any, bool) {
	recv, ok := evalNode(e.Left, doc)
	if !ok {
		return nil, false
	}
	s, ok := recv.(string)
	if !ok {
		return nil, false
	}
	if len(e.Args) != 1 {
		return nil, false
	}
	argVal, ok := evalNode(e.Args[0], doc)
	if !ok {
		return nil, false
	}
	arg, ok := argVal.(string)
	if !ok {
		return nil, false
	}
	switch e.Method {
	case "startsWith":
		return strings.HasPrefix(s, arg), true
	case "endsWith":
		return strings.HasSuffix(s, arg), true
	case "includes":
		return strings.Contains(s, arg), true
	default:
		return nil, false
	}
}

func evalArith(e *planner.Expr, doc any) (any, bool) {
	left, lok := evalNode(e.Left, doc)
	right, rok := evalNode(e.Right, doc)
	if !lok || !rok {
		return nil, false
	}
	lf, lok := asFloat(left)
	rf, rok := asFloat(right)
	if !lok || !rok {
		return nil, false
	}
	switch e.ArithOp {
	case '+':
		return lf + rf, true
	case '-':
		return lf - rf, true
	case '*':
		return lf * rf, true
	case '/':
		if rf == 0 {
			return nil, false
		}
		return lf / rf, true
	default:
		return nil, false
	}
}
