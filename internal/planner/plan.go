// Package planner defines the structured query plan produced by the
// parser (C3) and consumed by the SQL compiler (C4) and the expression
// evaluator (C5).
package planner

import "encoding/json"

// TerminalKind identifies how a plan is meant to be executed.
type TerminalKind int

const (
	TermList   TerminalKind = iota // run()
	TermChanges                    // changes()
	TermGet                        // get(id)
	TermInsert                     // insert(obj)
	TermUpdate                     // update(obj)
	TermDelete                     // delete()
)

// CompareOp is a scalar comparison operator.
type CompareOp int

const (
	OpEq CompareOp = iota
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
)

// BoolOp combines sub-expressions.
type BoolOp int

const (
	BoolAnd BoolOp = iota
	BoolOr
	BoolNot
)

// ExprKind discriminates the Expr union.
type ExprKind int

const (
	ExprLiteral ExprKind = iota
	ExprField
	ExprCompare
	ExprBool
	ExprResidual
	ExprStringMethod // spec §4.5 "common escape hatches", e.g. startsWith
	ExprArith        // simple method-free arithmetic, e.g. r.a + r.b
)

// Expr is a node of the filter-expression tree (spec §3).
//
// Exactly the fields relevant to Kind are populated.
type Expr struct {
	Kind ExprKind

	// ExprLiteral
	Literal any

	// ExprField
	Path []string

	// ExprCompare
	CompareOp CompareOp
	Left      *Expr
	Right     *Expr

	// ExprBool
	BoolOp   BoolOp
	Operands []*Expr

	// ExprStringMethod: Left.Method(Args...)
	Method string
	Args   []*Expr

	// ExprArith: Left ArithOp Right
	ArithOp byte // '+', '-', '*', '/'

	// ExprResidual: the original source text the parser could not
	// translate into the grammar above.
	Residual string
}

// OrderSpec is a single-field ORDER BY.
type OrderSpec struct {
	Path []string
	Desc bool
}

// Plan is the fully parsed form of one client query (spec §3).
type Plan struct {
	Collection string
	Filter     *Expr // nil means "match everything"
	Order      *OrderSpec
	Limit      *int64
	Terminal   TerminalKind

	// Payload for insert/update terminals; DocumentID for get(id). The
	// parser sets DocumentID only for get(): update() and delete() carry
	// no id in the DSL, so it stays empty for them.
	DocumentID string
	Payload    json.RawMessage

	// Source is the original DSL text, retained for error messages and
	// for the round-trip property in spec §8.
	Source string
}

// HasResidual reports whether any node in the filter tree is a residual,
// string-method, or arithmetic node that the SQL compiler cannot fully
// translate on its own.
func (p *Plan) HasResidual() bool {
	return exprHasResidual(p.Filter)
}

func exprHasResidual(e *Expr) bool {
	if e == nil {
		return false
	}
	switch e.Kind {
	case ExprResidual, ExprStringMethod, ExprArith:
		return true
	case ExprCompare:
		return exprHasResidual(e.Left) || exprHasResidual(e.Right)
	case ExprBool:
		for _, op := range e.Operands {
			if exprHasResidual(op) {
				return true
			}
		}
		return false
	default:
		return false
	}
}
