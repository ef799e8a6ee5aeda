// Package sqlcompile compiles a query plan (C3 output) into a
// parameterized SQL statement for one of the two storage backends,
// producing a residual flag when part of the filter tree cannot be
// translated (spec §4.4).
package sqlcompile

import (
	"fmt"
	"strings"

	"github.com/kartikbazzad/reactivedoc/internal/planner"
)

// Dialect isolates the one per-backend divergence the compiler needs:
// how to extract a JSON field path as SQL text, how to cast that text to
// a number, and how to render the Nth bind placeholder.
type Dialect interface {
	JSONPath(path []string) string
	CastNumeric(sqlExpr string) string
	Placeholder(argIndex int) string
}

// Compiled is the compiler's output (spec §4.4): SQL text, bound
// parameters in order, and whether a residual predicate remains that C5
// must additionally evaluate against fetched rows.
type Compiled struct {
	SQL         string
	Params      []any
	HasResidual bool
}

// CompileList compiles a run()/changes()-snapshot list query: mandatory
// collection equality, optional filter/order/limit.
func CompileList(plan *planner.Plan, d Dialect) (*Compiled, error) {
	c := &compiler{dialect: d}
	c.args = append(c.args, plan.Collection)

	var sb strings.Builder
	sb.WriteString("SELECT id, collection, payload, created_at, updated_at FROM documents WHERE collection = ")
	sb.WriteString(d.Placeholder(1))

	if plan.Filter != nil {
		frag := c.compileExpr(plan.Filter)
		sb.WriteString(" AND (")
		sb.WriteString(frag)
		sb.WriteString(")")
	}

	if plan.Order != nil {
		sb.WriteString(" ORDER BY ")
		sb.WriteString(d.JSONPath(plan.Order.Path))
		if plan.Order.Desc {
			sb.WriteString(" DESC")
		} else {
			sb.WriteString(" ASC")
		}
		// Tie-break by document id ascending (spec §4.4 determinism rule).
		sb.WriteString(", id ASC")
	} else {
		sb.WriteString(" ORDER BY id ASC")
	}

	if plan.Limit != nil {
		c.args = append(c.args, *plan.Limit)
		sb.WriteString(" LIMIT ")
		sb.WriteString(d.Placeholder(len(c.args)))
	}

	return &Compiled{SQL: sb.String(), Params: c.args, HasResidual: plan.HasResidual()}, nil
}

type compiler struct {
	dialect Dialect
	args    []any
}

// compileExpr returns a boolean SQL fragment. Any residual/string-method/
// arithmetic subtree compiles to TRUE: the rows it admits are re-filtered
// by C5 after fetch (spec §4.4).
func (c *compiler) compileExpr(e *planner.Expr) string {
	switch e.Kind {
	case planner.ExprResidual, planner.ExprStringMethod, planner.ExprArith:
		return "TRUE"

	case planner.ExprBool:
		switch e.BoolOp {
		case planner.BoolNot:
			return "NOT (" + c.compileExpr(e.Operands[0]) + ")"
		case planner.BoolAnd:
			return c.joinOperands(e.Operands, " AND ")
		case planner.BoolOr:
			return c.joinOperands(e.Operands, " OR ")
		}
		return "TRUE"

	case planner.ExprCompare:
		return c.compileCompare(e)

	default:
		// A bare literal/field outside a comparison is not a valid
		// boolean predicate; treat conservatively as satisfied so C5,
		// which never sees such a malformed tree in practice, is the
		// real arbiter. The parser never emits filters shaped this way.
		return "TRUE"
	}
}

func (c *compiler) joinOperands(operands []*planner.Expr, sep string) string {
	parts := make([]string, len(operands))
	for i, op := range operands {
		parts[i] = "(" + c.compileExpr(op) + ")"
	}
	return strings.Join(parts, sep)
}

func (c *compiler) compileCompare(e *planner.Expr) string {
	// A comparison with an arithmetic/method operand on either side is a
	// residual as a whole; degrade the entire comparison to TRUE rather
	// than substituting TRUE for just the malformed operand's SQL text,
	// which would otherwise get cast and compared against the other
	// side and actively filter rows.
	if !isSQLOperand(e.Left) || !isSQLOperand(e.Right) {
		return "TRUE"
	}

	leftSQL, leftNumeric := c.compileOperand(e.Left)
	rightSQL, rightNumeric := c.compileOperand(e.Right)

	if leftNumeric || rightNumeric {
		leftSQL = c.dialect.CastNumeric(leftSQL)
		rightSQL = c.dialect.CastNumeric(rightSQL)
	}

	op := compareOpSQL(e.CompareOp)
	return fmt.Sprintf("%s %s %s", leftSQL, op, rightSQL)
}

func isSQLOperand(e *planner.Expr) bool {
	return e.Kind == planner.ExprField || e.Kind == planner.ExprLiteral
}

// compileOperand renders a comparison operand (field path or literal) and
// reports whether it is numeric, so the caller can decide to cast both
// sides of the comparison. Callers must guard with isSQLOperand first;
// this is only ever reached for the two operand kinds it handles.
func (c *compiler) compileOperand(e *planner.Expr) (sql string, numeric bool) {
	switch e.Kind {
	case planner.ExprField:
		return c.dialect.JSONPath(e.Path), false
	case planner.ExprLiteral:
		c.args = append(c.args, e.Literal)
		ph := c.dialect.Placeholder(len(c.args))
		_, isNum := e.Literal.(float64)
		return ph, isNum
	default:
		return "TRUE", false
	}
}

func compareOpSQL(op planner.CompareOp) string {
	switch op {
	case planner.OpEq:
		return "="
	case planner.OpNe:
		return "!="
	case planner.OpLt:
		return "<"
	case planner.OpLe:
		return "<="
	case planner.OpGt:
		return ">"
	case planner.OpGe:
		return ">="
	default:
		return "="
	}
}
