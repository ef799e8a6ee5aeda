package evalexpr

import (
	"encoding/json"
	"testing"

	"github.com/kartikbazzad/reactivedoc/internal/planner"
)

func field(path ...string) *planner.Expr {
	return &planner.Expr{Kind: planner.ExprField, Path: path}
}

func lit(v any) *planner.Expr {
	return &planner.Expr{Kind: planner.ExprLiteral, Literal: v}
}

func TestEvalNilExprMatchesEverything(t *testing.T) {
	if !Eval(nil, json.RawMessage(`{"a":1}`)) {
		t.Fatal("nil expr should match")
	}
}

func TestEvalCompareNumeric(t *testing.T) {
	expr := &planner.Expr{Kind: planner.ExprCompare, CompareOp: planner.OpGt, Left: field("priority"), Right: lit(float64(5))}
	if !Eval(expr, json.RawMessage(`{"priority": 10}`)) {
		t.Fatal("expected priority 10 > 5 to match")
	}
	if Eval(expr, json.RawMessage(`{"priority": 1}`)) {
		t.Fatal("expected priority 1 > 5 to not match")
	}
}

func TestEvalCompareString(t *testing.T) {
	expr := &planner.Expr{Kind: planner.ExprCompare, CompareOp: planner.OpEq, Left: field("status"), Right: lit("open")}
	if !Eval(expr, json.RawMessage(`{"status":"open"}`)) {
		t.Fatal("expected equal strings to match")
	}
	if Eval(expr, json.RawMessage(`{"status":"closed"}`)) {
		t.Fatal("expected unequal strings to not match")
	}
}

func TestEvalMissingFieldNeverMatchesOrderedCompare(t *testing.T) {
	expr := &planner.Expr{Kind: planner.ExprCompare, CompareOp: planner.OpGt, Left: field("missing"), Right: lit(float64(0))}
	if Eval(expr, json.RawMessage(`{"other":1}`)) {
		t.Fatal("a missing field must never satisfy an ordered comparison")
	}
}

func TestEvalMissingFieldNeverEqual(t *testing.T) {
	expr := &planner.Expr{Kind: planner.ExprCompare, CompareOp: planner.OpEq, Left: field("missing"), Right: lit(nil)}
	if Eval(expr, json.RawMessage(`{"other":1}`)) {
		t.Fatal("a missing field must never compare equal, even to literal null")
	}
}

func TestEvalBoolAnd(t *testing.T) {
	expr := &planner.Expr{
		Kind: planner.ExprBool, BoolOp: planner.BoolAnd,
		Operands: []*planner.Expr{
			{Kind: planner.ExprCompare, CompareOp: planner.OpEq, Left: field("done"), Right: lit(false)},
			{Kind: planner.ExprCompare, CompareOp: planner.OpGe, Left: field("priority"), Right: lit(float64(5))},
		},
	}
	if !Eval(expr, json.RawMessage(`{"done":false,"priority":7}`)) {
		t.Fatal("expected both conjuncts to hold")
	}
	if Eval(expr, json.RawMessage(`{"done":true,"priority":7}`)) {
		t.Fatal("expected AND to fail when one conjunct is false")
	}
}

func TestEvalBoolOrMatchesDespiteMissingFieldOperand(t *testing.T) {
	// An operand comparing an absent field evaluates to false; OR still
	// matches as long as another operand is true.
	expr := &planner.Expr{
		Kind: planner.ExprBool, BoolOp: planner.BoolOr,
		Operands: []*planner.Expr{
			{Kind: planner.ExprCompare, CompareOp: planner.OpEq, Left: field("missingField"), Right: lit("x")},
			{Kind: planner.ExprCompare, CompareOp: planner.OpEq, Left: field("status"), Right: lit("open")},
		},
	}
	if !Eval(expr, json.RawMessage(`{"status":"open"}`)) {
		t.Fatal("expected OR to match via the second operand")
	}
}

func TestEvalBoolNot(t *testing.T) {
	expr := &planner.Expr{
		Kind: planner.ExprBool, BoolOp: planner.BoolNot,
		Operands: []*planner.Expr{
			{Kind: planner.ExprCompare, CompareOp: planner.OpEq, Left: field("done"), Right: lit(true)},
		},
	}
	if !Eval(expr, json.RawMessage(`{"done":false}`)) {
		t.Fatal("expected NOT(done==true) to match when done is false")
	}
}

func TestEvalStringMethods(t *testing.T) {
	cases := []struct {
		method string
		arg    string
		value  string
		want   bool
	}{
		{"startsWith", "Al", "Alice", true},
		{"startsWith", "Bo", "Alice", false},
		{"endsWith", "ce", "Alice", true},
		{"includes", "lic", "Alice", true},
		{"includes", "xyz", "Alice", false},
	}
	for _, tc := range cases {
		expr := &planner.Expr{
			Kind: planner.ExprStringMethod, Method: tc.method,
			Left: field("name"),
			Args: []*planner.Expr{lit(tc.arg)},
		}
		payload := json.RawMessage(`{"name":"` + tc.value + `"}`)
		if got := Eval(expr, payload); got != tc.want {
			t.Fatalf("%s(%q) on %q = %v, want %v", tc.method, tc.arg, tc.value, got, tc.want)
		}
	}
}

func TestEvalArithmetic(t *testing.T) {
	expr := &planner.Expr{
		Kind: planner.ExprCompare, CompareOp: planner.OpGt,
		Left:  &planner.Expr{Kind: planner.ExprArith, ArithOp: '*', Left: field("qty"), Right: field("price")},
		Right: lit(float64(100)),
	}
	if !Eval(expr, json.RawMessage(`{"qty":10,"price":11}`)) {
		t.Fatal("expected 10*11 > 100 to match")
	}
	if Eval(expr, json.RawMessage(`{"qty":2,"price":3}`)) {
		t.Fatal("expected 2*3 > 100 to not match")
	}
}

func TestEvalArithDivisionByZeroFailsClosed(t *testing.T) {
	expr := &planner.Expr{
		Kind: planner.ExprCompare, CompareOp: planner.OpEq,
		Left:  &planner.Expr{Kind: planner.ExprArith, ArithOp: '/', Left: field("a"), Right: field("b")},
		Right: lit(float64(1)),
	}
	if Eval(expr, json.RawMessage(`{"a":5,"b":0}`)) {
		t.Fatal("division by zero must fail closed, never match")
	}
}

func TestEvalResidualAlwaysFailsClosed(t *testing.T) {
	expr := &planner.Expr{Kind: planner.ExprResidual, Residual: "r.tags.indexOf('x') >= 0"}
	if Eval(expr, json.RawMessage(`{"tags":["x"]}`)) {
		t.Fatal("a residual node must never be satisfied by the evaluator itself")
	}
}

func TestEvalMalformedPayloadFailsClosed(t *testing.T) {
	expr := &planner.Expr{Kind: planner.ExprCompare, CompareOp: planner.OpEq, Left: field("a"), Right: lit(float64(1))}
	if Eval(expr, json.RawMessage(`not json`)) {
		t.Fatal("malformed payload must fail closed")
	}
}
