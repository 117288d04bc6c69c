package filter

import (
	"strings"
	"testing"
)

func mustCompile(t *testing.T, expr string) *Filter {
	t.Helper()
	f, err := Compile(expr)
	if err != nil {
		t.Fatalf("unexpected compile error: %v", err)
	}
	return f
}

func mustEval(t *testing.T, f *Filter, env Env) bool {
	t.Helper()
	ok, err := f.Eval(env)
	if err != nil {
		t.Fatalf("unexpected eval error: %v", err)
	}
	return ok
}

func TestEmptyExpressionAcceptsEverything(t *testing.T) {
	f := mustCompile(t, "")
	if !mustEval(t, f, Env{EventType: "order.created"}) {
		t.Fatal("expected empty filter to accept")
	}
}

func TestNumericComparison(t *testing.T) {
	f := mustCompile(t, `{"field": "data.amount", "op": "gt", "value": 100}`)

	if !mustEval(t, f, Env{Data: map[string]any{"amount": float64(150)}}) {
		t.Fatal("expected 150 > 100 to pass")
	}
	if mustEval(t, f, Env{Data: map[string]any{"amount": float64(50)}}) {
		t.Fatal("expected 50 > 100 to fail")
	}
	if mustEval(t, f, Env{Data: map[string]any{"amount": float64(100)}}) {
		t.Fatal("expected 100 > 100 to fail")
	}
}

func TestEqualityAcrossNumericTypes(t *testing.T) {
	f := mustCompile(t, `{"field": "data.count", "op": "eq", "value": 3}`)

	if !mustEval(t, f, Env{Data: map[string]any{"count": float64(3)}}) {
		t.Fatal("expected int literal to match float payload value")
	}
}

func TestNestedFieldPath(t *testing.T) {
	f := mustCompile(t, `{"field": "data.customer.tier", "op": "eq", "value": "gold"}`)

	env := Env{Data: map[string]any{"customer": map[string]any{"tier": "gold"}}}
	if !mustEval(t, f, env) {
		t.Fatal("expected nested path to resolve")
	}
}

func TestMissingFieldSemantics(t *testing.T) {
	env := Env{Data: map[string]any{}}

	if mustEval(t, mustCompile(t, `{"field": "data.absent", "op": "eq", "value": 1}`), env) {
		t.Fatal("expected eq on missing field to fail")
	}
	if !mustEval(t, mustCompile(t, `{"field": "data.absent", "op": "ne", "value": 1}`), env) {
		t.Fatal("expected ne on missing field to pass")
	}
	if mustEval(t, mustCompile(t, `{"field": "data.absent", "op": "exists"}`), env) {
		t.Fatal("expected exists on missing field to fail")
	}
}

func TestInOperator(t *testing.T) {
	f := mustCompile(t, `{"field": "data.status", "op": "in", "value": ["active", "trial"]}`)

	if !mustEval(t, f, Env{Data: map[string]any{"status": "trial"}}) {
		t.Fatal("expected membership to pass")
	}
	if mustEval(t, f, Env{Data: map[string]any{"status": "churned"}}) {
		t.Fatal("expected non-membership to fail")
	}
}

func TestContainsOnStringAndArray(t *testing.T) {
	f := mustCompile(t, `{"field": "data.tags", "op": "contains", "value": "vip"}`)

	if !mustEval(t, f, Env{Data: map[string]any{"tags": []any{"new", "vip"}}}) {
		t.Fatal("expected array membership to pass")
	}
	if !mustEval(t, f, Env{Data: map[string]any{"tags": "vip-customer"}}) {
		t.Fatal("expected substring match to pass")
	}
}

func TestCombinators(t *testing.T) {
	f := mustCompile(t, `{"all": [
		{"field": "event_type", "op": "eq", "value": "order.created"},
		{"any": [
			{"field": "data.amount", "op": "gte", "value": 1000},
			{"field": "metadata.priority", "op": "eq", "value": "high"}
		]}
	]}`)

	match := Env{
		EventType: "order.created",
		Data:      map[string]any{"amount": float64(50)},
		Metadata:  map[string]string{"priority": "high"},
	}
	if !mustEval(t, f, match) {
		t.Fatal("expected high-priority order to pass")
	}

	miss := Env{EventType: "order.created", Data: map[string]any{"amount": float64(50)}}
	if mustEval(t, f, miss) {
		t.Fatal("expected small normal order to fail")
	}
}

func TestNot(t *testing.T) {
	f := mustCompile(t, `{"not": {"field": "data.test", "op": "eq", "value": true}}`)

	if mustEval(t, f, Env{Data: map[string]any{"test": true}}) {
		t.Fatal("expected negation to reject test events")
	}
	if !mustEval(t, f, Env{Data: map[string]any{"test": false}}) {
		t.Fatal("expected negation to pass non-test events")
	}
}

func TestMetadataAndTopLevelFields(t *testing.T) {
	f := mustCompile(t, `{"field": "metadata.region", "op": "eq", "value": "eu"}`)
	if !mustEval(t, f, Env{Metadata: map[string]string{"region": "eu"}}) {
		t.Fatal("expected metadata lookup to pass")
	}

	f = mustCompile(t, `{"field": "correlation_id", "op": "exists"}`)
	if !mustEval(t, f, Env{CorrelationID: "abc"}) {
		t.Fatal("expected correlation id lookup to pass")
	}
}

func TestCompileErrors(t *testing.T) {
	cases := []struct {
		name string
		expr string
		want string
	}{
		{"bad json", `{`, "invalid filter expression"},
		{"no field", `{"op": "eq", "value": 1}`, "requires a \"field\""},
		{"bad op", `{"field": "data.x", "op": "between", "value": 1}`, "unsupported filter operator"},
		{"bad root", `{"field": "payload.x", "op": "eq", "value": 1}`, "must start with"},
		{"missing value", `{"field": "data.x", "op": "eq"}`, "requires a \"value\""},
		{"in without array", `{"field": "data.x", "op": "in", "value": 1}`, "requires an array"},
		{"empty all", `{"all": []}`, "non-empty array"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Compile(tc.expr)
			if err == nil {
				t.Fatalf("expected compile error for %s", tc.expr)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestOrderedComparisonOnNonNumericErrors(t *testing.T) {
	f := mustCompile(t, `{"field": "data.amount", "op": "gt", "value": 10}`)

	_, err := f.Eval(Env{Data: map[string]any{"amount": "plenty"}})
	if err == nil {
		t.Fatal("expected eval error on non-numeric operand")
	}
}
