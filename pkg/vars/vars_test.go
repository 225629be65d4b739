package vars

import (
	"reflect"
	"testing"
)

func TestRenderMergesOverrides(t *testing.T) {
	ctx := NewContext(
		map[string]string{"dir": "/var/www", "branch": "main"},
		map[string]string{"branch": "hotfix"},
	)
	got, err := ctx.Render("git -C {{ dir }} checkout {{ branch }}")
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	want := "git -C /var/www checkout hotfix"
	if got != want {
		t.Errorf("rendered = %q, want %q", got, want)
	}
}

func TestRenderUnsetVariableIsEmpty(t *testing.T) {
	ctx := NewContext(nil, nil)
	got, err := ctx.Render("echo {{ missing }}!")
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if got != "echo !" {
		t.Errorf("rendered = %q, want %q", got, "echo !")
	}
}

func TestRenderWithoutVariablesIsUntouched(t *testing.T) {
	ctx := NewContext(nil, nil)
	got, err := ctx.Render("uptime")
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if got != "uptime" {
		t.Errorf("rendered = %q, want %q", got, "uptime")
	}
}

func TestRenderQuotedWrapsAndEscapes(t *testing.T) {
	ctx := NewContext(map[string]string{"note": "line1\nline2"}, nil)
	got, err := ctx.RenderQuoted("{{ note }}")
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	want := `"line1\nline2"`
	if got != want {
		t.Errorf("rendered = %q, want %q", got, want)
	}
}

func TestExtractVariables(t *testing.T) {
	got := ExtractVariables("cp {{ src }} {{dest}} && chown {{ src }}")
	want := []string{"src", "dest"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("variables = %v, want %v", got, want)
	}
}

func TestEvalCondition(t *testing.T) {
	ctx := NewContext(map[string]string{"app_version": "16.0"}, nil)

	cases := []struct {
		condition string
		want      bool
	}{
		{"", true},
		{`{{ app_version }} == "16.0"`, true},
		{`{{ app_version }} == "17.0"`, false},
		{`{{ missing }} == ""`, true},
	}
	for _, tc := range cases {
		got, err := ctx.EvalCondition(tc.condition)
		if err != nil {
			t.Errorf("condition %q: %v", tc.condition, err)
			continue
		}
		if got != tc.want {
			t.Errorf("condition %q = %v, want %v", tc.condition, got, tc.want)
		}
	}
}

func TestEvalConditionNonBool(t *testing.T) {
	ctx := NewContext(nil, nil)
	if _, err := ctx.EvalCondition("1 + 1"); err == nil {
		t.Error("expected error for non-bool condition")
	}
}

func TestEvalComparison(t *testing.T) {
	cases := []struct {
		exit  int
		op    string
		value int
		want  bool
	}{
		{0, "==", 0, true},
		{1, "==", 0, false},
		{1, "!=", 0, true},
		{2, ">", 1, true},
		{2, ">=", 2, true},
		{-1, "<", 0, true},
		{0, "<=", 0, true},
	}
	for _, tc := range cases {
		got, err := EvalComparison(tc.exit, tc.op, tc.value)
		if err != nil {
			t.Errorf("%d %s %d: %v", tc.exit, tc.op, tc.value, err)
			continue
		}
		if got != tc.want {
			t.Errorf("%d %s %d = %v, want %v", tc.exit, tc.op, tc.value, got, tc.want)
		}
	}
}

func TestEvalComparisonUnknownOperator(t *testing.T) {
	if _, err := EvalComparison(0, "~=", 0); err == nil {
		t.Error("expected error for unknown operator")
	}
}
