package mapper

import "testing"

func TestNormalizeKey(t *testing.T) {
	cases := map[string]string{
		"projectId":       "project_id",
		"ProjectID":       "project_id",
		"Project Id":      "project_id",
		"project-id":      "project_id",
		"HTTPStatusCode":  "http_status_code",
		"  estimated_hrs": "estimated_hrs",
	}
	for in, want := range cases {
		if got := normalizeKey(in); got != want {
			t.Fatalf("normalizeKey(%q): expected %q, got %q", in, want, got)
		}
	}
}

func TestParseDecimal(t *testing.T) {
	cases := map[string]float64{
		"12.5":        12.5,
		"12,5":        12.5,
		"R$ 1.234,56": 1234.56,
		"40%":         40,
	}
	for in, want := range cases {
		got, ok := parseDecimal(in)
		if !ok || got != want {
			t.Fatalf("parseDecimal(%q): expected %v, got %v (ok=%v)", in, want, got, ok)
		}
	}
	if _, ok := parseDecimal("abc"); ok {
		t.Fatalf("expected abc to be rejected")
	}
}

func TestFoldEnumStripsAccents(t *testing.T) {
	if got := foldEnum(" Concluído "); got != "concluido" {
		t.Fatalf("expected concluido, got %q", got)
	}
	if got := foldEnum("Em Revisão"); got != "em_revisao" {
		t.Fatalf("expected em_revisao, got %q", got)
	}
}

func TestToIDListFormats(t *testing.T) {
	if got := toIDList("{a,b,\"c\"}"); len(got) != 3 || got[2] != "c" {
		t.Fatalf("unexpected postgres array parse: %v", got)
	}
	if got := toIDList("a, b ,a"); len(got) != 2 || got[1] != "b" {
		t.Fatalf("unexpected comma list parse: %v", got)
	}
	if got := toIDList([]any{map[string]any{"id": float64(3)}, "4"}); len(got) != 2 || got[0] != "3" {
		t.Fatalf("unexpected embedded list parse: %v", got)
	}
}

func TestToBool(t *testing.T) {
	for _, in := range []any{"sim", "Ativo", "t", float64(1), true} {
		if got, ok := toBool(in); !ok || !got {
			t.Fatalf("expected %v to be true", in)
		}
	}
	if got, ok := toBool("não"); !ok || got {
		t.Fatalf("expected não to be false")
	}
}
