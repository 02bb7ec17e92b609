package keyword

import (
	"context"
	"testing"

	"oxdaily/internal/plugin"
)

func TestProcess(t *testing.T) {
	t.Parallel()
	items := []plugin.Item{
		{"title": "Go 1.22 released", "content": "range over func"},
		{"title": "Rust 2024 edition", "url": "https://blog.rust-lang.org"},
		{"title": "GoLang and Rust interop"},
		{"name": "no title key", "description": "golang tips"},
	}

	tests := []struct {
		name   string
		params plugin.Params
		want   []int
	}{
		{"no keywords keeps all", nil, []int{0, 1, 2, 3}},
		{"empty keyword list keeps all", plugin.Params{"keywords": []any{}}, []int{0, 1, 2, 3}},
		{"any match, case folded", plugin.Params{"keywords": []any{"GOLANG"}}, []int{2, 3}},
		{"any of several", plugin.Params{"keywords": []any{"rust", "range"}}, []int{0, 1, 2}},
		{"match all", plugin.Params{"keywords": []any{"golang", "rust"}, "match_all": true}, []int{2}},
		{"case sensitive", plugin.Params{"keywords": []any{"Go"}, "case_sensitive": true}, []int{0, 2}},
		{"matches url field", plugin.Params{"keywords": []any{"rust-lang"}}, []int{1}},
		{"no hits", plugin.Params{"keywords": []any{"python"}}, nil},
		{"duplicates and blanks", plugin.Params{"keywords": []any{"rust", "RUST", ""}, "match_all": true}, []int{1, 2}},
	}
	for _, tt := range tests {
		got, err := New().Process(context.Background(), items, tt.params)
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if len(got) != len(tt.want) {
			t.Fatalf("%s: got %d items %v, want %v", tt.name, len(got), got, tt.want)
		}
		for i, idx := range tt.want {
			if got[i]["title"] != items[idx]["title"] || got[i]["name"] != items[idx]["name"] {
				t.Fatalf("%s: item %d = %v, want %v", tt.name, i, got[i], items[idx])
			}
		}
	}
}

func TestProcessEmptyInputAndBadParams(t *testing.T) {
	t.Parallel()
	got, err := New().Process(context.Background(), nil, plugin.Params{"keywords": []any{"x"}})
	if err != nil || len(got) != 0 {
		t.Fatalf("empty input = %v, %v", got, err)
	}
	if _, err := New().Process(context.Background(), []plugin.Item{{"title": "x"}}, plugin.Params{"keywords": "x"}); err == nil {
		t.Fatalf("string keywords should fail to decode")
	}
}

func TestKeywordDoesNotSpanFields(t *testing.T) {
	t.Parallel()
	items := []plugin.Item{{"a": "go", "b": "lang"}}
	got, _ := New().Process(context.Background(), items, plugin.Params{"keywords": []any{"golang"}})
	if len(got) != 0 {
		t.Fatalf("keyword matched across fields: %v", got)
	}
}
