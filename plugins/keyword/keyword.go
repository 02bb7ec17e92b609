// Package keyword filters items by keyword hits in any of their fields.
package keyword

import (
	"context"
	"strings"

	"oxdaily/internal/plugin"

	"github.com/cloudflare/ahocorasick"
)

const Name = "keyword_match"

type Params struct {
	Keywords      []string `json:"keywords"`
	MatchAll      bool     `json:"match_all"`
	CaseSensitive bool     `json:"case_sensitive"`
}

// fieldSep keeps a keyword from matching across two field values.
const fieldSep = "\x00"

type Processor struct{}

func New() Processor { return Processor{} }

// Process keeps items whose string fields contain any keyword (all of them
// with match_all). An empty keyword list returns the input unchanged.
func (Processor) Process(_ context.Context, items []plugin.Item, params plugin.Params) ([]plugin.Item, error) {
	if len(items) == 0 {
		return items, nil
	}
	p, err := plugin.DecodeParams[Params](params)
	if err != nil {
		return nil, err
	}
	keywords := normalize(p.Keywords, p.CaseSensitive)
	if len(keywords) == 0 {
		return items, nil
	}

	// Not safe for concurrent Match calls; scoped to this call.
	m := ahocorasick.NewStringMatcher(keywords)
	out := make([]plugin.Item, 0, len(items))
	for _, it := range items {
		hits := m.Match([]byte(haystack(it, p.CaseSensitive)))
		keep := len(hits) > 0
		if p.MatchAll {
			keep = distinct(hits) == len(keywords)
		}
		if keep {
			out = append(out, it)
		}
	}
	return out, nil
}

func normalize(in []string, caseSensitive bool) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, k := range in {
		if !caseSensitive {
			k = strings.ToLower(k)
		}
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}

func haystack(it plugin.Item, caseSensitive bool) string {
	var b strings.Builder
	for _, v := range it {
		b.WriteString(v)
		b.WriteString(fieldSep)
	}
	if caseSensitive {
		return b.String()
	}
	return strings.ToLower(b.String())
}

func distinct(hits []int) int {
	seen := make(map[int]struct{}, len(hits))
	for _, h := range hits {
		seen[h] = struct{}{}
	}
	return len(seen)
}
