// Package githubtrending scrapes the GitHub trending page.
package githubtrending

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"oxdaily/internal/plugin"

	"github.com/PuerkitoBio/goquery"
)

const (
	Name           = "github_trending"
	DefaultBaseURL = "https://github.com"

	userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"
)

type Params struct {
	TimeRange string `json:"time_range"` // daily | weekly | monthly
	Language  string `json:"language"`
	Limit     int    `json:"limit"`
}

func (p Params) since() (string, error) {
	switch r := strings.ToLower(strings.TrimSpace(p.TimeRange)); r {
	case "":
		return "daily", nil
	case "daily", "weekly", "monthly":
		return r, nil
	default:
		return "", fmt.Errorf("time_range must be daily, weekly or monthly, got %q", p.TimeRange)
	}
}

type Source struct {
	BaseURL string
	Client  *http.Client
}

func New() *Source {
	return &Source{
		BaseURL: DefaultBaseURL,
		Client:  &http.Client{Timeout: 20 * time.Second},
	}
}

func (s *Source) pageURL(p Params) (string, error) {
	since, err := p.since()
	if err != nil {
		return "", err
	}
	base := strings.TrimRight(s.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	u := base + "/trending"
	if lang := strings.TrimSpace(p.Language); lang != "" {
		u += "/" + url.PathEscape(strings.ToLower(lang))
	}
	return u + "?since=" + since, nil
}

func (s *Source) Fetch(ctx context.Context, params plugin.Params) ([]plugin.Item, error) {
	p, err := plugin.DecodeParams[Params](params)
	if err != nil {
		return nil, err
	}
	u, err := s.pageURL(p)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html")

	hc := s.Client
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("github trending: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, fmt.Errorf("github trending: HTTP %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("github trending: parse: %w", err)
	}
	items := parse(doc, s.BaseURL)
	if p.Limit > 0 && len(items) > p.Limit {
		items = items[:p.Limit]
	}
	return items, nil
}

func parse(doc *goquery.Document, base string) []plugin.Item {
	base = strings.TrimRight(base, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	var out []plugin.Item
	doc.Find("article.Box-row").Each(func(_ int, row *goquery.Selection) {
		it := plugin.Item{}
		if a := row.Find("h2.h3 a").First(); a.Length() > 0 {
			// "owner /\n  repo" -> "owner/repo"
			it["title"] = strings.Join(strings.Fields(a.Text()), "")
			if href, ok := a.Attr("href"); ok {
				if strings.HasPrefix(href, "http") {
					it["url"] = href
				} else {
					it["url"] = base + href
				}
			}
		}
		it["description"] = text(row.Find("p").First())
		it["language"] = text(row.Find(`span[itemprop="programmingLanguage"]`).First())
		it["stars"] = textOr(row.Find(`a[href*="stargazers"]`).First(), "0")
		it["forks"] = textOr(row.Find(`a[href*="forks"]`).First(), "0")
		it["today_stars"] = textOr(row.Find("span.d-inline-block.float-sm-right").First(), "0")
		it["content"] = content(it)
		out = append(out, it)
	})
	return out
}

func content(it plugin.Item) string {
	stats := fmt.Sprintf("Stars: %s | Forks: %s | %s", it["stars"], it["forks"], it["today_stars"])
	if lang := it["language"]; lang != "" {
		stats = "Language: " + lang + " | " + stats
	}
	if d := it["description"]; d != "" {
		return d + "\n\n" + stats
	}
	return stats
}

func text(s *goquery.Selection) string {
	return strings.Join(strings.Fields(s.Text()), " ")
}

func textOr(s *goquery.Selection, def string) string {
	if t := text(s); t != "" {
		return t
	}
	return def
}
