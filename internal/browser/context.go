package browser

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// contextMeta lists the meta tags copied into a page's ping context.
var contextMeta = map[string]bool{
	"description":            true,
	"author":                 true,
	"keywords":               true,
	"og:type":                true,
	"og:site_name":           true,
	"article:section":        true,
	"article:author":         true,
	"article:published_time": true,
}

// PageContext extracts the ping context from a rendered document: its
// language, canonical URL and a fixed set of meta tags. Missing pieces are
// left out.
func PageContext(htmlContent string) (map[string]any, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlContent))
	if err != nil {
		return nil, err
	}

	ctx := make(map[string]any)
	if lang, ok := doc.Find("html").First().Attr("lang"); ok && lang != "" {
		ctx["lang"] = lang
	}
	if href, ok := doc.Find(`link[rel="canonical"]`).First().Attr("href"); ok && href != "" {
		ctx["canonical"] = href
	}

	meta := make(map[string]any)
	doc.Find("meta").Each(func(i int, s *goquery.Selection) {
		name, _ := s.Attr("name")
		property, _ := s.Attr("property")
		content, _ := s.Attr("content")
		key := name
		if property != "" {
			key = property
		}
		if contextMeta[key] && content != "" {
			meta[key] = strings.TrimSpace(content)
		}
	})
	if len(meta) > 0 {
		ctx["meta"] = meta
	}
	return ctx, nil
}
