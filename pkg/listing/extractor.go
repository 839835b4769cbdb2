// Package listing turns the rendered city listing into fetch references.
//
// Every city is an li[data-type=city] carrying data-slug and optionally
// data-rank, an a[href] to its detail page and its name in .name (or h2).
// A city without a link gets BaseURL/<slug>.
package listing

import (
	"bytes"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/otherjamesbrown/nls/pkg/fetch"
	"github.com/otherjamesbrown/nls/pkg/records"
)

// Extractor parses listing markup.
type Extractor struct {
	BaseURL *url.URL
}

// NewExtractor returns an extractor resolving detail links against base.
func NewExtractor(base string) (*Extractor, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid listing base url %q: %w", base, err)
	}
	return &Extractor{BaseURL: u}, nil
}

// Extract returns the cities in listing order. Entries are returned as found;
// incomplete ones are left for the fetch orchestrator to filter.
func (e *Extractor) Extract(markup []byte) ([]fetch.EntityRef, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(markup))
	if err != nil {
		return nil, fmt.Errorf("parse listing page: %w", err)
	}

	var refs []fetch.EntityRef
	doc.Find("li[data-type=city]").Each(func(i int, li *goquery.Selection) {
		slug := strings.TrimSpace(li.AttrOr("data-slug", ""))
		name := records.NormalizeName(li.Find(".name").First().Text())
		if name == "" {
			name = records.NormalizeName(li.Find("h2").First().Text())
		}

		ref := fetch.EntityRef{Name: name, Slug: slug, Rank: i + 1}
		if v, ok := li.Attr("data-rank"); ok {
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				ref.Rank = n
			}
		}

		href := strings.TrimSpace(li.Find("a[href]").First().AttrOr("href", ""))
		if href == "" && slug != "" {
			href = "/" + slug
		}
		ref.URL = e.resolve(href)
		refs = append(refs, ref)
	})
	return refs, nil
}

func (e *Extractor) resolve(href string) string {
	if href == "" || e.BaseURL == nil {
		return href
	}
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	return e.BaseURL.ResolveReference(u).String()
}
