// Package detail extracts a records.Detail from a city detail page.
//
// The page is expected to carry:
//
//	h1.city-name                         city name
//	[data-rank] or .rank                 listing rank ("#3")
//	.breadcrumb a[data-type=region]      region
//	.breadcrumb a[data-type=country]     country
//	.tab-scores, .tab-digital-nomad-guide, .tab-cost-of-living
//	                                     tr > td.key + td.value[data-value] (.filling, a[href])
//	.tab-weather table.climate           header row of month labels, one row per attribute
//	.tab-photos img                      src or data-src
//	.tab-pros-cons .pro / .con
//	.tab-reviews .review-text
//	.tab-near, .tab-next, .tab-similar   li[data-type=city] .name
package detail

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/otherjamesbrown/nls/pkg/logging"
	"github.com/otherjamesbrown/nls/pkg/lookup"
	"github.com/otherjamesbrown/nls/pkg/records"
)

// ErrNoData signals a well-formed page that holds nothing worth persisting.
var ErrNoData = errors.New("no city data on page")

var categoryTabs = []struct {
	selector string
	name     string
}{
	{".tab-scores", records.CategoryScores},
	{".tab-digital-nomad-guide", records.CategoryGuide},
	{".tab-cost-of-living", records.CategoryCostOfLiving},
}

// Extractor parses detail pages. The zero value is usable; BaseURL, when set,
// resolves relative links and image sources.
type Extractor struct {
	BaseURL *url.URL
	// Logger receives reference lookup failures. Nil discards them.
	Logger logging.Logger
}

// New returns an extractor resolving relative links against base. An empty base
// leaves links as found.
func New(base string) (*Extractor, error) {
	if base == "" {
		return &Extractor{}, nil
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid base url %q: %w", base, err)
	}
	return &Extractor{BaseURL: u}, nil
}

// Extract parses markup. It returns ErrNoData when the page has no city name or no
// content, and an error when a named city lacks its region or country.
func (e *Extractor) Extract(ctx context.Context, markup []byte, ref lookup.Lookup) (*records.Detail, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(markup))
	if err != nil {
		return nil, fmt.Errorf("parse detail page: %w", err)
	}

	name := text(doc.Find("h1.city-name").First())
	if name == "" {
		return nil, ErrNoData
	}

	d := &records.Detail{
		Name:    name,
		Region:  text(doc.Find(".breadcrumb a[data-type=region]").First()),
		Country: text(doc.Find(".breadcrumb a[data-type=country]").First()),
		Rank:    rank(doc),
	}

	for _, tab := range categoryTabs {
		cat := e.category(doc.Find(tab.selector))
		switch tab.name {
		case records.CategoryScores:
			d.Scores = cat
		case records.CategoryGuide:
			d.Guide = cat
		case records.CategoryCostOfLiving:
			d.CostOfLiving = cat
		}
	}
	d.Weather = weather(doc.Find(".tab-weather table.climate").First())
	d.Photos = e.photos(doc.Find(".tab-photos img"))
	d.Pros = texts(doc.Find(".tab-pros-cons .pro"))
	d.Cons = texts(doc.Find(".tab-pros-cons .con"))
	d.Reviews = texts(doc.Find(".tab-reviews .review-text"))
	d.Related = records.Related{
		Near:    texts(doc.Find(".tab-near li[data-type=city] .name")),
		Next:    texts(doc.Find(".tab-next li[data-type=city] .name")),
		Similar: texts(doc.Find(".tab-similar li[data-type=city] .name")),
	}

	if empty(d) {
		return nil, ErrNoData
	}
	if d.Region == "" || d.Country == "" {
		return nil, fmt.Errorf("detail page for %q has no region/country breadcrumb", name)
	}

	e.canonicalize(ctx, d, ref)
	return d, nil
}

// canonicalize rewrites country and city names, related cities included, to their
// reference spelling. Lookup failures leave the page's spelling in place.
func (e *Extractor) canonicalize(ctx context.Context, d *records.Detail, ref lookup.Lookup) {
	if ref == nil {
		return
	}
	countries, err := ref.Countries(ctx)
	if err != nil {
		e.logger().Warn("Country lookup failed; keeping page spelling",
			logging.F("city", d.Name), logging.Err(err))
	} else {
		d.Country = lookup.Canonical(countries, d.Country)
	}

	cities, err := ref.Cities(ctx)
	if err != nil {
		e.logger().Warn("City lookup failed; keeping page spelling",
			logging.F("city", d.Name), logging.Err(err))
		return
	}
	d.Name = lookup.Canonical(cities, d.Name)
	d.Related = records.Related{
		Near:    canonicalList(cities, d.Related.Near),
		Next:    canonicalList(cities, d.Related.Next),
		Similar: canonicalList(cities, d.Related.Similar),
	}
}

func canonicalList(set map[string]struct{}, names []string) []string {
	if names == nil {
		return nil
	}
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = lookup.Canonical(set, n)
	}
	return out
}

func (e *Extractor) logger() logging.Logger {
	if e.Logger == nil {
		return logging.NewNopLogger()
	}
	return e.Logger
}

func (e *Extractor) category(tab *goquery.Selection) records.Category {
	if tab.Length() == 0 {
		return nil
	}
	cat := records.Category{}
	tab.Find("tr").Each(func(_ int, tr *goquery.Selection) {
		key := text(tr.Find("td.key").First())
		cell := tr.Find("td.value").First()
		if key == "" || cell.Length() == 0 {
			return
		}
		value, description := cellValue(cell)
		av := records.AttributeValue{Value: value, Description: description}
		if href, ok := cell.Find("a[href]").First().Attr("href"); ok && strings.TrimSpace(href) != "" {
			link := e.resolve(href)
			av.URL = &link
		}
		cat[key] = av
	})
	if len(cat) == 0 {
		return nil
	}
	return cat
}

// cellValue reads a value cell. A data-value attribute (on the cell or a nested
// rating) is the value and the visible label its description; otherwise the
// visible text is the value.
func cellValue(cell *goquery.Selection) (value, description string) {
	label := text(cell.Find(".filling").First())
	if v, ok := cell.Attr("data-value"); ok {
		value = strings.TrimSpace(v)
	} else if v, ok := cell.Find("[data-value]").First().Attr("data-value"); ok {
		value = strings.TrimSpace(v)
	}
	if value == "" {
		value = text(cell)
		if label != "" && label != value {
			description = label
		}
		return value, description
	}
	if label == "" {
		label = text(cell)
	}
	if label != value {
		description = label
	}
	return value, description
}

func weather(table *goquery.Selection) records.MonthlySeries {
	if table.Length() == 0 {
		return nil
	}
	var labels []string
	series := records.MonthlySeries{}
	table.Find("tr").Each(func(_ int, tr *goquery.Selection) {
		if tr.Find("th").Length() > 0 && tr.Find("td.key").Length() == 0 {
			tr.Find("th").Each(func(i int, th *goquery.Selection) {
				if i > 0 {
					labels = append(labels, text(th))
				}
			})
			return
		}
		key := text(tr.Find("td.key").First())
		if key == "" {
			return
		}
		var months []records.MonthlyValue
		tr.Find("td.value").Each(func(i int, td *goquery.Selection) {
			if i >= records.MonthsPerYear {
				return
			}
			value, description := cellValue(td)
			mv := records.MonthlyValue{Value: value, Description: description}
			if i < len(labels) {
				mv.Label = labels[i]
			}
			months = append(months, mv)
		})
		if len(months) > 0 {
			series[key] = months
		}
	})
	if len(series) == 0 {
		return nil
	}
	return series
}

func (e *Extractor) photos(imgs *goquery.Selection) []string {
	var out []string
	imgs.Each(func(_ int, img *goquery.Selection) {
		src, ok := img.Attr("data-src")
		if !ok || strings.TrimSpace(src) == "" {
			src, _ = img.Attr("src")
		}
		if src = strings.TrimSpace(src); src != "" {
			out = append(out, e.resolve(src))
		}
	})
	return out
}

func (e *Extractor) resolve(ref string) string {
	ref = strings.TrimSpace(ref)
	if e.BaseURL == nil {
		return ref
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return e.BaseURL.ResolveReference(u).String()
}

func rank(doc *goquery.Document) int {
	if v, ok := doc.Find("[data-rank]").First().Attr("data-rank"); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	raw := strings.TrimPrefix(text(doc.Find(".rank").First()), "#")
	if n, err := strconv.Atoi(raw); err == nil {
		return n
	}
	return 0
}

func empty(d *records.Detail) bool {
	return len(d.Scores) == 0 && len(d.Guide) == 0 && len(d.CostOfLiving) == 0 &&
		len(d.Weather) == 0 && len(d.Photos) == 0 && len(d.Pros) == 0 && len(d.Cons) == 0 &&
		len(d.Reviews) == 0 && len(d.Related.Names()) == 0
}

func text(s *goquery.Selection) string {
	return records.NormalizeName(s.Text())
}

func texts(s *goquery.Selection) []string {
	var out []string
	s.Each(func(_ int, el *goquery.Selection) {
		if t := text(el); t != "" {
			out = append(out, t)
		}
	})
	return out
}
