// Package query reads stored cities back out, filtered and sorted by their
// listing data and headline scores.
package query

import (
	"context"
	"fmt"
	"strings"

	pferrors "github.com/otherjamesbrown/nls/pkg/errors"
	"github.com/otherjamesbrown/nls/pkg/records"
	"github.com/otherjamesbrown/nls/pkg/store"
)

// Sort keys accepted by Filter.SortBy.
const (
	SortRank     = "rank"
	SortName     = "name"
	SortCountry  = "country"
	SortRegion   = "region"
	SortCost     = "cost"
	SortInternet = "internet"
	SortFun      = "fun"
	SortSafety   = "safety"
)

// SortKeys lists the valid sort keys in display order.
var SortKeys = []string{SortRank, SortName, SortCountry, SortRegion, SortCost, SortInternet, SortFun, SortSafety}

// Sort directions.
const (
	OrderAsc  = "asc"
	OrderDesc = "desc"
)

// Headline scores are Scores-category attributes whose name ends with these suffixes.
var scoreSuffixes = map[string]string{
	SortCost:     "Cost",
	SortInternet: "Internet",
	SortFun:      "Fun",
	SortSafety:   "Safety",
}

// Filter selects and orders cities.
type Filter struct {
	Country  string
	Region   string
	RankFrom int
	RankTo   int
	Limit    int
	SortBy   string
	Order    string
}

// Validate checks sort keys, directions and ranges.
func (f Filter) Validate() error {
	if f.SortBy != "" && !validSort(f.SortBy) {
		return fmt.Errorf("unknown sort key %q (use one of %s): %w", f.SortBy, strings.Join(SortKeys, ", "), pferrors.ErrValidation)
	}
	switch strings.ToLower(f.Order) {
	case "", OrderAsc, OrderDesc:
	default:
		return fmt.Errorf("unknown order %q (use asc or desc): %w", f.Order, pferrors.ErrValidation)
	}
	if f.RankFrom < 0 || f.RankTo < 0 || f.Limit < 0 {
		return fmt.Errorf("rank bounds and limit must not be negative: %w", pferrors.ErrValidation)
	}
	if f.RankFrom > 0 && f.RankTo > 0 && f.RankFrom > f.RankTo {
		return fmt.Errorf("rank-from %d is above rank-to %d: %w", f.RankFrom, f.RankTo, pferrors.ErrValidation)
	}
	return nil
}

func validSort(key string) bool {
	for _, k := range SortKeys {
		if k == key {
			return true
		}
	}
	return false
}

// City is one row of a filter result. Score fields hold the attribute's
// description, or its value when it has none.
type City struct {
	Rank     *int64 `json:"rank" yaml:"rank"`
	Name     string `json:"name" yaml:"name"`
	Country  string `json:"country" yaml:"country"`
	Region   string `json:"region" yaml:"region"`
	Cost     string `json:"cost,omitempty" yaml:"cost,omitempty"`
	Internet string `json:"internet,omitempty" yaml:"internet,omitempty"`
	Fun      string `json:"fun,omitempty" yaml:"fun,omitempty"`
	Safety   string `json:"safety,omitempty" yaml:"safety,omitempty"`
}

// Cities runs f against a SQL store. Only cities anchored to a country and region
// are returned; ties sort by name.
func Cities(ctx context.Context, q store.RowQuerier, f Filter) ([]City, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	sql, args := Build(q.Placeholder, f)
	rows, err := q.QueryRows(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("filter cities: %w", err)
	}

	out := make([]City, 0, len(rows))
	for _, r := range rows {
		c := City{
			Name:     asString(r["city"]),
			Country:  asString(r["country"]),
			Region:   asString(r["region"]),
			Cost:     asString(r["cost"]),
			Internet: asString(r["internet"]),
			Fun:      asString(r["fun"]),
			Safety:   asString(r["safety"]),
		}
		if rank, ok := store.Normalize(r["city_rank"]).(int64); ok {
			c.Rank = &rank
		}
		out = append(out, c)
	}
	return out, nil
}

// Build renders the filter query with the store's placeholders.
func Build(placeholder func(int) string, f Filter) (string, []any) {
	var (
		b     strings.Builder
		where []string
		args  []any
	)
	bind := func(v any) string {
		args = append(args, v)
		return placeholder(len(args))
	}

	b.WriteString("SELECT c.name AS city, c.city_rank AS city_rank, co.name AS country, r.name AS region")
	for _, key := range []string{SortCost, SortInternet, SortFun, SortSafety} {
		fmt.Fprintf(&b, ",\n  MAX(CASE WHEN %s THEN COALESCE(ca.description, ca.attribute_value) END) AS %s",
			scoreMatch(key), key)
	}
	b.WriteString(`
FROM cities c
JOIN countries co ON c.country_id = co.id
JOIN regions r ON co.region_id = r.id
LEFT JOIN city_attributes ca ON ca.city_id = c.id
LEFT JOIN attributes a ON ca.attribute_id = a.id
LEFT JOIN categories cat ON a.category_id = cat.id`)

	if f.Country != "" {
		where = append(where, "LOWER(co.name) = LOWER("+bind(records.NormalizeName(f.Country))+")")
	}
	if f.Region != "" {
		where = append(where, "LOWER(r.name) = LOWER("+bind(records.NormalizeName(f.Region))+")")
	}
	if f.RankFrom > 0 {
		where = append(where, "c.city_rank >= "+bind(f.RankFrom))
	}
	if f.RankTo > 0 {
		where = append(where, "c.city_rank <= "+bind(f.RankTo))
	}
	if len(where) > 0 {
		b.WriteString("\nWHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}

	b.WriteString("\nGROUP BY c.id, c.name, c.city_rank, co.name, r.name")

	dir := "ASC"
	if strings.EqualFold(f.Order, OrderDesc) {
		dir = "DESC"
	}
	expr := sortExpr(f.SortBy)
	// NULLs last in both directions on every dialect.
	fmt.Fprintf(&b, "\nORDER BY (%s IS NULL), %s %s, c.name ASC", expr, expr, dir)

	if f.Limit > 0 {
		b.WriteString("\nLIMIT " + bind(f.Limit))
	}
	return b.String(), args
}

func scoreMatch(key string) string {
	return fmt.Sprintf("cat.name = '%s' AND a.name LIKE '%%%s'", records.CategoryScores, scoreSuffixes[key])
}

func sortExpr(key string) string {
	switch key {
	case SortName:
		return "c.name"
	case SortCountry:
		return "co.name"
	case SortRegion:
		return "r.name"
	case SortCost, SortInternet, SortFun, SortSafety:
		return fmt.Sprintf("MAX(CASE WHEN %s THEN ca.numeric_value END)", scoreMatch(key))
	default:
		return "c.city_rank"
	}
}

func asString(v any) string {
	switch x := store.Normalize(v).(type) {
	case nil:
		return ""
	case string:
		return x
	default:
		return fmt.Sprint(x)
	}
}
