// Package records defines the canonical city detail record produced by the
// detail extractor and consumed by the upsert engine.
package records

import (
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"

	pferrors "github.com/otherjamesbrown/nls/pkg/errors"
)

// Fixed category names. Attribute names inside a category are discovered from content.
const (
	CategoryScores       = "Scores"
	CategoryGuide        = "Digital Nomad Guide"
	CategoryCostOfLiving = "Cost of Living"
	CategoryWeather      = "Weather"
)

// Relationship types stored in city_relationships.relation_type.
const (
	RelationNear    = "near"
	RelationNext    = "next"
	RelationSimilar = "similar"
)

// MonthsPerYear bounds a monthly series.
const MonthsPerYear = 12

// AttributeValue is one named metric of a city inside a category.
type AttributeValue struct {
	Value       string  `json:"value" yaml:"value"`
	Description string  `json:"description,omitempty" yaml:"description,omitempty"`
	URL         *string `json:"url,omitempty" yaml:"url,omitempty"`
}

// Category maps attribute name to value.
type Category map[string]AttributeValue

// MonthlyValue is one month of a monthly attribute.
type MonthlyValue struct {
	Label       string `json:"label" yaml:"label"`
	Value       string `json:"value" yaml:"value"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// MonthlySeries maps attribute name to up to twelve monthly values; index i is month i+1.
type MonthlySeries map[string][]MonthlyValue

// Related holds the names of cities linked from a detail page.
type Related struct {
	Near    []string `json:"near,omitempty" yaml:"near,omitempty"`
	Next    []string `json:"next,omitempty" yaml:"next,omitempty"`
	Similar []string `json:"similar,omitempty" yaml:"similar,omitempty"`
}

// ByType returns the relationship lists keyed by relation type.
func (r Related) ByType() map[string][]string {
	return map[string][]string{
		RelationNear:    r.Near,
		RelationNext:    r.Next,
		RelationSimilar: r.Similar,
	}
}

// Names returns the de-duplicated union of all related city names in first-seen order.
func (r Related) Names() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, list := range [][]string{r.Near, r.Next, r.Similar} {
		for _, n := range list {
			n = NormalizeName(n)
			if n == "" {
				continue
			}
			if _, ok := seen[n]; ok {
				continue
			}
			seen[n] = struct{}{}
			out = append(out, n)
		}
	}
	return out
}

// Detail is the structured content of one city's detail page.
type Detail struct {
	Region  string `json:"region" yaml:"region"`
	Country string `json:"country" yaml:"country"`
	Name    string `json:"name" yaml:"name"`
	Rank    int    `json:"rank,omitempty" yaml:"rank,omitempty"`

	Scores       Category `json:"scores,omitempty" yaml:"scores,omitempty"`
	Guide        Category `json:"guide,omitempty" yaml:"guide,omitempty"`
	CostOfLiving Category `json:"cost_of_living,omitempty" yaml:"cost_of_living,omitempty"`

	Weather MonthlySeries `json:"weather,omitempty" yaml:"weather,omitempty"`

	Photos  []string `json:"photos,omitempty" yaml:"photos,omitempty"`
	Pros    []string `json:"pros,omitempty" yaml:"pros,omitempty"`
	Cons    []string `json:"cons,omitempty" yaml:"cons,omitempty"`
	Reviews []string `json:"reviews,omitempty" yaml:"reviews,omitempty"`

	Related Related `json:"related,omitempty" yaml:"related,omitempty"`
}

// NamedCategory pairs a category name with its attributes.
type NamedCategory struct {
	Name       string
	Attributes Category
}

// Categories returns the non-empty keyed categories in persistence order.
func (d *Detail) Categories() []NamedCategory {
	var out []NamedCategory
	for _, c := range []NamedCategory{
		{CategoryScores, d.Scores},
		{CategoryGuide, d.Guide},
		{CategoryCostOfLiving, d.CostOfLiving},
	} {
		if len(c.Attributes) > 0 {
			out = append(out, c)
		}
	}
	return out
}

// Validate checks that the record can be anchored in the entity hierarchy.
func (d *Detail) Validate() error {
	var missing []string
	if NormalizeName(d.Region) == "" {
		missing = append(missing, "region")
	}
	if NormalizeName(d.Country) == "" {
		missing = append(missing, "country")
	}
	if NormalizeName(d.Name) == "" {
		missing = append(missing, "name")
	}
	if len(missing) > 0 {
		return fmt.Errorf("record missing %s: %w", strings.Join(missing, ", "), pferrors.ErrValidation)
	}
	if d.Rank < 0 {
		return fmt.Errorf("record rank %d is negative: %w", d.Rank, pferrors.ErrValidation)
	}
	for attr, series := range d.Weather {
		if len(series) > MonthsPerYear {
			return fmt.Errorf("weather %q has %d months: %w", attr, len(series), pferrors.ErrValidation)
		}
	}
	return nil
}

// Normalize rewrites every natural key in the record to its canonical form.
func (d *Detail) Normalize() {
	d.Region = NormalizeName(d.Region)
	d.Country = NormalizeName(d.Country)
	d.Name = NormalizeName(d.Name)
	d.Scores = normalizeCategory(d.Scores)
	d.Guide = normalizeCategory(d.Guide)
	d.CostOfLiving = normalizeCategory(d.CostOfLiving)
	if d.Weather != nil {
		w := make(MonthlySeries, len(d.Weather))
		for k, v := range d.Weather {
			if k = NormalizeName(k); k != "" {
				w[k] = v
			}
		}
		d.Weather = w
	}
	d.Photos = normalizeList(d.Photos)
	d.Pros = normalizeList(d.Pros)
	d.Cons = normalizeList(d.Cons)
	d.Reviews = normalizeList(d.Reviews)
	d.Related = Related{
		Near:    normalizeList(d.Related.Near),
		Next:    normalizeList(d.Related.Next),
		Similar: normalizeList(d.Related.Similar),
	}
}

func normalizeCategory(c Category) Category {
	if c == nil {
		return nil
	}
	out := make(Category, len(c))
	for k, v := range c {
		if k = NormalizeName(k); k != "" {
			out[k] = v
		}
	}
	return out
}

func normalizeList(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		s = NormalizeName(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// NormalizeName trims s, collapses inner whitespace runs and converts it to Unicode NFC.
func NormalizeName(s string) string {
	return norm.NFC.String(strings.Join(strings.Fields(s), " "))
}
