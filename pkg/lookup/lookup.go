// Package lookup provides the reference sets of country and city names the detail
// extractor uses to canonicalize what it reads from a page.
package lookup

import (
	"context"
	"strings"

	"github.com/otherjamesbrown/nls/pkg/records"
)

// Lookup returns reference name sets. Implementations may be slow on first call
// and are expected to cache.
type Lookup interface {
	Countries(ctx context.Context) (map[string]struct{}, error)
	Cities(ctx context.Context) (map[string]struct{}, error)
}

// Static is a fixed Lookup.
type Static struct {
	countries map[string]struct{}
	cities    map[string]struct{}
}

// NewStatic returns a Lookup over the given names.
func NewStatic(countries, cities []string) *Static {
	return &Static{countries: toSet(countries), cities: toSet(cities)}
}

// Countries implements Lookup.
func (s *Static) Countries(ctx context.Context) (map[string]struct{}, error) {
	return s.countries, nil
}

// Cities implements Lookup.
func (s *Static) Cities(ctx context.Context) (map[string]struct{}, error) {
	return s.cities, nil
}

// Empty is a Lookup with no reference data.
var Empty Lookup = NewStatic(nil, nil)

// Canonical returns the member of set matching name, or name itself when the set
// has no match. An exact match wins; among case-insensitive matches the
// lexically smallest is chosen so the result does not depend on map order.
func Canonical(set map[string]struct{}, name string) string {
	name = records.NormalizeName(name)
	if _, ok := set[name]; ok || name == "" {
		return name
	}
	best := ""
	for candidate := range set {
		if strings.EqualFold(candidate, name) && (best == "" || candidate < best) {
			best = candidate
		}
	}
	if best == "" {
		return name
	}
	return best
}

func toSet(names []string) map[string]struct{} {
	out := make(map[string]struct{}, len(names))
	for _, n := range names {
		if n = records.NormalizeName(n); n != "" {
			out[n] = struct{}{}
		}
	}
	return out
}

func toSlice(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	return out
}
