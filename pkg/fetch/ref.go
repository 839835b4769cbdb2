package fetch

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	pferrors "github.com/otherjamesbrown/nls/pkg/errors"
	"github.com/otherjamesbrown/nls/pkg/records"
)

// EntityRef points at one city's detail page as found on the listing.
type EntityRef struct {
	Name string `json:"name" yaml:"name"`
	Slug string `json:"slug,omitempty" yaml:"slug,omitempty"`
	URL  string `json:"url" yaml:"url"`
	Rank int    `json:"rank,omitempty" yaml:"rank,omitempty"`
}

// Validate reports whether the reference can be requested: it needs a name and an
// absolute http(s) URL.
func (r EntityRef) Validate() error {
	if records.NormalizeName(r.Name) == "" {
		return fmt.Errorf("reference %q has no name: %w", r.URL, pferrors.ErrValidation)
	}
	raw := strings.TrimSpace(r.URL)
	if raw == "" {
		return fmt.Errorf("reference %q has no url: %w", r.Name, pferrors.ErrValidation)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("reference %q has invalid url: %w: %w", r.Name, pferrors.ErrValidation, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("reference %q url %q is not absolute http(s): %w", r.Name, raw, pferrors.ErrValidation)
	}
	if r.Rank < 0 {
		return fmt.Errorf("reference %q has negative rank: %w", r.Name, pferrors.ErrValidation)
	}
	return nil
}

// ResultKind classifies the outcome of one detail request.
type ResultKind string

const (
	KindSuccess           ResultKind = "success"
	KindEmpty             ResultKind = "empty"
	KindHTTPFailure       ResultKind = "http_failure"
	KindExtractionFailure ResultKind = "extraction_failure"
)

// Result is the outcome of fetching and extracting one reference.
type Result struct {
	Ref        EntityRef
	Kind       ResultKind
	Record     *records.Detail
	StatusCode int
	Err        error
	Elapsed    time.Duration
}

// Failed reports whether the result counts as a failure.
func (r Result) Failed() bool {
	return r.Kind == KindHTTPFailure || r.Kind == KindExtractionFailure
}
