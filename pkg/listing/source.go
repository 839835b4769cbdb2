package listing

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	pferrors "github.com/otherjamesbrown/nls/pkg/errors"
	"github.com/otherjamesbrown/nls/pkg/fetch"
	"github.com/otherjamesbrown/nls/pkg/logging"
)

// SourceConfig configures where the listing markup comes from.
type SourceConfig struct {
	// URL of the listing page.
	URL string

	// CacheFile, when set, receives every freshly rendered listing.
	CacheFile string

	// FromDisk reads CacheFile instead of rendering when it exists.
	FromDisk bool

	// MaxCities truncates the listing. Zero keeps every city.
	MaxCities int
}

// Source produces the ordered references of one run.
type Source struct {
	cfg       SourceConfig
	renderer  Renderer
	extractor *Extractor
	logger    logging.Logger
}

// NewSource creates a source. The extractor resolves links against cfg.URL.
func NewSource(cfg SourceConfig, renderer Renderer, logger logging.Logger) (*Source, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("listing url is required")
	}
	ex, err := NewExtractor(cfg.URL)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Source{
		cfg:       cfg,
		renderer:  renderer,
		extractor: ex,
		logger:    logger.With(logging.F("component", "listing")),
	}, nil
}

// Refs loads the listing markup and extracts its references.
func (s *Source) Refs(ctx context.Context) ([]fetch.EntityRef, error) {
	markup, err := s.markup(ctx)
	if err != nil {
		return nil, pferrors.New(pferrors.ErrTransport, pferrors.StageListing, s.cfg.URL, err)
	}

	refs, err := s.extractor.Extract(markup)
	if err != nil {
		return nil, pferrors.New(pferrors.ErrExtraction, pferrors.StageListing, s.cfg.URL, err)
	}
	if s.cfg.MaxCities > 0 && len(refs) > s.cfg.MaxCities {
		refs = refs[:s.cfg.MaxCities]
	}
	s.logger.Info("Listing extracted", logging.F("cities", len(refs)))
	return refs, nil
}

func (s *Source) markup(ctx context.Context) ([]byte, error) {
	if s.cfg.FromDisk && s.cfg.CacheFile != "" {
		data, err := os.ReadFile(s.cfg.CacheFile)
		switch {
		case err == nil:
			s.logger.Info("Listing loaded from disk", logging.F("path", s.cfg.CacheFile))
			return data, nil
		case errors.Is(err, fs.ErrNotExist):
			s.logger.Info("No cached listing, rendering", logging.F("path", s.cfg.CacheFile))
		default:
			s.logger.Warn("Failed to read cached listing, rendering", logging.F("path", s.cfg.CacheFile), logging.Err(err))
		}
	}

	if s.renderer == nil {
		return nil, fmt.Errorf("no renderer configured and no cached listing at %q", s.cfg.CacheFile)
	}
	data, err := s.renderer.Render(ctx, s.cfg.URL)
	if err != nil {
		return nil, err
	}

	if s.cfg.CacheFile != "" {
		if err := writeFile(s.cfg.CacheFile, data); err != nil {
			return nil, fmt.Errorf("cache listing: %w", err)
		}
		s.logger.Debug("Listing cached", logging.F("path", s.cfg.CacheFile))
	}
	return data, nil
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
