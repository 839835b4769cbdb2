package lookup

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/otherjamesbrown/nls/pkg/logging"
)

// Defaults for the reference API client.
const (
	DefaultBaseURL  = "http://api.aviationstack.com/v1"
	DefaultPageSize = 100
	DefaultMaxPages = 200
	DefaultTimeout  = 15 * time.Second
)

// ClientConfig configures a Client.
type ClientConfig struct {
	BaseURL   string
	AccessKey string
	PageSize  int
	MaxPages  int
	Timeout   time.Duration
}

// Client reads country and city names from an AviationStack-style paginated API.
type Client struct {
	cfg    ClientConfig
	http   *http.Client
	logger logging.Logger
}

var _ Lookup = (*Client)(nil)

// NewClient creates a reference API client.
func NewClient(cfg ClientConfig, httpClient *http.Client, logger logging.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = DefaultMaxPages
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Client{
		cfg:    cfg,
		http:   httpClient,
		logger: logger.With(logging.F("component", "lookup")),
	}
}

type pagination struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
	Count  int `json:"count"`
	Total  int `json:"total"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type page struct {
	Pagination pagination        `json:"pagination"`
	Data       []json.RawMessage `json:"data"`
	Error      *apiError         `json:"error,omitempty"`
}

// Countries implements Lookup.
func (c *Client) Countries(ctx context.Context) (map[string]struct{}, error) {
	return c.collect(ctx, "countries", "country_name")
}

// Cities implements Lookup.
func (c *Client) Cities(ctx context.Context) (map[string]struct{}, error) {
	return c.collect(ctx, "cities", "city_name")
}

func (c *Client) collect(ctx context.Context, resource, field string) (map[string]struct{}, error) {
	var names []string
	offset := 0
	for i := 0; i < c.cfg.MaxPages; i++ {
		p, err := c.fetchPage(ctx, resource, offset)
		if err != nil {
			return nil, err
		}
		for _, raw := range p.Data {
			var item map[string]any
			if err := json.Unmarshal(raw, &item); err != nil {
				return nil, fmt.Errorf("decode %s item: %w", resource, err)
			}
			if name, ok := item[field].(string); ok {
				names = append(names, name)
			}
		}

		count := p.Pagination.Count
		if count == 0 {
			count = len(p.Data)
		}
		offset += count
		if count == 0 || offset >= p.Pagination.Total {
			break
		}
	}

	set := toSet(names)
	c.logger.Debug("Reference data loaded",
		logging.F("resource", resource),
		logging.F("names", len(set)))
	return set, nil
}

func (c *Client) fetchPage(ctx context.Context, resource string, offset int) (*page, error) {
	u, err := url.Parse(c.cfg.BaseURL + "/" + resource)
	if err != nil {
		return nil, fmt.Errorf("invalid lookup base url: %w", err)
	}
	q := u.Query()
	if c.cfg.AccessKey != "" {
		q.Set("access_key", c.cfg.AccessKey)
	}
	q.Set("limit", strconv.Itoa(c.cfg.PageSize))
	q.Set("offset", strconv.Itoa(offset))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", resource, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("lookup %s: read body: %w", resource, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("lookup %s: unexpected status %d", resource, resp.StatusCode)
	}

	var p page
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("lookup %s: decode: %w", resource, err)
	}
	if p.Error != nil {
		return nil, fmt.Errorf("lookup %s: %s: %s", resource, p.Error.Code, p.Error.Message)
	}
	return &p, nil
}
