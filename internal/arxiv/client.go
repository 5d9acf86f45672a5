// Package arxiv searches the arXiv query API and maps Atom entries into
// domain papers.
package arxiv

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/helixir/paper-pipeline-service/internal/domain"
	"github.com/helixir/paper-pipeline-service/internal/observability"
)

const (
	// DefaultBaseURL is the arXiv API base URL.
	DefaultBaseURL = "https://export.arxiv.org/api"

	// DefaultRateLimit is 3 requests per second, the maximum arXiv asks
	// automated clients to stay under.
	DefaultRateLimit = 3.0

	// DefaultTimeout is the default request timeout.
	DefaultTimeout = 30 * time.Second

	// DefaultMaxResults caps results per query.
	DefaultMaxResults = 100

	sourceName = "arXiv"
)

// arxivIDRegex extracts the bare arXiv ID from an abs URL, dropping the
// version suffix. Matches "arxiv.org/abs/2301.12345v1" and the legacy
// "arxiv.org/abs/hep-th/9901001v1" form.
var arxivIDRegex = regexp.MustCompile(`arxiv\.org/abs/(.+?)(?:v\d+)?$`)

// Config holds arXiv client settings.
type Config struct {
	// BaseURL is the arXiv API base URL.
	BaseURL string

	// Timeout is the request timeout.
	Timeout time.Duration

	// RateLimit is the maximum requests per second.
	RateLimit float64

	// MaxResults is the ceiling on results per search request.
	MaxResults int
}

func (c *Config) applyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.RateLimit == 0 {
		c.RateLimit = DefaultRateLimit
	}
	if c.MaxResults == 0 {
		c.MaxResults = DefaultMaxResults
	}
}

// Client queries the arXiv API. Safe for concurrent use.
type Client struct {
	cfg     Config
	http    *httpClient
	logger  zerolog.Logger
	metrics *observability.Metrics
}

// New creates an arXiv client.
func New(cfg Config, logger zerolog.Logger, metrics *observability.Metrics) *Client {
	cfg.applyDefaults()
	return &Client{
		cfg: cfg,
		http: newHTTPClient(httpClientConfig{
			Timeout:   cfg.Timeout,
			RateLimit: cfg.RateLimit,
			Burst:     int(cfg.RateLimit),
		}),
		logger:  logger,
		metrics: metrics,
	}
}

// Search queries arXiv for papers matching the keyword, newest submissions
// first. maxResults caps the result count; non-positive falls back to the
// configured ceiling.
func (c *Client) Search(ctx context.Context, keyword string, maxResults int) ([]*domain.Paper, error) {
	start := time.Now()

	searchURL, err := c.buildSearchURL(keyword, maxResults)
	if err != nil {
		return nil, fmt.Errorf("building search URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.RecordSearchRequestFailed("query", "network")
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.metrics.RecordSearchRequestFailed("query", strconv.Itoa(resp.StatusCode))
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return nil, domain.NewExternalAPIError(sourceName, resp.StatusCode, string(body), nil)
	}

	var parsed feed
	if err := xml.NewDecoder(io.LimitReader(resp.Body, 10<<20)).Decode(&parsed); err != nil {
		c.metrics.RecordSearchRequestFailed("query", "decode")
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	papers := make([]*domain.Paper, 0, len(parsed.Entries))
	for i := range parsed.Entries {
		if paper := entryToPaper(&parsed.Entries[i]); paper != nil {
			papers = append(papers, paper)
		}
	}

	c.metrics.RecordSearchRequest("query", time.Since(start).Seconds())
	c.logger.Debug().
		Str("keyword", keyword).
		Int("results", len(papers)).
		Int("total_available", parsed.TotalResults).
		Msg("arxiv search completed")
	return papers, nil
}

func (c *Client) buildSearchURL(keyword string, maxResults int) (string, error) {
	baseURL, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parsing base URL: %w", err)
	}
	baseURL.Path = strings.TrimRight(baseURL.Path, "/") + "/query"

	if maxResults <= 0 || maxResults > c.cfg.MaxResults {
		maxResults = c.cfg.MaxResults
	}

	query := url.Values{}
	query.Set("search_query", "all:"+keyword)
	query.Set("max_results", strconv.Itoa(maxResults))
	query.Set("sortBy", "submittedDate")
	query.Set("sortOrder", "descending")
	baseURL.RawQuery = query.Encode()
	return baseURL.String(), nil
}

// entryToPaper maps an Atom entry to a domain paper. Entries without a
// recognizable arXiv ID are dropped.
func entryToPaper(e *entry) *domain.Paper {
	arxivID := extractArxivID(e.ID)
	if arxivID == "" {
		return nil
	}

	var published *time.Time
	if e.Published != "" {
		if t, err := time.Parse(time.RFC3339, e.Published); err == nil {
			published = &t
		}
	}

	authors := make([]string, 0, len(e.Authors))
	for _, a := range e.Authors {
		if name := strings.TrimSpace(a.Name); name != "" {
			authors = append(authors, name)
		}
	}

	pdfURL := ""
	for _, link := range e.Links {
		if link.Title == "pdf" || link.Type == "application/pdf" {
			pdfURL = link.Href
			break
		}
	}
	if pdfURL == "" {
		pdfURL = "https://arxiv.org/pdf/" + arxivID
	}

	return &domain.Paper{
		ID:        uuid.New(),
		ArxivID:   arxivID,
		Title:     normalizeWhitespace(e.Title),
		Abstract:  normalizeWhitespace(e.Summary),
		Authors:   authors,
		Published: published,
		PDFURL:    pdfURL,
		Status:    domain.PaperStatusPending,
	}
}

func extractArxivID(entryURL string) string {
	matches := arxivIDRegex.FindStringSubmatch(entryURL)
	if len(matches) < 2 {
		return ""
	}
	return matches[1]
}

// normalizeWhitespace collapses the newlines and indentation arXiv embeds in
// titles and abstracts.
func normalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
