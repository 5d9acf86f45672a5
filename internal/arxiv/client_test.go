package arxiv

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/paper-pipeline-service/internal/domain"
	"github.com/helixir/paper-pipeline-service/internal/observability"
)

var arxivMetricsCounter atomic.Int64

func newTestClient(baseURL string) *Client {
	metrics := observability.NewMetrics(fmt.Sprintf("arxivtest%d", arxivMetricsCounter.Add(1)))
	return New(Config{
		BaseURL:   baseURL,
		RateLimit: 1000, // tests should not wait on the politeness limit
	}, zerolog.Nop(), metrics)
}

const atomFixture = `<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns="http://www.w3.org/2005/Atom" xmlns:opensearch="http://a9.com/-/spec/opensearch/1.1/">
  <opensearch:totalResults>2</opensearch:totalResults>
  <entry>
    <id>http://arxiv.org/abs/2301.12345v2</id>
    <title>Sparse   Attention
      for Long Documents</title>
    <summary>  We propose a sparse
      attention mechanism.  </summary>
    <published>2023-01-15T18:30:00Z</published>
    <author><name>Ada Lovelace</name></author>
    <author><name>Alan Turing</name></author>
    <link href="http://arxiv.org/abs/2301.12345v2" rel="alternate" type="text/html"/>
    <link title="pdf" href="http://arxiv.org/pdf/2301.12345v2" rel="related" type="application/pdf"/>
  </entry>
  <entry>
    <id>http://arxiv.org/abs/hep-th/9901001v1</id>
    <title>A Legacy Identifier Paper</title>
    <summary>Abstract text.</summary>
    <published>1999-01-04T00:00:00Z</published>
    <author><name>Emmy Noether</name></author>
  </entry>
</feed>`

func TestClientSearchParsesAtomFeed(t *testing.T) {
	t.Parallel()

	var gotQuery atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery.Store(r.URL.Query())
		w.Header().Set("Content-Type", "application/atom+xml")
		fmt.Fprint(w, atomFixture)
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	papers, err := client.Search(context.Background(), "sparse attention", 10)
	require.NoError(t, err)
	require.Len(t, papers, 2)

	first := papers[0]
	assert.Equal(t, "2301.12345", first.ArxivID)
	assert.Equal(t, "Sparse Attention for Long Documents", first.Title)
	assert.Equal(t, "We propose a sparse attention mechanism.", first.Abstract)
	assert.Equal(t, []string{"Ada Lovelace", "Alan Turing"}, first.Authors)
	assert.Equal(t, "http://arxiv.org/pdf/2301.12345v2", first.PDFURL)
	assert.Equal(t, domain.PaperStatusPending, first.Status)
	require.NotNil(t, first.Published)
	assert.Equal(t, 2023, first.Published.Year())
	assert.NotEqual(t, first.ID, papers[1].ID)

	// Legacy IDs keep their category prefix; the version suffix is dropped
	// and a PDF URL is synthesized when the feed omits one.
	second := papers[1]
	assert.Equal(t, "hep-th/9901001", second.ArxivID)
	assert.Equal(t, "https://arxiv.org/pdf/hep-th/9901001", second.PDFURL)

	query := gotQuery.Load().(url.Values)
	assert.Equal(t, "all:sparse attention", query.Get("search_query"))
	assert.Equal(t, "10", query.Get("max_results"))
	assert.Equal(t, "submittedDate", query.Get("sortBy"))
	assert.Equal(t, "descending", query.Get("sortOrder"))
}

func TestClientSearchEmptyFeed(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<?xml version="1.0"?><feed xmlns="http://www.w3.org/2005/Atom"></feed>`)
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	papers, err := client.Search(context.Background(), "nonexistent topic", 10)
	require.NoError(t, err)
	assert.Empty(t, papers)
}

func TestClientSearchAPIError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad search_query", http.StatusBadRequest)
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	_, err := client.Search(context.Background(), "][invalid", 10)
	require.Error(t, err)

	var apiErr *domain.ExternalAPIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, sourceName, apiErr.Source)
}

func TestClientSearchMalformedXML(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "<feed><entry><unclosed>")
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	_, err := client.Search(context.Background(), "anything", 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decoding response")
}

func TestClientSearchClampsMaxResults(t *testing.T) {
	t.Parallel()

	var gotMax atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMax.Store(r.URL.Query().Get("max_results"))
		fmt.Fprint(w, `<?xml version="1.0"?><feed xmlns="http://www.w3.org/2005/Atom"></feed>`)
	}))
	defer server.Close()

	metrics := observability.NewMetrics(fmt.Sprintf("arxivtest%d", arxivMetricsCounter.Add(1)))
	client := New(Config{BaseURL: server.URL, RateLimit: 1000, MaxResults: 25}, zerolog.Nop(), metrics)

	_, err := client.Search(context.Background(), "kw", 0)
	require.NoError(t, err)
	assert.Equal(t, "25", gotMax.Load())

	_, err = client.Search(context.Background(), "kw", 9999)
	require.NoError(t, err)
	assert.Equal(t, "25", gotMax.Load())
}

func TestExtractArxivID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		url  string
		want string
	}{
		{name: "modern id with version", url: "http://arxiv.org/abs/2301.12345v1", want: "2301.12345"},
		{name: "modern id without version", url: "http://arxiv.org/abs/2301.12345", want: "2301.12345"},
		{name: "legacy id", url: "http://arxiv.org/abs/hep-th/9901001v2", want: "hep-th/9901001"},
		{name: "https scheme", url: "https://arxiv.org/abs/2401.00001v3", want: "2401.00001"},
		{name: "not an abs url", url: "http://example.com/paper/123", want: ""},
		{name: "empty", url: "", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, extractArxivID(tt.url))
		})
	}
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg := Config{}
	cfg.applyDefaults()
	assert.Equal(t, DefaultBaseURL, cfg.BaseURL)
	assert.Equal(t, DefaultTimeout, cfg.Timeout)
	assert.Equal(t, DefaultRateLimit, cfg.RateLimit)
	assert.Equal(t, DefaultMaxResults, cfg.MaxResults)
}
