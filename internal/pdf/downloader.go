// Package pdf downloads paper PDFs and rasterizes them into page images for
// vision transcription.
package pdf

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"
)

// Sentinel errors for PDF download operations.
var (
	// ErrNotPDF is returned when the response Content-Type is not application/pdf.
	ErrNotPDF = errors.New("pdf: response is not a PDF")
	// ErrTooLarge is returned when the file exceeds the maximum allowed size.
	ErrTooLarge = errors.New("pdf: file exceeds maximum size")
	// ErrDownloadFailed is returned when the download fails due to network or HTTP errors.
	ErrDownloadFailed = errors.New("pdf: download failed")
	// ErrSSRF is returned when the URL resolves to a private/internal network address.
	ErrSSRF = errors.New("pdf: request to private network denied")
)

const (
	defaultTimeout   = 120 * time.Second
	defaultMaxSize   = 50 * 1024 * 1024
	defaultUserAgent = "paper-pipeline-service/1.0"
	maxRedirects     = 10
)

// DownloadResult holds the result of downloading a PDF.
type DownloadResult struct {
	// Content is the PDF bytes.
	Content []byte
	// ContentHash is the SHA-256 hex digest of the content.
	ContentHash string
	// SizeBytes is the size of the content in bytes.
	SizeBytes int64
	// ContentType is the actual Content-Type header from the response.
	ContentType string
}

// Config holds downloader configuration.
type Config struct {
	// Timeout is the HTTP request timeout. Default: 120 seconds.
	Timeout time.Duration
	// MaxSize is the maximum file size in bytes. Default: 50MB.
	MaxSize int64
	// UserAgent is the User-Agent header.
	UserAgent string
	// AllowPrivateNetworks disables the private-IP checks so tests can serve
	// PDFs from loopback addresses.
	AllowPrivateNetworks bool
}

// Downloader downloads PDFs from URLs.
type Downloader struct {
	client               *http.Client
	maxSize              int64
	userAgent            string
	allowPrivateNetworks bool
}

// NewDownloader creates a new Downloader with the given configuration.
func NewDownloader(cfg Config) *Downloader {
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxSize == 0 {
		cfg.MaxSize = defaultMaxSize
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}

	d := &Downloader{
		maxSize:              cfg.MaxSize,
		userAgent:            cfg.UserAgent,
		allowPrivateNetworks: cfg.AllowPrivateNetworks,
	}

	d.client = &http.Client{
		Timeout: cfg.Timeout,
		// Redirect targets get the same private-IP validation as the
		// original URL.
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("%w: too many redirects", ErrSSRF)
			}
			if !d.allowPrivateNetworks {
				return checkPublicURL(req.Context(), req.URL.String())
			}
			return nil
		},
	}

	return d
}

// checkPublicURL rejects URLs whose scheme is not HTTP(S) or whose hostname
// resolves to any non-routable address.
func checkPublicURL(ctx context.Context, rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSSRF, err)
	}

	switch strings.ToLower(parsed.Scheme) {
	case "http", "https":
	default:
		return fmt.Errorf("%w: scheme %q is not allowed", ErrSSRF, parsed.Scheme)
	}

	host := parsed.Hostname()
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return fmt.Errorf("%w: DNS lookup failed for %s: %w", ErrDownloadFailed, host, err)
	}
	for _, addr := range addrs {
		if !isPublicAddr(addr.Unmap()) {
			return fmt.Errorf("%w: %s resolves to private address %s", ErrSSRF, host, addr)
		}
	}
	return nil
}

// isPublicAddr reports whether addr is globally routable. Private ranges
// (RFC 1918, ULA), loopback, link-local, and the unspecified address are all
// rejected.
func isPublicAddr(addr netip.Addr) bool {
	switch {
	case !addr.IsValid(), addr.IsUnspecified():
		return false
	case addr.IsPrivate(), addr.IsLoopback():
		return false
	case addr.IsLinkLocalUnicast(), addr.IsLinkLocalMulticast():
		return false
	}
	return true
}

// Download fetches a PDF from the given URL.
// Returns ErrNotPDF if Content-Type is not application/pdf.
// Returns ErrTooLarge if the response exceeds MaxSize.
// Returns ErrSSRF if the URL resolves to a private network address.
// Returns ErrDownloadFailed wrapped with HTTP status for non-2xx responses.
func (d *Downloader) Download(ctx context.Context, url string) (*DownloadResult, error) {
	if !d.allowPrivateNetworks {
		if err := checkPublicURL(ctx, url); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid URL: %w", ErrDownloadFailed, err)
	}
	req.Header.Set("User-Agent", d.userAgent)
	req.Header.Set("Accept", "application/pdf, */*;q=0.8")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDownloadFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: HTTP %d", ErrDownloadFailed, resp.StatusCode)
	}

	// arXiv sends "application/pdf" sometimes with a charset suffix.
	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(strings.ToLower(contentType), "application/pdf") {
		return nil, fmt.Errorf("%w: Content-Type is %q", ErrNotPDF, contentType)
	}

	// Read one byte past the limit to distinguish exactly-at-limit from over.
	content, err := io.ReadAll(io.LimitReader(resp.Body, d.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", ErrDownloadFailed, err)
	}
	if int64(len(content)) > d.maxSize {
		return nil, fmt.Errorf("%w: exceeded %d bytes", ErrTooLarge, d.maxSize)
	}

	hash := sha256.Sum256(content)

	return &DownloadResult{
		Content:     content,
		ContentHash: hex.EncodeToString(hash[:]),
		SizeBytes:   int64(len(content)),
		ContentType: contentType,
	}, nil
}

// Fetch downloads a PDF and returns its bytes. It is the pipeline-facing
// form of Download.
func (d *Downloader) Fetch(ctx context.Context, url string) ([]byte, error) {
	result, err := d.Download(ctx, url)
	if err != nil {
		return nil, err
	}
	return result.Content, nil
}
