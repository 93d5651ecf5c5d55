// Package pdf downloads PDFs for papers that do not have one yet.
package pdf

import (
	"context"
	"crypto/md5"
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

	"github.com/helixir/crawler-extractor/internal/config"
)

// Sentinel errors for PDF download operations.
var (
	// ErrNotPDF is returned when neither the Content-Type nor the URL path
	// identifies the response as a PDF.
	ErrNotPDF = errors.New("pdf: response is not a PDF")
	// ErrTooLarge is returned when the body exceeds the configured maximum.
	ErrTooLarge = errors.New("pdf: file exceeds maximum size")
	// ErrDownloadFailed is returned for network failures and non-2xx responses.
	ErrDownloadFailed = errors.New("pdf: download failed")
	// ErrSSRF is returned when the URL resolves to a non-public address.
	ErrSSRF = errors.New("pdf: request to private network denied")
	// ErrBlockedHost is returned for hosts on the denylist.
	ErrBlockedHost = errors.New("pdf: host is blocked")
)

const maxRedirects = 10

// DownloadResult holds a downloaded PDF.
type DownloadResult struct {
	Content []byte
	// ContentMD5 is the lower-case hex MD5 of Content.
	ContentMD5  string
	ContentType string
	// FinalURL is the URL after redirects.
	FinalURL string
}

// Options holds downloader settings that do not come from configuration.
type Options struct {
	// AllowPrivateNetworks disables the private address checks. Tests only.
	AllowPrivateNetworks bool
	// Denylist rejects hosts before any request is made.
	Denylist HostDenylist
}

// Downloader fetches PDFs over HTTP(S).
type Downloader struct {
	client       *http.Client
	maxSize      int64
	userAgent    string
	allowPrivate bool
	denylist     HostDenylist
}

// NewDownloader creates a downloader from cfg, applying defaults to zero values.
func NewDownloader(cfg config.PDFConfig, opts Options) *Downloader {
	if cfg.Timeout == 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.MaxSize == 0 {
		cfg.MaxSize = 50 << 20
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "Mozilla/5.0 (compatible; Helixir-CrawlerExtractor/1.0)"
	}

	d := &Downloader{
		maxSize:      cfg.MaxSize,
		userAgent:    cfg.UserAgent,
		allowPrivate: opts.AllowPrivateNetworks,
		denylist:     opts.Denylist,
	}
	d.client = &http.Client{
		Timeout: cfg.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("%w: too many redirects", ErrDownloadFailed)
			}
			return d.checkURL(req.URL)
		},
	}
	return d
}

// Download fetches rawURL and returns its content when it looks like a PDF.
func (d *Downloader) Download(ctx context.Context, rawURL string) (*DownloadResult, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid URL: %w", ErrDownloadFailed, err)
	}
	if err := d.checkURL(parsed); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid URL: %w", ErrDownloadFailed, err)
	}
	req.Header.Set("User-Agent", d.userAgent)
	req.Header.Set("Accept", "application/pdf, */*;q=0.8")

	resp, err := d.client.Do(req)
	if err != nil {
		if errors.Is(err, ErrBlockedHost) || errors.Is(err, ErrSSRF) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrDownloadFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: HTTP %d", ErrDownloadFailed, resp.StatusCode)
	}

	finalURL := resp.Request.URL
	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(strings.ToLower(contentType), "pdf") &&
		!strings.HasSuffix(strings.ToLower(finalURL.Path), ".pdf") &&
		!strings.HasSuffix(strings.ToLower(parsed.Path), ".pdf") {
		return nil, fmt.Errorf("%w: Content-Type is %q", ErrNotPDF, contentType)
	}

	content, err := io.ReadAll(io.LimitReader(resp.Body, d.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", ErrDownloadFailed, err)
	}
	if int64(len(content)) > d.maxSize {
		return nil, fmt.Errorf("%w: exceeded %d bytes", ErrTooLarge, d.maxSize)
	}
	if len(content) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrDownloadFailed)
	}

	return &DownloadResult{
		Content:     content,
		ContentMD5:  MD5Hex(content),
		ContentType: contentType,
		FinalURL:    finalURL.String(),
	}, nil
}

// MD5Hex returns the lower-case hex MD5 digest of data.
func MD5Hex(data []byte) string {
	sum := md5.Sum(data) //nolint:gosec // content fingerprint
	return hex.EncodeToString(sum[:])
}

func (d *Downloader) checkURL(u *url.URL) error {
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return fmt.Errorf("%w: scheme %q is not allowed", ErrSSRF, u.Scheme)
	}
	if d.denylist.BlockedHost(u.Hostname()) {
		return fmt.Errorf("%w: %s", ErrBlockedHost, u.Hostname())
	}
	if d.allowPrivate {
		return nil
	}

	host := u.Hostname()
	addrs, err := net.LookupHost(host)
	if err != nil {
		return fmt.Errorf("%w: DNS lookup failed for %s: %w", ErrDownloadFailed, host, err)
	}
	for _, a := range addrs {
		if addr, err := netip.ParseAddr(a); err == nil && !publicAddr(addr) {
			return fmt.Errorf("%w: %s resolves to %s", ErrSSRF, host, a)
		}
	}
	return nil
}

// publicAddr reports whether addr is routable on the public internet.
func publicAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	return addr.IsGlobalUnicast() && !addr.IsPrivate() && !addr.IsLoopback() &&
		!addr.IsLinkLocalUnicast() && !addr.IsUnspecified()
}
