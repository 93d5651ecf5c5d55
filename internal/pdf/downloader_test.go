package pdf

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/crawler-extractor/internal/config"
)

// samplePDFContent simulates minimal PDF-like bytes for testing.
var samplePDFContent = []byte("%PDF-1.4 sample content for testing")

func testDownloader(cfg config.PDFConfig) *Downloader {
	return NewDownloader(cfg, Options{AllowPrivateNetworks: true})
}

func pdfServer(contentType string, body []byte) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if contentType != "" {
			w.Header().Set("Content-Type", contentType)
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	}))
}

func TestNewDownloader_Defaults(t *testing.T) {
	d := NewDownloader(config.PDFConfig{}, Options{})
	assert.Equal(t, int64(50<<20), d.maxSize)
	assert.Equal(t, 20*time.Second, d.client.Timeout)
	assert.Contains(t, d.userAgent, "Helixir-CrawlerExtractor")
	assert.False(t, d.allowPrivate)
}

func TestDownload_Success(t *testing.T) {
	server := pdfServer("application/pdf", samplePDFContent)
	defer server.Close()

	result, err := testDownloader(config.PDFConfig{}).Download(context.Background(), server.URL)
	require.NoError(t, err)
	assert.Equal(t, samplePDFContent, result.Content)
	assert.Equal(t, MD5Hex(samplePDFContent), result.ContentMD5)
	assert.Len(t, result.ContentMD5, 32)
	assert.Equal(t, server.URL, result.FinalURL)
}

func TestDownload_ContentTypeRules(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		path        string
		wantErr     error
	}{
		{"pdf content type", "application/pdf", "/doc", nil},
		{"x-pdf with charset", "application/x-pdf; charset=binary", "/doc", nil},
		{"octet stream with pdf suffix", "application/octet-stream", "/paper.PDF", nil},
		{"html page", "text/html", "/landing", ErrNotPDF},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := pdfServer(tt.contentType, samplePDFContent)
			defer server.Close()

			_, err := testDownloader(config.PDFConfig{}).Download(context.Background(), server.URL+tt.path)
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.True(t, errors.Is(err, tt.wantErr), err)
			}
		})
	}
}

func TestDownload_TooLarge(t *testing.T) {
	server := pdfServer("application/pdf", make([]byte, 101))
	defer server.Close()

	_, err := testDownloader(config.PDFConfig{MaxSize: 100}).Download(context.Background(), server.URL)
	assert.True(t, errors.Is(err, ErrTooLarge))

	exact := pdfServer("application/pdf", make([]byte, 100))
	defer exact.Close()
	_, err = testDownloader(config.PDFConfig{MaxSize: 100}).Download(context.Background(), exact.URL)
	assert.NoError(t, err)
}

func TestDownload_HTTPStatus(t *testing.T) {
	for _, status := range []int{http.StatusNotFound, http.StatusForbidden, http.StatusInternalServerError, http.StatusNoContent} {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))
		_, err := testDownloader(config.PDFConfig{}).Download(context.Background(), server.URL)
		assert.True(t, errors.Is(err, ErrDownloadFailed), status)
		server.Close()
	}
}

func TestDownload_EmptyBody(t *testing.T) {
	server := pdfServer("application/pdf", nil)
	defer server.Close()

	_, err := testDownloader(config.PDFConfig{}).Download(context.Background(), server.URL)
	assert.True(t, errors.Is(err, ErrDownloadFailed))
}

func TestDownload_Redirect(t *testing.T) {
	final := pdfServer("application/pdf", samplePDFContent)
	defer final.Close()
	redirect := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, final.URL+"/file.pdf", http.StatusFound)
	}))
	defer redirect.Close()

	result, err := testDownloader(config.PDFConfig{}).Download(context.Background(), redirect.URL)
	require.NoError(t, err)
	assert.Equal(t, final.URL+"/file.pdf", result.FinalURL)
}

func TestDownload_Rejections(t *testing.T) {
	ctx := context.Background()

	t.Run("scheme", func(t *testing.T) {
		_, err := testDownloader(config.PDFConfig{}).Download(ctx, "file:///etc/passwd")
		assert.True(t, errors.Is(err, ErrSSRF))
	})

	t.Run("private network", func(t *testing.T) {
		server := pdfServer("application/pdf", samplePDFContent)
		defer server.Close()

		d := NewDownloader(config.PDFConfig{}, Options{})
		_, err := d.Download(ctx, server.URL)
		assert.True(t, errors.Is(err, ErrSSRF))
	})

	t.Run("blocked host", func(t *testing.T) {
		d := NewDownloader(config.PDFConfig{}, Options{
			AllowPrivateNetworks: true,
			Denylist:             NewHostDenylist([]string{"hdl.handle.net"}),
		})
		_, err := d.Download(ctx, "https://hdl.handle.net/1234/5")
		assert.True(t, errors.Is(err, ErrBlockedHost))
	})

	t.Run("context cancelled", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(200 * time.Millisecond)
		}))
		defer server.Close()

		cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		_, err := testDownloader(config.PDFConfig{}).Download(cctx, server.URL)
		assert.True(t, errors.Is(err, ErrDownloadFailed))
	})
}

func TestPublicAddr(t *testing.T) {
	tests := map[string]bool{
		"8.8.8.8":         true,
		"10.1.2.3":        false,
		"172.16.0.1":      false,
		"192.168.1.1":     false,
		"127.0.0.1":       false,
		"169.254.169.254": false,
		"::1":             false,
		"fd00::1":         false,
		"fe80::1":         false,
		"0.0.0.0":         false,
		"::ffff:10.0.0.1": false,
	}
	for raw, want := range tests {
		assert.Equal(t, want, publicAddr(netip.MustParseAddr(raw)), raw)
	}
}

func TestHostDenylist(t *testing.T) {
	list := NewHostDenylist([]string{" HDL.handle.net ", ""})
	assert.True(t, list.Blocked("https://hdl.handle.net/x"))
	assert.True(t, list.Blocked("http://mirror.hdl.handle.net/x"))
	assert.False(t, list.Blocked("https://handle.net/x"))
	assert.False(t, list.Blocked("not a url at all"))
	assert.Equal(t, "https://hdl.handle.net/y", list.FirstBlocked([]string{"https://ok.org/a.pdf", "https://hdl.handle.net/y"}))

	var empty HostDenylist
	assert.False(t, empty.Blocked("https://hdl.handle.net/x"))
}
