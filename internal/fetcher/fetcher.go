package fetcher

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"origami_catalog/internal/config"
	"origami_catalog/internal/model"
)

const (
	MaxImageBytes  = 20 * 1024 * 1024 // 20MB
	DefaultTimeout = 30 * time.Second
	UserAgent      = "OrigamiCatalog/1.0"

	stage = "fetch"
)

// Options tunes a Fetcher. Zero values fall back to the defaults above.
type Options struct {
	Timeout           time.Duration
	MaxBytes          int64
	AllowPrivateHosts bool
}

// Fetcher downloads provider-hosted images. It never retries.
type Fetcher struct {
	client       *http.Client
	timeout      time.Duration
	maxBytes     int64
	allowPrivate bool
}

// New creates a Fetcher that verifies TLS against trust.
func New(trust *config.TrustRoot, opts Options) *Fetcher {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return NewWithClient(NewHTTPClient(trust, timeout), opts)
}

// NewWithClient creates a Fetcher around an existing http.Client.
func NewWithClient(client *http.Client, opts Options) *Fetcher {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = MaxImageBytes
	}
	return &Fetcher{
		client:       client,
		timeout:      timeout,
		maxBytes:     maxBytes,
		allowPrivate: opts.AllowPrivateHosts,
	}
}

// Fetch downloads the image at urlStr and returns its bytes.
// It enforces a timeout, a size limit and a content type check.
func (f *Fetcher) Fetch(ctx context.Context, urlStr string) ([]byte, error) {
	if err := IsValidImageURL(urlStr, f.allowPrivate); err != nil {
		return nil, model.NewFetchError(stage, "画像URLが不正です", err)
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return nil, model.NewFetchError(stage, "リクエスト作成エラー", err)
	}
	req.Header.Set("User-Agent", UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, model.NewFetchError(stage, "通信エラー", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, model.NewFetchError(stage, fmt.Sprintf("HTTPエラー: %d", resp.StatusCode), nil)
	}

	// Content-Type が宣言されている場合のみ検査
	if ct := resp.Header.Get("Content-Type"); ct != "" && !isImageContentType(ct) {
		return nil, model.NewFetchError(stage, "画像コンテンツではありません: "+ct, nil)
	}

	// Limit reader to prevent reading large files
	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, model.NewFetchError(stage, "レスポンス読み込みエラー", err)
	}
	if int64(len(data)) > f.maxBytes {
		return nil, model.NewFetchError(stage, fmt.Sprintf("画像サイズが上限 (%d bytes) を超えています", f.maxBytes), nil)
	}
	if len(data) == 0 {
		return nil, model.NewFetchError(stage, "画像データが空です", nil)
	}

	return data, nil
}

func isImageContentType(ct string) bool {
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return false
	}
	return strings.HasPrefix(mediaType, "image/") || mediaType == "application/octet-stream"
}
