// Package datastream opens local files and remote URLs as seekable streams.
package datastream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebovdev/cubeplay/internal/cache"
	"github.com/glebovdev/cubeplay/internal/config"
	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

const (
	MaxRetries      = 3
	RetryDelay      = time.Second * 2
	MaxRetryDelay   = time.Second * 10
	DownloadTimeout = 10 * time.Minute
)

// ErrUnsupportedScheme is returned for URLs that are neither files nor http(s).
var ErrUnsupportedScheme = errors.New("unsupported url scheme")

// HTTPStatusError reports a non-200 response for a remote stream.
type HTTPStatusError struct {
	StatusCode int
	Status     string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("stream returned status %d: %s", e.StatusCode, e.Status)
}

// IsNonRetryableError reports whether err is an HTTP status that will not
// change on retry.
func IsNonRetryableError(err error) bool {
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		switch statusErr.StatusCode {
		case 401, 403, 404, 410:
			return true
		}
	}
	return false
}

// Opener resolves URLs to open files. Remote streams are downloaded into
// the cache first so they can be seeked.
type Opener struct {
	client *resty.Client
	cache  *cache.Cache
}

// NewOpener creates an opener. A nil cache disables remote streams.
func NewOpener(c *cache.Cache) *Opener {
	client := resty.New().
		SetTimeout(DownloadTimeout).
		SetRetryCount(MaxRetries).
		SetRetryWaitTime(RetryDelay).
		SetRetryMaxWaitTime(MaxRetryDelay).
		SetHeader("User-Agent", fmt.Sprintf("cubeplay/%s", config.AppVersion)).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= 500
		})

	return &Opener{client: client, cache: c}
}

// IsRemote reports whether rawURL is an http(s) URL.
func IsRemote(rawURL string) bool {
	lower := strings.ToLower(rawURL)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// LocalPath maps a plain path or file:// URL to a filesystem path.
func LocalPath(rawURL string) (string, error) {
	if !strings.Contains(rawURL, "://") {
		return rawURL, nil
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", rawURL, err)
	}
	if u.Scheme != "file" {
		return "", fmt.Errorf("%s: %w", u.Scheme, ErrUnsupportedScheme)
	}
	return filepath.FromSlash(u.Path), nil
}

// Open returns a seekable file for rawURL.
func (o *Opener) Open(ctx context.Context, rawURL string) (*os.File, error) {
	path, err := o.Resolve(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}
	return f, nil
}

// Resolve returns the local path holding rawURL's data, downloading it if
// needed.
func (o *Opener) Resolve(ctx context.Context, rawURL string) (string, error) {
	if !IsRemote(rawURL) {
		return LocalPath(rawURL)
	}

	if o.cache == nil {
		return "", fmt.Errorf("remote stream %s: no cache configured", rawURL)
	}

	if path, ok := o.cache.Path(rawURL); ok {
		log.Debug().Str("url", rawURL).Msg("Using cached stream")
		return path, nil
	}

	return o.download(ctx, rawURL)
}

func (o *Opener) download(ctx context.Context, rawURL string) (string, error) {
	log.Debug().Str("url", rawURL).Msg("Downloading stream")

	resp, err := o.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(rawURL)
	if err != nil {
		return "", fmt.Errorf("failed to fetch stream: %w", err)
	}

	body := resp.RawBody()
	defer body.Close()

	if resp.StatusCode() != http.StatusOK {
		return "", &HTTPStatusError{StatusCode: resp.StatusCode(), Status: resp.Status()}
	}

	path, err := o.cache.Store(rawURL, body)
	if err != nil {
		return "", fmt.Errorf("failed to cache stream: %w", err)
	}
	return path, nil
}
