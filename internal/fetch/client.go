// Package fetch is the HTTP range client missions download through.
package fetch

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Options configures the HTTP client.
type Options struct {
	// MaxIdleConnsPerHost sets the maximum idle connections per host.
	// Default: 16
	MaxIdleConnsPerHost int

	// Timeout bounds connection setup and response headers. Bodies are
	// not bounded so long ranges on slow links survive.
	// Default: 30s
	Timeout time.Duration

	// RetryBackoff is the initial backoff duration.
	// Default: 1s
	RetryBackoff time.Duration

	// RetryMaxBackoff is the maximum backoff duration.
	// Default: 30s
	RetryMaxBackoff time.Duration

	UserAgent string

	// Limiter caps the aggregate download rate. Nil means unlimited.
	Limiter *rate.Limiter
}

// DefaultOptions returns options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		MaxIdleConnsPerHost: 16,
		Timeout:             30 * time.Second,
		RetryBackoff:        time.Second,
		RetryMaxBackoff:     30 * time.Second,
		UserAgent:           "chunkdl",
	}
}

// Info contains metadata about a remote resource.
type Info struct {
	// Length is the resource size, -1 when the server does not say.
	Length        int64
	ETag          string
	AcceptsRanges bool
	ContentType   string
	LastModified  time.Time
	// Name is a file name suggested by Content-Disposition or the URL.
	Name string
}

// Response is an open response body.
type Response struct {
	Body          io.ReadCloser
	ContentLength int64
	ETag          string
}

// Client is an HTTP client for ranged downloads. It does not retry on its
// own; callers decide per block and use Backoff between attempts.
type Client struct {
	client *http.Client
	opts   Options
}

// NewClient creates a new HTTP client with the given options.
func NewClient(opts Options) *Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConnsPerHost:   opts.MaxIdleConnsPerHost,
		MaxIdleConns:          opts.MaxIdleConnsPerHost * 2,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: opts.Timeout,
		TLSHandshakeTimeout:   opts.Timeout,
		DisableCompression:    true, // We want raw bytes for range requests
	}

	return &Client{
		client: &http.Client{Transport: transport},
		opts:   opts,
	}
}

// Head fetches metadata for url. Servers that do not advertise range
// support are probed with a one-byte range request.
func (c *Client) Head(ctx context.Context, url string) (*Info, error) {
	resp, err := c.do(ctx, http.MethodHead, url, "")
	if err != nil {
		return nil, err
	}
	resp.Body.Close()

	if resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotImplemented {
		return c.probe(ctx, url)
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	info := infoFrom(resp)
	if !info.AcceptsRanges {
		if probed, err := c.probe(ctx, url); err == nil {
			info.AcceptsRanges = probed.AcceptsRanges
			if info.Length < 0 {
				info.Length = probed.Length
			}
		}
	}
	return info, nil
}

// probe issues GET with Range: bytes=0-0.
func (c *Client) probe(ctx context.Context, url string) (*Info, error) {
	resp, err := c.do(ctx, http.MethodGet, url, "bytes=0-0")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	info := infoFrom(resp)
	if resp.StatusCode == http.StatusPartialContent {
		if _, _, total, err := ParseContentRange(resp.Header.Get("Content-Range")); err == nil {
			info.Length = total
			info.AcceptsRanges = true
		}
	}
	return info, nil
}

// GetRange requests bytes [start, end] (inclusive, like the Range header).
// An end of -1 requests everything from start.
func (c *Client) GetRange(ctx context.Context, url string, start, end int64) (*Response, error) {
	spec := fmt.Sprintf("bytes=%d-", start)
	if end >= 0 {
		spec = fmt.Sprintf("bytes=%d-%d", start, end)
	}

	resp, err := c.do(ctx, http.MethodGet, url, spec)
	if err != nil {
		return nil, err
	}

	switch resp.StatusCode {
	case http.StatusPartialContent:
	case http.StatusOK:
		// Some servers return 200 with the range.
		if resp.Header.Get("Content-Range") == "" {
			resp.Body.Close()
			return nil, ErrRangeNotSupported
		}
	case http.StatusRequestedRangeNotSatisfiable:
		resp.Body.Close()
		return nil, ErrRangeNotSupported
	default:
		resp.Body.Close()
		return nil, checkStatus(resp)
	}

	if got, _, _, err := ParseContentRange(resp.Header.Get("Content-Range")); err == nil && got != start {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: asked for %d, got %d", ErrRangeMismatch, start, got)
	}

	return &Response{
		Body:          newRateLimitedBody(ctx, resp.Body, c.opts.Limiter),
		ContentLength: resp.ContentLength,
		ETag:          cleanETag(resp.Header.Get("ETag")),
	}, nil
}

// Get performs a plain GET of the whole resource.
func (c *Client) Get(ctx context.Context, url string) (*Response, error) {
	resp, err := c.do(ctx, http.MethodGet, url, "")
	if err != nil {
		return nil, err
	}
	if err := checkStatus(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return &Response{
		Body:          newRateLimitedBody(ctx, resp.Body, c.opts.Limiter),
		ContentLength: resp.ContentLength,
		ETag:          cleanETag(resp.Header.Get("ETag")),
	}, nil
}

// Backoff waits for an exponentially increasing duration with jitter
// before retry number attempt (1-based).
func (c *Client) Backoff(ctx context.Context, attempt int) error {
	backoff := c.opts.RetryBackoff * time.Duration(1<<uint(max(attempt-1, 0)))
	if backoff > c.opts.RetryMaxBackoff || backoff <= 0 {
		backoff = c.opts.RetryMaxBackoff
	}

	// Add jitter: 0.5 to 1.5 of backoff
	jitter := time.Duration(float64(backoff) * (0.5 + rand.Float64()))

	timer := time.NewTimer(jitter)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Client) do(ctx context.Context, method, url, rangeSpec string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.opts.UserAgent != "" {
		req.Header.Set("User-Agent", c.opts.UserAgent)
	}
	if rangeSpec != "" {
		req.Header.Set("Range", rangeSpec)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, redact(url), err)
	}
	return resp, nil
}

func infoFrom(resp *http.Response) *Info {
	info := &Info{
		Length:        resp.ContentLength,
		ETag:          cleanETag(resp.Header.Get("ETag")),
		AcceptsRanges: resp.Header.Get("Accept-Ranges") == "bytes",
		ContentType:   resp.Header.Get("Content-Type"),
		Name:          suggestedName(resp),
	}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			info.LastModified = t
		}
	}
	return info
}

// suggestedName picks a file name from Content-Disposition, falling back
// to the last URL path segment.
func suggestedName(resp *http.Response) string {
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			if name := path.Base(params["filename"]); name != "." && name != "/" && params["filename"] != "" {
				return name
			}
		}
	}
	if resp.Request == nil || resp.Request.URL == nil {
		return ""
	}
	name := path.Base(resp.Request.URL.Path)
	if name == "." || name == "/" {
		return ""
	}
	return name
}

// cleanETag removes quotes from an ETag value.
func cleanETag(etag string) string {
	etag = strings.TrimPrefix(etag, "W/")
	etag = strings.Trim(etag, `"`)
	return etag
}

// redact drops credentials and query strings from URLs used in errors.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.User = nil
	u.RawQuery = ""
	return u.String()
}

// ParseContentRange parses a Content-Range header value.
// Returns start, end, total bytes. Total may be -1 if unknown.
func ParseContentRange(header string) (start, end, total int64, err error) {
	// Format: bytes start-end/total or bytes start-end/*
	header = strings.TrimPrefix(header, "bytes ")
	parts := strings.Split(header, "/")
	if len(parts) != 2 {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range format: %s", header)
	}

	rangeParts := strings.Split(parts[0], "-")
	if len(rangeParts) != 2 {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range format: %s", header)
	}

	start, err = strconv.ParseInt(rangeParts[0], 10, 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid start byte: %w", err)
	}

	end, err = strconv.ParseInt(rangeParts[1], 10, 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid end byte: %w", err)
	}

	if parts[1] == "*" {
		total = -1
	} else {
		total, err = strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("invalid total bytes: %w", err)
		}
	}

	return start, end, total, nil
}
