package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rangeServer serves data with optional range support.
func rangeServer(t *testing.T, data []byte, ranges bool) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"v1"`)
		rh := r.Header.Get("Range")
		if !ranges || rh == "" {
			w.Header().Set("Content-Length", strconv.Itoa(len(data)))
			if r.Method != http.MethodHead {
				_, _ = w.Write(data)
			}
			return
		}
		w.Header().Set("Accept-Ranges", "bytes")

		spec := strings.TrimPrefix(rh, "bytes=")
		parts := strings.SplitN(spec, "-", 2)
		start, _ := strconv.ParseInt(parts[0], 10, 64)
		end := int64(len(data)) - 1
		if parts[1] != "" {
			end, _ = strconv.ParseInt(parts[1], 10, 64)
		}
		if start >= int64(len(data)) {
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		end = min(end, int64(len(data))-1)
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(data)))
		w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(data[start : end+1])
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHead(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		w.Header().Set("Content-Length", "1024")
		w.Header().Set("ETag", `W/"abc123"`)
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Disposition", `attachment; filename="clip.mp4"`)
		w.Header().Set("Last-Modified", "Wed, 01 Jan 2025 00:00:00 GMT")
	}))
	defer srv.Close()

	info, err := NewClient(DefaultOptions()).Head(context.Background(), srv.URL+"/files/raw")
	require.NoError(t, err)
	assert.Equal(t, int64(1024), info.Length)
	assert.Equal(t, "abc123", info.ETag)
	assert.True(t, info.AcceptsRanges)
	assert.Equal(t, "clip.mp4", info.Name)
	assert.Equal(t, 2025, info.LastModified.Year())
}

func TestHeadProbesRangeSupport(t *testing.T) {
	t.Parallel()
	data := []byte("0123456789")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		assert.Equal(t, "bytes=0-0", r.Header.Get("Range"))
		w.Header().Set("Content-Range", fmt.Sprintf("bytes 0-0/%d", len(data)))
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(data[:1])
	}))
	defer srv.Close()

	info, err := NewClient(DefaultOptions()).Head(context.Background(), srv.URL+"/video.webm")
	require.NoError(t, err)
	assert.True(t, info.AcceptsRanges)
	assert.Equal(t, int64(len(data)), info.Length)
	assert.Equal(t, "video.webm", info.Name)
}

func TestHeadNoRanges(t *testing.T) {
	t.Parallel()
	srv := rangeServer(t, []byte("hello"), false)

	info, err := NewClient(DefaultOptions()).Head(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.False(t, info.AcceptsRanges)
	assert.Equal(t, int64(5), info.Length)
}

func TestHeadStatusErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		status    int
		transient bool
	}{
		{"not found", http.StatusNotFound, false},
		{"gone", http.StatusGone, false},
		{"no content", http.StatusNoContent, false},
		{"server error", http.StatusBadGateway, true},
		{"throttled", http.StatusTooManyRequests, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			_, err := NewClient(DefaultOptions()).Head(context.Background(), srv.URL)
			require.Error(t, err)
			assert.Equal(t, tt.status, StatusCode(err))
			assert.Equal(t, tt.transient, IsTransient(err))
		})
	}
}

func TestGetRange(t *testing.T) {
	t.Parallel()
	data := []byte("Hello, World! This is test data for range requests.")
	srv := rangeServer(t, data, true)
	c := NewClient(DefaultOptions())

	resp, err := c.GetRange(context.Background(), srv.URL, 7, 11)
	require.NoError(t, err)
	defer resp.Body.Close()
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "World", string(got))
	assert.Equal(t, "v1", resp.ETag)

	open, err := c.GetRange(context.Background(), srv.URL, 40, -1)
	require.NoError(t, err)
	defer open.Body.Close()
	got, err = io.ReadAll(open.Body)
	require.NoError(t, err)
	assert.Equal(t, string(data[40:]), string(got))
}

func TestGetRangeNotSupported(t *testing.T) {
	t.Parallel()
	srv := rangeServer(t, []byte("no ranges here"), false)

	_, err := NewClient(DefaultOptions()).GetRange(context.Background(), srv.URL, 2, 5)
	require.ErrorIs(t, err, ErrRangeNotSupported)
	assert.False(t, IsTransient(err))
}

func TestGetRangeMismatch(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Range", "bytes 0-4/10")
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write([]byte("01234"))
	}))
	defer srv.Close()

	_, err := NewClient(DefaultOptions()).GetRange(context.Background(), srv.URL, 5, 9)
	require.ErrorIs(t, err, ErrRangeMismatch)
}

func TestGet(t *testing.T) {
	t.Parallel()
	srv := rangeServer(t, []byte("whole body"), false)

	resp, err := NewClient(DefaultOptions()).Get(context.Background(), srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "whole body", string(got))
	assert.Equal(t, int64(10), resp.ContentLength)
}

func TestGetRateLimited(t *testing.T) {
	t.Parallel()
	data := make([]byte, 8*1024)
	srv := rangeServer(t, data, false)

	opts := DefaultOptions()
	opts.Limiter = NewBWLimiter(4 * 1024)
	resp, err := NewClient(opts).Get(context.Background(), srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	start := time.Now()
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Len(t, got, len(data))
	// 8 KB at 4 KB/s with a 4 KB burst takes about a second.
	assert.GreaterOrEqual(t, time.Since(start), 800*time.Millisecond)
}

func TestBackoffHonoursContext(t *testing.T) {
	t.Parallel()
	opts := DefaultOptions()
	opts.RetryBackoff = time.Hour
	opts.RetryMaxBackoff = time.Hour
	c := NewClient(opts)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, c.Backoff(ctx, 3), context.Canceled)
}

func TestBackoffCapped(t *testing.T) {
	t.Parallel()
	opts := DefaultOptions()
	opts.RetryBackoff = time.Millisecond
	opts.RetryMaxBackoff = 10 * time.Millisecond
	c := NewClient(opts)

	start := time.Now()
	require.NoError(t, c.Backoff(context.Background(), 40))
	assert.Less(t, time.Since(start), time.Second)
}

func TestIsTransient(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"deadline", fmt.Errorf("get: %w", context.DeadlineExceeded), true},
		{"unexpected eof", io.ErrUnexpectedEOF, true},
		{"dns", &net.DNSError{Err: "no such host", Name: "nowhere.invalid", IsNotFound: true}, false},
		{"dial", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("refused")}, true},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestErrorClassHelpers(t *testing.T) {
	t.Parallel()
	dns := fmt.Errorf("head: %w", &net.DNSError{Err: "no such host", Name: "x.invalid", IsNotFound: true})
	assert.True(t, IsUnknownHost(dns))
	assert.False(t, IsConnect(dns))

	dial := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("refused")}
	assert.True(t, IsConnect(dial))
	assert.False(t, IsTimeout(dial))
	assert.True(t, IsTimeout(context.DeadlineExceeded))
	assert.False(t, IsTLS(dial))
}

func TestParseContentRange(t *testing.T) {
	t.Parallel()
	tests := []struct {
		header            string
		start, end, total int64
		wantErr           bool
	}{
		{"bytes 0-99/1000", 0, 99, 1000, false},
		{"bytes 100-199/*", 100, 199, -1, false},
		{"bytes 0-99", 0, 0, 0, true},
		{"bytes x-99/100", 0, 0, 0, true},
	}
	for _, tt := range tests {
		start, end, total, err := ParseContentRange(tt.header)
		if tt.wantErr {
			assert.Error(t, err, tt.header)
			continue
		}
		require.NoError(t, err, tt.header)
		assert.Equal(t, tt.start, start)
		assert.Equal(t, tt.end, end)
		assert.Equal(t, tt.total, total)
	}
}

func TestCleanETag(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "abc", cleanETag(`"abc"`))
	assert.Equal(t, "abc", cleanETag(`W/"abc"`))
	assert.Equal(t, "abc", cleanETag("abc"))
}

func TestRedact(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "https://host/file", redact("https://user:pw@host/file?token=secret"))
}

func TestNewBWLimiter(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 1024, NewBWLimiter(1024).Burst())
	assert.Equal(t, 1<<20, NewBWLimiter(10*1024*1024).Burst())
}
