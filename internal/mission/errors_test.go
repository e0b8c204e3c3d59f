package mission

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/bamsammich/chunkdl/internal/fetch"
	"github.com/bamsammich/chunkdl/internal/storage"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"nil", nil, ErrNothing},
		{"coded", withCode(ErrPathCreation, errors.New("mkdir")), ErrPathCreation},
		{"wrapped coded", fmt.Errorf("block 3: %w", withCode(ErrFileCreation, errors.New("x"))), ErrFileCreation},
		{"http 404", &fetch.StatusError{Code: 404, Status: "404 Not Found"}, ErrorCode(404)},
		{"http 204", &fetch.StatusError{Code: 204, Status: "204 No Content"}, ErrHTTPNoContent},
		{"http 410", &fetch.StatusError{Code: 410, Status: "410 Gone"}, ErrResourceGone},
		{"range unsupported", fetch.ErrRangeNotSupported, ErrorCode(416)},
		{"resource changed", fmt.Errorf("block 1: %w", ErrResourceChanged), ErrProgressLost},
		{"unknown host", &net.DNSError{Err: "no such host", Name: "nope.invalid"}, ErrUnknownHost},
		{"connect", &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, ErrConnectHost},
		{"timeout", context.DeadlineExceeded, ErrTimeout},
		{"invalidated", storage.ErrInvalidated, ErrFileCreation},
		{"permission", &fs.PathError{Op: "open", Path: "/x", Err: fs.ErrPermission}, ErrPermissionDenied},
		{"disk full", &fs.PathError{Op: "write", Path: "/x", Err: syscall.ENOSPC}, ErrInsufficientStorage},
		{"other", errors.New("boom"), ErrUnknownException},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestStorageFailureIsCoded(t *testing.T) {
	t.Parallel()

	err := storageFailure(&fs.PathError{Op: "write", Path: "/x", Err: syscall.ENOSPC})
	assert.True(t, isCoded(err))
	assert.Equal(t, ErrInsufficientStorage, Classify(err))
	assert.Equal(t, ErrFileCreation, Classify(storageFailure(errors.New("short write"))))
}

func TestErrorCodeString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "Nothing", ErrNothing.String())
	assert.Equal(t, "HTTPNoContent", ErrHTTPNoContent.String())
	assert.Equal(t, "HTTP503", ErrorCode(503).String())
	assert.Equal(t, "PathCreation", ErrPathCreation.String())
	assert.Equal(t, "ResourceGone", ErrResourceGone.String())
	assert.Equal(t, "Unknown", ErrorCode(999).String())
	assert.True(t, ErrorCode(404).IsHTTP())
	assert.False(t, ErrTimeout.IsHTTP())
	assert.Equal(t, ErrorCode(1000), ErrPathCreation)
}
