package mission

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"syscall"

	"github.com/bamsammich/chunkdl/internal/fetch"
	"github.com/bamsammich/chunkdl/internal/storage"
)

// ErrResourceChanged reports that the server content no longer matches the
// validator seen when the download started.
var ErrResourceChanged = errors.New("mission: resource changed on the server")

// ErrorCode is the persisted failure reason of a mission. Values 100-599
// are raw HTTP statuses; the named codes start at 1000.
type ErrorCode int32

const (
	ErrNothing       ErrorCode = 0
	ErrHTTPNoContent ErrorCode = http.StatusNoContent
)

const (
	ErrPathCreation ErrorCode = 1000 + iota
	ErrFileCreation
	ErrUnknownException
	ErrPermissionDenied
	ErrSSLException
	ErrUnknownHost
	ErrConnectHost
	ErrPostprocessing
	ErrPostprocessingStopped
	ErrPostprocessingHold
	ErrInsufficientStorage
	ErrProgressLost
	ErrTimeout
	ErrResourceGone
)

var codeNames = [...]string{
	ErrPathCreation - 1000:          "PathCreation",
	ErrFileCreation - 1000:          "FileCreation",
	ErrUnknownException - 1000:      "UnknownException",
	ErrPermissionDenied - 1000:      "PermissionDenied",
	ErrSSLException - 1000:          "SSLException",
	ErrUnknownHost - 1000:           "UnknownHost",
	ErrConnectHost - 1000:           "ConnectHost",
	ErrPostprocessing - 1000:        "Postprocessing",
	ErrPostprocessingStopped - 1000: "PostprocessingStopped",
	ErrPostprocessingHold - 1000:    "PostprocessingHold",
	ErrInsufficientStorage - 1000:   "InsufficientStorage",
	ErrProgressLost - 1000:          "ProgressLost",
	ErrTimeout - 1000:               "Timeout",
	ErrResourceGone - 1000:          "ResourceGone",
}

func (c ErrorCode) String() string {
	switch {
	case c == ErrNothing:
		return "Nothing"
	case c == ErrHTTPNoContent:
		return "HTTPNoContent"
	case c >= 100 && c < 600:
		return fmt.Sprintf("HTTP%d", int32(c))
	case c >= 1000 && int(c-1000) < len(codeNames):
		return codeNames[c-1000]
	default:
		return "Unknown"
	}
}

// IsHTTP reports whether c is a raw HTTP status.
func (c ErrorCode) IsHTTP() bool { return c >= 100 && c < 600 }

// codedError pins an error to a specific code.
type codedError struct {
	code ErrorCode
	err  error
}

func (e *codedError) Error() string { return fmt.Sprintf("%s: %v", e.code, e.err) }

func (e *codedError) Unwrap() error { return e.err }

func withCode(code ErrorCode, err error) error {
	return &codedError{code: code, err: err}
}

// storageFailure marks err as a local storage failure. Those are never
// retried.
func storageFailure(err error) error {
	code := ErrFileCreation
	switch {
	case errors.Is(err, fs.ErrPermission):
		code = ErrPermissionDenied
	case errors.Is(err, syscall.ENOSPC), errors.Is(err, syscall.EDQUOT):
		code = ErrInsufficientStorage
	}
	return withCode(code, err)
}

func isCoded(err error) bool {
	var coded *codedError
	return errors.As(err, &coded)
}

// Classify maps an error from the download path to an ErrorCode.
//
//nolint:gocyclo // flat lookup table
func Classify(err error) ErrorCode {
	if err == nil {
		return ErrNothing
	}

	var coded *codedError
	if errors.As(err, &coded) {
		return coded.code
	}

	switch status := fetch.StatusCode(err); {
	case status == http.StatusGone:
		return ErrResourceGone
	case status != 0:
		return ErrorCode(status)
	}

	switch {
	case errors.Is(err, ErrResourceChanged):
		return ErrProgressLost
	case errors.Is(err, fetch.ErrRangeNotSupported), errors.Is(err, fetch.ErrRangeMismatch):
		return ErrorCode(http.StatusRequestedRangeNotSatisfiable)
	case fetch.IsUnknownHost(err):
		return ErrUnknownHost
	case fetch.IsTLS(err):
		return ErrSSLException
	case fetch.IsTimeout(err):
		return ErrTimeout
	case fetch.IsConnect(err):
		return ErrConnectHost
	case errors.Is(err, storage.ErrInvalidated):
		return ErrFileCreation
	case errors.Is(err, fs.ErrPermission):
		return ErrPermissionDenied
	case errors.Is(err, syscall.ENOSPC), errors.Is(err, syscall.EDQUOT):
		return ErrInsufficientStorage
	default:
		return ErrUnknownException
	}
}
