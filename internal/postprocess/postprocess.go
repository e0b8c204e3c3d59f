// Package postprocess defines the steps that may run on a download after
// its last byte arrived, plus the built-in algorithms.
package postprocess

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/bamsammich/chunkdl/internal/stream"
)

// ErrUnknownAlgorithm is returned by Lookup for unregistered names.
var ErrUnknownAlgorithm = errors.New("postprocess: unknown algorithm")

// ProgressFunc receives the bytes processed so far and the total, -1 when
// unknown.
type ProgressFunc func(done, total int64)

// Job is the input of one post-processing run.
type Job struct {
	// Open opens the downloaded file for reading and writing. Each call
	// returns a fresh stream the caller must close.
	Open func() (stream.Stream, error)
	// TempDir holds scratch files.
	TempDir  string
	Name     string
	Progress ProgressFunc
	Logger   *slog.Logger
}

func (j Job) progress(done, total int64) {
	if j.Progress != nil {
		j.Progress(done, total)
	}
}

func (j Job) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}

// Algorithm is one post-processing step.
type Algorithm interface {
	Name() string
	// WorksOnSameFile reports whether Run rewrites the download in place.
	// A failed in-place run leaves the file unusable.
	WorksOnSameFile() bool
	Run(ctx context.Context, job Job) error
}

type factory func(args []string) (Algorithm, error)

var algorithms = map[string]factory{
	zstdName:   newZstdDecode,
	blake3Name: newBlake3Verify,
}

// Lookup builds the algorithm registered as name with args.
func Lookup(name string, args []string) (Algorithm, error) {
	f, ok := algorithms[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, name)
	}
	return f(args)
}

// Names lists the registered algorithms.
func Names() []string {
	names := make([]string, 0, len(algorithms))
	for n := range algorithms {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
