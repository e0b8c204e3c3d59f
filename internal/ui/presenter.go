// Package ui renders download events for a terminal or a log-friendly
// stream.
package ui

import (
	"io"

	"github.com/bamsammich/chunkdl/internal/event"
	"github.com/bamsammich/chunkdl/internal/stats"
)

// Event is the manager event a presenter consumes.
type Event = event.Event

// Presenter consumes events and displays progress.
type Presenter interface {
	// Run consumes events until the channel closes. Blocks until done.
	Run(events <-chan Event) error
	// Summary returns the final summary line.
	Summary() string
}

// Config configures a Presenter.
type Config struct {
	Writer     io.Writer
	ErrWriter  io.Writer
	Stats      *stats.Collector
	IsTTY      bool
	Width      int // terminal columns, 0 for unknown
	Quiet      bool
	NoProgress bool
}

// NewPresenter creates the appropriate presenter based on configuration.
//
//nolint:ireturn // callers pick behavior through the interface
func NewPresenter(cfg Config) Presenter {
	if cfg.Quiet {
		return &quietPresenter{}
	}
	if !cfg.IsTTY || cfg.NoProgress {
		return &plainPresenter{
			w:     cfg.Writer,
			errW:  cfg.ErrWriter,
			stats: cfg.Stats,
			names: make(map[int64]string),
		}
	}
	return newHUDPresenter(cfg.ErrWriter, cfg.Stats, cfg.Width)
}
