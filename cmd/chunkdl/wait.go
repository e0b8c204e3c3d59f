package main

import (
	"context"
	"fmt"
	"os"

	"github.com/bamsammich/chunkdl/internal/event"
)

// outcome tallies how the awaited missions ended.
type outcome struct {
	finished int
	failed   int
	paused   int
	queued   int
}

// exitCode maps an outcome to the process exit status: 0 when nothing
// failed, 1 for a partial failure or an interrupted run, 2 when every
// mission failed.
func (o outcome) exitCode() int {
	switch {
	case o.failed == 0 && o.paused == 0:
		return 0
	case o.failed > 0 && o.finished == 0 && o.paused == 0 && o.queued == 0:
		return 2
	default:
		return 1
	}
}

func (o outcome) err() error {
	if code := o.exitCode(); code != 0 {
		return &exitError{code: code}
	}
	return nil
}

// await subscribes to the bus, runs start and blocks until every mission it
// returns has finished, failed or paused. Cancelling ctx pauses the
// running missions and waits for them to settle.
func (a *app) await(ctx context.Context, start func() ([]int64, error)) (outcome, error) {
	watch, unsubWatch := a.bus.Subscribe(1024)
	defer unsubWatch()

	presEvents, unsubPres := a.bus.Subscribe(1024)
	pres := a.presenter()
	presDone := make(chan error, 1)
	go func() { presDone <- pres.Run(presEvents) }()
	stopPresenter := func() {
		unsubPres()
		if err := <-presDone; err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
	}

	targets, err := start()
	if err != nil {
		stopPresenter()
		return outcome{}, err
	}

	var out outcome
	waiting := make(map[int64]bool, len(targets))
	canDownload := a.mgr.CanDownload()
	for _, ts := range targets {
		e, ok := a.mgr.Lookup(ts)
		if !ok {
			continue
		}
		// Nothing starts while the network forbids it; leave those queued.
		if ms := e.Pending; ms != nil && !canDownload && !ms.Running() && ms.ErrCode() == 0 {
			out.queued++
			continue
		}
		waiting[ts] = true
	}

	var stopped chan struct{}
	for len(waiting) > 0 {
		select {
		case ev := <-watch:
			if !waiting[ev.Mission] {
				continue
			}
			switch ev.Type {
			case event.MissionFinished:
				out.finished++
			case event.MissionFailed:
				out.failed++
			case event.MissionPaused:
				out.paused++
			case event.MissionDeleted:
				out.failed++
			default:
				continue
			}
			delete(waiting, ev.Mission)

		case <-ctx.Done():
			stopped = make(chan struct{})
			go func() {
				defer close(stopped)
				a.mgr.PauseAllMissions(true)
			}()
			ctx = context.Background()

		case <-stopped:
			// Queued missions never emit; count them as interrupted.
			out.paused += len(waiting)
			clear(waiting)
		}
	}
	if stopped != nil {
		<-stopped
	}

	stopPresenter()
	if s := pres.Summary(); s != "" {
		fmt.Fprintln(os.Stderr, s)
	}
	if out.queued > 0 {
		fmt.Fprintf(a.stdout(), "%d mission(s) queued until the network allows downloading\n", out.queued)
	}
	return out, nil
}
