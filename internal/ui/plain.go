package ui

import (
	"fmt"
	"io"
	"time"

	"github.com/bamsammich/chunkdl/internal/event"
	"github.com/bamsammich/chunkdl/internal/stats"
)

// plainPresenter outputs one line per mission transition to stdout, and
// periodic progress to stderr when not a TTY.
type plainPresenter struct {
	w     io.Writer
	errW  io.Writer
	stats *stats.Collector
	names map[int64]string
}

func (p *plainPresenter) Run(events <-chan Event) error {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	tick := time.NewTicker(time.Second)
	defer tick.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			p.handleEvent(ev)
		case <-tick.C:
			p.stats.Tick()
		case <-ticker.C:
			p.printProgress()
		}
	}
}

func (p *plainPresenter) handleEvent(ev Event) {
	if ev.Name != "" {
		p.names[ev.Mission] = ev.Name
	}
	name := p.names[ev.Mission]

	switch ev.Type {
	case event.MissionAdded:
		fmt.Fprintf(p.w, "%s  queued  %d\n", name, ev.Mission)
	case event.MissionFinished:
		speed := p.stats.RollingSpeed(5)
		fmt.Fprintf(p.w, "%s  %s  %s\n", name, FormatBytes(ev.Length), FormatRate(speed))
	case event.MissionFailed:
		errMsg := ev.Code.String()
		if ev.Error != nil {
			errMsg += ": " + ev.Error.Error()
		}
		fmt.Fprintf(p.w, "%s  %s  %s\n", name, FormatBytes(ev.Done), errMsg)
	case event.MissionPaused:
		fmt.Fprintf(p.w, "%s  paused at %s\n", name, FormatBytes(ev.Done))
	case event.MissionRecovered:
		fmt.Fprintf(p.w, "%s  recovered\n", name)
	case event.MissionDeleted:
		fmt.Fprintf(p.w, "%s  removed\n", name)
		delete(p.names, ev.Mission)
	case event.NetworkChanged:
		fmt.Fprintf(p.w, "network: %s\n", ev.Network)
	}
}

func (p *plainPresenter) printProgress() {
	snap := p.stats.Snapshot()
	speed := p.stats.RollingSpeed(10)
	if snap.BytesTotal > 0 {
		pct := float64(snap.BytesDownloaded) / float64(snap.BytesTotal) * 100
		fmt.Fprintf(p.errW, "progress: %.0f%% %s/%s %s eta %s\n",
			pct,
			FormatBytes(snap.BytesDownloaded), FormatBytes(snap.BytesTotal),
			FormatRate(speed),
			FormatETA(p.stats.ETA()),
		)
		return
	}
	fmt.Fprintf(p.errW, "progress: %s downloaded %s\n",
		FormatBytes(snap.BytesDownloaded), FormatRate(speed))
}

func (p *plainPresenter) Summary() string {
	return completionSummary(p.stats.Snapshot())
}
