package ui

import (
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/bamsammich/chunkdl/internal/event"
	"github.com/bamsammich/chunkdl/internal/stats"
)

// ANSI escape sequences.
const (
	ansiDim   = "\033[2m"
	ansiBold  = "\033[1m"
	ansiReset = "\033[0m"
)

const (
	sparklineWidth   = 20
	progressBarWidth = 20
	hudMinInterval   = 50 * time.Millisecond // don't redraw faster than this
	minNameWidth     = 12
)

// hudPresenter keeps a feed of finished and failed missions scrolling above
// a block that redraws in place: one bar per active mission and a footer
// with the aggregate rate.
type hudPresenter struct {
	w     io.Writer
	stats *stats.Collector
	width int

	rows  map[int64]*hudRow
	order []int64

	hudDrawn     bool
	hudLineCount int
	lastHUDDraw  time.Time
}

type hudRow struct {
	name   string
	done   int64
	length int64
}

func newHUDPresenter(w io.Writer, s *stats.Collector, width int) *hudPresenter {
	if width <= 0 {
		width = 80
	}
	return &hudPresenter{w: w, stats: s, width: width, rows: make(map[int64]*hudRow)}
}

func (p *hudPresenter) Run(events <-chan Event) error {
	// Fire first tick quickly to seed the ring buffer with initial speed data,
	// then switch to 1s interval.
	secTicker := time.NewTicker(250 * time.Millisecond)
	defer secTicker.Stop()
	firstTickDone := false

	redrawTicker := time.NewTicker(100 * time.Millisecond)
	defer redrawTicker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				p.clearHUD()
				return nil
			}
			p.handleEvent(ev)
			p.maybeDrawHUD()

		case <-redrawTicker.C:
			p.drawHUD()

		case <-secTicker.C:
			p.stats.Tick()
			if !firstTickDone {
				firstTickDone = true
				secTicker.Reset(time.Second)
			}
		}
	}
}

func (p *hudPresenter) row(ev Event) *hudRow {
	r, ok := p.rows[ev.Mission]
	if !ok {
		r = &hudRow{length: -1}
		p.rows[ev.Mission] = r
		p.order = append(p.order, ev.Mission)
	}
	if ev.Name != "" {
		r.name = ev.Name
	}
	return r
}

func (p *hudPresenter) drop(ts int64) {
	delete(p.rows, ts)
	if i := slices.Index(p.order, ts); i >= 0 {
		p.order = slices.Delete(p.order, i, i+1)
	}
}

func (p *hudPresenter) handleEvent(ev Event) {
	switch ev.Type {
	case event.MissionAdded, event.MissionStarted, event.MissionProgress:
		r := p.row(ev)
		r.done = ev.Done
		r.length = ev.Length

	case event.MissionFinished:
		name := p.row(ev).name
		p.drop(ev.Mission)
		p.feed("✓  %s  %10s  %s", name, FormatBytes(ev.Length), FormatRate(p.stats.RollingSpeed(5)))

	case event.MissionFailed:
		name := p.row(ev).name
		p.drop(ev.Mission)
		msg := ev.Code.String()
		if ev.Error != nil {
			msg += ": " + ev.Error.Error()
		}
		p.feed("✗  %s  %10s  %s", name, FormatBytes(ev.Done), msg)

	case event.MissionPaused:
		name := p.row(ev).name
		p.drop(ev.Mission)
		p.feed("‖  %s  %10s  %spaused%s", name, FormatBytes(ev.Done), ansiDim, ansiReset)

	case event.MissionDeleted:
		p.drop(ev.Mission)

	case event.MissionRecovered:
		p.feed("↻  %s  %srecovered%s", p.row(ev).name, ansiDim, ansiReset)

	case event.NetworkChanged:
		p.feed("%snetwork %s%s", ansiDim, ev.Network, ansiReset)
	}
}

// feed prints one permanent line above the HUD.
func (p *hudPresenter) feed(format string, args ...any) {
	p.clearHUD()
	fmt.Fprintf(p.w, format+"\n", args...)
	p.drawHUD()
}

// maybeDrawHUD redraws the HUD if enough time has passed since the last draw.
func (p *hudPresenter) maybeDrawHUD() {
	if time.Since(p.lastHUDDraw) < hudMinInterval {
		return
	}
	p.drawHUD()
}

func (p *hudPresenter) drawHUD() {
	p.clearHUD()

	nameWidth := max(p.width-progressBarWidth-40, minNameWidth)
	lines := 0
	for _, ts := range p.order {
		r := p.rows[ts]
		name := truncName(r.name, nameWidth)
		if r.length <= 0 {
			fmt.Fprintf(p.w, "  --   %s   %s%-*s%s  %s\n",
				ProgressBar(0, progressBarWidth), ansiBold, nameWidth, name, ansiReset, FormatBytes(r.done))
		} else {
			pct := float64(r.done) / float64(r.length)
			fmt.Fprintf(p.w, " %3.0f%%  %s   %s%-*s%s  %s / %s\n",
				pct*100, ProgressBar(pct, progressBarWidth),
				ansiBold, nameWidth, name, ansiReset,
				FormatBytes(r.done), FormatBytes(r.length))
		}
		lines++
	}

	snap := p.stats.Snapshot()
	spark := Sparkline(p.stats.SparklineData(sparklineWidth), sparklineWidth)
	fmt.Fprintf(p.w, "       %s   %s   %s / %s   eta %s\n",
		spark, FormatRate(p.stats.RollingSpeed(10)),
		FormatBytes(snap.BytesDownloaded), FormatBytes(snap.BytesTotal),
		FormatETA(p.stats.ETA()))
	lines++

	p.hudDrawn = true
	p.hudLineCount = lines
	p.lastHUDDraw = time.Now()
}

func (p *hudPresenter) clearHUD() {
	if !p.hudDrawn {
		return
	}
	// Move cursor up N lines and clear to end of screen.
	fmt.Fprintf(p.w, "\033[%dA\033[J", max(p.hudLineCount, 1))
	p.hudDrawn = false
}

func (p *hudPresenter) Summary() string {
	return completionSummary(p.stats.Snapshot())
}

// truncName shortens a name to fit within maxLen runes.
func truncName(name string, maxLen int) string {
	r := []rune(name)
	if len(r) <= maxLen {
		return name
	}
	if maxLen <= 3 {
		return string(r[:maxLen])
	}
	return string(r[:maxLen-3]) + "..."
}
