package ui

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/bamsammich/chunkdl/internal/event"
	"github.com/bamsammich/chunkdl/internal/mission"
	"github.com/bamsammich/chunkdl/internal/stats"
)

func newPlain(out, errOut *bytes.Buffer) *plainPresenter {
	return &plainPresenter{w: out, errW: errOut, stats: stats.NewCollector(), names: make(map[int64]string)}
}

func TestPlainPresenterMissionFinished(t *testing.T) {
	var out, errOut bytes.Buffer
	p := newPlain(&out, &errOut)

	events := make(chan Event, 10)
	events <- Event{Type: event.MissionAdded, Mission: 1, Name: "video.mp4", Length: -1}
	events <- Event{Type: event.MissionProgress, Mission: 1, Done: 512, Length: 1024}
	events <- Event{Type: event.MissionFinished, Mission: 1, Done: 1024, Length: 1024}
	close(events)

	assert.NoError(t, p.Run(events))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	assert.Len(t, lines, 2)
	assert.Contains(t, lines[0], "video.mp4  queued")
	assert.Contains(t, lines[1], "video.mp4")
	assert.Contains(t, lines[1], "1.0 KiB")
}

func TestPlainPresenterMissionFailed(t *testing.T) {
	var out, errOut bytes.Buffer
	p := newPlain(&out, &errOut)

	events := make(chan Event, 5)
	events <- Event{Type: event.MissionFailed, Mission: 2, Name: "fail.bin", Code: mission.ErrorCode(404), Error: assert.AnError}
	close(events)

	assert.NoError(t, p.Run(events))
	assert.Contains(t, out.String(), "fail.bin")
	assert.Contains(t, out.String(), assert.AnError.Error())
}

func TestPlainPresenterPausedAndDeleted(t *testing.T) {
	var out, errOut bytes.Buffer
	p := newPlain(&out, &errOut)

	events := make(chan Event, 5)
	events <- Event{Type: event.MissionPaused, Mission: 3, Name: "a.iso", Done: 2048}
	events <- Event{Type: event.MissionDeleted, Mission: 3, Name: "a.iso"}
	events <- Event{Type: event.NetworkChanged, Network: event.NetworkMetered}
	close(events)

	assert.NoError(t, p.Run(events))
	assert.Contains(t, out.String(), "a.iso  paused at 2.0 KiB")
	assert.Contains(t, out.String(), "a.iso  removed")
	assert.Contains(t, out.String(), "network: metered")
	assert.Empty(t, p.names)
}

func TestPlainPresenterProgress(t *testing.T) {
	var out, errOut bytes.Buffer
	p := newPlain(&out, &errOut)

	p.stats.AddBytesTotal(1000)
	p.stats.AddBytesDownloaded(500)
	p.printProgress()
	assert.Contains(t, errOut.String(), "progress: 50%")

	errOut.Reset()
	q := newPlain(&out, &errOut)
	q.stats.AddBytesDownloaded(2048)
	q.printProgress()
	assert.Contains(t, errOut.String(), "2.0 KiB downloaded")
}

func TestPlainPresenterSummary(t *testing.T) {
	var out, errOut bytes.Buffer
	p := newPlain(&out, &errOut)
	p.stats.AddMissionsFinished(2)
	p.stats.AddMissionsFailed(1)

	s := p.Summary()
	assert.Contains(t, s, "done ✗")
	assert.Contains(t, s, "missions 2")
	assert.Contains(t, s, "errors 1")
}

func TestNewPresenterSelectsMode(t *testing.T) {
	var out bytes.Buffer
	c := stats.NewCollector()

	assert.IsType(t, &quietPresenter{}, NewPresenter(Config{Quiet: true, IsTTY: true, Stats: c}))
	assert.IsType(t, &plainPresenter{}, NewPresenter(Config{Writer: &out, ErrWriter: &out, Stats: c}))
	assert.IsType(t, &plainPresenter{}, NewPresenter(Config{IsTTY: true, NoProgress: true, Stats: c}))
	assert.IsType(t, &hudPresenter{}, NewPresenter(Config{IsTTY: true, ErrWriter: &out, Stats: c}))
}
