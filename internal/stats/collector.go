package stats

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const ringSize = 60

// Collector tracks download statistics using lock-free atomic counters.
type Collector struct {
	missionsAdded    atomic.Int64
	missionsStarted  atomic.Int64
	missionsFinished atomic.Int64
	missionsFailed   atomic.Int64
	missionsPaused   atomic.Int64
	bytesDownloaded  atomic.Int64
	bytesTotal       atomic.Int64
	startTime        time.Time

	// Ring buffer, written only by Tick.
	mu         sync.Mutex
	throughput [ringSize]int64 // bytes delta per tick
	ringIdx    int
	ringCount  int // samples written, capped at ringSize
	lastBytes  int64
}

// NewCollector creates a Collector with startTime set to now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// Snapshot is a point-in-time read of all counters.
type Snapshot struct {
	MissionsAdded    int64
	MissionsStarted  int64
	MissionsFinished int64
	MissionsFailed   int64
	MissionsPaused   int64
	BytesDownloaded  int64
	BytesTotal       int64
	Elapsed          time.Duration
}

func (c *Collector) AddMissionsAdded(n int64)    { c.missionsAdded.Add(n) }
func (c *Collector) AddMissionsStarted(n int64)  { c.missionsStarted.Add(n) }
func (c *Collector) AddMissionsFinished(n int64) { c.missionsFinished.Add(n) }
func (c *Collector) AddMissionsFailed(n int64)   { c.missionsFailed.Add(n) }
func (c *Collector) AddMissionsPaused(n int64)   { c.missionsPaused.Add(n) }
func (c *Collector) AddBytesDownloaded(n int64)  { c.bytesDownloaded.Add(n) }

// AddBytesTotal grows the expected byte count, for example when a mission
// learns its length.
func (c *Collector) AddBytesTotal(n int64) { c.bytesTotal.Add(n) }

// Snapshot returns a point-in-time read of all counters.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		MissionsAdded:    c.missionsAdded.Load(),
		MissionsStarted:  c.missionsStarted.Load(),
		MissionsFinished: c.missionsFinished.Load(),
		MissionsFailed:   c.missionsFailed.Load(),
		MissionsPaused:   c.missionsPaused.Load(),
		BytesDownloaded:  c.bytesDownloaded.Load(),
		BytesTotal:       c.bytesTotal.Load(),
		Elapsed:          c.Elapsed(),
	}
}

// Tick snapshots the byte delta into the ring buffer. Called 1/sec by the
// presenter.
func (c *Collector) Tick() {
	current := c.bytesDownloaded.Load()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.throughput[c.ringIdx] = current - c.lastBytes
	c.lastBytes = current
	c.ringIdx = (c.ringIdx + 1) % ringSize
	if c.ringCount < ringSize {
		c.ringCount++
	}
}

// RollingSpeed returns average bytes/sec over the last n seconds of samples.
func (c *Collector) RollingSpeed(seconds int) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := min(seconds, c.ringCount)
	if count <= 0 {
		return 0
	}
	var sum int64
	for i := range count {
		idx := (c.ringIdx - 1 - i + ringSize) % ringSize
		sum += c.throughput[idx]
	}
	return float64(sum) / float64(count)
}

// SparklineData returns up to n most recent per-tick byte deltas, oldest
// first.
func (c *Collector) SparklineData(n int) []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := min(n, c.ringCount)
	if count <= 0 {
		return nil
	}
	data := make([]float64, count)
	for i := range count {
		idx := (c.ringIdx - count + i + ringSize) % ringSize
		data[i] = float64(c.throughput[idx])
	}
	return data
}

// ETA estimates remaining time based on rolling speed and remaining bytes.
func (c *Collector) ETA() time.Duration {
	speed := c.RollingSpeed(10)
	if speed <= 0 {
		return 0
	}
	remaining := c.bytesTotal.Load() - c.bytesDownloaded.Load()
	if remaining <= 0 {
		return 0
	}
	return time.Duration(float64(remaining)/speed) * time.Second
}

// Elapsed returns time since collector creation.
func (c *Collector) Elapsed() time.Duration {
	return time.Since(c.startTime)
}

func (s Snapshot) String() string {
	return fmt.Sprintf(
		"added=%d started=%d finished=%d failed=%d paused=%d bytes=%d",
		s.MissionsAdded, s.MissionsStarted, s.MissionsFinished, s.MissionsFailed,
		s.MissionsPaused, s.BytesDownloaded,
	)
}

// FormatBytes returns a human-readable byte count.
func FormatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}
