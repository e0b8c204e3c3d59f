package manager

import (
	"time"

	"github.com/bamsammich/chunkdl/internal/event"
	"github.com/bamsammich/chunkdl/internal/mission"
)

var _ mission.Listener = (*Manager)(nil)

// MissionStarted implements mission.Listener.
func (m *Manager) MissionStarted(ms *mission.Mission) {
	if m.stats != nil {
		m.stats.AddMissionsStarted(1)
	}
	if m.metrics != nil {
		m.metrics.MissionEvent("started")
	}
	m.refreshQueue()
	m.publish(ms, event.MissionStarted)
}

// MissionProgress implements mission.Listener. Byte counters grow by the
// difference from the previous report so restarts never count twice.
func (m *Manager) MissionProgress(ms *mission.Mission, done, length int64) {
	m.progressMu.Lock()
	prev, seen := m.progress[ms]
	if !seen {
		prev = progress{done: done, length: -1}
	}
	delta := done - prev.done
	grown := int64(0)
	if length > 0 && prev.length <= 0 {
		grown = length
	}
	m.progress[ms] = progress{done: done, length: length}
	m.progressMu.Unlock()

	if delta > 0 {
		if m.stats != nil {
			m.stats.AddBytesDownloaded(delta)
		}
		if m.metrics != nil {
			m.metrics.AddBytes(delta)
		}
	}
	if grown > 0 && m.stats != nil {
		m.stats.AddBytesTotal(grown)
	}

	m.bus.Publish(event.Event{
		Type:      event.MissionProgress,
		Timestamp: time.Now(),
		Mission:   ms.Timestamp,
		Name:      ms.Name,
		Done:      done,
		Length:    length,
	})
}

// MissionPaused implements mission.Listener.
func (m *Manager) MissionPaused(ms *mission.Mission) {
	if m.stats != nil {
		m.stats.AddMissionsPaused(1)
	}
	if m.metrics != nil {
		m.metrics.MissionEvent("paused")
	}
	m.refreshQueue()
	m.publish(ms, event.MissionPaused)
}

// MissionFinished implements mission.Listener. The mission moves to the
// finished list and the next queued mission is started.
func (m *Manager) MissionFinished(ms *mission.Mission) {
	if err := m.SetFinished(ms); err != nil {
		m.log.Warn("failed to record finished mission", "mission", ms.Timestamp, "error", err)
	}
	if m.stats != nil {
		m.stats.AddMissionsFinished(1)
	}
	if m.metrics != nil {
		m.metrics.MissionEvent("finished")
	}
	m.log.Info("mission finished", "mission", ms.Timestamp, "name", ms.Name, "length", ms.Length())
	m.publish(ms, event.MissionFinished)
	m.RunMissions()
	m.refreshQueue()
}

// MissionFailed implements mission.Listener.
func (m *Manager) MissionFailed(ms *mission.Mission, code mission.ErrorCode, err error) {
	if m.stats != nil {
		m.stats.AddMissionsFailed(1)
	}
	if m.metrics != nil {
		m.metrics.MissionFailed(code.String())
	}
	m.log.Warn("mission failed", "mission", ms.Timestamp, "name", ms.Name, "code", code, "error", err)
	m.publishFailure(ms, code, err)
	m.RunMissions()
	m.refreshQueue()
}

func (m *Manager) publish(ms *mission.Mission, typ event.Type) {
	s := ms.Snapshot()
	m.bus.Publish(event.Event{
		Type:      typ,
		Timestamp: time.Now(),
		Mission:   s.Timestamp,
		Name:      s.Name,
		Done:      s.Done,
		Length:    s.Length,
		Code:      s.ErrCode,
	})
}

func (m *Manager) publishFailure(ms *mission.Mission, code mission.ErrorCode, err error) {
	s := ms.Snapshot()
	m.bus.Publish(event.Event{
		Type:      event.MissionFailed,
		Timestamp: time.Now(),
		Mission:   s.Timestamp,
		Name:      s.Name,
		Done:      s.Done,
		Length:    s.Length,
		Code:      code,
		Error:     err,
	})
}

func (m *Manager) forgetProgress(ms *mission.Mission) {
	m.progressMu.Lock()
	delete(m.progress, ms)
	m.progressMu.Unlock()
}

func (m *Manager) refreshQueue() {
	if m.metrics == nil {
		return
	}
	m.reg.mu.Lock()
	running, pending := m.reg.runningLocked(), len(m.reg.pending)
	m.reg.mu.Unlock()
	m.metrics.SetQueue(running, pending)
}
