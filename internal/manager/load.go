package manager

import (
	"cmp"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/bamsammich/chunkdl/internal/finished"
	"github.com/bamsammich/chunkdl/internal/mission"
	"github.com/bamsammich/chunkdl/internal/storage"
)

// LoadPendingMissions reads the metadata directory into the pending list.
// Records that cannot be decoded, are already finished, or name no
// destination are deleted. Missions whose file vanished are recovered and
// restarted from zero with ErrProgressLost; missions interrupted during
// post-processing are marked ErrPostprocessingStopped.
func (m *Manager) LoadPendingMissions() error {
	entries, err := os.ReadDir(m.pendingDir)
	if err != nil {
		return fmt.Errorf("read %s: %w", m.pendingDir, err)
	}
	m.cleanTempDir()

	var loaded []*mission.Mission
	for _, e := range entries {
		name := e.Name()
		if !e.Type().IsRegular() || strings.HasPrefix(name, ".") {
			continue
		}
		if _, err := strconv.ParseInt(name, 10, 64); err != nil {
			continue
		}
		path := filepath.Join(m.pendingDir, name)
		if ms := m.loadPending(path); ms != nil {
			loaded = append(loaded, ms)
		}
	}
	slices.SortFunc(loaded, func(a, b *mission.Mission) int {
		return cmp.Compare(a.Timestamp, b.Timestamp)
	})

	m.reg.mu.Lock()
	for _, ms := range loaded {
		ms.SetMaxRetry(m.reg.maxRetry)
		if m.reg.pendingIndexLocked(ms) < 0 && !m.hasPendingLocked(ms.Timestamp) {
			m.reg.pending = append(m.reg.pending, ms)
		}
	}
	slices.SortFunc(m.reg.pending, func(a, b *mission.Mission) int {
		return cmp.Compare(a.Timestamp, b.Timestamp)
	})
	running, pending := m.reg.runningLocked(), len(m.reg.pending)
	m.reg.mu.Unlock()

	m.observeQueue(running, pending)
	m.log.Debug("pending missions loaded", "count", len(loaded))
	return nil
}

func (m *Manager) loadPending(path string) *mission.Mission {
	log := m.log.With("path", path)
	rec, err := mission.Load(path)
	if err != nil {
		log.Debug("discarding unreadable metadata", "error", err)
		_ = os.Remove(path)
		return nil
	}
	ms := rec.Mission
	if ms.IsFinished() || rec.Location == "" {
		log.Debug("discarding stale metadata", "finished", ms.IsFinished())
		_ = os.Remove(path)
		return nil
	}

	h, err := m.resolver.Resolve(rec.Location, ms.Kind)
	exists := false
	if err != nil {
		log.Warn("failed to resolve mission storage", "location", rec.Location, "error", err)
	} else {
		ms.SetStorage(h)
		exists = !h.IsInvalid() && h.Exists()
	}
	ms.Attach(m.env)

	switch {
	case ms.IsPsRunning():
		if ms.WorksOnSameFile() && exists {
			if err := h.Delete(); err != nil {
				log.Warn("failed to delete incomplete file", "name", ms.Name, "error", err)
			}
		}
		if err := ms.StopPostprocessing(); err != nil {
			log.Warn("failed to persist mission", "error", err)
		}
	case !exists:
		_ = m.TryRecover(ms)
		if ms.Initialized() {
			if err := ms.ResetState(true, true, mission.ErrProgressLost); err != nil {
				log.Warn("failed to persist mission", "error", err)
			}
		}
	}
	return ms
}

func (m *Manager) hasPendingLocked(ts int64) bool {
	return slices.ContainsFunc(m.reg.pending, func(ms *mission.Mission) bool {
		return ms.Timestamp == ts
	})
}

// cleanTempDir removes aux files left by an earlier process.
func (m *Manager) cleanTempDir() {
	entries, err := os.ReadDir(m.tempDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".aux") {
			_ = os.Remove(filepath.Join(m.tempDir, e.Name()))
		}
	}
}

// LoadFinishedMissions reads the finished store. Records whose file is gone
// or empty are dropped from the store. Records on hosts that cannot be
// reached are kept.
func (m *Manager) LoadFinishedMissions() error {
	all, err := m.store.LoadAll()
	if err != nil {
		return fmt.Errorf("load finished missions: %w", err)
	}

	kept := make([]finished.Mission, 0, len(all))
	var errs []error
	for _, f := range all {
		h, err := m.resolver.Resolve(f.Location, f.Kind)
		if err != nil {
			if !errors.Is(err, storage.ErrUnsupportedScheme) {
				m.log.Debug("finished mission unreachable", "mission", f.Timestamp, "error", err)
				kept = append(kept, f)
				continue
			}
		} else if n, lerr := h.Length(); h.Exists() && lerr == nil && n > 0 {
			kept = append(kept, f)
			continue
		}
		m.log.Debug("dropping finished mission", "mission", f.Timestamp, "location", f.Location)
		if err := m.store.Delete(f); err != nil {
			errs = append(errs, err)
		}
	}

	m.reg.mu.Lock()
	m.reg.finished = kept
	m.reg.mu.Unlock()
	return errors.Join(errs...)
}
