// Package manager owns the set of download missions: it starts, pauses,
// deletes and reloads them, enforces the queue and network policy, and
// publishes what happens on an event bus.
package manager

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bamsammich/chunkdl/internal/event"
	"github.com/bamsammich/chunkdl/internal/fetch"
	"github.com/bamsammich/chunkdl/internal/finished"
	"github.com/bamsammich/chunkdl/internal/metrics"
	"github.com/bamsammich/chunkdl/internal/mission"
	"github.com/bamsammich/chunkdl/internal/stats"
	"github.com/bamsammich/chunkdl/internal/storage"
	"github.com/bamsammich/chunkdl/internal/stream"
)

// ErrNoTree is returned by TryRecover when no tree is registered for a
// mission's kind.
var ErrNoTree = errors.New("manager: no storage tree for kind")

// MissionState is where a destination file stands in the manager's
// bookkeeping.
type MissionState int

const (
	StateNone MissionState = iota
	StatePending
	StatePendingRunning
	StateFinished
)

func (s MissionState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StatePendingRunning:
		return "running"
	case StateFinished:
		return "finished"
	default:
		return "none"
	}
}

// Config configures a Manager.
type Config struct {
	// StateDir holds pending metadata (pending_downloads/) and aux files
	// (tmp/).
	StateDir string

	Registry *Registry
	Finished finished.Store
	Bus      *event.Bus // nil creates a private bus
	// Trees creates replacement files during recovery, one per kind.
	// KindOther is used when a kind has no tree of its own.
	Trees map[storage.Kind]storage.Tree
	// Resolver rebuilds handles from persisted storage URIs. Nil resolves
	// local files only.
	Resolver *storage.Resolver
	Client   *fetch.Client

	Stats   *stats.Collector // optional
	Metrics *metrics.Metrics // optional
	Logger  *slog.Logger

	// Now stamps new missions. Defaults to time.Now.
	Now func() time.Time
}

// Manager coordinates missions.
type Manager struct {
	reg      *Registry
	store    finished.Store
	bus      *event.Bus
	trees    map[storage.Kind]storage.Tree
	resolver *storage.Resolver
	stats    *stats.Collector
	metrics  *metrics.Metrics
	log      *slog.Logger
	now      func() time.Time

	pendingDir string
	tempDir    string
	env        *mission.Env

	progressMu sync.Mutex
	progress   map[*mission.Mission]progress
}

type progress struct {
	done, length int64
}

// New creates a manager and the directories it needs.
func New(cfg Config) (*Manager, error) {
	if cfg.StateDir == "" {
		return nil, errors.New("manager: state dir is required")
	}
	if cfg.Finished == nil {
		return nil, errors.New("manager: finished store is required")
	}

	m := &Manager{
		reg:        cfg.Registry,
		store:      cfg.Finished,
		bus:        cfg.Bus,
		trees:      cfg.Trees,
		resolver:   cfg.Resolver,
		stats:      cfg.Stats,
		metrics:    cfg.Metrics,
		log:        cfg.Logger,
		now:        cfg.Now,
		pendingDir: filepath.Join(cfg.StateDir, "pending_downloads"),
		tempDir:    filepath.Join(cfg.StateDir, "tmp"),
		progress:   make(map[*mission.Mission]progress),
	}
	if m.reg == nil {
		m.reg = NewRegistry(DefaultPolicy())
	}
	if m.bus == nil {
		m.bus = event.NewBus()
	}
	if m.resolver == nil {
		m.resolver = storage.NewResolver(storage.SSHOpts{})
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	m.log = m.log.With("component", "manager")
	if m.now == nil {
		m.now = time.Now
	}
	client := cfg.Client
	if client == nil {
		client = fetch.NewClient(fetch.DefaultOptions())
	}

	for _, dir := range []string{m.pendingDir, m.tempDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	m.env = &mission.Env{
		Client:   client,
		TempDir:  m.tempDir,
		PsSlot:   mission.NewPsSlot(),
		Listener: m,
		Logger:   cfg.Logger,
	}
	if m.metrics != nil {
		m.env.OnPostprocess = m.metrics.ObservePostprocess
	}
	return m, nil
}

// Bus returns the bus events are published on.
func (m *Manager) Bus() *event.Bus { return m.bus }

// StartMission registers a new mission, persists it, and starts it when the
// queue and network allow. A mission whose file cannot be created is still
// registered, carrying ErrFileCreation.
func (m *Manager) StartMission(ms *mission.Mission) error {
	var createErr error
	if h := ms.Storage(); h == nil {
		createErr = errors.New("no storage for mission")
	} else if err := h.Create(); err != nil {
		createErr = fmt.Errorf("create %s: %w", h.Name(), err)
	}

	m.reg.mu.Lock()
	ms.SetMaxRetry(m.reg.maxRetry)
	ms.Attach(m.env)
	ms.SetEnqueued(true)
	if createErr != nil {
		ms.SetError(mission.ErrFileCreation, createErr)
	}
	if err := m.claim(ms); err != nil {
		m.reg.mu.Unlock()
		return err
	}
	m.reg.selfControl = true
	m.reg.pending = append(m.reg.pending, ms)
	start := createErr == nil && m.reg.canDownloadLocked() &&
		(!m.reg.queueLimit || m.reg.runningLocked() < 1)
	if start {
		ms.Start()
	}
	running, pending := m.reg.runningLocked(), len(m.reg.pending)
	m.reg.mu.Unlock()

	m.log.Info("mission added", "mission", ms.Timestamp, "name", ms.Name, "started", start)
	if m.stats != nil {
		m.stats.AddMissionsAdded(1)
	}
	m.observeQueue(running, pending)
	m.publish(ms, event.MissionAdded)
	if createErr != nil {
		m.publishFailure(ms, mission.ErrFileCreation, createErr)
	}
	return nil
}

// claim assigns a unique timestamp by creating the metadata file
// exclusively, stepping forward on collision.
func (m *Manager) claim(ms *mission.Mission) error {
	ts := m.now().UnixMilli()
	for {
		err := ms.Claim(m.pendingDir, ts)
		if errors.Is(err, fs.ErrExist) || m.reg.finishedIndexLocked(ts) >= 0 {
			if err == nil {
				_ = ms.RemoveMetadata()
			}
			ts++
			continue
		}
		if err != nil {
			return fmt.Errorf("claim metadata: %w", err)
		}
		return nil
	}
}

// ResumeMission starts ms if it is not running.
func (m *Manager) ResumeMission(ms *mission.Mission) {
	if ms.Running() {
		return
	}
	m.reg.mu.Lock()
	m.reg.selfControl = true
	m.reg.mu.Unlock()
	ms.Start()
}

// PauseMission pauses ms and takes it out of the queue.
func (m *Manager) PauseMission(ms *mission.Mission) {
	if !ms.Running() {
		return
	}
	ms.SetEnqueued(false)
	ms.Pause()
}

// Entry is a mission found by Lookup. Exactly one field is set.
type Entry struct {
	Pending  *mission.Mission
	Finished *finished.Mission
}

// Lookup finds the mission with timestamp ts.
func (m *Manager) Lookup(ts int64) (Entry, bool) {
	m.reg.mu.Lock()
	defer m.reg.mu.Unlock()
	for _, ms := range m.reg.pending {
		if ms.Timestamp == ts {
			return Entry{Pending: ms}, true
		}
	}
	if i := m.reg.finishedIndexLocked(ts); i >= 0 {
		f := m.reg.finished[i]
		return Entry{Finished: &f}, true
	}
	return Entry{}, false
}

// DeleteMission removes the mission with timestamp ts, its file, and its
// bookkeeping.
func (m *Manager) DeleteMission(ts int64) error {
	return m.remove(ts, true)
}

// ForgetMission removes the mission writing to h but leaves the file in
// place.
func (m *Manager) ForgetMission(h storage.Handle) error {
	ts, ok := m.timestampOf(h)
	if !ok {
		return fmt.Errorf("no mission for %s", h.URI())
	}
	return m.remove(ts, false)
}

func (m *Manager) timestampOf(h storage.Handle) (int64, bool) {
	m.reg.mu.Lock()
	defer m.reg.mu.Unlock()
	for _, ms := range m.reg.pending {
		if storage.Same(ms.Storage(), h) {
			return ms.Timestamp, true
		}
	}
	for _, f := range m.reg.finished {
		if h != nil && f.Location == h.URI() {
			return f.Timestamp, true
		}
	}
	return 0, false
}

func (m *Manager) remove(ts int64, deleteFile bool) error {
	m.reg.mu.Lock()
	var (
		pend *mission.Mission
		fin  *finished.Mission
	)
	for _, ms := range m.reg.pending {
		if ms.Timestamp == ts {
			pend = ms
			break
		}
	}
	if pend != nil {
		m.reg.removePendingLocked(pend)
	} else if i := m.reg.finishedIndexLocked(ts); i >= 0 {
		f := m.reg.finished[i]
		fin = &f
		m.reg.finished = append(m.reg.finished[:i:i], m.reg.finished[i+1:]...)
	}
	running, pending := m.reg.runningLocked(), len(m.reg.pending)
	m.reg.mu.Unlock()

	var errs []error
	var name string
	switch {
	case pend != nil:
		name = pend.Name
		h := pend.Storage()
		if !deleteFile {
			pend.SetStorage(nil)
		}
		pend.Stop()
		if err := pend.RemoveMetadata(); err != nil {
			errs = append(errs, err)
		}
		if deleteFile && h != nil && h.Exists() {
			if err := h.Delete(); err != nil {
				errs = append(errs, fmt.Errorf("delete %s: %w", h.Name(), err))
			}
		}
		m.forgetProgress(pend)
	case fin != nil:
		name = fin.Name
		if err := m.store.Delete(*fin); err != nil {
			errs = append(errs, err)
		}
		if deleteFile {
			if h, err := m.resolver.Resolve(fin.Location, fin.Kind); err != nil {
				errs = append(errs, err)
			} else if h.Exists() {
				if err := h.Delete(); err != nil {
					errs = append(errs, fmt.Errorf("delete %s: %w", h.Name(), err))
				}
			}
		}
	default:
		return fmt.Errorf("no mission %d", ts)
	}

	m.log.Info("mission removed", "mission", ts, "name", name, "file_deleted", deleteFile)
	m.observeQueue(running, pending)
	m.bus.Publish(event.Event{
		Type:      event.MissionDeleted,
		Timestamp: time.Now(),
		Mission:   ts,
		Name:      name,
		Length:    -1,
	})
	return errors.Join(errs...)
}

// TryRecover recreates the destination of ms through the tree registered
// for its kind. On failure the current handle is invalidated.
func (m *Manager) TryRecover(ms *mission.Mission) error {
	tree := m.trees[ms.Kind]
	if tree == nil {
		tree = m.trees[storage.KindOther]
	}
	err := ErrNoTree
	var h storage.Handle
	if tree != nil {
		h, err = tree.CreateFile(ms.Name, ms.Kind)
	}
	if err != nil {
		if old := ms.Storage(); old != nil {
			old.Invalidate()
		}
		m.log.Warn("mission recovery failed", "mission", ms.Timestamp, "name", ms.Name, "error", err)
		return fmt.Errorf("recover %s: %w", ms.Name, err)
	}

	ms.SetStorage(h)
	if err := ms.Persist(); err != nil {
		m.log.Warn("failed to persist recovered mission", "mission", ms.Timestamp, "error", err)
	}
	m.log.Info("mission recovered", "mission", ms.Timestamp, "location", h.URI())
	m.publish(ms, event.MissionRecovered)
	return nil
}

// RunMissions starts queued missions that are not running, within the
// queue and network policy. It reports whether any mission is active.
func (m *Manager) RunMissions() bool {
	m.reg.mu.Lock()
	defer m.reg.mu.Unlock()

	if len(m.reg.pending) == 0 || !m.reg.canDownloadLocked() {
		return false
	}
	if m.reg.queueLimit {
		for _, ms := range m.reg.pending {
			if ms.Running() && !ms.IsFinished() {
				return true
			}
		}
	}

	active := false
	for _, ms := range m.reg.pending {
		if ms.Running() || !ms.Enqueued() || ms.IsFinished() || ms.IsCorrupt() {
			continue
		}
		m.reg.selfControl = true
		ms.Start()
		if !ms.Running() {
			continue
		}
		if m.reg.queueLimit {
			return true
		}
		active = true
	}
	return active
}

// HandleConnectivityState applies a change of network. Only a state that
// differs from the last one has any effect. With updateOnly the state is
// recorded but no mission is touched.
func (m *Manager) HandleConnectivityState(state event.Network, updateOnly bool) {
	m.reg.mu.Lock()
	if state == m.reg.network {
		m.reg.mu.Unlock()
		return
	}
	m.reg.network = state
	m.log.Info("network changed", "network", state)

	if state != event.NetworkNone && m.reg.selfControl && !updateOnly {
		metered := m.reg.pauseOnMetered && state == event.NetworkMetered
		for _, ms := range m.reg.pending {
			if ms.IsCorrupt() || ms.IsPsRunning() {
				continue
			}
			if ms.Running() && metered {
				ms.Pause()
			} else if !ms.Running() && !metered && ms.Enqueued() {
				ms.Start()
				if m.reg.queueLimit {
					break
				}
			}
		}
	}
	m.reg.mu.Unlock()

	m.bus.Publish(event.Event{Type: event.NetworkChanged, Timestamp: time.Now(), Network: state, Length: -1})
}

// SetFinished moves ms from the pending list to the head of the finished
// list and records it in the finished store.
func (m *Manager) SetFinished(ms *mission.Mission) error {
	f := finished.Mission{
		Timestamp:  ms.Timestamp,
		Name:       ms.Name,
		Kind:       ms.Kind,
		Length:     ms.Length(),
		Source:     ms.URL,
		FinishedAt: m.now(),
	}
	if h := ms.Storage(); h != nil {
		f.Location = h.URI()
	}

	m.reg.mu.Lock()
	if !m.reg.removePendingLocked(ms) {
		m.reg.mu.Unlock()
		return fmt.Errorf("mission %d is not pending", ms.Timestamp)
	}
	m.reg.finished = append([]finished.Mission{f}, m.reg.finished...)
	err := m.store.Insert(f)
	m.reg.mu.Unlock()

	if rmErr := ms.RemoveMetadata(); rmErr != nil {
		m.log.Warn("failed to remove metadata", "mission", ms.Timestamp, "error", rmErr)
	}
	m.forgetProgress(ms)
	if err != nil {
		return fmt.Errorf("record finished mission: %w", err)
	}
	return nil
}

// CheckForExistingMission reports whether h is already the destination of
// a known mission.
func (m *Manager) CheckForExistingMission(h storage.Handle) MissionState {
	m.reg.mu.Lock()
	defer m.reg.mu.Unlock()

	for _, ms := range m.reg.pending {
		if storage.Same(ms.Storage(), h) {
			if ms.Running() {
				return StatePendingRunning
			}
			return StatePending
		}
	}
	if h != nil {
		uri := h.URI()
		for _, f := range m.reg.finished {
			if f.Location == uri {
				return StateFinished
			}
		}
	}
	return StateNone
}

// PauseAllMissions pauses every running download. Post-processing is left
// alone. With force the call also waits for the missions to stop.
func (m *Manager) PauseAllMissions(force bool) {
	m.reg.mu.Lock()
	var paused []*mission.Mission
	for _, ms := range m.reg.pending {
		if !ms.Running() || ms.IsPsRunning() || ms.IsFinished() {
			continue
		}
		ms.Pause()
		paused = append(paused, ms)
	}
	m.reg.mu.Unlock()

	if force {
		for _, ms := range paused {
			ms.Wait()
		}
	}
}

// StartAllMissions resumes every pending mission that is not corrupt.
func (m *Manager) StartAllMissions() {
	m.reg.mu.Lock()
	defer m.reg.mu.Unlock()
	for _, ms := range m.reg.pending {
		if ms.Running() || ms.IsCorrupt() {
			continue
		}
		m.reg.selfControl = true
		ms.Start()
	}
}

// RunningCount returns how many missions are actively downloading.
func (m *Manager) RunningCount() int {
	m.reg.mu.Lock()
	defer m.reg.mu.Unlock()
	return m.reg.runningLocked()
}

// CanDownload reports whether the current network lets missions start.
func (m *Manager) CanDownload() bool {
	m.reg.mu.Lock()
	defer m.reg.mu.Unlock()
	return m.reg.canDownloadLocked()
}

func (m *Manager) HasFinishedMissions() bool {
	m.reg.mu.Lock()
	defer m.reg.mu.Unlock()
	return len(m.reg.finished) > 0
}

// ClearFinishedMissions forgets every finished mission. Files are kept.
func (m *Manager) ClearFinishedMissions() error {
	m.reg.mu.Lock()
	list := m.reg.finished
	m.reg.finished = nil
	m.reg.mu.Unlock()

	var errs []error
	for _, f := range list {
		if err := m.store.Delete(f); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PendingMissions returns the pending missions ordered by timestamp.
func (m *Manager) PendingMissions() []*mission.Mission {
	m.reg.mu.Lock()
	defer m.reg.mu.Unlock()
	out := make([]*mission.Mission, len(m.reg.pending))
	copy(out, m.reg.pending)
	return out
}

// FinishedMissions returns finished missions, newest first.
func (m *Manager) FinishedMissions() []finished.Mission {
	m.reg.mu.Lock()
	defer m.reg.mu.Unlock()
	out := make([]finished.Mission, len(m.reg.finished))
	copy(out, m.reg.finished)
	return out
}

// SetPreferences updates the policy. The retry budget is applied to every
// pending mission.
func (m *Manager) SetPreferences(maxRetry int, pauseOnMetered, queueLimit bool) {
	m.reg.mu.Lock()
	defer m.reg.mu.Unlock()
	if maxRetry < 0 {
		maxRetry = 0
	}
	m.reg.maxRetry = maxRetry
	m.reg.pauseOnMetered = pauseOnMetered
	m.reg.queueLimit = queueLimit
	for _, ms := range m.reg.pending {
		ms.SetMaxRetry(maxRetry)
	}
}

// Close stops every mission and removes aux files. The finished store,
// the bus and the resolver belong to the caller.
func (m *Manager) Close() error {
	for _, ms := range m.PendingMissions() {
		ms.Stop()
	}
	stream.CleanupTmpFilesIn(m.tempDir)
	return nil
}

func (m *Manager) observeQueue(running, pending int) {
	if m.metrics != nil {
		m.metrics.SetQueue(running, pending)
	}
}
