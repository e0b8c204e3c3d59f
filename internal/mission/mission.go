// Package mission holds the state and the download runtime of a single
// resumable download.
package mission

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring"

	"github.com/bamsammich/chunkdl/internal/fetch"
	"github.com/bamsammich/chunkdl/internal/postprocess"
	"github.com/bamsammich/chunkdl/internal/storage"
)

// DefaultBlockSize is the range each worker requests at a time.
const DefaultBlockSize = 512 * 1024

// DefaultThreads is the worker count used when none is configured.
const DefaultThreads = 3

// PsState is the post-processing sub-state of a mission.
type PsState int32

const (
	PsNone PsState = iota
	PsRunning
	PsDone
	PsHold
)

func (s PsState) String() string {
	switch s {
	case PsNone:
		return "none"
	case PsRunning:
		return "running"
	case PsDone:
		return "done"
	case PsHold:
		return "hold"
	default:
		return "unknown"
	}
}

// Listener receives mission lifecycle notifications. Calls are made from
// mission goroutines without any mission lock held.
type Listener interface {
	MissionStarted(m *Mission)
	MissionProgress(m *Mission, done, length int64)
	MissionPaused(m *Mission)
	MissionFinished(m *Mission)
	MissionFailed(m *Mission, code ErrorCode, err error)
}

// NopListener ignores every notification.
type NopListener struct{}

func (NopListener) MissionStarted(*Mission)                  {}
func (NopListener) MissionProgress(*Mission, int64, int64)   {}
func (NopListener) MissionPaused(*Mission)                   {}
func (NopListener) MissionFinished(*Mission)                 {}
func (NopListener) MissionFailed(*Mission, ErrorCode, error) {}

// Env carries what a running mission needs from its owner.
type Env struct {
	Client *fetch.Client
	// TempDir holds the scratch files of CircularWriters.
	TempDir string
	// PsSlot serializes post-processing across missions: a run holds the
	// single slot for its duration.
	PsSlot   chan struct{}
	Listener Listener
	Logger   *slog.Logger
	// OnPostprocess, when set, is told how each post-processing run went.
	OnPostprocess func(algorithm string, elapsed time.Duration, err error)
}

// NewPsSlot returns a post-processing slot for Env.PsSlot.
func NewPsSlot() chan struct{} { return make(chan struct{}, 1) }

// Mission is one download. Identity and configuration fields are set before
// the mission is handed to a manager; everything else is guarded by an
// internal lock and read through methods.
type Mission struct {
	Timestamp   int64
	URL         string
	Name        string
	Kind        storage.Kind
	ThreadCount int
	BlockSize   int64
	PsAlgorithm string
	PsArgs      []string
	// MetadataPath is where Persist writes the mission. Empty disables
	// persistence.
	MetadataPath string

	mu            sync.Mutex
	storage       storage.Handle
	length        int64
	done          int64
	errCode       ErrorCode
	errObject     error
	enqueued      bool
	maxRetry      int
	psState       PsState
	blocks        *roaring.Bitmap // nil until initialized
	etag          string
	unknownLength bool
	ranges        bool
	finished      bool

	env     *Env
	running bool
	gen     uint64
	cancel  context.CancelFunc
	exited  chan struct{}
	// durable is how many leading bytes of the destination are known to
	// be written; blocks past it are not persisted.
	durable int64
}

// New returns a mission for url stored in h.
func New(url string, h storage.Handle, kind storage.Kind) *Mission {
	name := ""
	if h != nil {
		name = h.Name()
	}
	return &Mission{
		URL:         url,
		Name:        name,
		Kind:        kind,
		ThreadCount: DefaultThreads,
		BlockSize:   DefaultBlockSize,
		storage:     h,
		length:      -1,
		maxRetry:    3,
	}
}

// Attach gives the mission the environment it runs in.
func (m *Mission) Attach(env *Env) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.env = env
}

func (m *Mission) Storage() storage.Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.storage
}

// SetStorage replaces the destination handle, nil detaches it.
func (m *Mission) SetStorage(h storage.Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.storage = h
}

// Length returns the total size, -1 while unknown.
func (m *Mission) Length() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.length
}

// Done returns the bytes transferred so far.
func (m *Mission) Done() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done
}

func (m *Mission) ErrCode() ErrorCode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errCode
}

func (m *Mission) ErrObject() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errObject
}

// SetError records a failure without running the mission, for missions
// that could not even be set up.
func (m *Mission) SetError(code ErrorCode, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errCode = code
	m.errObject = err
}

// Enqueued reports whether the user wants the mission to run.
func (m *Mission) Enqueued() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enqueued
}

func (m *Mission) SetEnqueued(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enqueued = v
}

func (m *Mission) MaxRetry() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxRetry
}

func (m *Mission) SetMaxRetry(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maxRetry = max(n, 0)
}

func (m *Mission) PsState() PsState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.psState
}

// ETag returns the validator seen when the mission was initialized.
func (m *Mission) ETag() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.etag
}

// UnknownLength reports whether the server never announced a size.
func (m *Mission) UnknownLength() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unknownLength
}

// BlocksDone returns the number of completed blocks.
func (m *Mission) BlocksDone() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.blocks == nil {
		return 0
	}
	return int(m.blocks.GetCardinality())
}

// Running reports whether the mission has live workers or is being started.
func (m *Mission) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Mission) IsFinished() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finished
}

// IsPsRunning reports whether post-processing is underway or parked.
func (m *Mission) IsPsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.psState == PsRunning || m.psState == PsHold
}

// IsPsFailed reports whether an in-place post-processing step failed, which
// leaves the file unusable.
func (m *Mission) IsPsFailed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isPsFailed()
}

func (m *Mission) isPsFailed() bool {
	switch m.errCode {
	case ErrPostprocessing, ErrPostprocessingStopped:
		return m.worksOnSameFile()
	}
	return false
}

// IsCorrupt reports whether the mission cannot simply be resumed.
func (m *Mission) IsCorrupt() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isPsFailed() || m.errCode == ErrPostprocessingHold || m.finished
}

// WorksOnSameFile reports whether the mission's post-processing rewrites
// the download in place.
func (m *Mission) WorksOnSameFile() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.worksOnSameFile()
}

func (m *Mission) worksOnSameFile() bool {
	if m.PsAlgorithm == "" {
		return false
	}
	alg, err := postprocess.Lookup(m.PsAlgorithm, m.PsArgs)
	return err == nil && alg.WorksOnSameFile()
}

// HasInvalidStorage reports whether the destination is missing or unusable.
func (m *Mission) HasInvalidStorage() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.storage == nil || m.storage.IsInvalid()
}

// ResetState discards download progress and records code. keepThreads keeps
// the configured worker count instead of falling back to one worker;
// keepInit keeps what was learned about the resource (length, validator,
// range support) so no new probe is needed. The change is persisted.
func (m *Mission) ResetState(keepThreads, keepInit bool, code ErrorCode) error {
	m.mu.Lock()
	m.done = 0
	m.errCode = code
	m.errObject = nil
	m.psState = PsNone
	m.finished = false
	if !keepThreads {
		m.ThreadCount = 1
	}
	m.durable = 0
	if keepInit && m.blocks != nil {
		m.blocks.Clear()
	} else {
		m.blocks = nil
		m.length = -1
		m.etag = ""
		m.unknownLength = false
		m.ranges = false
	}
	m.mu.Unlock()
	return m.Persist()
}

// Initialized reports whether the resource has been probed.
func (m *Mission) Initialized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blocks != nil || m.length >= 0
}

// StopPostprocessing marks a post-processing step that was cut short by a
// restart. The download itself is kept; the step must be run again.
func (m *Mission) StopPostprocessing() error {
	m.mu.Lock()
	m.psState = PsNone
	m.errCode = ErrPostprocessingStopped
	m.errObject = nil
	m.mu.Unlock()
	return m.Persist()
}

// Snapshot is a consistent copy of a mission's mutable state.
type Snapshot struct {
	Timestamp int64
	Name      string
	URL       string
	Kind      storage.Kind
	Length    int64
	Done      int64
	ErrCode   ErrorCode
	Err       error
	Running   bool
	Enqueued  bool
	Finished  bool
	PsState   PsState
}

func (m *Mission) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		Timestamp: m.Timestamp,
		Name:      m.Name,
		URL:       m.URL,
		Kind:      m.Kind,
		Length:    m.length,
		Done:      m.done,
		ErrCode:   m.errCode,
		Err:       m.errObject,
		Running:   m.running,
		Enqueued:  m.enqueued,
		Finished:  m.finished,
		PsState:   m.psState,
	}
}

// logger and listener take the lock; never call them with it held.
func (m *Mission) logger() *slog.Logger {
	m.mu.Lock()
	env := m.env
	m.mu.Unlock()
	l := slog.Default()
	if env != nil && env.Logger != nil {
		l = env.Logger
	}
	return l.With("mission", m.Timestamp, "name", m.Name)
}

func (m *Mission) listener() Listener {
	m.mu.Lock()
	env := m.env
	m.mu.Unlock()
	if env != nil && env.Listener != nil {
		return env.Listener
	}
	return NopListener{}
}
