package manager

import (
	"slices"
	"sync"

	"github.com/bamsammich/chunkdl/internal/event"
	"github.com/bamsammich/chunkdl/internal/finished"
	"github.com/bamsammich/chunkdl/internal/mission"
)

// Policy holds the user preferences that decide when missions may run.
type Policy struct {
	MaxRetry       int
	QueueLimit     bool // run at most one mission at a time
	PauseOnMetered bool
	// Network is the connectivity assumed until HandleConnectivityState
	// reports otherwise.
	Network event.Network
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetry:       3,
		QueueLimit:     true,
		PauseOnMetered: true,
		Network:        event.NetworkOperating,
	}
}

// Registry is the mutable state shared by a manager: both mission lists and
// the policy flags, all guarded by one mutex.
type Registry struct {
	mu       sync.Mutex
	pending  []*mission.Mission
	finished []finished.Mission

	selfControl    bool
	network        event.Network
	queueLimit     bool
	pauseOnMetered bool
	maxRetry       int
}

// NewRegistry returns an empty registry governed by p.
func NewRegistry(p Policy) *Registry {
	if p.MaxRetry < 0 {
		p.MaxRetry = 0
	}
	return &Registry{
		network:        p.Network,
		queueLimit:     p.QueueLimit,
		pauseOnMetered: p.PauseOnMetered,
		maxRetry:       p.MaxRetry,
	}
}

// The helpers below must be called with r.mu held.

func (r *Registry) canDownloadLocked() bool {
	switch r.network {
	case event.NetworkNone:
		return false
	case event.NetworkMetered:
		return !r.pauseOnMetered
	default:
		return true
	}
}

func (r *Registry) runningLocked() int {
	n := 0
	for _, m := range r.pending {
		if m.Running() && !m.IsPsFailed() && !m.IsFinished() {
			n++
		}
	}
	return n
}

func (r *Registry) pendingIndexLocked(m *mission.Mission) int {
	return slices.Index(r.pending, m)
}

func (r *Registry) removePendingLocked(m *mission.Mission) bool {
	i := r.pendingIndexLocked(m)
	if i < 0 {
		return false
	}
	r.pending = slices.Delete(r.pending, i, i+1)
	return true
}

func (r *Registry) finishedIndexLocked(ts int64) int {
	return slices.IndexFunc(r.finished, func(f finished.Mission) bool {
		return f.Timestamp == ts
	})
}
