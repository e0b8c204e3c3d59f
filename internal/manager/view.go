package manager

import (
	"strconv"

	"github.com/bamsammich/chunkdl/internal/diff"
)

// Section headers appear in the flattened key list so that a mission moving
// between sections shows up as a move.
const (
	pendingHeader  = "#pending"
	finishedHeader = "#finished"
)

// View is an ordered listing of mission identities, split into pending and
// finished sections. Empty sections carry no header.
type View struct {
	Pending  []int64
	Finished []int64
}

// Snapshot captures the current listing.
func (m *Manager) Snapshot() View {
	m.reg.mu.Lock()
	defer m.reg.mu.Unlock()

	v := View{
		Pending:  make([]int64, len(m.reg.pending)),
		Finished: make([]int64, len(m.reg.finished)),
	}
	for i, ms := range m.reg.pending {
		v.Pending[i] = ms.Timestamp
	}
	for i, f := range m.reg.finished {
		v.Finished[i] = f.Timestamp
	}
	return v
}

// Keys flattens the view into the identities a list renderer would show.
func (v View) Keys() []string {
	keys := make([]string, 0, len(v.Pending)+len(v.Finished)+2)
	if len(v.Pending) > 0 {
		keys = append(keys, pendingHeader)
		for _, ts := range v.Pending {
			keys = append(keys, strconv.FormatInt(ts, 10))
		}
	}
	if len(v.Finished) > 0 {
		keys = append(keys, finishedHeader)
		for _, ts := range v.Finished {
			keys = append(keys, strconv.FormatInt(ts, 10))
		}
	}
	return keys
}

// Diff returns the edits that turn old's listing into new's.
func Diff(old, new View) []diff.Op {
	return diff.Compute(old.Keys(), new.Keys())
}
