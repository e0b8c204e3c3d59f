package event

import (
	"time"

	"github.com/bamsammich/chunkdl/internal/mission"
)

// Type identifies the kind of event.
type Type int

const (
	MissionAdded Type = iota + 1
	MissionStarted
	MissionProgress
	MissionPaused
	MissionFinished
	MissionFailed
	MissionDeleted
	MissionRecovered
	NetworkChanged
)

var typeNames = [...]string{
	MissionAdded:     "MissionAdded",
	MissionStarted:   "MissionStarted",
	MissionProgress:  "MissionProgress",
	MissionPaused:    "MissionPaused",
	MissionFinished:  "MissionFinished",
	MissionFailed:    "MissionFailed",
	MissionDeleted:   "MissionDeleted",
	MissionRecovered: "MissionRecovered",
	NetworkChanged:   "NetworkChanged",
}

func (t Type) String() string {
	if int(t) < len(typeNames) && typeNames[t] != "" {
		return typeNames[t]
	}
	return "Unknown"
}

// Network is the connectivity state the manager schedules against.
type Network int

const (
	NetworkNone Network = iota
	NetworkOperating
	NetworkMetered
)

func (n Network) String() string {
	switch n {
	case NetworkNone:
		return "none"
	case NetworkOperating:
		return "operating"
	case NetworkMetered:
		return "metered"
	default:
		return "unknown"
	}
}

// Event represents a single notification from the download manager.
type Event struct {
	Type      Type
	Timestamp time.Time
	Mission   int64 // mission timestamp, its identity
	Name      string
	Done      int64
	Length    int64 // -1 when unknown
	Code      mission.ErrorCode
	Error     error
	Network   Network
}
