package ui

import (
	"fmt"

	"github.com/bamsammich/chunkdl/internal/stats"
)

// completionSummary builds a final summary line from a snapshot.
// Format: done ✓  missions 3  size 2.1 GiB  avg 41.0 MB/s  time 3m 17s  errors 0
func completionSummary(snap stats.Snapshot) string {
	avgSpeed := 0.0
	if snap.Elapsed.Seconds() > 0 {
		avgSpeed = float64(snap.BytesDownloaded) / snap.Elapsed.Seconds()
	}

	icon := "✓"
	if snap.MissionsFailed > 0 {
		icon = "✗"
	}

	base := fmt.Sprintf("done %s  missions %s  size %s  avg %s  time %s",
		icon,
		FormatCount(snap.MissionsFinished),
		FormatBytes(snap.BytesDownloaded),
		FormatRate(avgSpeed),
		FormatDuration(snap.Elapsed),
	)
	if snap.MissionsPaused > 0 {
		base += fmt.Sprintf("  paused %d", snap.MissionsPaused)
	}
	return base + fmt.Sprintf("  errors %d", snap.MissionsFailed)
}
