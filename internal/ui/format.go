package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/bamsammich/chunkdl/internal/stats"
)

var rateUnits = [...]string{"B/s", "KB/s", "MB/s", "GB/s", "TB/s", "PB/s"}

// FormatRate formats a bytes-per-second rate with three significant
// digits at most.
func FormatRate(bytesPerSec float64) string {
	if bytesPerSec <= 0 {
		return "0 B/s"
	}
	val, unit := bytesPerSec, 0
	for val >= 1024 && unit < len(rateUnits)-1 {
		val /= 1024
		unit++
	}
	switch {
	case val < 10:
		return fmt.Sprintf("%.2f %s", val, rateUnits[unit])
	case val < 100:
		return fmt.Sprintf("%.1f %s", val, rateUnits[unit])
	default:
		return fmt.Sprintf("%.0f %s", val, rateUnits[unit])
	}
}

// FormatETA formats the remaining time, or "--" when it is unknown.
func FormatETA(d time.Duration) string {
	if d <= 0 {
		return "--"
	}
	return clock(d)
}

// FormatCount formats an integer with comma separators.
func FormatCount(n int64) string {
	if n < 0 {
		return "-" + FormatCount(-n)
	}
	s := fmt.Sprintf("%d", n)
	if len(s) <= 3 {
		return s
	}
	var b strings.Builder
	remainder := len(s) % 3
	if remainder > 0 {
		b.WriteString(s[:remainder])
	}
	for i := remainder; i < len(s); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(s[i : i+3])
	}
	return b.String()
}

// ProgressBar renders pct (clamped to [0,1]) as width ▪/□ cells.
func ProgressBar(pct float64, width int) string {
	if width <= 0 {
		return ""
	}
	filled := min(max(int(pct*float64(width)), 0), width)
	return strings.Repeat("\u25aa", filled) + strings.Repeat("\u25a1", width-filled)
}

// Sparkline renders the last width samples as block characters, scaled to
// the largest sample. Missing samples pad the left edge.
func Sparkline(data []float64, width int) string {
	if width <= 0 {
		return ""
	}
	blocks := []rune("▁▂▃▄▅▆▇█")

	samples := make([]float64, width)
	if len(data) >= width {
		copy(samples, data[len(data)-width:])
	} else {
		copy(samples[width-len(data):], data)
	}

	peak := 0.0
	for _, v := range samples {
		peak = max(peak, v)
	}

	out := make([]rune, width)
	for i, v := range samples {
		if peak <= 0 || v <= 0 {
			out[i] = blocks[0]
			continue
		}
		out[i] = blocks[min(int(v/peak*float64(len(blocks)-1)), len(blocks)-1)]
	}
	return string(out)
}

// FormatBytes wraps stats.FormatBytes for UI use.
func FormatBytes(b int64) string {
	return stats.FormatBytes(b)
}

// FormatDuration formats elapsed time concisely.
func FormatDuration(d time.Duration) string {
	return clock(max(d, 0))
}

func clock(d time.Duration) string {
	d = d.Round(time.Second)
	h, m, sec := int(d.Hours()), int(d.Minutes())%60, int(d.Seconds())%60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh %02dm %02ds", h, m, sec)
	case m > 0:
		return fmt.Sprintf("%dm %02ds", m, sec)
	default:
		return fmt.Sprintf("%ds", sec)
	}
}
