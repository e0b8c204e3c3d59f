package ui_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/chunkdl/internal/ui"
)

// stderrAndFile mirrors the CLI setup: terse text on stderr, everything as
// JSON in the log file.
func stderrAndFile(stderr, file *bytes.Buffer) *slog.Logger {
	text := slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelWarn})
	js := slog.NewJSONHandler(file, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(ui.NewMultiHandler(text, js))
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var recs []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var rec map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		recs = append(recs, rec)
	}
	return recs
}

func TestMultiHandler_Routing(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		log        func(*slog.Logger)
		wantStderr bool
	}{
		{"debug reaches file only", func(l *slog.Logger) { l.Debug("block fetched", "block", 3) }, false},
		{"info reaches file only", func(l *slog.Logger) { l.Info("mission finished", "mission", int64(42)) }, false},
		{"warn reaches both", func(l *slog.Logger) { l.Warn("mission failed", "code", "Timeout") }, true},
		{"error reaches both", func(l *slog.Logger) { l.Error("metrics server failed") }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var stderr, file bytes.Buffer
			tt.log(stderrAndFile(&stderr, &file))

			assert.Len(t, decodeLines(t, &file), 1)
			if tt.wantStderr {
				assert.NotEmpty(t, stderr.String())
			} else {
				assert.Empty(t, stderr.String())
			}
		})
	}
}

func TestMultiHandler_Enabled(t *testing.T) {
	t.Parallel()

	var stderr, file bytes.Buffer
	h := stderrAndFile(&stderr, &file).Handler()
	ctx := context.Background()
	assert.True(t, h.Enabled(ctx, slog.LevelDebug))

	quiet := ui.NewMultiHandler(
		slog.NewTextHandler(&stderr, &slog.HandlerOptions{Level: slog.LevelError}),
	)
	assert.False(t, quiet.Enabled(ctx, slog.LevelWarn))
	assert.True(t, quiet.Enabled(ctx, slog.LevelError))
}

func TestMultiHandler_AttrsAndGroups(t *testing.T) {
	t.Parallel()

	var stderr, file bytes.Buffer
	logger := stderrAndFile(&stderr, &file).
		With("component", "manager").
		WithGroup("chunkdl")

	logger.Warn("event", "type", "MissionFailed", "mission", int64(7))

	assert.Contains(t, stderr.String(), "component=manager")
	assert.Contains(t, stderr.String(), "chunkdl.type=MissionFailed")

	recs := decodeLines(t, &file)
	require.Len(t, recs, 1)
	assert.Equal(t, "manager", recs[0]["component"])
	group, ok := recs[0]["chunkdl"].(map[string]any)
	require.True(t, ok, "expected group chunkdl in JSON output")
	assert.Equal(t, "MissionFailed", group["type"])
	assert.EqualValues(t, 7, group["mission"])
}

type failingHandler struct{ slog.Handler }

func (failingHandler) Handle(context.Context, slog.Record) error { return errors.New("disk full") }

func TestMultiHandler_JoinsErrors(t *testing.T) {
	t.Parallel()

	var file bytes.Buffer
	js := slog.NewJSONHandler(&file, nil)
	m := ui.NewMultiHandler(failingHandler{js}, js)

	r := slog.NewRecord(time.Time{}, slog.LevelInfo, "mission started", 0)
	err := m.Handle(context.Background(), r)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Contains(t, file.String(), "mission started")
}
