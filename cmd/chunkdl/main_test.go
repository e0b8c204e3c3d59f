package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/chunkdl/internal/config"
	"github.com/bamsammich/chunkdl/internal/finished"
	"github.com/bamsammich/chunkdl/internal/mission"
	"github.com/bamsammich/chunkdl/internal/storage"
)

func ptr[T any](v T) *T { return &v }

func testRoot(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{Use: "test", RunE: func(*cobra.Command, []string) error { return nil }}
	cmd.Flags().IntVar(&g.maxRetry, "max-retry", 3, "")
	cmd.Flags().StringVar(&g.bwLimit, "bwlimit", "", "")
	cmd.Flags().BoolVar(&g.queueLimit, "queue-limit", true, "")
	cmd.Flags().BoolVar(&g.pauseOnMetered, "pause-on-metered", true, "")
	return cmd
}

func TestApplyConfigDefaults(t *testing.T) {
	t.Parallel()

	defaults := config.DefaultsConfig{
		MaxRetry:       ptr(7),
		BWLimit:        ptr("10M"),
		QueueLimit:     ptr(false),
		PauseOnMetered: ptr(false),
	}

	t.Run("config fills unset flags", func(t *testing.T) {
		t.Parallel()
		var g globalFlags
		cmd := testRoot(&g)
		require.NoError(t, cmd.ParseFlags(nil))

		applyConfigDefaults(cmd, defaults, &g)
		assert.Equal(t, 7, g.maxRetry)
		assert.Equal(t, "10M", g.bwLimit)
		assert.False(t, g.queueLimit)
		assert.False(t, g.pauseOnMetered)
	})

	t.Run("explicit flags win", func(t *testing.T) {
		t.Parallel()
		var g globalFlags
		cmd := testRoot(&g)
		require.NoError(t, cmd.ParseFlags([]string{"--max-retry=1", "--queue-limit=true"}))

		applyConfigDefaults(cmd, defaults, &g)
		assert.Equal(t, 1, g.maxRetry)
		assert.True(t, g.queueLimit)
		assert.Equal(t, "10M", g.bwLimit)
	})

	t.Run("empty config changes nothing", func(t *testing.T) {
		t.Parallel()
		var g globalFlags
		cmd := testRoot(&g)
		require.NoError(t, cmd.ParseFlags(nil))

		applyConfigDefaults(cmd, config.DefaultsConfig{}, &g)
		assert.Equal(t, 3, g.maxRetry)
		assert.True(t, g.queueLimit)
	})
}

func TestApplyGetDefaults(t *testing.T) {
	t.Parallel()

	cmd := newGetCmd(&globalFlags{})
	require.NoError(t, cmd.ParseFlags([]string{"--threads=5"}))

	f := getFlags{threads: 5, blockSize: "512K"}
	applyGetDefaults(cmd, config.DefaultsConfig{Threads: ptr(9), BlockSize: ptr("1M")}, &f)
	assert.Equal(t, 5, f.threads)
	assert.Equal(t, "1M", f.blockSize)
}

func TestParseKind(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    storage.Kind
		wantErr bool
	}{
		{"video", storage.KindVideo, false},
		{"Audio", storage.KindAudio, false},
		{"other", storage.KindOther, false},
		{"", storage.KindOther, false},
		{"podcast", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := parseKind(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParsePostprocess(t *testing.T) {
	t.Parallel()

	digest := strings.Repeat("ab", 32)
	tests := []struct {
		in       string
		wantName string
		wantArgs []string
		wantErr  bool
	}{
		{"", "", nil, false},
		{"zstd", "zstd", nil, false},
		{"blake3:" + digest, "blake3", []string{digest}, false},
		{"blake3", "", nil, true},
		{"blake3:nothex", "", nil, true},
		{"zstd:9", "", nil, true},
		{"gzip", "", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			name, args, err := parsePostprocess(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantName, name)
			assert.Equal(t, tt.wantArgs, args)
		})
	}
}

func TestOutcomeExitCode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		out  outcome
		want int
	}{
		{"all finished", outcome{finished: 3}, 0},
		{"only queued", outcome{queued: 2}, 0},
		{"nothing", outcome{}, 0},
		{"partial failure", outcome{finished: 2, failed: 1}, 1},
		{"interrupted", outcome{paused: 1}, 1},
		{"all failed", outcome{failed: 2}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.out.exitCode())
			if tt.want == 0 {
				assert.NoError(t, tt.out.err())
			} else {
				var exitErr *exitError
				require.ErrorAs(t, tt.out.err(), &exitErr)
				assert.Equal(t, tt.want, exitErr.code)
			}
		})
	}
}

func TestParseTimestamp(t *testing.T) {
	t.Parallel()

	ts, err := parseTimestamp("1700000000000")
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000000), ts)

	for _, bad := range []string{"", "abc", "-4", "0"} {
		_, err := parseTimestamp(bad)
		assert.Error(t, err, bad)
	}
}

func TestPendingState(t *testing.T) {
	t.Parallel()

	tests := []struct {
		snap mission.Snapshot
		want string
	}{
		{mission.Snapshot{Running: true}, "running"},
		{mission.Snapshot{PsState: mission.PsRunning, Running: true}, "postprocessing"},
		{mission.Snapshot{PsState: mission.PsHold, ErrCode: mission.ErrPostprocessingHold}, "held"},
		{mission.Snapshot{ErrCode: mission.ErrTimeout}, "failed"},
		{mission.Snapshot{Enqueued: true}, "queued"},
		{mission.Snapshot{}, "paused"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, pendingState(tt.snap))
		})
	}
}

func TestWriteListings(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	writePending(&buf, []mission.Snapshot{
		{Timestamp: 11, Name: "a.iso", Done: 512, Length: 1024, Enqueued: true},
		{Timestamp: 12, Name: "b.bin", Done: 0, Length: -1, ErrCode: mission.ErrUnknownHost},
	})
	writeFinished(&buf, []finished.Mission{
		{Timestamp: 10, Name: "c.mp3", Kind: storage.KindAudio, Length: 2048,
			Location: "file:///tmp/c.mp3", FinishedAt: time.Unix(1700000000, 0)},
	})

	out := buf.String()
	assert.Contains(t, out, "PENDING")
	assert.Contains(t, out, "(50%)")
	assert.Contains(t, out, "UnknownHost")
	assert.Contains(t, out, "FINISHED")
	assert.Contains(t, out, "audio")
	assert.Contains(t, out, "file:///tmp/c.mp3")

	buf.Reset()
	writePending(&buf, nil)
	writeFinished(&buf, nil)
	assert.Empty(t, buf.String())
}

func TestKindFlag(t *testing.T) {
	t.Parallel()

	cmd := newGetCmd(&globalFlags{})
	require.NoError(t, cmd.ParseFlags([]string{"--kind", "audio"}))
	assert.Equal(t, "audio", cmd.Flags().Lookup("kind").Value.String())

	cmd = newGetCmd(&globalFlags{})
	assert.Error(t, cmd.ParseFlags([]string{"--kind", "podcast"}))
	assert.Equal(t, "other", cmd.Flags().Lookup("kind").DefValue)
}
