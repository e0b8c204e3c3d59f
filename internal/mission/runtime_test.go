package mission_test

import (
	"bytes"
	"encoding/hex"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/blake3"

	"github.com/bamsammich/chunkdl/internal/fetch"
	"github.com/bamsammich/chunkdl/internal/mission"
	"github.com/bamsammich/chunkdl/internal/storage"
)

type outcome struct {
	code mission.ErrorCode
	err  error
}

type recorder struct {
	mission.NopListener
	finished chan *mission.Mission
	failed   chan outcome
	paused   chan *mission.Mission
}

func newRecorder() *recorder {
	return &recorder{
		finished: make(chan *mission.Mission, 4),
		failed:   make(chan outcome, 4),
		paused:   make(chan *mission.Mission, 4),
	}
}

func (r *recorder) MissionFinished(m *mission.Mission) { r.finished <- m }
func (r *recorder) MissionPaused(m *mission.Mission)   { r.paused <- m }
func (r *recorder) MissionFailed(_ *mission.Mission, code mission.ErrorCode, err error) {
	r.failed <- outcome{code, err}
}

func (r *recorder) waitFinished(t *testing.T) {
	t.Helper()
	select {
	case <-r.finished:
	case o := <-r.failed:
		t.Fatalf("mission failed: %s: %v", o.code, o.err)
	case <-time.After(20 * time.Second):
		t.Fatal("timed out waiting for mission to finish")
	}
}

func (r *recorder) waitFailed(t *testing.T) outcome {
	t.Helper()
	select {
	case o := <-r.failed:
		return o
	case <-r.finished:
		t.Fatal("mission finished, expected failure")
	case <-time.After(20 * time.Second):
		t.Fatal("timed out waiting for mission to fail")
	}
	return outcome{}
}

func payload(n int) []byte {
	rng := rand.New(rand.NewPCG(uint64(n), 7))
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(rng.Uint32())
	}
	return b
}

func rangeServer(t *testing.T, content []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"v1"`)
		http.ServeContent(w, r, "file.bin", time.Time{}, bytes.NewReader(content))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testEnv(t *testing.T, l mission.Listener) *mission.Env {
	t.Helper()
	opts := fetch.DefaultOptions()
	opts.RetryBackoff = 10 * time.Millisecond
	opts.RetryMaxBackoff = 50 * time.Millisecond
	return &mission.Env{
		Client:   fetch.NewClient(opts),
		TempDir:  t.TempDir(),
		PsSlot:   mission.NewPsSlot(),
		Listener: l,
	}
}

func newMission(t *testing.T, url string, env *mission.Env) (*mission.Mission, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "file.bin")
	m := mission.New(url, storage.NewLocalFile(path, storage.KindOther), storage.KindOther)
	require.NoError(t, m.Claim(dir, 1))
	m.Attach(env)
	return m, path
}

func TestThreeWorkersProduceIdenticalFile(t *testing.T) {
	t.Parallel()

	content := payload(3 * 1024 * 1024)
	srv := rangeServer(t, content)
	rec := newRecorder()
	m, path := newMission(t, srv.URL+"/file.bin", testEnv(t, rec))
	m.ThreadCount = 3
	m.BlockSize = 64 * 1024

	m.Start()
	rec.waitFinished(t)
	m.Wait()

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(content, got), "downloaded file differs")
	assert.True(t, m.IsFinished())
	assert.False(t, m.Running())
	assert.False(t, m.Enqueued())
	assert.Equal(t, int64(len(content)), m.Done())
	assert.Equal(t, int64(len(content)), m.Length())
	assert.Equal(t, 48, m.BlocksDone())
	assert.Equal(t, "v1", m.ETag())
}

func TestSequentialWhenRangesUnsupported(t *testing.T) {
	t.Parallel()

	content := payload(300 * 1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Ignores Range and never says how long the body is.
		for off := 0; off < len(content); off += 32 * 1024 {
			_, _ = w.Write(content[off:min(off+32*1024, len(content))])
			w.(http.Flusher).Flush()
		}
	}))
	t.Cleanup(srv.Close)

	rec := newRecorder()
	m, path := newMission(t, srv.URL, testEnv(t, rec))

	m.Start()
	rec.waitFinished(t)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(content, got))
	assert.True(t, m.UnknownLength())
	assert.Equal(t, int64(len(content)), m.Length())
}

func TestPauseKeepsDurablePrefix(t *testing.T) {
	t.Parallel()

	const block = 16 * 1024
	content := payload(64 * block)
	gate := make(chan struct{})
	var served atomic.Int64

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && r.Header.Get("Range") != "bytes=0-0" {
			start, _, _ := bytes.Cut([]byte(r.Header.Get("Range")[len("bytes="):]), []byte("-"))
			off, _ := strconv.ParseInt(string(start), 10, 64)
			if off >= 8*block {
				select {
				case <-gate:
				case <-r.Context().Done():
					return
				}
			}
			served.Add(1)
		}
		http.ServeContent(w, r, "file.bin", time.Time{}, bytes.NewReader(content))
	}))
	t.Cleanup(srv.Close)

	rec := newRecorder()
	m, path := newMission(t, srv.URL, testEnv(t, rec))
	m.ThreadCount = 1
	m.BlockSize = block

	m.Start()
	require.Eventually(t, func() bool { return m.BlocksDone() == 8 }, 10*time.Second, 5*time.Millisecond)

	m.Pause()
	select {
	case <-rec.paused:
	case <-time.After(10 * time.Second):
		t.Fatal("mission did not pause")
	}
	m.Wait()

	assert.False(t, m.Running())
	assert.True(t, m.Enqueued(), "pause keeps the user's intent")
	assert.Equal(t, int64(8*block), m.Done())

	reloaded, err := mission.Load(m.MetadataPath)
	require.NoError(t, err)
	assert.Equal(t, int64(8*block), reloaded.Mission.Done())

	servedBefore := served.Load()
	close(gate)
	m.Start()
	rec.waitFinished(t)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(content, got))
	assert.LessOrEqual(t, served.Load()-servedBefore, int64(64-8+1), "durable blocks are not fetched again")
}

func TestHTTPErrorFailsMission(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	rec := newRecorder()
	m, _ := newMission(t, srv.URL, testEnv(t, rec))

	m.Start()
	o := rec.waitFailed(t)
	m.Wait()

	assert.Equal(t, mission.ErrorCode(http.StatusNotFound), o.code)
	assert.Equal(t, mission.ErrorCode(http.StatusNotFound), m.ErrCode())
	assert.False(t, m.Enqueued())
	assert.False(t, m.Running())
}

func TestTransientErrorsAreRetried(t *testing.T) {
	t.Parallel()

	content := payload(128 * 1024)
	var failures atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && r.Header.Get("Range") == "bytes=65536-131071" && failures.Add(1) <= 2 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		http.ServeContent(w, r, "file.bin", time.Time{}, bytes.NewReader(content))
	}))
	t.Cleanup(srv.Close)

	rec := newRecorder()
	m, path := newMission(t, srv.URL, testEnv(t, rec))
	m.BlockSize = 64 * 1024
	m.SetMaxRetry(3)

	m.Start()
	rec.waitFinished(t)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(content, got))
	assert.GreaterOrEqual(t, failures.Load(), int32(3))
}

func TestRetryBudgetExhausted(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "busy", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	rec := newRecorder()
	m, _ := newMission(t, srv.URL, testEnv(t, rec))
	m.SetMaxRetry(1)

	m.Start()
	o := rec.waitFailed(t)
	assert.Equal(t, mission.ErrorCode(http.StatusServiceUnavailable), o.code)
}

func TestInPlacePostprocessing(t *testing.T) {
	t.Parallel()

	plain := payload(256 * 1024)
	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	compressed := enc.EncodeAll(plain, nil)
	require.NoError(t, enc.Close())

	srv := rangeServer(t, compressed)
	rec := newRecorder()
	m, path := newMission(t, srv.URL, testEnv(t, rec))
	m.PsAlgorithm = "zstd"
	m.BlockSize = 16 * 1024

	m.Start()
	rec.waitFinished(t)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(plain, got))
	assert.Equal(t, mission.PsDone, m.PsState())
}

func TestPostprocessingHoldAndContinue(t *testing.T) {
	t.Parallel()

	content := payload(40 * 1024)
	srv := rangeServer(t, content)
	rec := newRecorder()
	m, _ := newMission(t, srv.URL, testEnv(t, rec))
	m.PsAlgorithm = "blake3"
	m.PsArgs = []string{hex.EncodeToString(make([]byte, 32))}

	m.Start()
	o := rec.waitFailed(t)
	m.Wait()
	assert.Equal(t, mission.ErrPostprocessingHold, o.code)
	assert.Equal(t, mission.PsHold, m.PsState())
	assert.True(t, m.IsCorrupt())
	assert.True(t, m.IsPsRunning())
	assert.False(t, m.IsPsFailed(), "verification does not touch the file")

	// Start is refused while held.
	m.Start()
	assert.False(t, m.Running())

	m.PsContinue(true)
	o = rec.waitFailed(t)
	m.Wait()
	assert.Equal(t, mission.ErrPostprocessingHold, o.code)

	m.PsContinue(false)
	o = rec.waitFailed(t)
	assert.Equal(t, mission.ErrPostprocessing, o.code)
	assert.Equal(t, mission.PsDone, m.PsState())
	assert.False(t, m.Enqueued())
}

func TestPostprocessingVerifies(t *testing.T) {
	t.Parallel()

	content := payload(40 * 1024)
	sum := blake3.Sum256(content)
	srv := rangeServer(t, content)
	rec := newRecorder()
	m, _ := newMission(t, srv.URL, testEnv(t, rec))
	m.PsAlgorithm = "blake3"
	m.PsArgs = []string{hex.EncodeToString(sum[:])}

	m.Start()
	rec.waitFinished(t)
	assert.True(t, m.IsFinished())
}

func TestResetState(t *testing.T) {
	t.Parallel()

	content := payload(64 * 1024)
	srv := rangeServer(t, content)
	rec := newRecorder()
	m, _ := newMission(t, srv.URL, testEnv(t, rec))
	m.ThreadCount = 4

	m.Start()
	rec.waitFinished(t)
	m.Wait()

	require.NoError(t, m.ResetState(true, true, mission.ErrProgressLost))
	assert.Equal(t, mission.ErrProgressLost, m.ErrCode())
	assert.Zero(t, m.Done())
	assert.Zero(t, m.BlocksDone())
	assert.Equal(t, int64(len(content)), m.Length(), "init data kept")
	assert.Equal(t, 4, m.ThreadCount)
	assert.False(t, m.IsFinished())

	require.NoError(t, m.ResetState(false, false, mission.ErrNothing))
	assert.Equal(t, int64(-1), m.Length())
	assert.Equal(t, 1, m.ThreadCount)
	assert.Empty(t, m.ETag())

	rec2, err := mission.Load(m.MetadataPath)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), rec2.Mission.Length())
}

func TestStartWithoutEnvIsNoop(t *testing.T) {
	t.Parallel()

	m := mission.New("http://127.0.0.1:1/x", nil, storage.KindOther)
	m.Start()
	assert.False(t, m.Running())
	m.Pause()
	m.Stop()
}
