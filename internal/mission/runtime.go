package mission

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/google/uuid"

	"github.com/bamsammich/chunkdl/internal/fetch"
	"github.com/bamsammich/chunkdl/internal/postprocess"
	"github.com/bamsammich/chunkdl/internal/storage"
	"github.com/bamsammich/chunkdl/internal/stream"
)

const (
	progressInterval = 500 * time.Millisecond
	persistEvery     = 10 // progress ticks between metadata writes
	writeRetries     = 8  // EINTR or EAGAIN retries per writer
	readBufferSize   = 64 * 1024
	allBlocks        = uint64(1) << 32
)

// Start launches the download in the background. It does nothing when the
// mission is running, finished, waiting on a post-processing decision or
// not attached to an Env.
func (m *Mission) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running || m.finished || m.env == nil {
		return
	}
	if m.psState == PsHold || m.psState == PsDone {
		return
	}
	m.launch()
}

// launch must be called with m.mu held.
func (m *Mission) launch() {
	ctx, cancel := context.WithCancel(context.Background())
	m.gen++
	gen := m.gen
	env := m.env
	m.running = true
	m.enqueued = true
	m.errCode = ErrNothing
	m.errObject = nil
	m.cancel = cancel
	prev := m.exited
	exited := make(chan struct{})
	m.exited = exited

	go func() {
		defer close(exited)
		defer cancel()
		if prev != nil {
			<-prev
		}
		m.run(ctx, env, gen)
	}()
}

// Pause cancels the workers and keeps the Enqueued flag. Writes in flight
// complete first. Post-processing cannot be paused.
func (m *Mission) Pause() {
	m.mu.Lock()
	if !m.running || m.psState == PsRunning {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	m.mu.Unlock()
	cancel()
}

// Stop cancels whatever the mission is doing, post-processing included,
// and waits for it to exit.
func (m *Mission) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.running = false
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.Wait()
}

// Wait blocks until the current run, if any, has exited.
func (m *Mission) Wait() {
	m.mu.Lock()
	exited := m.exited
	m.mu.Unlock()
	if exited != nil {
		<-exited
	}
}

// PsContinue settles a mission held after a failed post-processing step:
// resume runs the step again, otherwise the mission fails for good.
func (m *Mission) PsContinue(resume bool) {
	m.mu.Lock()
	if m.psState != PsHold || m.running {
		m.mu.Unlock()
		return
	}
	if resume {
		m.psState = PsRunning
		if m.env != nil {
			m.launch()
		}
		m.mu.Unlock()
		return
	}
	m.errCode = ErrPostprocessing
	m.psState = PsDone
	m.enqueued = false
	err := m.errObject
	m.mu.Unlock()

	m.persistLogged()
	m.listener().MissionFailed(m, ErrPostprocessing, err)
}

func (m *Mission) run(ctx context.Context, env *Env, gen uint64) {
	log := m.logger()
	m.listener().MissionStarted(m)

	if m.PsState() == PsNone {
		if err := m.download(ctx, env, log); err != nil {
			m.interrupted(ctx, gen, err)
			return
		}
	}
	if err := m.postprocess(ctx, env, log); err != nil {
		m.psFailed(ctx, gen, err)
		return
	}

	m.mu.Lock()
	m.release(gen)
	if m.PsAlgorithm != "" {
		m.psState = PsDone
	}
	m.finished = true
	m.enqueued = false
	m.errCode = ErrNothing
	m.errObject = nil
	length := m.length
	m.mu.Unlock()

	m.persistLogged()
	log.Info("download finished", "bytes", length)
	m.listener().MissionFinished(m)
}

// release must be called with m.mu held.
func (m *Mission) release(gen uint64) {
	if m.gen == gen {
		m.running = false
	}
}

func (m *Mission) interrupted(ctx context.Context, gen uint64, err error) {
	paused := ctx.Err() != nil

	m.mu.Lock()
	m.release(gen)
	if !paused {
		m.errCode = Classify(err)
		m.errObject = err
		m.enqueued = false
	}
	code := m.errCode
	done := m.done
	m.mu.Unlock()

	m.persistLogged()
	log := m.logger()
	if paused {
		log.Debug("download paused", "done", done)
		m.listener().MissionPaused(m)
		return
	}
	log.Warn("download failed", "code", code, "error", err)
	m.listener().MissionFailed(m, code, err)
}

func (m *Mission) psFailed(ctx context.Context, gen uint64, err error) {
	if ctx.Err() != nil {
		// Stopped mid-step; PsRunning stays persisted for the next load.
		m.mu.Lock()
		m.release(gen)
		m.mu.Unlock()
		m.persistLogged()
		m.listener().MissionPaused(m)
		return
	}

	m.mu.Lock()
	m.release(gen)
	m.errObject = err
	if m.worksOnSameFile() {
		m.errCode = ErrPostprocessing
		m.psState = PsDone
		m.enqueued = false
	} else {
		m.errCode = ErrPostprocessingHold
		m.psState = PsHold
	}
	code := m.errCode
	m.mu.Unlock()

	m.persistLogged()
	m.logger().Warn("post-processing failed", "algorithm", m.PsAlgorithm, "code", code, "error", err)
	m.listener().MissionFailed(m, code, err)
}

func (m *Mission) postprocess(ctx context.Context, env *Env, log *slog.Logger) error {
	if m.PsAlgorithm == "" {
		return nil
	}
	alg, err := postprocess.Lookup(m.PsAlgorithm, m.PsArgs)
	if err != nil {
		return err
	}

	if env.PsSlot != nil {
		select {
		case env.PsSlot <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
		defer func() { <-env.PsSlot }()
	}

	m.mu.Lock()
	m.psState = PsRunning
	h := m.storage
	m.mu.Unlock()
	m.persistLogged()

	if h == nil || h.IsInvalid() {
		return fmt.Errorf("post-process: %w", storage.ErrInvalidated)
	}

	log.Info("post-processing", "algorithm", alg.Name())
	start := time.Now()
	err = alg.Run(ctx, postprocess.Job{
		Open:    h.OpenStream,
		TempDir: env.TempDir,
		Name:    m.Name,
		Progress: func(done, total int64) {
			m.listener().MissionProgress(m, done, total)
		},
		Logger: log,
	})
	if env.OnPostprocess != nil {
		env.OnPostprocess(alg.Name(), time.Since(start), err)
	}
	return err
}

// transfer is the state of one download pass.
type transfer struct {
	m   *Mission
	env *Env
	log *slog.Logger

	url       string
	etag      string
	length    int64
	blockSize int64
	ranged    bool
	maxRetry  int

	mu sync.Mutex // serializes writer access
	w  *stream.CircularWriter
}

func (m *Mission) download(ctx context.Context, env *Env, log *slog.Logger) error {
	t := &transfer{m: m, env: env, log: log, url: m.URL, maxRetry: m.MaxRetry()}

	if err := t.attempt(ctx, "probe", func() error { return m.initialize(ctx, env.Client, log) }); err != nil {
		return fmt.Errorf("probe: %w", err)
	}

	m.mu.Lock()
	t.length = m.length
	t.etag = m.etag
	t.ranged = m.ranges
	t.blockSize = m.BlockSize
	h := m.storage
	m.mu.Unlock()
	if t.blockSize <= 0 {
		t.blockSize = DefaultBlockSize
	}

	if h == nil || h.IsInvalid() {
		return withCode(ErrFileCreation, storage.ErrInvalidated)
	}
	if !h.Exists() {
		if err := h.Create(); err != nil {
			return storageFailure(fmt.Errorf("create %s: %w", h.Name(), err))
		}
	}
	s, err := h.OpenStream()
	if err != nil {
		return storageFailure(fmt.Errorf("open %s: %w", h.Name(), err))
	}

	temp := filepath.Join(env.TempDir, fmt.Sprintf("%d-%s.aux", m.Timestamp, uuid.NewString()))
	t.w, err = stream.NewCircularWriter(s, temp, nil)
	if err != nil {
		_ = s.Close()
		return storageFailure(err)
	}
	t.w.OnWriteError = stream.RetryInterrupted(writeRetries)

	stop := make(chan struct{})
	reported := make(chan struct{})
	go func() {
		defer close(reported)
		t.report(stop)
	}()

	if t.ranged {
		err = t.rangedRun(ctx, s)
	} else {
		err = t.sequentialRun(ctx)
	}
	close(stop)
	<-reported

	if err != nil {
		if cerr := t.w.Close(); cerr != nil {
			log.Debug("close writer", "error", cerr)
		}
		m.settle(t.ranged, t.w.DurableLength())
		return err
	}

	length, err := t.w.FinalizeFile()
	if err != nil {
		_ = t.w.Close()
		m.settle(t.ranged, t.w.DurableLength())
		return storageFailure(err)
	}

	m.mu.Lock()
	if m.unknownLength || m.length < 0 {
		m.length = length
	}
	m.done = length
	m.durable = length
	m.mu.Unlock()
	return nil
}

// initialize probes the resource. Progress recorded against a different
// version of it is discarded.
func (m *Mission) initialize(ctx context.Context, client *fetch.Client, log *slog.Logger) error {
	info, err := client.Head(ctx, m.URL)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.blocks != nil {
		etagChanged := m.etag != "" && info.ETag != "" && m.etag != info.ETag
		lengthChanged := !m.unknownLength && m.length >= 0 && info.Length >= 0 && m.length != info.Length
		if etagChanged || lengthChanged {
			log.Warn("resource changed, restarting", "etag", info.ETag, "length", info.Length)
			m.blocks = nil
		}
	}
	if m.blocks != nil {
		return nil
	}

	m.blocks = roaring.New()
	m.length = info.Length
	m.unknownLength = info.Length < 0
	m.ranges = info.AcceptsRanges && info.Length > 0
	m.etag = info.ETag
	m.done = 0
	m.durable = 0
	return nil
}

// settle drops the blocks the interrupted pass could not make durable.
func (m *Mission) settle(ranged bool, durable int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !ranged || m.blocks == nil {
		m.done = 0
		m.durable = 0
		return
	}
	m.durable = durable
	m.done = durable
	m.blocks.RemoveRange(m.durableBlocks(), allBlocks)
}

// durableBlocks returns the index of the first block past the durable
// prefix. Must be called with m.mu held.
func (m *Mission) durableBlocks() uint64 {
	if m.length > 0 && m.durable >= m.length {
		return allBlocks
	}
	return uint64(m.durable / max(m.BlockSize, 1))
}

// restorePrefix trims the bitmap to the blocks that are contiguous from the
// start and present in a destination of fileLen bytes, and returns the
// byte length of that prefix.
func (m *Mission) restorePrefix(nblocks uint32, fileLen int64) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	var first uint32
	it := m.blocks.Iterator()
	for it.HasNext() && first < nblocks && it.Next() == first {
		first++
	}
	if fileLen < m.length {
		first = min(first, uint32(fileLen/m.BlockSize))
	}
	m.blocks.RemoveRange(uint64(first), allBlocks)

	m.durable = min(int64(first)*m.BlockSize, m.length)
	m.done = m.durable
	return m.durable
}

func (m *Mission) pendingBlocks(nblocks uint32) []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	pending := make([]uint32, 0, int(nblocks)-int(m.blocks.GetCardinality()))
	for i := range nblocks {
		if !m.blocks.Contains(i) {
			pending = append(pending, i)
		}
	}
	return pending
}

func (m *Mission) markBlock(idx uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocks.Add(idx)
}

func (m *Mission) addDone(n, durable int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.done += n
	m.durable = durable
}

func (m *Mission) resetDone() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.done = 0
	m.durable = 0
}

func (t *transfer) rangedRun(ctx context.Context, s stream.Stream) error {
	nblocks := uint32((t.length + t.blockSize - 1) / t.blockSize)

	fileLen, err := s.Length()
	if err != nil {
		return storageFailure(err)
	}
	durable := t.m.restorePrefix(nblocks, fileLen)
	if err := t.w.AssumeWritten(durable); err != nil {
		return storageFailure(err)
	}
	if fs, ok := s.(*stream.FileStream); ok {
		if err := fs.Preallocate(t.length); err != nil {
			t.log.Debug("preallocate failed", "error", err)
		}
	}

	pending := t.m.pendingBlocks(nblocks)
	if len(pending) == 0 {
		return nil
	}
	workers := min(max(t.m.ThreadCount, 1), len(pending))
	t.log.Debug("downloading", "blocks", len(pending), "workers", workers, "resume_at", durable)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg    sync.WaitGroup
		once  sync.Once
		first error
	)
	jobs := make(chan uint32)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				if err := t.fetchBlock(ctx, idx); err != nil {
					once.Do(func() {
						first = err
						cancel()
					})
					return
				}
			}
		}()
	}

feed:
	for _, idx := range pending {
		select {
		case jobs <- idx:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	if first != nil {
		return first
	}
	return ctx.Err()
}

func (t *transfer) fetchBlock(ctx context.Context, idx uint32) error {
	start := int64(idx) * t.blockSize
	end := min(start+t.blockSize, t.length)
	pos := start

	err := t.attempt(ctx, "block", func() error {
		resp, err := t.env.Client.GetRange(ctx, t.url, pos, end-1)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if err := t.checkETag(resp.ETag); err != nil {
			return err
		}
		return t.copyBody(resp.Body, &pos, end)
	})
	if err != nil {
		return fmt.Errorf("block %d: %w", idx, err)
	}
	t.m.markBlock(idx)
	return nil
}

// sequentialRun downloads the whole resource with one request, starting
// over from byte zero on every attempt.
func (t *transfer) sequentialRun(ctx context.Context) error {
	return t.attempt(ctx, "stream", func() error {
		t.mu.Lock()
		err := t.w.Rewind()
		t.mu.Unlock()
		if err != nil {
			return storageFailure(err)
		}
		t.m.resetDone()

		resp, err := t.env.Client.Get(ctx, t.url)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if err := t.checkETag(resp.ETag); err != nil {
			return err
		}
		var pos int64
		return t.copyBody(resp.Body, &pos, t.length)
	})
}

// copyBody writes body at *pos until end, or until EOF when end is negative.
func (t *transfer) copyBody(body io.Reader, pos *int64, end int64) error {
	buf := make([]byte, readBufferSize)
	for end < 0 || *pos < end {
		want := int64(len(buf))
		if end >= 0 {
			want = min(want, end-*pos)
		}
		n, err := body.Read(buf[:want])
		if n > 0 {
			if werr := t.write(buf[:n], *pos); werr != nil {
				return werr
			}
			*pos += int64(n)
		}
		if errors.Is(err, io.EOF) {
			if end >= 0 && *pos < end {
				return io.ErrUnexpectedEOF
			}
			return nil
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *transfer) write(p []byte, off int64) error {
	t.mu.Lock()
	_, err := t.w.WriteAt(p, off)
	durable := t.w.DurableLength()
	t.mu.Unlock()
	if err != nil {
		return storageFailure(fmt.Errorf("write at %d: %w", off, err))
	}
	t.m.addDone(int64(len(p)), durable)
	return nil
}

func (t *transfer) checkETag(etag string) error {
	if t.etag != "" && etag != "" && etag != t.etag {
		return fmt.Errorf("%w: etag %q, expected %q", ErrResourceChanged, etag, t.etag)
	}
	return nil
}

// attempt runs fn until it succeeds, fails for good or the retry budget is
// spent. Storage failures and cancellation end it at once.
func (t *transfer) attempt(ctx context.Context, op string, fn func() error) error {
	for try := 1; ; try++ {
		err := fn()
		if err == nil || ctx.Err() != nil || isCoded(err) || !fetch.IsTransient(err) || try > t.maxRetry {
			return err
		}
		t.log.Debug("retrying", "op", op, "attempt", try, "error", err)
		if werr := t.env.Client.Backoff(ctx, try); werr != nil {
			return err
		}
	}
}

func (t *transfer) report(stop <-chan struct{}) {
	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()
	listener := t.m.listener()
	for tick := 1; ; tick++ {
		select {
		case <-stop:
			return
		case <-ticker.C:
			t.m.mu.Lock()
			done, length := t.m.done, t.m.length
			t.m.mu.Unlock()
			listener.MissionProgress(t.m, done, length)
			if tick%persistEvery == 0 {
				t.m.persistLogged()
			}
		}
	}
}
