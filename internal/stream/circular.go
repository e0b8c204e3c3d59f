package stream

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"slices"
	"sort"
	"syscall"

	"github.com/bamsammich/chunkdl/internal/platform"
)

const (
	queueBufferSize       = 8 * 1024
	copyBufferSize        = 128 * 1024
	writeProgressInterval = 64 * 1024

	// auxThreshold is the contiguous backlog that forces a drain while the
	// writer is spilling to aux, and the dead space that forces compaction.
	auxThreshold = 15 * 1024 * 1024
)

// OffsetChecker reports how far the destination may safely be written.
// A negative value means there is no limit.
type OffsetChecker func() int64

// WriteErrorHandler decides whether a failed physical write is retried in
// place (true) or returned to the caller (false).
type WriteErrorHandler func(err error) bool

// RetryInterrupted retries writes that failed with EINTR or EAGAIN, at most
// limit times over the writer's life. Other errors are returned.
func RetryInterrupted(limit int) WriteErrorHandler {
	left := limit
	return func(err error) bool {
		if left <= 0 || !(errors.Is(err, syscall.EINTR) || errors.Is(err, syscall.EAGAIN)) {
			return false
		}
		left--
		return true
	}
}

// segment is a run of bytes parked in aux: n bytes that belong at logical
// offset off, stored at auxPos.
type segment struct {
	off    int64
	auxPos int64
	n      int64
}

func (s segment) end() int64 { return s.off + s.n }

// CircularWriter reconciles writes arriving in any order into a single
// destination stream. The destination only ever grows as a contiguous,
// hole-free prefix; bytes that cannot join it yet are parked in a scratch
// file and copied over once the gap before them is filled.
//
// An OffsetChecker caps how far the destination may advance, which lets a
// producer rewrite a file it is still reading from.
//
// CircularWriter is not safe for concurrent use.
type CircularWriter struct {
	out *bufferedFile
	aux *bufferedFile

	auxPath  string
	segments []segment // sorted by off, never overlapping
	auxDead  int64

	checker        OffsetChecker
	cursor         int64
	maxLengthKnown int64
	reportAt       int64
	closed         bool
	buf            []byte

	// OnProgress receives the end offset of writes, at most once per 64 KiB
	// of cursor movement.
	OnProgress ProgressFunc
	// OnWriteError is consulted when a physical write fails.
	OnWriteError WriteErrorHandler
}

// NewCircularWriter writes into target, using temp as the scratch file. The
// destination starts out empty from the writer's point of view; see
// AssumeWritten for resuming on top of existing data.
func NewCircularWriter(target Stream, temp string, checker OffsetChecker) (*CircularWriter, error) {
	auxFile, err := OpenFileStream(temp, ModeRead|ModeCreate|ModeTruncate)
	if err != nil {
		return nil, fmt.Errorf("circular writer: %w", err)
	}
	RegisterTmp(temp)

	w := &CircularWriter{
		auxPath:  temp,
		checker:  checker,
		reportAt: writeProgressInterval,
	}
	w.out = newBufferedFile(target, 0, w.retry)
	w.aux = newBufferedFile(auxFile, 0, w.retry)
	return w, nil
}

// AssumeWritten treats the first n bytes of the destination as already
// written. It must be called before any write.
func (w *CircularWriter) AssumeWritten(n int64) error {
	if w.closed {
		return ErrClosed
	}
	if w.out.size() != 0 || len(w.segments) != 0 {
		return errors.New("circular writer: AssumeWritten after writes")
	}
	length, err := w.out.target.Length()
	if err != nil {
		return fmt.Errorf("circular writer: destination length: %w", err)
	}
	if n < 0 || n > length {
		return fmt.Errorf("%w: %d bytes assumed, destination holds %d", ErrOutOfRange, n, length)
	}
	w.out.advance(n)
	w.maxLengthKnown = max(w.maxLengthKnown, n)
	w.cursor = n
	return nil
}

// WriteAt writes p at logical offset off.
func (w *CircularWriter) WriteAt(p []byte, off int64) (int, error) {
	if w.closed {
		return 0, ErrClosed
	}
	if off < 0 {
		return 0, fmt.Errorf("%w: negative offset %d", ErrOutOfRange, off)
	}
	if len(p) == 0 {
		return 0, nil
	}

	boundary, err := w.boundary()
	if err != nil {
		return 0, err
	}
	end := off + int64(len(p))
	w.trim(off, end)

	var direct int64
	if off <= w.out.size() && off < boundary {
		direct = min(end, boundary) - off
		if err := w.out.writeAt(p[:direct], off); err != nil {
			return 0, err
		}
	}
	if direct < int64(len(p)) {
		if err := w.park(p[direct:], off+direct); err != nil {
			return int(direct), err
		}
	}

	usingAux := direct == 0
	switch {
	case !usingAux:
		err = w.drain(boundary, false)
	case boundary > w.out.size() && w.backlog() >= auxThreshold:
		err = w.drain(boundary, false)
	}
	if err != nil {
		return len(p), err
	}

	w.report(end)
	return len(p), nil
}

// Write writes p at the cursor and advances it.
func (w *CircularWriter) Write(p []byte) (int, error) {
	n, err := w.WriteAt(p, w.cursor)
	w.cursor += int64(n)
	return n, err
}

// Position returns the cursor used by Write.
func (w *CircularWriter) Position() int64 { return w.cursor }

// Length returns the logical length: the furthest byte ever written or
// flushed.
func (w *CircularWriter) Length() int64 {
	return max(w.maxLengthKnown, w.logicalLength())
}

// DurableLength returns how many leading bytes of the destination are
// written through to it without holes.
func (w *CircularWriter) DurableLength() int64 { return w.out.length }

// Flush pushes both buffers to their files.
func (w *CircularWriter) Flush() error {
	if w.closed {
		return ErrClosed
	}
	if err := w.out.flush(); err != nil {
		return fmt.Errorf("circular writer: flush: %w", err)
	}
	if err := w.aux.flush(); err != nil {
		return fmt.Errorf("circular writer: flush aux: %w", err)
	}
	if err := w.out.target.Flush(); err != nil {
		return fmt.Errorf("circular writer: flush: %w", err)
	}
	w.maxLengthKnown = max(w.maxLengthKnown, w.logicalLength())
	return nil
}

// Seek moves the cursor. The target offset must lie within [0, Length()].
func (w *CircularWriter) Seek(offset int64, whence int) (int64, error) {
	if err := w.Flush(); err != nil {
		return 0, err
	}
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = w.cursor + offset
	case io.SeekEnd:
		abs = w.Length() + offset
	default:
		return 0, fmt.Errorf("circular writer: invalid whence %d", whence)
	}
	if abs < 0 || abs > w.Length() {
		return 0, fmt.Errorf("%w: seek to %d, length %d", ErrOutOfRange, abs, w.Length())
	}
	w.cursor = abs
	return abs, nil
}

// Rewind reports zero progress and moves the cursor back to the start.
func (w *CircularWriter) Rewind() error {
	if w.OnProgress != nil {
		w.OnProgress(0)
	}
	if _, err := w.Seek(0, io.SeekStart); err != nil {
		return err
	}
	w.reportAt = writeProgressInterval
	return nil
}

// FinalizeFile moves everything still parked in aux into the destination,
// filling unwritten gaps with zeros, fixes the destination length and closes
// the writer. It returns the final length. Call it only once the whole
// content has been written.
func (w *CircularWriter) FinalizeFile() (int64, error) {
	if w.closed {
		return 0, ErrClosed
	}
	if err := w.drain(math.MaxInt64, true); err != nil {
		return 0, fmt.Errorf("circular writer: finalize: %w", err)
	}
	if err := w.Flush(); err != nil {
		return 0, err
	}

	length := max(w.maxLengthKnown, w.out.size())
	current, err := w.out.target.Length()
	if err != nil {
		return 0, fmt.Errorf("circular writer: finalize: %w", err)
	}
	if current != length {
		if err := w.out.truncate(length); err != nil {
			return 0, fmt.Errorf("circular writer: set length %d: %w", length, err)
		}
	}
	if err := w.out.target.Flush(); err != nil {
		return 0, fmt.Errorf("circular writer: finalize: %w", err)
	}
	return length, w.Close()
}

// Close releases both files without draining aux or fixing the destination
// length. Data parked in aux is lost; DurableLength tells what survived.
func (w *CircularWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	errs := []error{w.out.flush(), w.out.target.Close(), w.aux.target.Close()}
	if err := os.Remove(w.auxPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		errs = append(errs, err)
	}
	DeregisterTmp(w.auxPath)
	w.segments = nil

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("circular writer: close: %w", err)
	}
	return nil
}

func (w *CircularWriter) retry(err error) bool {
	return w.OnWriteError != nil && w.OnWriteError(err)
}

func (w *CircularWriter) boundary() (int64, error) {
	if w.checker == nil {
		return math.MaxInt64, nil
	}
	b := w.checker()
	if b < 0 {
		return math.MaxInt64, nil
	}
	if b < w.out.size() {
		return 0, fmt.Errorf("%w: offset checker reported %d below written length %d",
			ErrOutOfRange, b, w.out.size())
	}
	return b, nil
}

func (w *CircularWriter) logicalLength() int64 {
	n := w.out.size()
	if len(w.segments) > 0 {
		n = max(n, w.segments[len(w.segments)-1].end())
	}
	return n
}

func (w *CircularWriter) report(pos int64) {
	if w.OnProgress != nil && pos >= w.reportAt {
		w.reportAt = pos + writeProgressInterval
		w.OnProgress(pos)
	}
}

// trim drops the parts of parked segments that [off, end) overwrites.
func (w *CircularWriter) trim(off, end int64) {
	i := sort.Search(len(w.segments), func(i int) bool { return w.segments[i].end() > off })
	if i == len(w.segments) || w.segments[i].off >= end {
		return
	}

	var keep []segment
	j := i
	for ; j < len(w.segments) && w.segments[j].off < end; j++ {
		s := w.segments[j]
		if s.off < off {
			keep = append(keep, segment{off: s.off, auxPos: s.auxPos, n: off - s.off})
		}
		if s.end() > end {
			cut := end - s.off
			keep = append(keep, segment{off: end, auxPos: s.auxPos + cut, n: s.n - cut})
		}
		w.auxDead += min(s.end(), end) - max(s.off, off)
	}
	w.segments = slices.Replace(w.segments, i, j, keep...)
}

// park appends p to aux as the segment for logical offset off.
func (w *CircularWriter) park(p []byte, off int64) error {
	pos := w.aux.size()
	if err := w.aux.writeAt(p, pos); err != nil {
		return fmt.Errorf("circular writer: write aux: %w", err)
	}

	seg := segment{off: off, auxPos: pos, n: int64(len(p))}
	i := sort.Search(len(w.segments), func(i int) bool { return w.segments[i].off >= off })
	if i > 0 {
		prev := &w.segments[i-1]
		if prev.end() == off && prev.auxPos+prev.n == pos {
			prev.n += seg.n
			return nil
		}
	}
	w.segments = slices.Insert(w.segments, i, seg)
	return nil
}

// backlog returns the size of the parked run that starts right where the
// destination ends.
func (w *CircularWriter) backlog() int64 {
	next := w.out.size()
	var n int64
	for _, s := range w.segments {
		if s.off != next {
			break
		}
		n += s.n
		next = s.end()
	}
	return n
}

// drain copies parked segments that continue the destination, up to
// boundary. With force, gaps are zero-filled and the boundary ignored.
func (w *CircularWriter) drain(boundary int64, force bool) error {
	if len(w.segments) == 0 {
		return w.reclaim()
	}
	if first := w.segments[0]; !force && (first.off != w.out.size() || first.off >= boundary) {
		return w.reclaim()
	}
	if err := w.aux.flush(); err != nil {
		return fmt.Errorf("circular writer: flush aux: %w", err)
	}
	if err := w.out.flush(); err != nil {
		return fmt.Errorf("circular writer: flush: %w", err)
	}

	for len(w.segments) > 0 {
		s := w.segments[0]
		if outLen := w.out.size(); s.off > outLen {
			if !force {
				break
			}
			if err := w.zeroFill(outLen, s.off); err != nil {
				return err
			}
		}

		n := s.n
		if !force {
			n = min(n, boundary-s.off)
		}
		if n <= 0 {
			break
		}
		if err := w.transfer(s.auxPos, s.off, n); err != nil {
			return err
		}
		w.auxDead += n
		if n < s.n {
			w.segments[0] = segment{off: s.off + n, auxPos: s.auxPos + n, n: s.n - n}
			break
		}
		w.segments = slices.Delete(w.segments, 0, 1)
	}
	return w.reclaim()
}

// transfer copies n bytes from aux position auxPos to destination offset
// off. Both buffers must be flushed.
func (w *CircularWriter) transfer(auxPos, off, n int64) error {
	src, srcFile := w.aux.target.(*FileStream)
	dst, dstFile := w.out.target.(*FileStream)
	if srcFile && dstFile && src.File() != nil && dst.File() != nil {
		for {
			res, err := platform.CopyRange(platform.CopyRangeParams{
				Src:       src.File(),
				Dst:       dst.File(),
				SrcOffset: auxPos,
				DstOffset: off,
				Length:    n,
			})
			if err == nil && res.BytesWritten < n {
				return fmt.Errorf("circular writer: aux segment at %d: %w", auxPos, io.ErrUnexpectedEOF)
			}
			if err == nil {
				break
			}
			if !w.retry(err) {
				return fmt.Errorf("circular writer: drain: %w", err)
			}
		}
		w.out.advance(off + n)
		return nil
	}

	buf := w.copyBuffer()
	for done := int64(0); done < n; {
		chunk := buf[:min(n-done, int64(len(buf)))]
		if _, err := w.aux.target.ReadAt(chunk, auxPos+done); err != nil {
			return fmt.Errorf("circular writer: read aux: %w", err)
		}
		if err := w.out.writeThrough(chunk, off+done); err != nil {
			return fmt.Errorf("circular writer: drain: %w", err)
		}
		done += int64(len(chunk))
	}
	w.out.advance(off + n)
	return nil
}

func (w *CircularWriter) zeroFill(from, to int64) error {
	zeros := make([]byte, min(to-from, copyBufferSize))
	for from < to {
		chunk := zeros[:min(to-from, int64(len(zeros)))]
		if err := w.out.writeThrough(chunk, from); err != nil {
			return fmt.Errorf("circular writer: zero fill: %w", err)
		}
		from += int64(len(chunk))
	}
	w.out.advance(to)
	return nil
}

// reclaim releases aux space no segment refers to anymore.
func (w *CircularWriter) reclaim() error {
	if len(w.segments) == 0 {
		w.auxDead = 0
		if w.aux.size() == 0 {
			return nil
		}
		if err := w.aux.flush(); err != nil {
			return err
		}
		return w.aux.truncate(0)
	}
	if w.auxDead < auxThreshold {
		return nil
	}
	return w.compact()
}

// compact shifts live segments to the front of aux, in aux order, and cuts
// off the rest.
func (w *CircularWriter) compact() error {
	if err := w.aux.flush(); err != nil {
		return err
	}

	order := make([]int, len(w.segments))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		return w.segments[order[a]].auxPos < w.segments[order[b]].auxPos
	})

	buf := w.copyBuffer()
	var next int64
	for _, i := range order {
		s := &w.segments[i]
		if s.auxPos != next {
			for done := int64(0); done < s.n; {
				chunk := buf[:min(s.n-done, int64(len(buf)))]
				if _, err := w.aux.target.ReadAt(chunk, s.auxPos+done); err != nil {
					return fmt.Errorf("circular writer: compact: %w", err)
				}
				if err := w.aux.writeThrough(chunk, next+done); err != nil {
					return fmt.Errorf("circular writer: compact: %w", err)
				}
				done += int64(len(chunk))
			}
			s.auxPos = next
		}
		next += s.n
	}

	if err := w.aux.truncate(next); err != nil {
		return fmt.Errorf("circular writer: compact: %w", err)
	}
	w.auxDead = 0
	return nil
}

func (w *CircularWriter) copyBuffer() []byte {
	if w.buf == nil {
		w.buf = make([]byte, copyBufferSize)
	}
	return w.buf
}
