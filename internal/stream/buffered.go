package stream

// bufferedFile queues small contiguous writes in front of a Stream. Writes
// that do not continue the queue flush it first.
type bufferedFile struct {
	target Stream
	offset int64 // position where the queue starts
	length int64 // bytes known to exist in target
	queue  []byte
	retry  func(error) bool
}

func newBufferedFile(target Stream, length int64, retry func(error) bool) *bufferedFile {
	return &bufferedFile{
		target: target,
		offset: length,
		length: length,
		queue:  make([]byte, 0, queueBufferSize),
		retry:  retry,
	}
}

func (b *bufferedFile) position() int64 { return b.offset + int64(len(b.queue)) }

func (b *bufferedFile) size() int64 { return max(b.length, b.position()) }

func (b *bufferedFile) writeAt(p []byte, off int64) error {
	if off != b.position() {
		if err := b.flush(); err != nil {
			return err
		}
		b.offset = off
	}

	if len(b.queue) == 0 && len(p) >= cap(b.queue) {
		if err := b.writeThrough(p, off); err != nil {
			return err
		}
		b.advance(off + int64(len(p)))
		return nil
	}

	for len(p) > 0 {
		n := copy(b.queue[len(b.queue):cap(b.queue)], p)
		b.queue = b.queue[:len(b.queue)+n]
		p = p[n:]
		if len(b.queue) == cap(b.queue) {
			if err := b.flush(); err != nil {
				return err
			}
		}
	}
	return nil
}

// flush writes the queue out. On failure the queue is kept so a later flush
// can try again.
func (b *bufferedFile) flush() error {
	if len(b.queue) == 0 {
		return nil
	}
	if err := b.writeThrough(b.queue, b.offset); err != nil {
		return err
	}
	b.advance(b.offset + int64(len(b.queue)))
	b.queue = b.queue[:0]
	return nil
}

// advance records that target now holds data up to pos, with an empty queue
// starting there.
func (b *bufferedFile) advance(pos int64) {
	b.offset = pos
	b.length = max(b.length, pos)
}

func (b *bufferedFile) writeThrough(p []byte, off int64) error {
	for {
		_, err := b.target.WriteAt(p, off)
		if err == nil || !b.retry(err) {
			return err
		}
	}
}

// truncate drops everything past n. The queue must be empty.
func (b *bufferedFile) truncate(n int64) error {
	for {
		err := b.target.SetLength(n)
		if err == nil {
			break
		}
		if !b.retry(err) {
			return err
		}
	}
	b.offset = n
	b.length = n
	return nil
}
