package postprocess

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/bamsammich/chunkdl/internal/stream"
)

const (
	zstdName       = "zstd"
	zstdBufferSize = 256 * 1024
)

// zstdDecode decompresses a zstd download over itself. Decoded bytes are
// written through a CircularWriter whose boundary is the read position, so
// output never overtakes compressed input that has not been consumed.
type zstdDecode struct{}

func newZstdDecode(args []string) (Algorithm, error) {
	if len(args) != 0 {
		return nil, fmt.Errorf("zstd: unexpected arguments %v", args)
	}
	return zstdDecode{}, nil
}

func (zstdDecode) Name() string { return zstdName }

func (zstdDecode) WorksOnSameFile() bool { return true }

func (zstdDecode) Run(ctx context.Context, job Job) error {
	s, err := job.Open()
	if err != nil {
		return fmt.Errorf("zstd: open: %w", err)
	}
	total, err := s.Length()
	if err != nil {
		_ = s.Close()
		return fmt.Errorf("zstd: %w", err)
	}

	in, err := stream.NewChunkReader(stream.WithoutClose(s), 0, total)
	if err != nil {
		_ = s.Close()
		return fmt.Errorf("zstd: %w", err)
	}
	in.OnProgress = func(pos int64) { job.progress(pos, total) }

	temp := filepath.Join(job.TempDir, "zstd-"+uuid.NewString()+".aux")
	out, err := stream.NewCircularWriter(s, temp, in.FilePointer)
	if err != nil {
		_ = s.Close()
		return fmt.Errorf("zstd: %w", err)
	}
	out.OnWriteError = stream.RetryInterrupted(8)

	// A single decoder decodes synchronously, so every read of in happens
	// on this goroutine between writes to out.
	dec, err := zstd.NewReader(in, zstd.WithDecoderConcurrency(1), zstd.WithDecoderLowmem(true))
	if err != nil {
		_ = out.Close()
		return fmt.Errorf("zstd: decoder: %w", err)
	}
	defer dec.Close()

	if err := copyContext(ctx, out, dec); err != nil {
		_ = out.Close()
		return fmt.Errorf("zstd: decode %s: %w", job.Name, err)
	}

	n, err := out.FinalizeFile()
	if err != nil {
		return fmt.Errorf("zstd: %w", err)
	}
	job.progress(total, total)
	job.logger().Debug("zstd decoded", "name", job.Name, "compressed", total, "decoded", n)
	return nil
}

func copyContext(ctx context.Context, dst io.Writer, src io.Reader) error {
	buf := make([]byte, zstdBufferSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
