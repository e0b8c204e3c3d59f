package postprocess

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/zeebo/blake3"
)

const blake3Name = "blake3"

// ErrChecksumMismatch is returned when a verified download does not hash
// to the expected digest.
var ErrChecksumMismatch = errors.New("postprocess: checksum mismatch")

// blake3Verify checks the download against a hex BLAKE3 digest. It only
// reads the file.
type blake3Verify struct {
	want string
}

func newBlake3Verify(args []string) (Algorithm, error) {
	if len(args) != 1 {
		return nil, errors.New("blake3: expected one argument, the hex digest")
	}
	want := strings.ToLower(strings.TrimSpace(args[0]))
	if _, err := hex.DecodeString(want); err != nil || len(want) != 64 {
		return nil, fmt.Errorf("blake3: invalid digest %q", args[0])
	}
	return blake3Verify{want: want}, nil
}

func (blake3Verify) Name() string { return blake3Name }

func (blake3Verify) WorksOnSameFile() bool { return false }

func (v blake3Verify) Run(ctx context.Context, job Job) error {
	s, err := job.Open()
	if err != nil {
		return fmt.Errorf("blake3: open: %w", err)
	}
	defer s.Close()

	total, err := s.Length()
	if err != nil {
		return fmt.Errorf("blake3: %w", err)
	}

	h := blake3.New()
	buf := make([]byte, 32*1024)
	r := io.NewSectionReader(s, 0, total)
	var done int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := r.Read(buf)
		if n > 0 {
			_, _ = h.Write(buf[:n])
			done += int64(n)
			job.progress(done, total)
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("blake3: read %s: %w", job.Name, err)
		}
	}

	got := hex.EncodeToString(h.Sum(nil))
	if got != v.want {
		return fmt.Errorf("%w: %s has %s, want %s", ErrChecksumMismatch, job.Name, got, v.want)
	}
	job.logger().Debug("blake3 verified", "name", job.Name, "digest", got)
	return nil
}
