package fetch

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// NewBWLimiter creates a rate.Limiter that caps aggregate throughput to
// bytesPerSec. The burst is set to 1 MB to allow natural read-size chunks
// through without unnecessary blocking on small reads.
func NewBWLimiter(bytesPerSec int64) *rate.Limiter {
	burst := 1 << 20 // 1 MB
	if bytesPerSec < int64(burst) {
		burst = int(bytesPerSec)
	}
	return rate.NewLimiter(rate.Limit(bytesPerSec), burst)
}

// rateLimitedBody wraps a response body and enforces a shared rate limit.
type rateLimitedBody struct {
	io.ReadCloser
	limiter *rate.Limiter
	ctx     context.Context
}

func newRateLimitedBody(ctx context.Context, body io.ReadCloser, limiter *rate.Limiter) io.ReadCloser {
	if limiter == nil {
		return body
	}
	return &rateLimitedBody{ReadCloser: body, limiter: limiter, ctx: ctx}
}

func (rl *rateLimitedBody) Read(p []byte) (int, error) {
	n, err := rl.ReadCloser.Read(p)
	// WaitN rejects requests larger than the burst.
	for left := n; left > 0; {
		step := min(left, max(rl.limiter.Burst(), 1))
		if waitErr := rl.limiter.WaitN(rl.ctx, step); waitErr != nil {
			return n, waitErr
		}
		left -= step
	}
	return n, err
}
