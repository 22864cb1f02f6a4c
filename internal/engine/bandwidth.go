package engine

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// limiterBurst caps how many bytes a single wait may claim, keeping
// pauses short even at low rates.
const limiterBurst = 256 * 1024

// Limiter is a token-bucket byte-rate limiter shared by all transfers of
// one account. The zero rate means unlimited.
type Limiter struct {
	bucket *rate.Limiter
}

// NewLimiter creates a limiter for bytesPerSec. Zero or negative means
// unlimited.
func NewLimiter(bytesPerSec int64) *Limiter {
	if bytesPerSec <= 0 {
		return &Limiter{}
	}
	burst := limiterBurst
	if int64(burst) > bytesPerSec {
		burst = int(bytesPerSec)
	}
	return &Limiter{bucket: rate.NewLimiter(rate.Limit(bytesPerSec), burst)}
}

// WaitN blocks until n bytes of budget are available. Requests larger
// than the burst are split.
func (l *Limiter) WaitN(ctx context.Context, n int) error {
	if l == nil || l.bucket == nil {
		return nil
	}
	for n > 0 {
		chunk := n
		if chunk > l.bucket.Burst() {
			chunk = l.bucket.Burst()
		}
		if err := l.bucket.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

// Reader wraps r so reads consume limiter budget.
func (l *Limiter) Reader(ctx context.Context, r io.Reader) io.Reader {
	if l == nil || l.bucket == nil {
		return r
	}
	return &limitedReader{ctx: ctx, r: r, l: l}
}

type limitedReader struct {
	ctx context.Context
	r   io.Reader
	l   *Limiter
}

func (lr *limitedReader) Read(p []byte) (int, error) {
	if len(p) > limiterBurst {
		p = p[:limiterBurst]
	}
	n, err := lr.r.Read(p)
	if n > 0 {
		if waitErr := lr.l.WaitN(lr.ctx, n); waitErr != nil {
			return n, waitErr
		}
	}
	return n, err
}

// Writer wraps w so writes consume limiter budget. Used on the download
// path where the engine writes the response stream to disk.
func (l *Limiter) Writer(ctx context.Context, w io.Writer) io.Writer {
	if l == nil || l.bucket == nil {
		return w
	}
	return &limitedWriter{ctx: ctx, w: w, l: l}
}

type limitedWriter struct {
	ctx context.Context
	w   io.Writer
	l   *Limiter
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > limiterBurst {
			chunk = chunk[:limiterBurst]
		}
		if err := lw.l.WaitN(lw.ctx, len(chunk)); err != nil {
			return written, err
		}
		n, err := lw.w.Write(chunk)
		written += n
		if err != nil {
			return written, err
		}
		p = p[n:]
	}
	return written, nil
}
