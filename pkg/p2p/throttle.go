package p2p

import (
	"context"
	"io"
	"time"

	"golang.org/x/time/rate"
)

const minBurst = 16 * 1024

// newLimiter returns a byte limiter for kbs KB/s, or nil when kbs is not
// positive.
func newLimiter(kbs float64) *rate.Limiter {
	if kbs <= 0 {
		return nil
	}
	bytesPerSec := kbs * 1024
	burst := int(bytesPerSec)
	if burst < minBurst {
		burst = minBurst
	}
	return rate.NewLimiter(rate.Limit(bytesPerSec), burst)
}

// transferTimeout allows the request timeout plus the time the limiter
// needs for size bytes.
func (c *Client) transferTimeout(size int64, lim *rate.Limiter) time.Duration {
	d := c.requestTimeout()
	if lim != nil {
		d += time.Duration(float64(size) / float64(lim.Limit()) * float64(time.Second))
	}
	return d
}

type throttledReader struct {
	ctx context.Context
	r   io.Reader
	lim *rate.Limiter
}

func newThrottledReader(ctx context.Context, r io.Reader, lim *rate.Limiter) io.Reader {
	if lim == nil {
		return r
	}
	return &throttledReader{ctx: ctx, r: r, lim: lim}
}

func (t *throttledReader) Read(p []byte) (int, error) {
	if b := t.lim.Burst(); len(p) > b {
		p = p[:b]
	}
	n, err := t.r.Read(p)
	if n > 0 {
		if werr := t.lim.WaitN(t.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}

type throttledWriter struct {
	ctx context.Context
	w   io.Writer
	lim *rate.Limiter
}

func newThrottledWriter(ctx context.Context, w io.Writer, lim *rate.Limiter) io.Writer {
	if lim == nil {
		return w
	}
	return &throttledWriter{ctx: ctx, w: w, lim: lim}
}

func (t *throttledWriter) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		n := len(p)
		if b := t.lim.Burst(); n > b {
			n = b
		}
		if err := t.lim.WaitN(t.ctx, n); err != nil {
			return written, err
		}
		m, err := t.w.Write(p[:n])
		written += m
		if err != nil {
			return written, err
		}
		p = p[n:]
	}
	return written, nil
}
