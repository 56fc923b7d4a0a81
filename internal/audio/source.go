package audio

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sync"
	"time"
)

// Source produces a raw PCM stream in the requested format.
type Source interface {
	// Probe reports whether the source can be opened at all.
	Probe(ctx context.Context) error
	Open(ctx context.Context, format Format) (io.ReadCloser, error)
}

type toneSource struct {
	hz float64
}

// NewToneSource synthesizes a sine wave at real-time pace. It stands in for a
// microphone on hosts without one.
func NewToneSource(hz float64) Source {
	if hz <= 0 {
		hz = 440
	}
	return &toneSource{hz: hz}
}

func (s *toneSource) Probe(context.Context) error { return nil }

func (s *toneSource) Open(ctx context.Context, format Format) (io.ReadCloser, error) {
	if format.SampleRate <= 0 || format.Channels <= 0 {
		return nil, fmt.Errorf("invalid format %+v", format)
	}
	gen := &toneReader{hz: s.hz, format: format}
	return newPacedReader(ctx, gen, format, nopCloser{}), nil
}

type toneReader struct {
	hz     float64
	format Format
	frame  int64
}

func (t *toneReader) Read(p []byte) (int, error) {
	bpf := t.format.BytesPerFrame()
	frames := len(p) / bpf
	for i := 0; i < frames; i++ {
		v := math.Sin(2 * math.Pi * t.hz * float64(t.frame) / float64(t.format.SampleRate))
		sample := uint16(int16(v * 0.2 * math.MaxInt16))
		for ch := 0; ch < t.format.Channels; ch++ {
			binary.LittleEndian.PutUint16(p[i*bpf+ch*2:], sample)
		}
		t.frame++
	}
	return frames * bpf, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// pacedReader releases bytes no faster than the format's real-time rate.
type pacedReader struct {
	ctx    context.Context
	cancel context.CancelFunc
	r      io.Reader
	closer io.Closer
	rate   float64 // bytes per second
	start  time.Time
	sent   int64

	closeOnce sync.Once
}

func newPacedReader(ctx context.Context, r io.Reader, format Format, closer io.Closer) *pacedReader {
	ctx, cancel := context.WithCancel(ctx)
	return &pacedReader{
		ctx:    ctx,
		cancel: cancel,
		r:      r,
		closer: closer,
		rate:   float64(format.SampleRate * format.BytesPerFrame()),
	}
}

func (p *pacedReader) Read(b []byte) (int, error) {
	if err := p.ctx.Err(); err != nil {
		return 0, io.EOF
	}
	if p.start.IsZero() {
		p.start = time.Now()
	}
	n, err := p.r.Read(b)
	if n > 0 {
		p.sent += int64(n)
		due := p.start.Add(time.Duration(float64(p.sent) / p.rate * float64(time.Second)))
		if wait := time.Until(due); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-p.ctx.Done():
				timer.Stop()
				return n, io.EOF
			}
		}
	}
	return n, err
}

func (p *pacedReader) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.cancel()
		err = p.closer.Close()
	})
	return err
}
