package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// DefaultBufferFrames is the tap size used when none is configured.
const DefaultBufferFrames = 1024

var ErrAlreadyConfigured = errors.New("audio pipeline already configured")

// Pipeline owns the device and the tap for one recording at a time.
type Pipeline struct {
	source Source
	device *Device
	format Format
	frames int
	log    *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	stream io.ReadCloser
	done   chan struct{}
}

func NewPipeline(source Source, device *Device, format Format, bufferFrames int, log *slog.Logger) *Pipeline {
	if bufferFrames <= 0 {
		bufferFrames = DefaultBufferFrames
	}
	return &Pipeline{
		source: source,
		device: device,
		format: format,
		frames: bufferFrames,
		log:    log.With(slog.String("component", "audio-pipeline")),
	}
}

func (p *Pipeline) Format() Format { return p.format }

// Probe checks that the capture source can be opened.
func (p *Pipeline) Probe(ctx context.Context) error {
	return p.source.Probe(ctx)
}

// Configure activates the device, opens the source and installs the tap.
// Anything acquired before a failure is released again.
func (p *Pipeline) Configure(ctx context.Context, tap Tap) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel != nil {
		return ErrAlreadyConfigured
	}
	if err := p.device.Activate(CategoryRecord); err != nil {
		return fmt.Errorf("activate audio session: %w", err)
	}

	tapCtx, cancel := context.WithCancel(ctx)
	stream, err := p.source.Open(tapCtx, p.format)
	if err != nil {
		cancel()
		p.deactivate()
		return fmt.Errorf("open audio source: %w", err)
	}

	p.cancel = cancel
	p.stream = stream
	p.done = make(chan struct{})
	go p.runTap(tapCtx, stream, tap, p.done)

	p.log.Debug("audio pipeline configured",
		slog.Int("sample_rate", p.format.SampleRate),
		slog.Int("channels", p.format.Channels),
		slog.Int("buffer_frames", p.frames))
	return nil
}

// Teardown removes the tap, stops the source and deactivates the device.
// It is a no-op when the pipeline is not configured.
func (p *Pipeline) Teardown() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel == nil {
		return
	}
	p.cancel()
	if err := p.stream.Close(); err != nil {
		p.log.Warn("audio source close failed", slog.String("error", err.Error()))
	}
	<-p.done
	p.cancel = nil
	p.stream = nil
	p.done = nil
	p.deactivate()
	p.log.Debug("audio pipeline torn down")
}

func (p *Pipeline) deactivate() {
	if err := p.device.Deactivate(); err != nil {
		p.log.Warn("audio session deactivation failed", slog.String("error", err.Error()))
	}
}

func (p *Pipeline) runTap(ctx context.Context, stream io.Reader, tap Tap, done chan struct{}) {
	defer close(done)

	size := p.frames * p.format.BytesPerFrame()
	for {
		buf := make([]byte, size)
		n, err := io.ReadFull(stream, buf)
		if ctx.Err() != nil {
			return
		}
		if n > 0 {
			tap.Write(Buffer{
				Data:   buf[:n],
				Frames: n / p.format.BytesPerFrame(),
				Format: p.format,
			})
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				p.log.Warn("audio capture read failed", slog.String("error", err.Error()))
			}
			tap.EndAudio()
			return
		}
	}
}
