package audio

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type collectTap struct {
	mu      sync.Mutex
	buffers []Buffer
	ended   chan struct{}
	once    sync.Once
}

func newCollectTap() *collectTap {
	return &collectTap{ended: make(chan struct{})}
}

func (c *collectTap) Write(buf Buffer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buffers = append(c.buffers, buf)
}

func (c *collectTap) EndAudio() { c.once.Do(func() { close(c.ended) }) }

func (c *collectTap) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buffers)
}

func writeWAV(t *testing.T, samples int, rate int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "capture.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	data := make([]int, samples)
	for i := range data {
		data[i] = (i % 200) - 100
	}
	buf := &goaudio.IntBuffer{Format: &goaudio.Format{NumChannels: 1, SampleRate: rate}, Data: data, SourceBitDepth: 16}
	enc := wav.NewEncoder(f, rate, 16, 1, 1)
	if err := enc.Write(buf); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close wav: %v", err)
	}
	return path
}

func TestPipelineForwardsFixedBuffers(t *testing.T) {
	format := Format{SampleRate: 16000, Channels: 1}
	path := writeWAV(t, 2500, format.SampleRate)

	device := NewDevice("test")
	p := NewPipeline(NewWAVSource(path, false), device, format, 1024, newLogger())
	tap := newCollectTap()
	if err := p.Configure(context.Background(), tap); err != nil {
		t.Fatalf("configure: %v", err)
	}
	defer p.Teardown()

	select {
	case <-tap.ended:
	case <-time.After(2 * time.Second):
		t.Fatal("tap never saw end of audio")
	}

	tap.mu.Lock()
	defer tap.mu.Unlock()
	if len(tap.buffers) != 3 {
		t.Fatalf("expected 3 buffers, got %d", len(tap.buffers))
	}
	if tap.buffers[0].Frames != 1024 || tap.buffers[1].Frames != 1024 {
		t.Fatalf("expected full 1024-frame buffers, got %d and %d", tap.buffers[0].Frames, tap.buffers[1].Frames)
	}
	if tap.buffers[2].Frames != 2500-2048 {
		t.Fatalf("expected short tail buffer, got %d frames", tap.buffers[2].Frames)
	}
	if len(tap.buffers[0].Data) != 2048 {
		t.Fatalf("expected 2048 bytes per buffer, got %d", len(tap.buffers[0].Data))
	}
}

func TestPipelineTeardownIdempotent(t *testing.T) {
	device := NewDevice("test")
	p := NewPipeline(NewToneSource(440), device, Format{SampleRate: 16000, Channels: 1}, 0, newLogger())

	// never configured
	p.Teardown()

	tap := newCollectTap()
	if err := p.Configure(context.Background(), tap); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if !device.Active() {
		t.Fatal("device should be active while configured")
	}
	deadline := time.Now().Add(2 * time.Second)
	for tap.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if tap.count() < 2 {
		t.Fatalf("expected tone buffers, got %d", tap.count())
	}

	p.Teardown()
	p.Teardown()
	if device.Active() {
		t.Fatal("device should be released after teardown")
	}
}

func TestPipelineExclusiveDevice(t *testing.T) {
	device := NewDevice("test")
	format := Format{SampleRate: 16000, Channels: 1}
	first := NewPipeline(NewToneSource(440), device, format, 1024, newLogger())
	second := NewPipeline(NewToneSource(220), device, format, 1024, newLogger())

	if err := first.Configure(context.Background(), newCollectTap()); err != nil {
		t.Fatalf("configure first: %v", err)
	}
	defer first.Teardown()

	if err := first.Configure(context.Background(), newCollectTap()); !errors.Is(err, ErrAlreadyConfigured) {
		t.Fatalf("expected ErrAlreadyConfigured, got %v", err)
	}
	if err := second.Configure(context.Background(), newCollectTap()); !errors.Is(err, ErrDeviceBusy) {
		t.Fatalf("expected ErrDeviceBusy, got %v", err)
	}
}

func TestPipelineReleasesDeviceWhenSourceFails(t *testing.T) {
	device := NewDevice("test")
	missing := filepath.Join(t.TempDir(), "missing.wav")
	p := NewPipeline(NewWAVSource(missing, false), device, Format{SampleRate: 16000, Channels: 1}, 1024, newLogger())

	if err := p.Configure(context.Background(), newCollectTap()); err == nil {
		t.Fatal("expected configure to fail for missing file")
	}
	if device.Active() {
		t.Fatal("device must be released after a failed configure")
	}
}

func TestWAVFormatMismatch(t *testing.T) {
	path := writeWAV(t, 100, 8000)
	src := NewWAVSource(path, false)
	if err := src.Probe(context.Background()); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if _, err := src.Open(context.Background(), Format{SampleRate: 16000, Channels: 1}); err == nil {
		t.Fatal("expected format mismatch error")
	}
}

func TestExecSourceProbe(t *testing.T) {
	src, err := NewExecSource("definitely-not-a-capture-binary -r {rate}")
	if err != nil {
		t.Fatalf("new exec source: %v", err)
	}
	if err := src.Probe(context.Background()); err == nil {
		t.Fatal("expected probe failure for missing binary")
	}
	if _, err := NewExecSource(""); err == nil {
		t.Fatal("expected error for empty command")
	}
}
