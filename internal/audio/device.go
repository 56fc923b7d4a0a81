// Package audio captures microphone-style PCM from a Source and forwards
// fixed-size buffers to a Tap.
package audio

import (
	"errors"
	"sync"
)

// Format describes signed 16-bit little-endian PCM.
type Format struct {
	SampleRate int
	Channels   int
}

// BytesPerFrame is the size of one sample across all channels.
func (f Format) BytesPerFrame() int { return 2 * f.Channels }

// Buffer is one tap delivery.
type Buffer struct {
	Data   []byte
	Frames int
	Format Format
}

// Tap receives captured buffers. Write is called from the capture goroutine
// and must not block for long.
type Tap interface {
	Write(buf Buffer)
	EndAudio()
}

// Category is the mode the audio session is activated in.
type Category string

const (
	CategoryRecord     Category = "record"
	CategoryPlayRecord Category = "play_record"
)

var (
	ErrDeviceBusy     = errors.New("audio device already active")
	ErrDeviceInactive = errors.New("audio device not active")
)

// Device is the process-wide audio session; only one owner may hold it.
type Device struct {
	mu       sync.Mutex
	name     string
	active   bool
	category Category
}

func NewDevice(name string) *Device {
	return &Device{name: name}
}

func (d *Device) Name() string { return d.name }

func (d *Device) Activate(category Category) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active {
		return ErrDeviceBusy
	}
	d.active = true
	d.category = category
	return nil
}

func (d *Device) Deactivate() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.active {
		return ErrDeviceInactive
	}
	d.active = false
	d.category = ""
	return nil
}

func (d *Device) Active() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}
