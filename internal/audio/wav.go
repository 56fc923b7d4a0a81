package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/go-audio/wav"
)

type wavSource struct {
	path     string
	realtime bool
}

// NewWAVSource replays a WAV file as if it were captured live. The file must
// already be in the capture format; no resampling is done.
func NewWAVSource(path string, realtime bool) Source {
	return &wavSource{path: path, realtime: realtime}
}

func (s *wavSource) Probe(context.Context) error {
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("open wav: %w", err)
	}
	defer f.Close()
	if !wav.NewDecoder(f).IsValidFile() {
		return fmt.Errorf("%s is not a valid wav file", s.path)
	}
	return nil
}

func (s *wavSource) Open(ctx context.Context, format Format) (io.ReadCloser, error) {
	pcm, err := decodeWAV(s.path, format)
	if err != nil {
		return nil, err
	}
	r := bytes.NewReader(pcm)
	if !s.realtime {
		return io.NopCloser(r), nil
	}
	return newPacedReader(ctx, r, format, nopCloser{}), nil
}

func decodeWAV(path string, format Format) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open wav: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%s is not a valid wav file", path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode wav: %w", err)
	}
	if int(dec.SampleRate) != format.SampleRate || int(dec.NumChans) != format.Channels {
		return nil, fmt.Errorf("wav format %dHz/%dch does not match capture format %dHz/%dch",
			dec.SampleRate, dec.NumChans, format.SampleRate, format.Channels)
	}

	depth := buf.SourceBitDepth
	if depth == 0 {
		depth = int(dec.BitDepth)
	}
	out := make([]byte, len(buf.Data)*2)
	for i, v := range buf.Data {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(to16(v, depth)))
	}
	return out, nil
}

func to16(v, depth int) int16 {
	switch depth {
	case 8:
		return int16((v - 128) << 8)
	case 24:
		return int16(v >> 8)
	case 32:
		return int16(v >> 16)
	default:
		return int16(v)
	}
}
