package stt

import (
	"context"
	"errors"
	"sync"
)

// ErrCanceled reports that a recognition request was cancelled before it
// produced a final result. Callers treat it as a normal end of recording.
var ErrCanceled = errors.New("recognition request was cancelled")

// TranscriptResult captures transcriber output.
type TranscriptResult struct {
	Text       string
	Confidence float64
}

// Transcriber abstracts batch STT backends that transcribe a whole PCM buffer.
type Transcriber interface {
	Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int, final bool) (TranscriptResult, error)
}

// Request describes one streaming recognition request.
type Request struct {
	SessionID  string
	Language   string
	SampleRate int
	Channels   int
	Partial    bool
}

// Result is the best hypothesis for the whole request so far. A result with
// Final set or a non-nil Err is the last one delivered.
type Result struct {
	Text       string
	Confidence float64
	Final      bool
	Err        error
}

// Task is a running recognition request fed with s16le PCM.
type Task interface {
	Append(pcm []byte)
	EndAudio()
	Cancel()
	Results() <-chan Result
}

// Recognizer starts streaming recognition tasks.
type Recognizer interface {
	Available() bool
	Start(ctx context.Context, req Request) (Task, error)
}

// resultStream delivers results without ever blocking the producer. When the
// consumer falls behind the oldest pending hypothesis is dropped; later
// hypotheses supersede it anyway.
type resultStream struct {
	mu     sync.Mutex
	ch     chan Result
	closed bool
}

func newResultStream() *resultStream {
	return &resultStream{ch: make(chan Result, 32)}
}

func (s *resultStream) send(r Result) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	for {
		select {
		case s.ch <- r:
			return true
		default:
		}
		select {
		case <-s.ch:
		default:
		}
	}
}

func (s *resultStream) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

func (s *resultStream) results() <-chan Result {
	return s.ch
}
