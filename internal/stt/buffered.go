package stt

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// BufferedOptions tunes a buffered recognizer.
type BufferedOptions struct {
	// PartialEvery is the minimum spacing between partial transcriptions.
	// Zero disables partials.
	PartialEvery time.Duration
	// Timeout bounds a single Transcribe call.
	Timeout time.Duration
}

type bufferedRecognizer struct {
	transcriber Transcriber
	opts        BufferedOptions
	log         *slog.Logger
}

// NewBufferedRecognizer turns a batch Transcriber into a streaming Recognizer.
// Audio accumulates for the whole request and every transcription covers all
// of it, so each result is the best hypothesis so far.
func NewBufferedRecognizer(t Transcriber, opts BufferedOptions, log *slog.Logger) Recognizer {
	if opts.Timeout <= 0 {
		opts.Timeout = 45 * time.Second
	}
	return &bufferedRecognizer{transcriber: t, opts: opts, log: log}
}

func (r *bufferedRecognizer) Available() bool {
	return r.transcriber != nil
}

func (r *bufferedRecognizer) Start(ctx context.Context, req Request) (Task, error) {
	taskCtx, cancel := context.WithCancel(ctx)
	return &bufferedTask{
		ctx:         taskCtx,
		cancel:      cancel,
		transcriber: r.transcriber,
		req:         req,
		opts:        r.opts,
		log:         r.log.With(slog.String("session_id", req.SessionID)),
		stream:      newResultStream(),
	}, nil
}

type bufferedTask struct {
	ctx         context.Context
	cancel      context.CancelFunc
	transcriber Transcriber
	req         Request
	opts        BufferedOptions
	log         *slog.Logger
	stream      *resultStream
	wg          sync.WaitGroup

	mu           sync.Mutex
	pcm          []byte
	lastPartial  time.Time
	inflight     bool
	pendingFinal bool
	ended        bool
}

func (t *bufferedTask) Results() <-chan Result {
	return t.stream.results()
}

func (t *bufferedTask) Append(pcm []byte) {
	t.mu.Lock()
	if t.ended || t.ctx.Err() != nil {
		t.mu.Unlock()
		return
	}
	t.pcm = append(t.pcm, pcm...)
	if !t.shouldSchedulePartial() {
		t.mu.Unlock()
		return
	}
	snapshot := append([]byte(nil), t.pcm...)
	t.inflight = true
	t.lastPartial = time.Now()
	t.wg.Add(1)
	t.mu.Unlock()

	go t.transcribe(snapshot, false)
}

// shouldSchedulePartial must be called with t.mu held.
func (t *bufferedTask) shouldSchedulePartial() bool {
	if !t.req.Partial || t.opts.PartialEvery <= 0 || t.inflight {
		return false
	}
	return t.lastPartial.IsZero() || time.Since(t.lastPartial) >= t.opts.PartialEvery
}

func (t *bufferedTask) EndAudio() {
	t.mu.Lock()
	if t.ended || t.ctx.Err() != nil {
		t.mu.Unlock()
		return
	}
	t.ended = true
	if t.inflight {
		t.pendingFinal = true
		t.mu.Unlock()
		return
	}
	snapshot := append([]byte(nil), t.pcm...)
	t.inflight = true
	t.wg.Add(1)
	t.mu.Unlock()

	go t.transcribe(snapshot, true)
}

func (t *bufferedTask) Cancel() {
	t.cancel()
	go func() {
		t.wg.Wait()
		t.stream.close()
	}()
}

func (t *bufferedTask) transcribe(pcm []byte, final bool) {
	defer t.wg.Done()

	ctx, cancel := context.WithTimeout(t.ctx, t.opts.Timeout)
	result, err := t.transcriber.Transcribe(ctx, pcm, t.req.SampleRate, t.req.Channels, final)
	cancel()

	if t.ctx.Err() != nil {
		return
	}
	if err != nil {
		t.log.Warn("stt transcription failed", slogError(err))
		t.stream.send(Result{Err: err})
		t.cancel()
		t.stream.close()
		return
	}
	if final || result.Text != "" {
		t.stream.send(Result{Text: result.Text, Confidence: result.Confidence, Final: final})
	}
	if final {
		t.cancel()
		t.stream.close()
		return
	}

	t.mu.Lock()
	t.inflight = false
	if !t.pendingFinal {
		t.mu.Unlock()
		return
	}
	t.pendingFinal = false
	t.inflight = true
	snapshot := append([]byte(nil), t.pcm...)
	t.wg.Add(1)
	t.mu.Unlock()

	go t.transcribe(snapshot, true)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
