package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/nats-io/nats.go"
)

// WorkerDirectory reports whether any STT worker is serving the bus.
type WorkerDirectory interface {
	Available() bool
}

type busRecognizer struct {
	bus     *bus.Client
	workers WorkerDirectory
	log     *slog.Logger
}

// NewBusRecognizer streams audio frames over NATS to whichever Service is
// listening and reads transcripts for the session back. A nil workers
// directory leaves availability to the bus connection alone.
func NewBusRecognizer(client *bus.Client, workers WorkerDirectory, log *slog.Logger) Recognizer {
	return &busRecognizer{bus: client, workers: workers, log: log}
}

func (r *busRecognizer) Available() bool {
	if !r.bus.Healthy() {
		return false
	}
	return r.workers == nil || r.workers.Available()
}

func (r *busRecognizer) Start(ctx context.Context, req Request) (Task, error) {
	if req.SessionID == "" {
		return nil, fmt.Errorf("bus recognition requires a session id")
	}
	taskCtx, cancel := context.WithCancel(ctx)
	t := &busTask{
		ctx:    taskCtx,
		cancel: cancel,
		bus:    r.bus,
		req:    req,
		stream: newResultStream(),
		log:    r.log.With(slog.String("session_id", req.SessionID)),
	}

	for _, subject := range []string{protocol.SubjectTranscriptPartial, protocol.SubjectTranscriptFinal} {
		sub, err := r.bus.Conn().Subscribe(subject, t.handleTranscript)
		if err != nil {
			t.unsubscribe()
			cancel()
			return nil, fmt.Errorf("subscribe %s: %w", subject, err)
		}
		t.subs = append(t.subs, sub)
	}
	// Subscriptions must be registered with the server before the first frame
	// reaches the worker.
	if err := r.bus.Conn().Flush(); err != nil {
		t.unsubscribe()
		cancel()
		return nil, fmt.Errorf("flush subscriptions: %w", err)
	}
	go func() {
		<-taskCtx.Done()
		t.unsubscribe()
		t.stream.close()
	}()
	return t, nil
}

type busTask struct {
	ctx    context.Context
	cancel context.CancelFunc
	bus    *bus.Client
	req    Request
	stream *resultStream
	log    *slog.Logger
	subs   []*nats.Subscription

	mu       sync.Mutex
	sequence int
	ended    bool
}

func (t *busTask) Results() <-chan Result {
	return t.stream.results()
}

func (t *busTask) Append(pcm []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ended || t.ctx.Err() != nil {
		return
	}
	t.publish(pcm, false)
}

func (t *busTask) EndAudio() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ended || t.ctx.Err() != nil {
		return
	}
	t.ended = true
	t.publish(nil, true)
}

// Cancel tells the worker to drop the session unless it already finished.
func (t *busTask) Cancel() {
	t.mu.Lock()
	if t.ctx.Err() == nil {
		t.sequence++
		abort := protocol.AudioFrame{SessionID: t.req.SessionID, Sequence: t.sequence, Abort: true}
		if err := t.bus.PublishJSON(protocol.AudioFrameSubject(t.req.SessionID), abort); err != nil {
			t.log.Debug("failed to publish abort frame", slogError(err))
		}
		t.ended = true
	}
	t.mu.Unlock()
	t.cancel()
}

// publish must be called with t.mu held.
func (t *busTask) publish(pcm []byte, final bool) {
	t.sequence++
	frame := protocol.AudioFrame{
		SessionID:  t.req.SessionID,
		Sequence:   t.sequence,
		SampleRate: t.req.SampleRate,
		Channels:   t.req.Channels,
		PCM:        pcm,
		Final:      final,
	}
	if err := t.bus.PublishJSON(protocol.AudioFrameSubject(t.req.SessionID), frame); err != nil {
		t.log.Warn("failed to publish audio frame", slogError(err))
		t.stream.send(Result{Err: fmt.Errorf("publish audio frame: %w", err)})
		t.cancel()
	}
}

func (t *busTask) handleTranscript(msg *nats.Msg) {
	var transcript protocol.Transcript
	if err := json.Unmarshal(msg.Data, &transcript); err != nil {
		t.log.Warn("failed to decode transcript", slogError(err))
		return
	}
	if transcript.SessionID != t.req.SessionID || t.ctx.Err() != nil {
		return
	}
	if transcript.Error != "" {
		t.stream.send(Result{Err: fmt.Errorf("stt worker: %s", transcript.Error)})
		t.cancel()
		return
	}
	final := !transcript.Partial
	if !final && (!t.req.Partial || transcript.Text == "") {
		return
	}
	t.stream.send(Result{Text: transcript.Text, Confidence: transcript.Confidence, Final: final})
	if final {
		t.cancel()
	}
}

func (t *busTask) unsubscribe() {
	for _, sub := range t.subs {
		_ = sub.Unsubscribe()
	}
}
