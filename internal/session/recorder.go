// Package session implements the recording state machine: Idle, Recording,
// Idle again. A single owner goroutine holds all session state; public
// methods, recognizer results and timer ticks reach it as closures on one
// channel.
package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/permission"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"github.com/loqalabs/loqa-scribe/internal/transcripts"
)

// Pipeline is the audio capture the recorder drives.
type Pipeline interface {
	Format() audio.Format
	Configure(ctx context.Context, tap audio.Tap) error
	Teardown()
}

// Gate answers whether recording is permitted.
type Gate interface {
	Request(ctx context.Context) error
}

// Store persists saved transcripts.
type Store interface {
	Insert(ctx context.Context, rec transcripts.Record) (transcripts.Record, error)
}

// Observer is notified of session milestones. Calls happen on the owner
// goroutine and must not block or call back into the Recorder.
type Observer interface {
	SessionStarted(sessionID string)
	SessionStopped(sessionID string, duration int)
	SessionError(kind Kind)
	TranscriptSaved(rec transcripts.Record)
}

// Deps are the collaborators a Recorder needs. A nil Recognizer is allowed
// and makes every Start fail with KindNilRecognizer.
type Deps struct {
	Recognizer stt.Recognizer
	Gate       Gate
	Pipeline   Pipeline
	Store      Store
	Observer   Observer
}

type Options struct {
	Language     string
	TickInterval time.Duration
	SavedFlash   time.Duration
	NewTicker    func(time.Duration) Ticker
	Now          func() time.Time
}

func (o *Options) setDefaults() {
	if o.TickInterval <= 0 {
		o.TickInterval = time.Second
	}
	if o.SavedFlash <= 0 {
		o.SavedFlash = 2 * time.Second
	}
	if o.NewTicker == nil {
		o.NewTicker = NewTimeTicker
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Recorder owns one recording session at a time.
type Recorder struct {
	opts   Options
	deps   Deps
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	events chan func()
	done   chan struct{}
	starts sync.WaitGroup

	// owned by run
	state       State
	gen         uint64
	starting    bool
	closing     bool
	active      *activeSession
	heardSpeech bool
	savedGen    uint64
	subs        map[int]chan State
	nextSub     int
}

type activeSession struct {
	id        string
	gen       uint64
	task      stt.Task
	ticker    Ticker
	stopTicks chan struct{}
}

func New(parent context.Context, opts Options, deps Deps, log *slog.Logger) *Recorder {
	opts.setDefaults()
	if deps.Observer == nil {
		deps.Observer = nopObserver{}
	}
	ctx, cancel := context.WithCancel(parent)
	r := &Recorder{
		opts:   opts,
		deps:   deps,
		log:    log.With(slog.String("component", "recorder")),
		ctx:    ctx,
		cancel: cancel,
		events: make(chan func()),
		done:   make(chan struct{}),
		subs:   make(map[int]chan State),
	}
	r.state.Updated = opts.Now()
	go r.run()
	return r
}

func (r *Recorder) run() {
	defer close(r.done)
	for {
		select {
		case fn := <-r.events:
			fn()
		case <-r.ctx.Done():
			return
		}
	}
}

// do runs fn on the owner goroutine and waits for it. It reports false when
// the recorder is closed and fn did not run.
func (r *Recorder) do(fn func()) bool {
	finished := make(chan struct{})
	select {
	case r.events <- func() { fn(); close(finished) }:
	case <-r.ctx.Done():
		return false
	}
	<-finished
	return true
}

// post queues fn without waiting for it to run.
func (r *Recorder) post(fn func()) {
	select {
	case r.events <- fn:
	case <-r.ctx.Done():
	}
}

// Snapshot returns the current state.
func (r *Recorder) Snapshot() State {
	var s State
	if !r.do(func() { s = r.state }) {
		return State{}
	}
	return s
}

// Subscribe delivers the current state followed by every change. A slow
// subscriber misses intermediate states, never the latest one. The returned
// func unsubscribes and closes the channel.
func (r *Recorder) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 16)
	var id int
	if !r.do(func() {
		id = r.nextSub
		r.nextSub++
		r.subs[id] = ch
		ch <- r.state
	}) {
		close(ch)
		return ch, func() {}
	}
	return ch, func() {
		r.do(func() {
			if sub, ok := r.subs[id]; ok {
				delete(r.subs, id)
				close(sub)
			}
		})
	}
}

// Start begins recording. It is a no-op while recording or while another
// Start is acquiring resources. Permission and availability checks happen
// before any resource is acquired.
func (r *Recorder) Start(ctx context.Context) error {
	var claimed, closing bool
	var gen uint64
	if !r.do(func() {
		if r.closing {
			closing = true
			return
		}
		if r.state.Recording || r.starting {
			return
		}
		r.starting, claimed = true, true
		r.starts.Add(1)
		r.gen++
		gen = r.gen
	}) || closing {
		return ErrClosed
	}
	if !claimed {
		return nil
	}
	defer r.starts.Done()

	active, err := r.acquire(ctx, gen)
	committed := r.do(func() {
		r.starting = false
		if r.closing {
			closing = true
			return
		}
		if err != nil {
			var se *Error
			if errors.As(err, &se) {
				r.raise(se)
			}
			return
		}
		r.commit(active)
	})
	if !committed || closing {
		if active != nil {
			active.task.Cancel()
			r.deps.Pipeline.Teardown()
		}
		return ErrClosed
	}
	return err
}

func (r *Recorder) acquire(ctx context.Context, gen uint64) (*activeSession, error) {
	if r.deps.Recognizer == nil {
		return nil, &Error{Kind: KindNilRecognizer}
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopAfter := context.AfterFunc(r.ctx, cancel)
	defer stopAfter()
	if err := r.deps.Gate.Request(ctx); err != nil {
		switch {
		case errors.Is(err, permission.ErrSpeechNotAuthorized):
			return nil, &Error{Kind: KindNotAuthorizedToRecognize, Err: err}
		case errors.Is(err, permission.ErrMicrophoneNotPermitted):
			return nil, &Error{Kind: KindNotPermittedToRecord, Err: err}
		default:
			return nil, err
		}
	}
	if !r.deps.Recognizer.Available() {
		return nil, &Error{Kind: KindRecognizerUnavailable}
	}

	format := r.deps.Pipeline.Format()
	id := uuid.NewString()
	task, err := r.deps.Recognizer.Start(r.ctx, stt.Request{
		SessionID:  id,
		Language:   r.opts.Language,
		SampleRate: format.SampleRate,
		Channels:   format.Channels,
		Partial:    true,
	})
	if err != nil {
		return nil, &Error{Kind: KindRecognitionTask, Err: err}
	}
	if err := r.deps.Pipeline.Configure(r.ctx, taskTap{task: task}); err != nil {
		task.Cancel()
		return nil, &Error{Kind: KindRecognitionTask, Err: err}
	}
	return &activeSession{id: id, gen: gen, task: task}, nil
}

// commit runs on the owner goroutine once resources are held.
func (r *Recorder) commit(a *activeSession) {
	a.ticker = r.opts.NewTicker(r.opts.TickInterval)
	a.stopTicks = make(chan struct{})
	r.active = a
	r.heardSpeech = false
	r.state.SessionID = a.id
	r.state.Recording = true
	r.state.Transcript = ""
	r.state.Duration = 0
	r.state.Alert = Alert{}

	go r.forwardTicks(a.gen, a.ticker, a.stopTicks)
	go r.forwardResults(a.gen, a.task)

	r.log.Info("recording started", slog.String("session_id", a.id))
	r.deps.Observer.SessionStarted(a.id)
	r.publish()
}

func (r *Recorder) forwardTicks(gen uint64, ticker Ticker, stop <-chan struct{}) {
	for {
		select {
		case <-ticker.C():
			r.post(func() { r.handleTick(gen) })
		case <-stop:
			return
		case <-r.ctx.Done():
			return
		}
	}
}

func (r *Recorder) forwardResults(gen uint64, task stt.Task) {
	for res := range task.Results() {
		r.post(func() { r.handleResult(gen, res) })
	}
	r.post(func() { r.handleResultsClosed(gen) })
}

func (r *Recorder) current(gen uint64) bool {
	return r.active != nil && r.active.gen == gen
}

func (r *Recorder) handleTick(gen uint64) {
	if !r.current(gen) {
		return
	}
	r.state.Duration++
	r.publish()
}

func (r *Recorder) handleResult(gen uint64, res stt.Result) {
	if !r.current(gen) {
		return
	}
	if res.Err != nil {
		if errors.Is(res.Err, stt.ErrCanceled) || errors.Is(res.Err, context.Canceled) {
			r.log.Info("recognition cancelled", slog.String("session_id", r.active.id))
		} else {
			r.log.Warn("recognition failed", slog.String("session_id", r.active.id), slog.String("error", res.Err.Error()))
			r.raise(&Error{Kind: KindRecognitionTask, Err: res.Err})
		}
		r.stop()
		return
	}

	r.state.Transcript = res.Text
	if strings.TrimSpace(res.Text) != "" {
		r.heardSpeech = true
	}
	if res.Final {
		r.stop()
		return
	}
	r.publish()
}

func (r *Recorder) handleResultsClosed(gen uint64) {
	if !r.current(gen) {
		return
	}
	r.log.Debug("recognition results ended", slog.String("session_id", r.active.id))
	r.stop()
}

// Stop ends the active recording. It is a no-op when idle. The transcript is
// kept so it can still be saved.
func (r *Recorder) Stop() error {
	if !r.do(r.stop) {
		return ErrClosed
	}
	return nil
}

// stop runs on the owner goroutine.
func (r *Recorder) stop() {
	if !r.state.Recording || r.active == nil {
		return
	}
	a := r.active
	r.active = nil

	a.ticker.Stop()
	close(a.stopTicks)
	a.task.Cancel()
	r.deps.Pipeline.Teardown()

	duration := r.state.Duration
	r.state.Recording = false
	r.state.Duration = 0
	if !r.heardSpeech {
		r.log.Info("recording ended without speech", slog.String("session_id", a.id))
	}
	r.log.Info("recording stopped", slog.String("session_id", a.id), slog.Int("duration_seconds", duration))
	r.deps.Observer.SessionStopped(a.id, duration)
	r.publish()
}

// Save persists the trimmed text as a new record. Saves are serialized on the
// owner goroutine; saving the same text twice stores two records.
func (r *Recorder) Save(ctx context.Context, text string) (transcripts.Record, error) {
	var (
		rec transcripts.Record
		err error
	)
	if !r.do(func() { rec, err = r.save(ctx, text) }) {
		return transcripts.Record{}, ErrClosed
	}
	return rec, err
}

// SaveCurrent saves whatever the live transcript holds right now.
func (r *Recorder) SaveCurrent(ctx context.Context) (transcripts.Record, error) {
	var (
		rec transcripts.Record
		err error
	)
	if !r.do(func() { rec, err = r.save(ctx, r.state.Transcript) }) {
		return transcripts.Record{}, ErrClosed
	}
	return rec, err
}

func (r *Recorder) save(ctx context.Context, text string) (transcripts.Record, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		err := &Error{Kind: KindEmptyTranscript}
		r.raise(err)
		return transcripts.Record{}, err
	}

	rec, err := r.deps.Store.Insert(ctx, transcripts.Record{Text: trimmed, CreatedAt: r.opts.Now()})
	if err != nil {
		r.log.Error("failed to save transcript", slog.String("error", err.Error()))
		se := &Error{Kind: KindSaveFailed, Err: err}
		r.raise(se)
		return transcripts.Record{}, se
	}

	r.log.Info("transcript saved", slog.Int64("id", rec.ID), slog.Int("chars", len(rec.Text)))
	r.state.Transcript = ""
	r.state.Saved = true
	r.savedGen++
	flash := r.savedGen
	time.AfterFunc(r.opts.SavedFlash, func() {
		r.post(func() {
			if r.savedGen == flash && r.state.Saved {
				r.state.Saved = false
				r.publish()
			}
		})
	})
	r.deps.Observer.TranscriptSaved(rec)
	r.publish()
	return rec, nil
}

// DismissAlert hides the alert.
func (r *Recorder) DismissAlert() error {
	if !r.do(func() {
		if r.state.Alert.Visible {
			r.state.Alert = Alert{}
			r.publish()
		}
	}) {
		return ErrClosed
	}
	return nil
}

// Close stops any recording, closes subscriber channels and ends the owner
// goroutine. It returns once an in-flight Start has released whatever it
// acquired.
func (r *Recorder) Close() {
	r.do(func() {
		r.closing = true
		r.stop()
		for id, sub := range r.subs {
			delete(r.subs, id)
			close(sub)
		}
	})
	r.cancel()
	r.starts.Wait()
	<-r.done
}

func (r *Recorder) raise(err *Error) {
	r.state.Alert = Alert{Visible: true, Kind: err.Kind, Message: err.Message()}
	r.deps.Observer.SessionError(err.Kind)
	r.publish()
}

func (r *Recorder) publish() {
	r.state.Updated = r.opts.Now()
	snapshot := r.state
	for _, sub := range r.subs {
		deliver(sub, snapshot)
	}
}

// deliver replaces the oldest queued state when sub is full.
func deliver(sub chan State, s State) {
	for {
		select {
		case sub <- s:
			return
		default:
		}
		select {
		case <-sub:
		default:
		}
	}
}

// taskTap forwards captured buffers into a recognition task.
type taskTap struct {
	task stt.Task
}

func (t taskTap) Write(buf audio.Buffer) { t.task.Append(buf.Data) }
func (t taskTap) EndAudio() { t.task.EndAudio() }

type nopObserver struct{}

func (nopObserver) SessionStarted(string) {}
func (nopObserver) SessionStopped(string, int) {}
func (nopObserver) SessionError(Kind) {}
func (nopObserver) TranscriptSaved(transcripts.Record) {}
