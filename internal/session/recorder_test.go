package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/permission"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"github.com/loqalabs/loqa-scribe/internal/transcripts"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeTask struct {
	results  chan stt.Result
	once     sync.Once
	canceled chan struct{}
}

func newFakeTask() *fakeTask {
	return &fakeTask{results: make(chan stt.Result, 16), canceled: make(chan struct{})}
}

func (f *fakeTask) Append([]byte) {}
func (f *fakeTask) EndAudio() {}
func (f *fakeTask) Results() <-chan stt.Result { return f.results }
func (f *fakeTask) emit(r stt.Result) { f.results <- r }
func (f *fakeTask) Cancel() {
	f.once.Do(func() {
		close(f.canceled)
		close(f.results)
	})
}

func (f *fakeTask) wasCanceled() bool {
	select {
	case <-f.canceled:
		return true
	default:
		return false
	}
}

type fakeRecognizer struct {
	mu          sync.Mutex
	unavailable bool
	startErr    error
	tasks       []*fakeTask
	requests    []stt.Request
}

func (f *fakeRecognizer) Available() bool { return !f.unavailable }

func (f *fakeRecognizer) Start(_ context.Context, req stt.Request) (stt.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}
	task := newFakeTask()
	f.tasks = append(f.tasks, task)
	f.requests = append(f.requests, req)
	return task, nil
}

func (f *fakeRecognizer) task(i int) *fakeTask {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tasks[i]
}

func (f *fakeRecognizer) starts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tasks)
}

type fakeGate struct {
	err     error
	release chan struct{}
	entered chan struct{}

	// stubborn ignores cancellation, like a prompt the user has not answered.
	stubborn bool
}

func (g *fakeGate) Request(ctx context.Context) error {
	if g.entered != nil {
		select {
		case g.entered <- struct{}{}:
		default:
		}
	}
	if g.release != nil {
		if g.stubborn {
			<-g.release
			return g.err
		}
		select {
		case <-g.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return g.err
}

type fakePipeline struct {
	mu           sync.Mutex
	configureErr error
	configures   int
	teardowns    int
}

func (p *fakePipeline) Format() audio.Format {
	return audio.Format{SampleRate: 16000, Channels: 1}
}

func (p *fakePipeline) Configure(context.Context, audio.Tap) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.configureErr != nil {
		return p.configureErr
	}
	p.configures++
	return nil
}

func (p *fakePipeline) Teardown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.teardowns++
}

func (p *fakePipeline) counts() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.configures, p.teardowns
}

type fakeStore struct {
	mu      sync.Mutex
	err     error
	records []transcripts.Record
}

func (s *fakeStore) Insert(_ context.Context, rec transcripts.Record) (transcripts.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return transcripts.Record{}, s.err
	}
	rec.ID = int64(len(s.records) + 1)
	s.records = append(s.records, rec)
	return rec, nil
}

func (s *fakeStore) saved() []transcripts.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]transcripts.Record(nil), s.records...)
}

type manualTicker struct {
	ch chan time.Time
}

func (m *manualTicker) C() <-chan time.Time { return m.ch }
func (m *manualTicker) Stop() {}

type harness struct {
	rec      *Recorder
	recog    *fakeRecognizer
	gate     *fakeGate
	pipeline *fakePipeline
	store    *fakeStore
	tickers  chan *manualTicker
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		recog:    &fakeRecognizer{},
		gate:     &fakeGate{},
		pipeline: &fakePipeline{},
		store:    &fakeStore{},
		tickers:  make(chan *manualTicker, 8),
	}
	h.start(t, h.recog)
	return h
}

func (h *harness) start(t *testing.T, recognizer stt.Recognizer) {
	t.Helper()
	opts := Options{
		Language:   "en-US",
		SavedFlash: 20 * time.Millisecond,
		NewTicker: func(time.Duration) Ticker {
			tk := &manualTicker{ch: make(chan time.Time)}
			h.tickers <- tk
			return tk
		},
	}
	h.rec = New(context.Background(), opts, Deps{
		Recognizer: recognizer,
		Gate:       h.gate,
		Pipeline:   h.pipeline,
		Store:      h.store,
	}, newLogger())
	t.Cleanup(h.rec.Close)
}

func (h *harness) ticker(t *testing.T) *manualTicker {
	t.Helper()
	select {
	case tk := <-h.tickers:
		return tk
	case <-time.After(time.Second):
		t.Fatal("no ticker created")
		return nil
	}
}

func waitFor(t *testing.T, r *Recorder, desc string, cond func(State) bool) State {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		s := r.Snapshot()
		if cond(s) {
			return s
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s, last state %+v", desc, s)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.rec.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	s := h.rec.Snapshot()
	if !s.Recording || s.Transcript != "" || s.Duration != 0 || s.SessionID == "" {
		t.Fatalf("unexpected state after start: %+v", s)
	}
	if err := h.rec.Start(ctx); err != nil {
		t.Fatalf("second start: %v", err)
	}
	if h.recog.starts() != 1 {
		t.Fatalf("redundant start must be a no-op, got %d recognition requests", h.recog.starts())
	}
	req := h.recog.requests[0]
	if !req.Partial || req.SampleRate != 16000 || req.Language != "en-US" || req.SessionID != s.SessionID {
		t.Fatalf("unexpected recognition request: %+v", req)
	}

	if err := h.rec.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := h.rec.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if h.rec.Snapshot().Recording {
		t.Fatal("expected idle after stop")
	}
	if configures, teardowns := h.pipeline.counts(); configures != 1 || teardowns != 1 {
		t.Fatalf("expected one configure and one teardown, got %d and %d", configures, teardowns)
	}
	if !h.recog.task(0).wasCanceled() {
		t.Fatal("stop must cancel the recognition task")
	}
}

func TestStartResetsLeftoverState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.rec.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	tk := h.ticker(t)
	h.recog.task(0).emit(stt.Result{Text: "old words"})
	tk.ch <- time.Now()
	waitFor(t, h.rec, "leftover transcript", func(s State) bool { return s.Transcript == "old words" && s.Duration == 1 })

	if err := h.rec.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if s := h.rec.Snapshot(); s.Transcript != "old words" {
		t.Fatalf("transcript should survive stop for saving, got %q", s.Transcript)
	}

	if err := h.rec.Start(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	s := h.rec.Snapshot()
	if !s.Recording || s.Transcript != "" || s.Duration != 0 {
		t.Fatalf("start must reset transient state, got %+v", s)
	}
}

func TestDurationCountsTicks(t *testing.T) {
	h := newHarness(t)
	if err := h.rec.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	tk := h.ticker(t)
	for i := 0; i < 3; i++ {
		tk.ch <- time.Now()
	}
	waitFor(t, h.rec, "three seconds", func(s State) bool { return s.Duration == 3 })

	if err := h.rec.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if s := h.rec.Snapshot(); s.Duration != 0 {
		t.Fatalf("duration should reset on stop, got %d", s.Duration)
	}
}

func TestPartialThenFinalResult(t *testing.T) {
	h := newHarness(t)
	if err := h.rec.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	task := h.recog.task(0)

	task.emit(stt.Result{Text: "hello"})
	waitFor(t, h.rec, "partial", func(s State) bool { return s.Transcript == "hello" && s.Recording })

	task.emit(stt.Result{Text: "hello world", Final: true})
	s := waitFor(t, h.rec, "final stop", func(s State) bool { return !s.Recording })
	if s.Transcript != "hello world" {
		t.Fatalf("expected final hypothesis, got %q", s.Transcript)
	}
	if s.Alert.Visible {
		t.Fatalf("final result must not raise an alert: %+v", s.Alert)
	}
	if _, teardowns := h.pipeline.counts(); teardowns != 1 {
		t.Fatalf("expected pipeline teardown, got %d", teardowns)
	}
}

func TestCancellationErrorStopsQuietly(t *testing.T) {
	h := newHarness(t)
	if err := h.rec.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.recog.task(0).emit(stt.Result{Err: stt.ErrCanceled})

	s := waitFor(t, h.rec, "idle", func(s State) bool { return !s.Recording })
	if s.Alert.Visible {
		t.Fatalf("cancellation must not show an alert: %+v", s.Alert)
	}
}

func TestTaskErrorRaisesAlert(t *testing.T) {
	h := newHarness(t)
	if err := h.rec.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.recog.task(0).emit(stt.Result{Err: errors.New("network down")})

	s := waitFor(t, h.rec, "idle", func(s State) bool { return !s.Recording })
	if !s.Alert.Visible || s.Alert.Kind != KindRecognitionTask || s.Alert.Message != "network down" {
		t.Fatalf("unexpected alert: %+v", s.Alert)
	}
}

func TestResultsClosedEndsRecording(t *testing.T) {
	h := newHarness(t)
	if err := h.rec.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.recog.task(0).Cancel()

	s := waitFor(t, h.rec, "idle", func(s State) bool { return !s.Recording })
	if s.Alert.Visible {
		t.Fatalf("unexpected alert: %+v", s.Alert)
	}
}

func TestStartRefusals(t *testing.T) {
	cases := []struct {
		name    string
		setup   func(h *harness) stt.Recognizer
		kind    Kind
		message string
	}{
		{
			name:    "nil recognizer",
			setup:   func(h *harness) stt.Recognizer { return nil },
			kind:    KindNilRecognizer,
			message: "Can't initialize speech recognizer",
		},
		{
			name: "speech denied",
			setup: func(h *harness) stt.Recognizer {
				h.gate.err = permission.ErrSpeechNotAuthorized
				return h.recog
			},
			kind:    KindNotAuthorizedToRecognize,
			message: "Not authorized to recognize speech",
		},
		{
			name: "microphone denied",
			setup: func(h *harness) stt.Recognizer {
				h.gate.err = permission.ErrMicrophoneNotPermitted
				return h.recog
			},
			kind:    KindNotPermittedToRecord,
			message: "Not permitted to record audio",
		},
		{
			name: "recognizer unavailable",
			setup: func(h *harness) stt.Recognizer {
				h.recog.unavailable = true
				return h.recog
			},
			kind:    KindRecognizerUnavailable,
			message: "Recognizer is unavailable",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := &harness{
				recog:    &fakeRecognizer{},
				gate:     &fakeGate{},
				pipeline: &fakePipeline{},
				store:    &fakeStore{},
				tickers:  make(chan *manualTicker, 8),
			}
			h.start(t, tc.setup(h))

			err := h.rec.Start(context.Background())
			var se *Error
			if !errors.As(err, &se) || se.Kind != tc.kind {
				t.Fatalf("expected %s error, got %v", tc.kind, err)
			}
			s := h.rec.Snapshot()
			if s.Recording {
				t.Fatal("refused start must stay idle")
			}
			if !s.Alert.Visible || s.Alert.Message != tc.message {
				t.Fatalf("unexpected alert: %+v", s.Alert)
			}
			if configures, _ := h.pipeline.counts(); configures != 0 {
				t.Fatal("no audio resources may be acquired on refusal")
			}
			if h.recog.starts() != 0 {
				t.Fatal("no recognition request may be submitted on refusal")
			}
		})
	}
}

func TestConfigureFailureUnwinds(t *testing.T) {
	h := newHarness(t)
	h.pipeline.configureErr = audio.ErrDeviceBusy

	err := h.rec.Start(context.Background())
	if KindOf(err) != KindRecognitionTask {
		t.Fatalf("expected recognition task error, got %v", err)
	}
	if !errors.Is(err, audio.ErrDeviceBusy) {
		t.Fatalf("expected wrapped device error, got %v", err)
	}
	if !h.recog.task(0).wasCanceled() {
		t.Fatal("task must be cancelled when audio configuration fails")
	}
	if h.rec.Snapshot().Recording {
		t.Fatal("expected idle")
	}
}

func TestConcurrentStartSubmitsOneRequest(t *testing.T) {
	h := newHarness(t)
	h.gate.release = make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := h.rec.Start(context.Background()); err != nil {
				t.Errorf("start: %v", err)
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(h.gate.release)
	wg.Wait()

	if h.recog.starts() != 1 {
		t.Fatalf("expected one recognition request, got %d", h.recog.starts())
	}
	if !h.rec.Snapshot().Recording {
		t.Fatal("expected recording")
	}
}

func TestSaveWhitespaceIsRejected(t *testing.T) {
	h := newHarness(t)
	_, err := h.rec.Save(context.Background(), "   ")
	if KindOf(err) != KindEmptyTranscript {
		t.Fatalf("expected empty transcript error, got %v", err)
	}
	if len(h.store.saved()) != 0 {
		t.Fatal("no record may be created from whitespace")
	}
	if s := h.rec.Snapshot(); !s.Alert.Visible || s.Alert.Kind != KindEmptyTranscript {
		t.Fatalf("expected validation alert, got %+v", s.Alert)
	}
}

func TestSaveCurrentTranscript(t *testing.T) {
	h := newHarness(t)
	if err := h.rec.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.recog.task(0).emit(stt.Result{Text: "  hello world ", Final: true})
	waitFor(t, h.rec, "final", func(s State) bool { return !s.Recording })

	rec, err := h.rec.SaveCurrent(context.Background())
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if rec.Text != "hello world" || rec.CreatedAt.IsZero() {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if saved := h.store.saved(); len(saved) != 1 || saved[0].Text != "hello world" {
		t.Fatalf("expected exactly one record, got %+v", saved)
	}
	s := h.rec.Snapshot()
	if s.Transcript != "" || !s.Saved {
		t.Fatalf("expected cleared transcript and saved flag, got %+v", s)
	}
	waitFor(t, h.rec, "saved flag reset", func(s State) bool { return !s.Saved })
}

func TestSaveFailureKeepsTranscript(t *testing.T) {
	h := newHarness(t)
	if err := h.rec.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.recog.task(0).emit(stt.Result{Text: "keep me", Final: true})
	waitFor(t, h.rec, "final", func(s State) bool { return !s.Recording })

	h.store.err = errors.New("disk full")
	_, err := h.rec.SaveCurrent(context.Background())
	if KindOf(err) != KindSaveFailed {
		t.Fatalf("expected save failure, got %v", err)
	}
	s := h.rec.Snapshot()
	if s.Transcript != "keep me" || s.Saved {
		t.Fatalf("failed save must keep the transcript, got %+v", s)
	}
	if !s.Alert.Visible || s.Alert.Kind != KindSaveFailed {
		t.Fatalf("expected save alert, got %+v", s.Alert)
	}

	if err := h.rec.DismissAlert(); err != nil {
		t.Fatalf("dismiss: %v", err)
	}
	if h.rec.Snapshot().Alert.Visible {
		t.Fatal("alert should be hidden after dismiss")
	}
}

func TestSaveTwiceStoresTwoRecords(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 2; i++ {
		if _, err := h.rec.Save(context.Background(), "same text"); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}
	if n := len(h.store.saved()); n != 2 {
		t.Fatalf("expected 2 records, got %d", n)
	}
}

func TestSubscribeSeesChanges(t *testing.T) {
	h := newHarness(t)
	states, cancel := h.rec.Subscribe()
	defer cancel()

	first := <-states
	if first.Recording {
		t.Fatal("initial state should be idle")
	}
	if err := h.rec.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case s := <-states:
		if !s.Recording {
			t.Fatalf("expected recording state, got %+v", s)
		}
	case <-time.After(time.Second):
		t.Fatal("no state published after start")
	}
}

func TestClosedRecorder(t *testing.T) {
	h := newHarness(t)
	states, _ := h.rec.Subscribe()
	<-states
	if err := h.rec.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	h.rec.Close()
	if !h.recog.task(0).wasCanceled() {
		t.Fatal("close must stop the active session")
	}
	for range states {
	}
	if err := h.rec.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestCloseWaitsForPendingStart(t *testing.T) {
	h := newHarness(t)
	h.gate.release = make(chan struct{})
	h.gate.entered = make(chan struct{}, 1)
	h.gate.stubborn = true

	errc := make(chan error, 1)
	go func() { errc <- h.rec.Start(context.Background()) }()
	select {
	case <-h.gate.entered:
	case <-time.After(time.Second):
		t.Fatal("start never reached the gate")
	}

	closed := make(chan struct{})
	go func() {
		h.rec.Close()
		close(closed)
	}()
	select {
	case <-closed:
		t.Fatal("close returned while start still held the gate")
	case <-time.After(50 * time.Millisecond):
	}

	close(h.gate.release)
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("close did not return after start finished")
	}

	if configures, teardowns := h.pipeline.counts(); configures != teardowns {
		t.Fatalf("pipeline left configured after close: %d configures, %d teardowns", configures, teardowns)
	}
	if h.recog.starts() != 1 || !h.recog.task(0).wasCanceled() {
		t.Fatal("task started during close must be canceled")
	}
	if err := <-errc; !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from pending start, got %v", err)
	}
}

func TestCloseInterruptsGateWait(t *testing.T) {
	h := newHarness(t)
	h.gate.release = make(chan struct{})
	h.gate.entered = make(chan struct{}, 1)

	errc := make(chan error, 1)
	go func() { errc <- h.rec.Start(context.Background()) }()
	<-h.gate.entered

	closed := make(chan struct{})
	go func() {
		h.rec.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("close blocked on a pending permission request")
	}
	if err := <-errc; !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if configures, _ := h.pipeline.counts(); configures != 0 {
		t.Fatalf("pipeline configured after close: %d", configures)
	}
}
