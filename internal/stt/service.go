package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Service transcribes audio frames arriving on the bus and publishes
// transcripts for each session.
type Service struct {
	cfg         config.STTConfig
	bus         *bus.Client
	transcriber Transcriber
	log         *slog.Logger
	sessions    map[string]*sessionState
	mu          sync.Mutex
	ctx         context.Context
	cancel      context.CancelFunc
	sub         *nats.Subscription
	wg          sync.WaitGroup
	ready       bool
}

type sessionState struct {
	Buffer       []byte
	SampleRate   int
	Channels     int
	LastFrame    time.Time
	LastPartial  time.Time
	Inflight     bool
	PendingFinal bool
}

// Sessions that neither finish nor abort are dropped after this long without
// a frame.
const sessionIdleTimeout = 2 * time.Minute

func NewService(parent context.Context, cfg config.STTConfig, busClient *bus.Client, transcriber Transcriber) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:         cfg,
		bus:         busClient,
		transcriber: transcriber,
		log:         busClient.Logger().With(slog.String("component", "stt-service")),
		sessions:    make(map[string]*sessionState),
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (s *Service) Start() error {
	if !s.cfg.Serve {
		return nil
	}
	subject := protocol.SubjectAudioFramePrefix + ".>"
	sub, err := s.bus.Conn().Subscribe(subject, s.handleFrame)
	if err != nil {
		return fmt.Errorf("subscribe audio frames: %w", err)
	}
	if err := s.bus.Conn().Flush(); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("flush audio subscription: %w", err)
	}
	s.mu.Lock()
	s.sub = sub
	s.ready = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(sessionIdleTimeout / 4)
		defer ticker.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case now := <-ticker.C:
				s.reapIdle(now)
			}
		}
	}()
	s.log.Info("stt service listening", slog.String("subject", subject))
	return nil
}

func (s *Service) reapIdle(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, state := range s.sessions {
		if !state.Inflight && now.Sub(state.LastFrame) > sessionIdleTimeout {
			delete(s.sessions, id)
			s.log.Info("dropped idle stt session", slog.String("session_id", id))
		}
	}
}

func (s *Service) Close() {
	s.cancel()
	s.mu.Lock()
	sub := s.sub
	s.mu.Unlock()
	if sub != nil {
		_ = sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.cfg.Serve || s.ready
}

func (s *Service) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.log.Warn("failed to decode audio frame", slogError(err))
		return
	}

	s.mu.Lock()
	if frame.Abort {
		delete(s.sessions, frame.SessionID)
		s.mu.Unlock()
		s.log.Debug("stt session aborted", slog.String("session_id", frame.SessionID))
		return
	}
	state := s.sessions[frame.SessionID]
	if state == nil {
		state = &sessionState{}
		s.sessions[frame.SessionID] = state
	}
	state.LastFrame = time.Now()
	state.Buffer = append(state.Buffer, frame.PCM...)
	if frame.SampleRate > 0 {
		state.SampleRate = frame.SampleRate
	}
	if frame.Channels > 0 {
		state.Channels = frame.Channels
	}
	s.mu.Unlock()

	if s.cfg.PublishInterim && !frame.Final {
		if s.shouldSchedulePartial(frame.SessionID) {
			s.scheduleTranscription(frame.SessionID, false)
		}
	}
	if frame.Final {
		s.scheduleTranscription(frame.SessionID, true)
	}
}

func (s *Service) shouldSchedulePartial(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.sessions[sessionID]
	if state == nil || state.Inflight {
		return false
	}
	if state.LastPartial.IsZero() {
		state.LastPartial = time.Now()
		return true
	}
	interval := time.Duration(s.cfg.PartialEveryMS) * time.Millisecond
	if interval <= 0 {
		return false
	}
	if time.Since(state.LastPartial) >= interval {
		state.LastPartial = time.Now()
		return true
	}
	return false
}

func (s *Service) scheduleTranscription(sessionID string, final bool) {
	s.mu.Lock()
	state := s.sessions[sessionID]
	if state == nil {
		s.mu.Unlock()
		return
	}
	if state.Inflight {
		if final {
			state.PendingFinal = true
		}
		s.mu.Unlock()
		return
	}
	pcm := append([]byte(nil), state.Buffer...)
	rate, channels := state.SampleRate, state.Channels
	state.Inflight = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, 45*time.Second)
		defer cancel()

		result, err := s.transcriber.Transcribe(ctx, pcm, rate, channels, final)
		if err != nil {
			s.log.Warn("stt transcription failed", slog.String("session_id", sessionID), slogError(err))
			s.publishFailure(sessionID, err)
		} else {
			s.publishTranscript(sessionID, result.Text, result.Confidence, final)
		}

		s.mu.Lock()
		state := s.sessions[sessionID]
		var pendingFinal bool
		if state != nil {
			state.Inflight = false
			pendingFinal = state.PendingFinal && err == nil
			if !final {
				state.LastPartial = time.Now()
			}
			if final || err != nil {
				delete(s.sessions, sessionID)
			}
		}
		s.mu.Unlock()

		if pendingFinal && !final {
			s.scheduleTranscription(sessionID, true)
		}
	}()
}

func (s *Service) publishTranscript(sessionID, text string, confidence float64, final bool) {
	// Finals are always published, even when empty, to end the session.
	if text == "" && !final {
		return
	}
	subject := protocol.SubjectTranscriptPartial
	if final {
		subject = protocol.SubjectTranscriptFinal
	}
	msg := protocol.Transcript{
		SessionID:  sessionID,
		Text:       text,
		Partial:    !final,
		Timestamp:  time.Now().UTC(),
		Confidence: confidence,
	}
	if err := s.bus.PublishJSON(subject, msg); err != nil {
		s.log.Warn("failed to publish transcript", slogError(err))
	}
}

// publishFailure ends the session on the final subject with the error, so
// a failed partial stops recognition the same way a failed final does.
func (s *Service) publishFailure(sessionID string, err error) {
	msg := protocol.Transcript{
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		Error:     err.Error(),
	}
	if err := s.bus.PublishJSON(protocol.SubjectTranscriptFinal, msg); err != nil {
		s.log.Warn("failed to publish transcription failure", slogError(err))
	}
}
