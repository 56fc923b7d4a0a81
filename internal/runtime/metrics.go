package runtime

import (
	"context"
	"log/slog"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/session"
	"github.com/loqalabs/loqa-scribe/internal/transcripts"
)

// sessionObserver records recorder milestones as metrics and announces saved
// transcripts on the bus when one is connected.
type sessionObserver struct {
	started   metric.Int64Counter
	errors    metric.Int64Counter
	saved     metric.Int64Counter
	durations metric.Int64Histogram
	recording atomic.Bool
	bus       *bus.Client
	log       *slog.Logger
}

func newSessionObserver(meter metric.Meter, busClient *bus.Client, log *slog.Logger) (*sessionObserver, error) {
	o := &sessionObserver{bus: busClient, log: log}
	var err error
	if o.started, err = meter.Int64Counter("scribe.sessions.started",
		metric.WithDescription("Recording sessions started")); err != nil {
		return nil, err
	}
	if o.errors, err = meter.Int64Counter("scribe.session.errors",
		metric.WithDescription("Errors surfaced through the session alert")); err != nil {
		return nil, err
	}
	if o.saved, err = meter.Int64Counter("scribe.transcripts.saved",
		metric.WithDescription("Transcripts persisted")); err != nil {
		return nil, err
	}
	if o.durations, err = meter.Int64Histogram("scribe.session.duration",
		metric.WithDescription("Length of finished recordings"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	_, err = meter.Int64ObservableGauge("scribe.recording",
		metric.WithDescription("1 while a recording is active"),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			if o.recording.Load() {
				obs.Observe(1)
			} else {
				obs.Observe(0)
			}
			return nil
		}))
	if err != nil {
		return nil, err
	}
	return o, nil
}

func (o *sessionObserver) SessionStarted(string) {
	o.recording.Store(true)
	o.started.Add(context.Background(), 1)
}

func (o *sessionObserver) SessionStopped(_ string, duration int) {
	o.recording.Store(false)
	o.durations.Record(context.Background(), int64(duration))
}

func (o *sessionObserver) SessionError(kind session.Kind) {
	o.errors.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", string(kind))))
}

func (o *sessionObserver) TranscriptSaved(rec transcripts.Record) {
	o.saved.Add(context.Background(), 1)
	if !o.bus.Healthy() {
		return
	}
	msg := protocol.TranscriptSaved{ID: rec.ID, Text: rec.Text, CreatedAt: rec.CreatedAt}
	if err := o.bus.PublishJSON(protocol.SubjectTranscriptSaved, msg); err != nil {
		o.log.Warn("failed to publish saved transcript", slog.String("error", err.Error()))
	}
}
