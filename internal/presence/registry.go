package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Worker is an STT worker seen on the bus.
type Worker struct {
	ID       string    `json:"id"`
	Mode     string    `json:"mode,omitempty"`
	LastSeen time.Time `json:"last_seen"`
	Healthy  bool      `json:"healthy"`
}

// Registry tracks STT workers from their announcements and heartbeats, and
// can advertise the local worker in turn.
type Registry struct {
	cfg     config.PresenceConfig
	log     *slog.Logger
	bus     *bus.Client
	now     func() time.Time
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.RWMutex
	workers map[string]*Worker
	subs    []*nats.Subscription
	self    *protocol.WorkerPresence
	wg      sync.WaitGroup
}

func NewRegistry(ctx context.Context, cfg config.PresenceConfig, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:     cfg,
		log:     log.With(slog.String("component", "presence")),
		bus:     busClient,
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
		workers: make(map[string]*Worker),
	}

	if err := r.initMetrics(otel.Meter("github.com/loqalabs/loqa-scribe/internal/presence")); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := r.subscribe(); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

// Advertise announces the local worker and keeps heartbeating until Close.
func (r *Registry) Advertise(workerID, mode string) error {
	r.mu.Lock()
	if r.self != nil {
		r.mu.Unlock()
		return fmt.Errorf("worker %s already advertised", r.self.WorkerID)
	}
	r.self = &protocol.WorkerPresence{WorkerID: workerID, Mode: mode}
	r.mu.Unlock()

	if err := r.publish(protocol.SubjectWorkerAnnounce, false); err != nil {
		return fmt.Errorf("announce worker: %w", err)
	}

	interval := time.Duration(r.cfg.HeartbeatIntervalMS) * time.Millisecond
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.ctx.Done():
				return
			case <-ticker.C:
				if err := r.publish(protocol.WorkerHeartbeatSubject(workerID), false); err != nil {
					r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
				}
			}
		}
	}()
	r.log.Info("advertising stt worker", slog.String("worker_id", workerID), slog.String("mode", mode))
	return nil
}

// Close stops advertising, tells peers the local worker is leaving and drops
// the subscriptions.
func (r *Registry) Close() {
	r.cancel()
	r.wg.Wait()

	r.mu.RLock()
	advertised := r.self != nil
	r.mu.RUnlock()
	if advertised && r.bus.Healthy() {
		if err := r.publish(protocol.SubjectWorkerAnnounce, true); err != nil {
			r.log.Warn("failed to announce departure", slog.String("error", err.Error()))
		}
		_ = r.bus.Conn().Flush()
	}
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
}

// Available reports whether at least one worker is healthy. A zero heartbeat
// timeout disables the check.
func (r *Registry) Available() bool {
	if r.cfg.HeartbeatTimeoutMS == 0 {
		return true
	}
	for _, w := range r.Workers() {
		if w.Healthy {
			return true
		}
	}
	return false
}

// Workers returns every known worker ordered by id, with health evaluated
// against the heartbeat timeout.
func (r *Registry) Workers() []Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeoutMS) * time.Millisecond
	now := r.now()
	out := make([]Worker, 0, len(r.workers))
	for _, w := range r.workers {
		snapshot := *w
		if snapshot.Healthy && timeout > 0 && now.Sub(snapshot.LastSeen) > timeout {
			snapshot.Healthy = false
		}
		out = append(out, snapshot)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(protocol.SubjectWorkerAnnounce, r.handlePresence)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(protocol.SubjectWorkerHeartbeatPrefix+".*", r.handlePresence)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)

	if err := conn.Flush(); err != nil {
		return fmt.Errorf("flush presence subscriptions: %w", err)
	}
	return nil
}

func (r *Registry) publish(subject string, leaving bool) error {
	r.mu.RLock()
	msg := *r.self
	r.mu.RUnlock()
	msg.Leaving = leaving
	msg.Timestamp = r.now().UTC()
	return r.bus.PublishJSON(subject, msg)
}

func (r *Registry) handlePresence(msg *nats.Msg) {
	var p protocol.WorkerPresence
	if err := json.Unmarshal(msg.Data, &p); err != nil {
		r.log.Warn("invalid presence message", slog.String("error", err.Error()))
		return
	}
	if p.WorkerID == "" {
		return
	}
	// Receipt time, not the sender's timestamp, drives expiry.
	r.update(p.WorkerID, p.Mode, r.now(), !p.Leaving)
}

// update records a sighting; a departing worker is forgotten.
func (r *Registry) update(workerID, mode string, seen time.Time, healthy bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !healthy {
		if _, ok := r.workers[workerID]; ok {
			delete(r.workers, workerID)
			r.log.Info("stt worker left", slog.String("worker_id", workerID))
		}
		return
	}
	w, ok := r.workers[workerID]
	if !ok {
		w = &Worker{ID: workerID}
		r.workers[workerID] = w
	}
	if mode != "" {
		w.Mode = mode
	}
	w.LastSeen = seen
	w.Healthy = true
}

func (r *Registry) initMetrics(meter metric.Meter) error {
	gauge, err := meter.Int64ObservableGauge("scribe.stt.workers", metric.WithDescription("Healthy STT workers on the bus"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		var healthy int64
		for _, w := range r.Workers() {
			if w.Healthy {
				healthy++
			}
		}
		obs.ObserveInt64(gauge, healthy)
		return nil
	}, gauge)
	return err
}
