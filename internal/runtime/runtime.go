package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/natsserver"
	"github.com/loqalabs/loqa-scribe/internal/presence"
	"github.com/loqalabs/loqa-scribe/internal/session"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"github.com/loqalabs/loqa-scribe/internal/transcripts"
)

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	telemetryStop func(context.Context) error
	natsServer    *natsserver.EmbeddedServer
	bus           *bus.Client
	presence      *presence.Registry
	sttService    *stt.Service
	store         *transcripts.Store
	recorder      *session.Recorder
	ready         atomic.Bool
	wg            sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer r.shutdown()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetryStop = shutdownTelemetry

	if err := r.startBus(ctx); err != nil {
		return err
	}

	store, err := transcripts.Open(ctx, r.cfg.Store, r.logger.With(slog.String("component", "transcripts")))
	if err != nil {
		return fmt.Errorf("open transcript store: %w", err)
	}
	r.store = store

	recorder, err := r.buildRecorder(ctx)
	if err != nil {
		return err
	}
	r.recorder = recorder

	if r.bus != nil {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			publishStates(ctx, recorder, r.bus, r.logger.With(slog.String("component", "state-publisher")))
		}()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	handlers := &api{recorder: recorder, store: store, log: r.logger.With(slog.String("component", "api"))}
	if r.presence != nil {
		handlers.workers = r.presence.Workers
	}
	handlers.register(mux)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.String("stt_mode", r.cfg.STT.Mode))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	return nil
}

func (r *Runtime) startBus(ctx context.Context) error {
	if !r.cfg.Bus.Enabled {
		return nil
	}
	busCfg := r.cfg.Bus
	if busCfg.Embedded {
		ns, err := natsserver.Start(busCfg, r.logger.With(slog.String("component", "nats-server")))
		if err != nil {
			return fmt.Errorf("start embedded nats: %w", err)
		}
		r.natsServer = ns
		busCfg.Servers = []string{ns.ClientURL()}
	}

	client, err := bus.Connect(ctx, r.cfg.RuntimeName, busCfg, r.logger.With(slog.String("component", "bus")))
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	r.bus = client

	registry, err := presence.NewRegistry(ctx, r.cfg.Presence, client, r.logger)
	if err != nil {
		return fmt.Errorf("start presence registry: %w", err)
	}
	r.presence = registry

	if r.cfg.STT.Serve {
		transcriber, err := buildTranscriber(r.cfg.STT.ServeMode, r.cfg.STT)
		if err != nil {
			return fmt.Errorf("stt service: %w", err)
		}
		r.sttService = stt.NewService(ctx, r.cfg.STT, client, transcriber)
		if err := r.sttService.Start(); err != nil {
			return fmt.Errorf("start stt service: %w", err)
		}
		workerID := r.cfg.Presence.WorkerID
		if workerID == "" {
			workerID = r.cfg.RuntimeName
		}
		if err := registry.Advertise(workerID, r.cfg.STT.ServeMode); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runtime) buildRecorder(ctx context.Context) (*session.Recorder, error) {
	source, err := buildSource(r.cfg.Audio)
	if err != nil {
		return nil, err
	}
	format := audio.Format{SampleRate: r.cfg.Audio.SampleRate, Channels: r.cfg.Audio.Channels}
	pipeline := audio.NewPipeline(source, audio.NewDevice("default"), format, r.cfg.Audio.BufferFrames,
		r.logger.With(slog.String("component", "audio")))

	gate, err := buildGate(r.cfg.Permissions, pipeline, r.logger)
	if err != nil {
		return nil, err
	}
	gate.Warm(ctx)

	var workers stt.WorkerDirectory
	if r.presence != nil {
		workers = r.presence
	}
	recognizer, err := buildRecognizer(r.cfg.STT, r.bus, workers, r.logger.With(slog.String("component", "stt")))
	if err != nil {
		return nil, err
	}

	observer, err := newSessionObserver(otel.Meter("github.com/loqalabs/loqa-scribe/internal/session"), r.bus,
		r.logger.With(slog.String("component", "session-observer")))
	if err != nil {
		return nil, fmt.Errorf("register session metrics: %w", err)
	}

	return session.New(ctx, session.Options{
		Language:     r.cfg.STT.Language,
		TickInterval: time.Duration(r.cfg.Session.TickIntervalMS) * time.Millisecond,
		SavedFlash:   time.Duration(r.cfg.Session.SavedFlashMS) * time.Millisecond,
	}, session.Deps{
		Recognizer: recognizer,
		Gate:       gate,
		Pipeline:   pipeline,
		Store:      r.store,
		Observer:   observer,
	}, r.logger), nil
}

// shutdown releases whatever Start managed to acquire, newest first.
func (r *Runtime) shutdown() {
	r.ready.Store(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if r.httpServer != nil {
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	if r.recorder != nil {
		r.recorder.Close()
	}
	r.wg.Wait()
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("transcript store close error", slog.String("error", err.Error()))
		}
	}
	if r.presence != nil {
		r.presence.Close()
	}
	if r.sttService != nil {
		r.sttService.Close()
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.natsServer.Shutdown()

	if r.telemetryStop != nil {
		if err := r.telemetryStop(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, req *http.Request) {
	ready := r.ready.Load()
	if ready && r.store != nil && r.store.Ping(req.Context()) != nil {
		ready = false
	}
	if ready && r.cfg.Bus.Enabled && !r.bus.Healthy() {
		ready = false
	}
	if ready && r.sttService != nil && !r.sttService.Healthy() {
		ready = false
	}
	if ready {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
