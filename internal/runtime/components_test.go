package runtime

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/natsserver"
	"github.com/loqalabs/loqa-scribe/internal/permission"
)

func startBus(t *testing.T) *bus.Client {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, newLogger())
	if err != nil {
		t.Fatalf("start embedded nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	client, err := bus.Connect(context.Background(), "runtime-test", config.BusConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2000,
	}, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestBuildRecognizer(t *testing.T) {
	client := startBus(t)

	cases := []struct {
		name      string
		cfg       config.STTConfig
		bus       *bus.Client
		wantErr   bool
		wantNil   bool
		available bool
	}{
		{name: "none", cfg: config.STTConfig{Mode: "none"}, wantNil: true},
		{name: "mock", cfg: config.STTConfig{Mode: "mock", PartialEveryMS: 50}, available: true},
		{name: "exec without command", cfg: config.STTConfig{Mode: "exec"}, wantErr: true},
		{name: "websocket", cfg: config.STTConfig{Mode: "websocket", Endpoint: "ws://127.0.0.1:1/v1/listen"}, available: true},
		{name: "websocket without endpoint", cfg: config.STTConfig{Mode: "websocket"}},
		{name: "bus without connection", cfg: config.STTConfig{Mode: "bus"}, wantErr: true},
		{name: "bus", cfg: config.STTConfig{Mode: "bus"}, bus: client, available: true},
		{name: "unknown", cfg: config.STTConfig{Mode: "carrier-pigeon"}, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec, err := buildRecognizer(tc.cfg, tc.bus, nil, newLogger())
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected an error")
				}
				return
			}
			if err != nil {
				t.Fatalf("build: %v", err)
			}
			if tc.wantNil {
				if rec != nil {
					t.Fatalf("expected a nil recognizer, got %T", rec)
				}
				return
			}
			if rec == nil {
				t.Fatal("expected a recognizer")
			}
			if rec.Available() != tc.available {
				t.Fatalf("available = %v, want %v", rec.Available(), tc.available)
			}
		})
	}
}

func TestBuildGate(t *testing.T) {
	format := audio.Format{SampleRate: 16000, Channels: 1}
	tone := audio.NewPipeline(audio.NewToneSource(440), audio.NewDevice("test"), format, 320, newLogger())
	missing := audio.NewPipeline(audio.NewWAVSource(filepath.Join(t.TempDir(), "missing.wav"), false),
		audio.NewDevice("test"), format, 320, newLogger())

	cases := []struct {
		name     string
		cfg      config.PermissionsConfig
		pipeline *audio.Pipeline
		buildErr bool
		want     error
	}{
		{name: "granted", cfg: config.PermissionsConfig{Microphone: "granted", SpeechRecognition: "granted"}, pipeline: tone},
		{name: "source opens", cfg: config.PermissionsConfig{Microphone: "probe", SpeechRecognition: "granted"}, pipeline: tone},
		{name: "source missing", cfg: config.PermissionsConfig{Microphone: "probe", SpeechRecognition: "granted"},
			pipeline: missing, want: permission.ErrMicrophoneNotPermitted},
		{name: "speech denied", cfg: config.PermissionsConfig{Microphone: "probe", SpeechRecognition: "denied"},
			pipeline: tone, want: permission.ErrSpeechNotAuthorized},
		{name: "microphone restricted", cfg: config.PermissionsConfig{Microphone: "restricted", SpeechRecognition: "granted"},
			pipeline: tone, want: permission.ErrMicrophoneNotPermitted},
		{name: "bad speech policy", cfg: config.PermissionsConfig{Microphone: "granted", SpeechRecognition: "probe"}, buildErr: true},
		{name: "bad microphone policy", cfg: config.PermissionsConfig{Microphone: "maybe", SpeechRecognition: "granted"}, buildErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gate, err := buildGate(tc.cfg, tc.pipeline, newLogger())
			if tc.buildErr {
				if err == nil {
					t.Fatal("expected an error")
				}
				return
			}
			if err != nil {
				t.Fatalf("build: %v", err)
			}
			err = gate.Request(context.Background())
			if tc.want == nil && err != nil {
				t.Fatalf("request: %v", err)
			}
			if tc.want != nil && !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}
