package runtime

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/permission"
	"github.com/loqalabs/loqa-scribe/internal/stt"
)

func buildSource(cfg config.AudioConfig) (audio.Source, error) {
	switch cfg.Source {
	case "tone":
		return audio.NewToneSource(cfg.ToneHz), nil
	case "wav":
		return audio.NewWAVSource(cfg.File, cfg.Realtime), nil
	case "exec":
		return audio.NewExecSource(cfg.Command)
	default:
		return nil, fmt.Errorf("unsupported audio source %q", cfg.Source)
	}
}

func buildTranscriber(mode string, cfg config.STTConfig) (stt.Transcriber, error) {
	switch mode {
	case "mock":
		return stt.NewMockTranscriber(), nil
	case "exec":
		return stt.NewExecTranscriber(cfg)
	default:
		return nil, fmt.Errorf("unsupported transcriber %q", mode)
	}
}

// buildRecognizer returns a nil Recognizer for mode "none"; the recorder
// reports that as nilRecognizer on every start.
func buildRecognizer(cfg config.STTConfig, busClient *bus.Client, workers stt.WorkerDirectory, log *slog.Logger) (stt.Recognizer, error) {
	switch cfg.Mode {
	case "none":
		return nil, nil
	case "mock", "exec":
		transcriber, err := buildTranscriber(cfg.Mode, cfg)
		if err != nil {
			return nil, err
		}
		return stt.NewBufferedRecognizer(transcriber, stt.BufferedOptions{
			PartialEvery: time.Duration(cfg.PartialEveryMS) * time.Millisecond,
		}, log), nil
	case "websocket":
		return stt.NewWebSocketRecognizer(stt.WebSocketOptions{
			Endpoint: cfg.Endpoint,
			APIKey:   cfg.APIKey,
			Model:    cfg.Model,
			Language: cfg.Language,
		}, log), nil
	case "bus":
		if busClient == nil {
			return nil, errors.New("stt mode bus requires a bus connection")
		}
		return stt.NewBusRecognizer(busClient, workers, log), nil
	default:
		return nil, fmt.Errorf("unsupported stt mode %q", cfg.Mode)
	}
}

func buildGate(cfg config.PermissionsConfig, pipeline *audio.Pipeline, log *slog.Logger) (*permission.Gate, error) {
	speech, err := permission.ParsePolicy(cfg.SpeechRecognition)
	if err != nil {
		return nil, fmt.Errorf("speech_recognition: %w", err)
	}
	var microphone permission.Authorizer
	if cfg.Microphone == "probe" {
		microphone = permission.Probe(pipeline.Probe)
	} else if microphone, err = permission.ParsePolicy(cfg.Microphone); err != nil {
		return nil, fmt.Errorf("microphone: %w", err)
	}
	return permission.NewGate(speech, microphone, log), nil
}
