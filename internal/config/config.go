package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	Traces       bool   `yaml:"traces"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string            `yaml:"runtime_name"`
	Environment string            `yaml:"environment"`
	HTTP        HTTPConfig        `yaml:"http"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Bus         BusConfig         `yaml:"bus"`
	Presence    PresenceConfig    `yaml:"presence"`
	Store       StoreConfig       `yaml:"store"`
	Audio       AudioConfig       `yaml:"audio"`
	STT         STTConfig         `yaml:"stt"`
	Permissions PermissionsConfig `yaml:"permissions"`
	Session     SessionConfig     `yaml:"session"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// PresenceConfig controls STT worker announcements on the bus. A zero
// HeartbeatTimeoutMS disables the worker check in bus mode.
type PresenceConfig struct {
	WorkerID            string `yaml:"worker_id"`
	HeartbeatIntervalMS int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeoutMS  int    `yaml:"heartbeat_timeout_ms"`
}

// StoreConfig configures the transcript record store.
type StoreConfig struct {
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
	MaxRecords    int    `yaml:"max_records"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// AudioConfig selects and shapes the capture source.
type AudioConfig struct {
	Source       string  `yaml:"source"` // tone, wav, exec
	File         string  `yaml:"file"`
	Command      string  `yaml:"command"`
	SampleRate   int     `yaml:"sample_rate"`
	Channels     int     `yaml:"channels"`
	BufferFrames int     `yaml:"buffer_frames"`
	Realtime     bool    `yaml:"realtime"`
	ToneHz       float64 `yaml:"tone_hz"`
}

type STTConfig struct {
	Mode           string `yaml:"mode"` // none, mock, exec, websocket, bus
	Command        string `yaml:"command"`
	ModelPath      string `yaml:"model_path"`
	Language       string `yaml:"language"`
	Endpoint       string `yaml:"endpoint"`
	APIKey         string `yaml:"api_key"`
	Model          string `yaml:"model"`
	PartialEveryMS int    `yaml:"partial_every_ms"`
	PublishInterim bool   `yaml:"publish_interim"`
	Serve          bool   `yaml:"serve"`
	ServeMode      string `yaml:"serve_mode"` // mock, exec
}

// PermissionsConfig holds the policy for each authorization prompt.
type PermissionsConfig struct {
	Microphone        string `yaml:"microphone"`         // granted, denied, restricted, probe
	SpeechRecognition string `yaml:"speech_recognition"` // granted, denied, restricted
}

type SessionConfig struct {
	TickIntervalMS int `yaml:"tick_interval_ms"`
	SavedFlashMS   int `yaml:"saved_flash_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-scribe",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8088,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Presence: PresenceConfig{
			HeartbeatIntervalMS: 2000,
			HeartbeatTimeoutMS:  6000,
		},
		Store: StoreConfig{
			Path:          "./data/scribe.db",
			RetentionDays: 0,
			MaxRecords:    0,
		},
		Audio: AudioConfig{
			Source:       "tone",
			SampleRate:   16000,
			Channels:     1,
			BufferFrames: 1024,
			Realtime:     true,
			ToneHz:       440,
		},
		STT: STTConfig{
			Mode:           "mock",
			Language:       "en-US",
			Model:          "nova-2",
			PartialEveryMS: 800,
			PublishInterim: true,
			ServeMode:      "mock",
		},
		Permissions: PermissionsConfig{
			Microphone:        "probe",
			SpeechRecognition: "granted",
		},
		Session: SessionConfig{
			TickIntervalMS: 1000,
			SavedFlashMS:   2000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "SCRIBE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "SCRIBE_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "SCRIBE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "SCRIBE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "SCRIBE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "SCRIBE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "SCRIBE_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.Traces, "SCRIBE_TELEMETRY_TRACES")
	overrideBool(&cfg.Bus.Enabled, "SCRIBE_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "SCRIBE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "SCRIBE_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "SCRIBE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "SCRIBE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "SCRIBE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "SCRIBE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "SCRIBE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "SCRIBE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Presence.WorkerID, "SCRIBE_PRESENCE_WORKER_ID")
	overrideInt(&cfg.Presence.HeartbeatIntervalMS, "SCRIBE_PRESENCE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Presence.HeartbeatTimeoutMS, "SCRIBE_PRESENCE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.Store.Path, "SCRIBE_STORE_PATH")
	overrideInt(&cfg.Store.RetentionDays, "SCRIBE_STORE_RETENTION_DAYS")
	overrideInt(&cfg.Store.MaxRecords, "SCRIBE_STORE_MAX_RECORDS")
	overrideBool(&cfg.Store.VacuumOnStart, "SCRIBE_STORE_VACUUM_ON_START")
	overrideString(&cfg.Audio.Source, "SCRIBE_AUDIO_SOURCE")
	overrideString(&cfg.Audio.File, "SCRIBE_AUDIO_FILE")
	overrideString(&cfg.Audio.Command, "SCRIBE_AUDIO_COMMAND")
	overrideInt(&cfg.Audio.SampleRate, "SCRIBE_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Audio.Channels, "SCRIBE_AUDIO_CHANNELS")
	overrideInt(&cfg.Audio.BufferFrames, "SCRIBE_AUDIO_BUFFER_FRAMES")
	overrideBool(&cfg.Audio.Realtime, "SCRIBE_AUDIO_REALTIME")
	overrideFloat(&cfg.Audio.ToneHz, "SCRIBE_AUDIO_TONE_HZ")
	overrideString(&cfg.STT.Mode, "SCRIBE_STT_MODE")
	overrideString(&cfg.STT.Command, "SCRIBE_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "SCRIBE_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "SCRIBE_STT_LANGUAGE")
	overrideString(&cfg.STT.Endpoint, "SCRIBE_STT_ENDPOINT")
	overrideString(&cfg.STT.APIKey, "SCRIBE_STT_API_KEY")
	overrideString(&cfg.STT.Model, "SCRIBE_STT_MODEL")
	overrideInt(&cfg.STT.PartialEveryMS, "SCRIBE_STT_PARTIAL_EVERY_MS")
	overrideBool(&cfg.STT.PublishInterim, "SCRIBE_STT_PUBLISH_INTERIM")
	overrideBool(&cfg.STT.Serve, "SCRIBE_STT_SERVE")
	overrideString(&cfg.STT.ServeMode, "SCRIBE_STT_SERVE_MODE")
	overrideString(&cfg.Permissions.Microphone, "SCRIBE_PERMISSIONS_MICROPHONE")
	overrideString(&cfg.Permissions.SpeechRecognition, "SCRIBE_PERMISSIONS_SPEECH_RECOGNITION")
	overrideInt(&cfg.Session.TickIntervalMS, "SCRIBE_SESSION_TICK_INTERVAL_MS")
	overrideInt(&cfg.Session.SavedFlashMS, "SCRIBE_SESSION_SAVED_FLASH_MS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Presence.HeartbeatIntervalMS <= 0 {
		return errors.New("presence.heartbeat_interval_ms must be positive")
	}
	if cfg.Presence.HeartbeatTimeoutMS < 0 {
		return errors.New("presence.heartbeat_timeout_ms must be >= 0")
	}
	if cfg.Store.Path == "" {
		return errors.New("store.path must not be empty")
	}
	if cfg.Store.RetentionDays < 0 {
		return errors.New("store.retention_days must be >= 0")
	}
	if cfg.Store.MaxRecords < 0 {
		return errors.New("store.max_records must be >= 0")
	}
	switch cfg.Audio.Source {
	case "tone":
	case "wav":
		if cfg.Audio.File == "" {
			return errors.New("audio.file must be set when source=wav")
		}
	case "exec":
		if cfg.Audio.Command == "" {
			return errors.New("audio.command must be set when source=exec")
		}
	default:
		return errors.New("audio.source must be one of tone|wav|exec")
	}
	if cfg.Audio.SampleRate <= 0 {
		return errors.New("audio.sample_rate must be positive")
	}
	if cfg.Audio.Channels <= 0 {
		return errors.New("audio.channels must be positive")
	}
	if cfg.Audio.BufferFrames <= 0 {
		return errors.New("audio.buffer_frames must be positive")
	}
	switch cfg.STT.Mode {
	case "none", "mock":
	case "exec":
		if cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
	case "websocket":
		if cfg.STT.Endpoint == "" {
			return errors.New("stt.endpoint must be set when mode=websocket")
		}
	case "bus":
		if !cfg.Bus.Enabled {
			return errors.New("bus.enabled must be true when stt.mode=bus")
		}
	default:
		return errors.New("stt.mode must be one of none|mock|exec|websocket|bus")
	}
	if cfg.STT.Serve {
		if !cfg.Bus.Enabled {
			return errors.New("bus.enabled must be true when stt.serve is set")
		}
		switch cfg.STT.ServeMode {
		case "mock":
		case "exec":
			if cfg.STT.Command == "" {
				return errors.New("stt.command must be set when serve_mode=exec")
			}
		default:
			return errors.New("stt.serve_mode must be one of mock|exec")
		}
	}
	switch cfg.Permissions.Microphone {
	case "granted", "denied", "restricted", "probe":
	default:
		return errors.New("permissions.microphone must be one of granted|denied|restricted|probe")
	}
	switch cfg.Permissions.SpeechRecognition {
	case "granted", "denied", "restricted":
	default:
		return errors.New("permissions.speech_recognition must be one of granted|denied|restricted")
	}
	if cfg.Session.TickIntervalMS <= 0 {
		return errors.New("session.tick_interval_ms must be positive")
	}
	if cfg.Session.SavedFlashMS < 0 {
		return errors.New("session.saved_flash_ms must be >= 0")
	}
	return nil
}
