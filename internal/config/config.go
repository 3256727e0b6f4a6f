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
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`

	// Traces selects the span exporter: none, stdout or otlp.
	Traces           string  `yaml:"traces"`
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Node        NodeConfig      `yaml:"node"`
	History     HistoryConfig   `yaml:"history"`
	Engine      EngineConfig    `yaml:"engine"`
	Capture     CaptureConfig   `yaml:"capture"`
	Streaming   StreamingConfig `yaml:"streaming"`
	Session     SessionConfig   `yaml:"session"`
	Output      OutputConfig    `yaml:"output"`
	Settings    SettingsConfig  `yaml:"settings"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// NodeConfig identifies this daemon on the bus.
type NodeConfig struct {
	ID                string `yaml:"id"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

type HistoryConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"` // ephemeral, persistent
	MaxEntries    int    `yaml:"max_entries"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// EngineConfig selects and parameterizes the speech engine.
type EngineConfig struct {
	Mode              string  `yaml:"mode"` // mock, exec, whisper, vosk
	Command           string  `yaml:"command"`
	ModelPath         string  `yaml:"model_path"`
	Language          string  `yaml:"language"`
	SampleRate        int     `yaml:"sample_rate"`
	MinAudioSeconds   float64 `yaml:"min_audio_seconds"`
	MockText          string  `yaml:"mock_text"`
	InferenceTimeoutS int     `yaml:"inference_timeout_s"`
}

type CaptureConfig struct {
	Device          string `yaml:"device"`
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	FramesPerBuffer int    `yaml:"frames_per_buffer"`
	QueueSize       int    `yaml:"queue_size"`
}

type StreamingConfig struct {
	Enabled            bool    `yaml:"enabled"`
	IntervalMS         int     `yaml:"interval_ms"`
	SnapshotTimeoutMS  int     `yaml:"snapshot_timeout_ms"`
	MinSnapshotSeconds float64 `yaml:"min_snapshot_seconds"`
}

type SessionConfig struct {
	StopTimeoutMS   int     `yaml:"stop_timeout_ms"`
	MinFinalSeconds float64 `yaml:"min_final_seconds"`
}

type OutputConfig struct {
	Mode         string `yaml:"mode"` // none, stdout, exec, clipboard
	Command      string `yaml:"command"`
	PasteDelayMS int    `yaml:"paste_delay_ms"`
}

// SettingsConfig points at the user-facing JSON documents.
type SettingsConfig struct {
	Path           string `yaml:"path"`
	DictionaryPath string `yaml:"dictionary_path"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-dictate",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8780,
		},
		Telemetry: TelemetryConfig{
			LogLevel:         "info",
			OTLPEndpoint:     "",
			OTLPInsecure:     true,
			PrometheusBind:   ":9091",
			TraceSampleRatio: 1.0,
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "loqa-dictate-1",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		History: HistoryConfig{
			Path:          "./data/loqa-history.db",
			RetentionMode: "persistent",
			MaxEntries:    50,
		},
		Engine: EngineConfig{
			Mode:              "mock",
			Language:          "en",
			SampleRate:        16000,
			MinAudioSeconds:   0.5,
			MockText:          "test",
			InferenceTimeoutS: 45,
		},
		Capture: CaptureConfig{
			SampleRate:      48000,
			Channels:        1,
			FramesPerBuffer: 1024,
			QueueSize:       16,
		},
		Streaming: StreamingConfig{
			Enabled:            true,
			IntervalMS:         1000,
			SnapshotTimeoutMS:  500,
			MinSnapshotSeconds: 1.0,
		},
		Session: SessionConfig{
			StopTimeoutMS:   2000,
			MinFinalSeconds: 0.3,
		},
		Output: OutputConfig{
			Mode:         "stdout",
			PasteDelayMS: 30,
		},
		Settings: SettingsConfig{
			Path:           "./data/settings.json",
			DictionaryPath: "./data/dictionary.json",
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
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideString(&cfg.Telemetry.Traces, "LOQA_TELEMETRY_TRACES")
	overrideFloat(&cfg.Telemetry.TraceSampleRatio, "LOQA_TELEMETRY_TRACE_SAMPLE_RATIO")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "LOQA_NODE_ID")
	overrideInt(&cfg.Node.HeartbeatInterval, "LOQA_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "LOQA_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.History.Path, "LOQA_HISTORY_PATH")
	overrideString(&cfg.History.RetentionMode, "LOQA_HISTORY_RETENTION_MODE")
	overrideInt(&cfg.History.MaxEntries, "LOQA_HISTORY_MAX_ENTRIES")
	overrideBool(&cfg.History.VacuumOnStart, "LOQA_HISTORY_VACUUM_ON_START")
	overrideString(&cfg.Engine.Mode, "LOQA_ENGINE_MODE")
	overrideString(&cfg.Engine.Command, "LOQA_ENGINE_COMMAND")
	overrideString(&cfg.Engine.ModelPath, "LOQA_ENGINE_MODEL_PATH")
	overrideString(&cfg.Engine.Language, "LOQA_ENGINE_LANGUAGE")
	overrideInt(&cfg.Engine.SampleRate, "LOQA_ENGINE_SAMPLE_RATE")
	overrideFloat(&cfg.Engine.MinAudioSeconds, "LOQA_ENGINE_MIN_AUDIO_SECONDS")
	overrideString(&cfg.Engine.MockText, "LOQA_ENGINE_MOCK_TEXT")
	overrideInt(&cfg.Engine.InferenceTimeoutS, "LOQA_ENGINE_INFERENCE_TIMEOUT_S")
	overrideString(&cfg.Capture.Device, "LOQA_CAPTURE_DEVICE")
	overrideInt(&cfg.Capture.SampleRate, "LOQA_CAPTURE_SAMPLE_RATE")
	overrideInt(&cfg.Capture.Channels, "LOQA_CAPTURE_CHANNELS")
	overrideInt(&cfg.Capture.FramesPerBuffer, "LOQA_CAPTURE_FRAMES_PER_BUFFER")
	overrideInt(&cfg.Capture.QueueSize, "LOQA_CAPTURE_QUEUE_SIZE")
	overrideBool(&cfg.Streaming.Enabled, "LOQA_STREAMING_ENABLED")
	overrideInt(&cfg.Streaming.IntervalMS, "LOQA_STREAMING_INTERVAL_MS")
	overrideInt(&cfg.Streaming.SnapshotTimeoutMS, "LOQA_STREAMING_SNAPSHOT_TIMEOUT_MS")
	overrideFloat(&cfg.Streaming.MinSnapshotSeconds, "LOQA_STREAMING_MIN_SNAPSHOT_SECONDS")
	overrideInt(&cfg.Session.StopTimeoutMS, "LOQA_SESSION_STOP_TIMEOUT_MS")
	overrideFloat(&cfg.Session.MinFinalSeconds, "LOQA_SESSION_MIN_FINAL_SECONDS")
	overrideString(&cfg.Output.Mode, "LOQA_OUTPUT_MODE")
	overrideString(&cfg.Output.Command, "LOQA_OUTPUT_COMMAND")
	overrideInt(&cfg.Output.PasteDelayMS, "LOQA_OUTPUT_PASTE_DELAY_MS")
	overrideString(&cfg.Settings.Path, "LOQA_SETTINGS_PATH")
	overrideString(&cfg.Settings.DictionaryPath, "LOQA_SETTINGS_DICTIONARY_PATH")
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
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
		return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
	}
	switch cfg.History.RetentionMode {
	case "ephemeral", "persistent":
	default:
		return errors.New("history.retention_mode must be one of ephemeral|persistent")
	}
	if cfg.History.RetentionMode == "persistent" && cfg.History.Path == "" {
		return errors.New("history.path must not be empty when retention_mode=persistent")
	}
	if cfg.History.MaxEntries <= 0 {
		return errors.New("history.max_entries must be positive")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch cfg.Telemetry.Traces {
	case "", "none", "stdout", "otlp":
	default:
		return errors.New("telemetry.traces must be one of none|stdout|otlp")
	}
	if cfg.Telemetry.Traces == "otlp" && cfg.Telemetry.OTLPEndpoint == "" {
		return errors.New("telemetry.otlp_endpoint must be set when traces=otlp")
	}
	if cfg.Telemetry.TraceSampleRatio < 0 || cfg.Telemetry.TraceSampleRatio > 1 {
		return errors.New("telemetry.trace_sample_ratio must be between 0 and 1")
	}
	switch cfg.Engine.Mode {
	case "mock", "exec", "whisper", "vosk":
	default:
		return errors.New("engine.mode must be one of mock|exec|whisper|vosk")
	}
	if cfg.Engine.Mode == "exec" && cfg.Engine.Command == "" {
		return errors.New("engine.command must be set when mode=exec")
	}
	if (cfg.Engine.Mode == "whisper" || cfg.Engine.Mode == "vosk") && cfg.Engine.ModelPath == "" {
		return fmt.Errorf("engine.model_path must be set when mode=%s", cfg.Engine.Mode)
	}
	if cfg.Engine.SampleRate <= 0 {
		return errors.New("engine.sample_rate must be positive")
	}
	if cfg.Engine.MinAudioSeconds < 0 {
		return errors.New("engine.min_audio_seconds must be >= 0")
	}
	if cfg.Capture.SampleRate <= 0 {
		return errors.New("capture.sample_rate must be positive")
	}
	if cfg.Capture.Channels <= 0 {
		return errors.New("capture.channels must be positive")
	}
	if cfg.Capture.FramesPerBuffer <= 0 {
		return errors.New("capture.frames_per_buffer must be positive")
	}
	if cfg.Capture.QueueSize <= 0 {
		return errors.New("capture.queue_size must be positive")
	}
	if cfg.Streaming.IntervalMS <= 0 {
		return errors.New("streaming.interval_ms must be positive")
	}
	if cfg.Streaming.SnapshotTimeoutMS <= 0 {
		return errors.New("streaming.snapshot_timeout_ms must be positive")
	}
	if cfg.Session.StopTimeoutMS <= 0 {
		return errors.New("session.stop_timeout_ms must be positive")
	}
	switch cfg.Output.Mode {
	case "none", "stdout", "exec", "clipboard":
	default:
		return errors.New("output.mode must be one of none|stdout|exec|clipboard")
	}
	if cfg.Output.Mode == "exec" && cfg.Output.Command == "" {
		return errors.New("output.command must be set when mode=exec")
	}
	if cfg.Settings.Path == "" {
		return errors.New("settings.path must not be empty")
	}
	return nil
}
