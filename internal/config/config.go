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
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName   string              `yaml:"runtime_name"`
	Environment   string              `yaml:"environment"`
	HTTP          HTTPConfig          `yaml:"http"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
	Bus           BusConfig           `yaml:"bus"`
	NoteStore     NoteStoreConfig     `yaml:"note_store"`
	Capture       CaptureConfig       `yaml:"capture"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	PostProcess   PostProcessConfig   `yaml:"post_process"`
	Recording     RecordingConfig     `yaml:"recording"`
}

type BusConfig struct {
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

type NoteStoreConfig struct {
	Path          string `yaml:"path"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type CaptureConfig struct {
	Mode            string `yaml:"mode"` // mock, exec
	Command         string `yaml:"command"`
	SourceRate      int    `yaml:"source_rate"`
	SourceChannels  int    `yaml:"source_channels"`
	FrameDurationMS int    `yaml:"frame_duration_ms"`
}

type TranscriptionConfig struct {
	TokenURL       string `yaml:"token_url"`
	TokenTimeoutMS int    `yaml:"token_timeout_ms"`
	DialTimeoutMS  int    `yaml:"dial_timeout_ms"`
	SilenceFlushMS int    `yaml:"silence_flush_ms"`
	SampleRate     int    `yaml:"sample_rate"`
}

type PostProcessConfig struct {
	SummarizeURL     string `yaml:"summarize_url"`
	ReviewURL        string `yaml:"review_url"`
	RequestTimeoutMS int    `yaml:"request_timeout_ms"`
	WatchdogMS       int    `yaml:"watchdog_ms"`
}

type RecordingConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Directory string `yaml:"directory"`
}

func Default() Config {
	return Config{
		RuntimeName: "ainotes-runtime",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		NoteStore: NoteStoreConfig{
			Path: "./data/ainotes.db",
		},
		Capture: CaptureConfig{
			Mode:            "mock",
			SourceRate:      48000,
			SourceChannels:  1,
			FrameDurationMS: 20,
		},
		Transcription: TranscriptionConfig{
			TokenTimeoutMS: 10000,
			DialTimeoutMS:  5000,
			SilenceFlushMS: 1200,
			SampleRate:     16000,
		},
		PostProcess: PostProcessConfig{
			RequestTimeoutMS: 25000,
			WatchdogMS:       30000,
		},
		Recording: RecordingConfig{
			Enabled:   false,
			Directory: "./data/recordings",
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
	overrideString(&cfg.RuntimeName, "AINOTES_RUNTIME_NAME")
	overrideString(&cfg.Environment, "AINOTES_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "AINOTES_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "AINOTES_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "AINOTES_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "AINOTES_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "AINOTES_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "AINOTES_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "AINOTES_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "AINOTES_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "AINOTES_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "AINOTES_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "AINOTES_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "AINOTES_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "AINOTES_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "AINOTES_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "AINOTES_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.NoteStore.Path, "AINOTES_NOTE_STORE_PATH")
	overrideBool(&cfg.NoteStore.VacuumOnStart, "AINOTES_NOTE_STORE_VACUUM_ON_START")
	overrideString(&cfg.Capture.Mode, "AINOTES_CAPTURE_MODE")
	overrideString(&cfg.Capture.Command, "AINOTES_CAPTURE_COMMAND")
	overrideInt(&cfg.Capture.SourceRate, "AINOTES_CAPTURE_SOURCE_RATE")
	overrideInt(&cfg.Capture.SourceChannels, "AINOTES_CAPTURE_SOURCE_CHANNELS")
	overrideInt(&cfg.Capture.FrameDurationMS, "AINOTES_CAPTURE_FRAME_DURATION_MS")
	overrideString(&cfg.Transcription.TokenURL, "AINOTES_TRANSCRIPTION_TOKEN_URL")
	overrideInt(&cfg.Transcription.TokenTimeoutMS, "AINOTES_TRANSCRIPTION_TOKEN_TIMEOUT_MS")
	overrideInt(&cfg.Transcription.DialTimeoutMS, "AINOTES_TRANSCRIPTION_DIAL_TIMEOUT_MS")
	overrideInt(&cfg.Transcription.SilenceFlushMS, "AINOTES_TRANSCRIPTION_SILENCE_FLUSH_MS")
	overrideInt(&cfg.Transcription.SampleRate, "AINOTES_TRANSCRIPTION_SAMPLE_RATE")
	overrideString(&cfg.PostProcess.SummarizeURL, "AINOTES_POST_PROCESS_SUMMARIZE_URL")
	overrideString(&cfg.PostProcess.ReviewURL, "AINOTES_POST_PROCESS_REVIEW_URL")
	overrideInt(&cfg.PostProcess.RequestTimeoutMS, "AINOTES_POST_PROCESS_REQUEST_TIMEOUT_MS")
	overrideInt(&cfg.PostProcess.WatchdogMS, "AINOTES_POST_PROCESS_WATCHDOG_MS")
	overrideBool(&cfg.Recording.Enabled, "AINOTES_RECORDING_ENABLED")
	overrideString(&cfg.Recording.Directory, "AINOTES_RECORDING_DIRECTORY")
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

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.NoteStore.Path == "" {
		return errors.New("note_store.path must not be empty")
	}
	switch cfg.Capture.Mode {
	case "mock", "exec":
	default:
		return errors.New("capture.mode must be one of mock|exec")
	}
	if cfg.Capture.Mode == "exec" && cfg.Capture.Command == "" {
		return errors.New("capture.command must be set when mode=exec")
	}
	if cfg.Capture.SourceRate <= 0 {
		return errors.New("capture.source_rate must be positive")
	}
	if cfg.Capture.SourceChannels <= 0 {
		return errors.New("capture.source_channels must be positive")
	}
	if cfg.Capture.FrameDurationMS <= 0 {
		return errors.New("capture.frame_duration_ms must be positive")
	}
	if cfg.Transcription.SilenceFlushMS <= 0 {
		return errors.New("transcription.silence_flush_ms must be positive")
	}
	if cfg.Transcription.SampleRate <= 0 {
		return errors.New("transcription.sample_rate must be positive")
	}
	if cfg.PostProcess.RequestTimeoutMS <= 0 {
		return errors.New("post_process.request_timeout_ms must be positive")
	}
	if cfg.PostProcess.WatchdogMS <= cfg.PostProcess.RequestTimeoutMS {
		return errors.New("post_process.watchdog_ms must be greater than request timeout")
	}
	if cfg.Recording.Enabled && cfg.Recording.Directory == "" {
		return errors.New("recording.directory must not be empty when recording is enabled")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	return nil
}
