package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level" toml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint" toml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure" toml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind" toml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind" toml:"bind"`
	Port int    `yaml:"port" toml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name" toml:"runtime_name"`
	Environment string           `yaml:"environment" toml:"environment"`
	HTTP        HTTPConfig       `yaml:"http" toml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry" toml:"telemetry"`
	Bus         BusConfig        `yaml:"bus" toml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store" toml:"event_store"`
	Capture     CaptureConfig    `yaml:"capture" toml:"capture"`
	STT         STTConfig        `yaml:"stt" toml:"stt"`
	LLM         LLMConfig        `yaml:"llm" toml:"llm"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled" toml:"enabled"`
	Embedded       bool     `yaml:"embedded" toml:"embedded"`
	Port           int      `yaml:"port" toml:"port"`
	StoreDir       string   `yaml:"store_dir" toml:"store_dir"`
	Servers        []string `yaml:"servers" toml:"servers"`
	Username       string   `yaml:"username" toml:"username"`
	Password       string   `yaml:"password" toml:"password"`
	Token          string   `yaml:"token" toml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure" toml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms" toml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path" toml:"path"`
	RetentionMode string `yaml:"retention_mode" toml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days" toml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions" toml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start" toml:"vacuum_on_start"`
}

// CaptureConfig describes the microphone stream handed to every backend.
type CaptureConfig struct {
	Device     string `yaml:"device" toml:"device"`
	SampleRate int    `yaml:"sample_rate" toml:"sample_rate"`
	BufferSize int    `yaml:"buffer_size" toml:"buffer_size"`
}

type STTConfig struct {
	Backend        string              `yaml:"backend" toml:"backend"`
	Language       string              `yaml:"language" toml:"language"`
	Fallback       bool                `yaml:"fallback" toml:"fallback"`
	StopTimeoutMS  int                 `yaml:"stop_timeout_ms" toml:"stop_timeout_ms"`
	Native         NativeConfig        `yaml:"native" toml:"native"`
	AssemblyAI     BatchProviderConfig `yaml:"assemblyai" toml:"assemblyai"`
	AssemblyAINano BatchProviderConfig `yaml:"assemblyai_nano" toml:"assemblyai_nano"`
	Whisper        BatchProviderConfig `yaml:"whisper" toml:"whisper"`
	Google         BatchProviderConfig `yaml:"google" toml:"google"`
	Realtime       RealtimeConfig      `yaml:"realtime" toml:"realtime"`
}

// NativeConfig points at a local streaming recognizer. The command reads
// 16-bit PCM on stdin and prints one JSON result per line.
type NativeConfig struct {
	Command string `yaml:"command" toml:"command"`
}

// BatchProviderConfig tunes one buffered-batch provider.
type BatchProviderConfig struct {
	Endpoint       string  `yaml:"endpoint" toml:"endpoint"`
	APIKey         string  `yaml:"api_key" toml:"api_key"`
	Model          string  `yaml:"model" toml:"model"`
	NoiseThreshold float64 `yaml:"noise_threshold" toml:"noise_threshold"`
	SilenceMS      int     `yaml:"silence_ms" toml:"silence_ms"`
	MaxBufferMS    int     `yaml:"max_buffer_ms" toml:"max_buffer_ms"`
	TimeoutMS      int     `yaml:"timeout_ms" toml:"timeout_ms"`
}

type RealtimeConfig struct {
	URL       string `yaml:"url" toml:"url"`
	TokenURL  string `yaml:"token_url" toml:"token_url"`
	Token     string `yaml:"token" toml:"token"`
	APIKey    string `yaml:"api_key" toml:"api_key"`
	TimeoutMS int    `yaml:"timeout_ms" toml:"timeout_ms"`
}

type LLMConfig struct {
	Enabled     bool    `yaml:"enabled" toml:"enabled"`
	Mode        string  `yaml:"mode" toml:"mode"` // mock, proxy, openai
	Endpoint    string  `yaml:"endpoint" toml:"endpoint"`
	APIKey      string  `yaml:"api_key" toml:"api_key"`
	Model       string  `yaml:"model" toml:"model"`
	Prompt      string  `yaml:"prompt" toml:"prompt"`
	Stream      bool    `yaml:"stream" toml:"stream"`
	MaxTokens   int     `yaml:"max_tokens" toml:"max_tokens"`
	Temperature float64 `yaml:"temperature" toml:"temperature"`
}

// Backend identifiers accepted by stt.backend.
var Backends = []string{
	"native",
	"assemblyai",
	"assemblyai-nano",
	"whisper",
	"google",
	"assemblyai-realtime",
}

const DefaultConsultPrompt = "You are a medical consultation assistant. Summarize the patient's account, " +
	"note symptoms, duration and severity, and suggest follow-up questions. Do not give a diagnosis."

func Default() Config {
	return Config{
		RuntimeName: "loqa-consult",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-consult.db",
			RetentionMode: "ephemeral",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Capture: CaptureConfig{
			SampleRate: 16000,
			BufferSize: 4096,
		},
		STT: STTConfig{
			Backend:       "native",
			Language:      "en-US",
			Fallback:      true,
			StopTimeoutMS: 5000,
			AssemblyAI: BatchProviderConfig{
				Endpoint:       "http://localhost:3000/api/transcribe/assemblyai",
				NoiseThreshold: 0.01,
				SilenceMS:      1500,
				MaxBufferMS:    3000,
				TimeoutMS:      30000,
			},
			AssemblyAINano: BatchProviderConfig{
				Endpoint:       "http://localhost:3000/api/transcribe/assemblyai",
				Model:          "nano",
				NoiseThreshold: 0.01,
				SilenceMS:      1000,
				MaxBufferMS:    2000,
				TimeoutMS:      30000,
			},
			Whisper: BatchProviderConfig{
				Endpoint:       "https://api.openai.com/v1",
				Model:          "whisper-1",
				NoiseThreshold: 0.015,
				SilenceMS:      2000,
				MaxBufferMS:    3000,
				TimeoutMS:      30000,
			},
			Google: BatchProviderConfig{
				Endpoint:       "http://localhost:3000/api/transcribe/google",
				NoiseThreshold: 0.005,
				SilenceMS:      1500,
				MaxBufferMS:    2000,
				TimeoutMS:      30000,
			},
			Realtime: RealtimeConfig{
				URL:       "wss://api.assemblyai.com/v2/realtime/ws",
				TokenURL:  "http://localhost:3000/api/assemblyai/token",
				TimeoutMS: 10000,
			},
		},
		LLM: LLMConfig{
			Enabled:     false,
			Mode:        "mock",
			Endpoint:    "http://localhost:3000/api/chat",
			Model:       "gpt-4o-mini",
			Prompt:      DefaultConsultPrompt,
			Stream:      true,
			MaxTokens:   512,
			Temperature: 0.3,
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
		if err := decode(path, data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return toml.Unmarshal(data, cfg)
	}
	return yaml.Unmarshal(data, cfg)
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
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Capture.Device, "LOQA_CAPTURE_DEVICE")
	overrideInt(&cfg.Capture.SampleRate, "LOQA_CAPTURE_SAMPLE_RATE")
	overrideInt(&cfg.Capture.BufferSize, "LOQA_CAPTURE_BUFFER_SIZE")
	overrideString(&cfg.STT.Backend, "LOQA_STT_BACKEND")
	overrideString(&cfg.STT.Language, "LOQA_STT_LANGUAGE")
	overrideBool(&cfg.STT.Fallback, "LOQA_STT_FALLBACK")
	overrideInt(&cfg.STT.StopTimeoutMS, "LOQA_STT_STOP_TIMEOUT_MS")
	overrideString(&cfg.STT.Native.Command, "LOQA_STT_NATIVE_COMMAND")
	overrideProvider(&cfg.STT.AssemblyAI, "LOQA_STT_ASSEMBLYAI")
	overrideProvider(&cfg.STT.AssemblyAINano, "LOQA_STT_ASSEMBLYAI_NANO")
	overrideProvider(&cfg.STT.Whisper, "LOQA_STT_WHISPER")
	overrideProvider(&cfg.STT.Google, "LOQA_STT_GOOGLE")
	overrideString(&cfg.STT.Realtime.URL, "LOQA_STT_REALTIME_URL")
	overrideString(&cfg.STT.Realtime.TokenURL, "LOQA_STT_REALTIME_TOKEN_URL")
	overrideString(&cfg.STT.Realtime.Token, "LOQA_STT_REALTIME_TOKEN")
	overrideString(&cfg.STT.Realtime.APIKey, "LOQA_STT_REALTIME_API_KEY")
	overrideInt(&cfg.STT.Realtime.TimeoutMS, "LOQA_STT_REALTIME_TIMEOUT_MS")
	overrideBool(&cfg.LLM.Enabled, "LOQA_LLM_ENABLED")
	overrideString(&cfg.LLM.Mode, "LOQA_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "LOQA_LLM_ENDPOINT")
	overrideString(&cfg.LLM.APIKey, "LOQA_LLM_API_KEY")
	overrideString(&cfg.LLM.Model, "LOQA_LLM_MODEL")
	overrideString(&cfg.LLM.Prompt, "LOQA_LLM_PROMPT")
	overrideBool(&cfg.LLM.Stream, "LOQA_LLM_STREAM")
	overrideInt(&cfg.LLM.MaxTokens, "LOQA_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "LOQA_LLM_TEMPERATURE")
}

func overrideProvider(target *BatchProviderConfig, prefix string) {
	overrideString(&target.Endpoint, prefix+"_ENDPOINT")
	overrideString(&target.APIKey, prefix+"_API_KEY")
	overrideString(&target.Model, prefix+"_MODEL")
	overrideFloat(&target.NoiseThreshold, prefix+"_NOISE_THRESHOLD")
	overrideInt(&target.SilenceMS, prefix+"_SILENCE_MS")
	overrideInt(&target.MaxBufferMS, prefix+"_MAX_BUFFER_MS")
	overrideInt(&target.TimeoutMS, prefix+"_TIMEOUT_MS")
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
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionMode != "ephemeral" && cfg.EventStore.Path == "" {
		return errors.New("event_store.path must be set unless retention_mode=ephemeral")
	}
	if cfg.Capture.SampleRate <= 0 {
		return errors.New("capture.sample_rate must be positive")
	}
	if cfg.Capture.BufferSize <= 0 {
		return errors.New("capture.buffer_size must be positive")
	}
	if !knownBackend(cfg.STT.Backend) {
		return fmt.Errorf("stt.backend must be one of %s", strings.Join(Backends, "|"))
	}
	if cfg.STT.Language == "" {
		return errors.New("stt.language must not be empty")
	}
	if cfg.STT.StopTimeoutMS < 0 {
		return errors.New("stt.stop_timeout_ms must be >= 0")
	}
	providers := map[string]BatchProviderConfig{
		"assemblyai":      cfg.STT.AssemblyAI,
		"assemblyai_nano": cfg.STT.AssemblyAINano,
		"whisper":         cfg.STT.Whisper,
		"google":          cfg.STT.Google,
	}
	for name, p := range providers {
		if p.NoiseThreshold < 0 || p.NoiseThreshold >= 1 {
			return fmt.Errorf("stt.%s.noise_threshold must be in [0,1)", name)
		}
		if p.SilenceMS <= 0 {
			return fmt.Errorf("stt.%s.silence_ms must be positive", name)
		}
		if p.MaxBufferMS <= 0 {
			return fmt.Errorf("stt.%s.max_buffer_ms must be positive", name)
		}
	}
	if cfg.STT.Backend == "assemblyai-realtime" && cfg.STT.Realtime.URL == "" {
		return errors.New("stt.realtime.url must be set when backend=assemblyai-realtime")
	}
	if cfg.LLM.Enabled {
		switch cfg.LLM.Mode {
		case "mock", "proxy", "openai":
		default:
			return errors.New("llm.mode must be one of mock|proxy|openai")
		}
		if cfg.LLM.Mode == "proxy" && cfg.LLM.Endpoint == "" {
			return errors.New("llm.endpoint must be set when mode=proxy")
		}
		if cfg.LLM.Mode == "openai" && cfg.LLM.APIKey == "" {
			return errors.New("llm.api_key must be set when mode=openai")
		}
		if cfg.LLM.MaxTokens < 0 {
			return errors.New("llm.max_tokens must be >= 0")
		}
	}
	return nil
}

func knownBackend(name string) bool {
	for _, b := range Backends {
		if b == name {
			return true
		}
	}
	return false
}
