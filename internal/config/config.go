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

	// Traces selects the span exporter: otlp, stdout or none. Empty means
	// otlp when an endpoint is set and none otherwise.
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
	Journal     JournalConfig   `yaml:"journal"`
	Pipeline    PipelineConfig  `yaml:"pipeline"`
	LLM         LLMConfig       `yaml:"llm"`
	TTS         TTSConfig       `yaml:"tts"`
	Service     ServiceConfig   `yaml:"service"`
	Node        NodeConfig      `yaml:"node"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type JournalConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxJobs       int    `yaml:"max_jobs"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// PipelineConfig holds the defaults applied to every render job.
type PipelineConfig struct {
	MaxUnitSize       int     `yaml:"max_unit_size"`
	Concurrency       int     `yaml:"concurrency"`
	FailureMode       string  `yaml:"failure_mode"` // best_effort, all_or_nothing
	FailFast          bool    `yaml:"fail_fast"`
	UnitTimeoutMS     int     `yaml:"unit_timeout_ms"`
	JobTimeoutMS      int     `yaml:"job_timeout_ms"`
	Retries           int     `yaml:"retries"`
	RetryBackoffMS    int     `yaml:"retry_backoff_ms"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
	Drain             bool    `yaml:"drain"`
	CacheEnabled      bool    `yaml:"cache_enabled"`
	CacheTTLSeconds   int     `yaml:"cache_ttl_seconds"`
	MaxCacheItems     int     `yaml:"max_cache_items"`
}

type LLMConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Mode           string  `yaml:"mode"` // mock, ollama, exec, openai, gemini
	Endpoint       string  `yaml:"endpoint"`
	Command        string  `yaml:"command"`
	APIKey         string  `yaml:"api_key"`
	ModelFast      string  `yaml:"model_fast"`
	ModelBalanced  string  `yaml:"model_balanced"`
	DefaultTier    string  `yaml:"default_tier"`
	MaxTokens      int     `yaml:"max_tokens"`
	Temperature    float64 `yaml:"temperature"`
	Preset         string  `yaml:"preset"`
	System         string  `yaml:"system"`
	Instruction    string  `yaml:"instruction"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
}

type TTSConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Mode            string `yaml:"mode"` // mock, exec, elevenlabs
	Command         string `yaml:"command"`
	Endpoint        string `yaml:"endpoint"`
	APIKey          string `yaml:"api_key"`
	Voice           string `yaml:"voice"`
	Model           string `yaml:"model"`
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	ChunkDurationMS int    `yaml:"chunk_duration_ms"`
}

type ServiceConfig struct {
	Enabled       bool   `yaml:"enabled"`
	SubjectPrefix string `yaml:"subject_prefix"`
	MaxJobs       int    `yaml:"max_jobs"`
}

// NodeConfig identifies this render node to its peers on the bus.
type NodeConfig struct {
	ID                string `yaml:"id"`
	Role              string `yaml:"role"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-render",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:         "info",
			OTLPEndpoint:     "",
			OTLPInsecure:     true,
			PrometheusBind:   ":9091",
			TraceSampleRatio: 1,
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Journal: JournalConfig{
			Path:          "./data/loqa-render.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxJobs:       10000,
		},
		Pipeline: PipelineConfig{
			MaxUnitSize:     2000,
			Concurrency:     4,
			FailureMode:     "best_effort",
			UnitTimeoutMS:   120000,
			JobTimeoutMS:    900000,
			Retries:         2,
			RetryBackoffMS:  200,
			Burst:           1,
			CacheEnabled:    true,
			CacheTTLSeconds: 3600,
			MaxCacheItems:   512,
		},
		LLM: LLMConfig{
			Enabled:        false,
			Mode:           "mock",
			Endpoint:       "http://localhost:11434",
			ModelFast:      "llama3.2:latest",
			ModelBalanced:  "llama3.2:latest",
			DefaultTier:    "balanced",
			Preset:         "default",
			TimeoutSeconds: 120,
		},
		TTS: TTSConfig{
			Enabled:         false,
			Mode:            "mock",
			Endpoint:        "https://api.elevenlabs.io",
			Voice:           "en-US",
			Model:           "eleven_multilingual_v2",
			SampleRate:      22050,
			Channels:        1,
			ChunkDurationMS: 400,
		},
		Service: ServiceConfig{
			Enabled:       true,
			SubjectPrefix: "render",
			MaxJobs:       4,
		},
		Node: NodeConfig{
			ID:                "loqa-render-1",
			Role:              "render",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
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
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Journal.Path, "LOQA_JOURNAL_PATH")
	overrideString(&cfg.Journal.RetentionMode, "LOQA_JOURNAL_RETENTION_MODE")
	overrideInt(&cfg.Journal.RetentionDays, "LOQA_JOURNAL_RETENTION_DAYS")
	overrideInt(&cfg.Journal.MaxJobs, "LOQA_JOURNAL_MAX_JOBS")
	overrideBool(&cfg.Journal.VacuumOnStart, "LOQA_JOURNAL_VACUUM_ON_START")
	overrideInt(&cfg.Pipeline.MaxUnitSize, "LOQA_PIPELINE_MAX_UNIT_SIZE")
	overrideInt(&cfg.Pipeline.Concurrency, "LOQA_PIPELINE_CONCURRENCY")
	overrideString(&cfg.Pipeline.FailureMode, "LOQA_PIPELINE_FAILURE_MODE")
	overrideBool(&cfg.Pipeline.FailFast, "LOQA_PIPELINE_FAIL_FAST")
	overrideInt(&cfg.Pipeline.UnitTimeoutMS, "LOQA_PIPELINE_UNIT_TIMEOUT_MS")
	overrideInt(&cfg.Pipeline.JobTimeoutMS, "LOQA_PIPELINE_JOB_TIMEOUT_MS")
	overrideInt(&cfg.Pipeline.Retries, "LOQA_PIPELINE_RETRIES")
	overrideInt(&cfg.Pipeline.RetryBackoffMS, "LOQA_PIPELINE_RETRY_BACKOFF_MS")
	overrideFloat(&cfg.Pipeline.RequestsPerSecond, "LOQA_PIPELINE_REQUESTS_PER_SECOND")
	overrideInt(&cfg.Pipeline.Burst, "LOQA_PIPELINE_BURST")
	overrideBool(&cfg.Pipeline.Drain, "LOQA_PIPELINE_DRAIN")
	overrideBool(&cfg.Pipeline.CacheEnabled, "LOQA_PIPELINE_CACHE_ENABLED")
	overrideInt(&cfg.Pipeline.CacheTTLSeconds, "LOQA_PIPELINE_CACHE_TTL_SECONDS")
	overrideInt(&cfg.Pipeline.MaxCacheItems, "LOQA_PIPELINE_MAX_CACHE_ITEMS")
	overrideBool(&cfg.LLM.Enabled, "LOQA_LLM_ENABLED")
	overrideString(&cfg.LLM.Mode, "LOQA_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "LOQA_LLM_ENDPOINT")
	overrideString(&cfg.LLM.Command, "LOQA_LLM_COMMAND")
	overrideString(&cfg.LLM.APIKey, "LOQA_LLM_API_KEY")
	overrideString(&cfg.LLM.ModelFast, "LOQA_LLM_MODEL_FAST")
	overrideString(&cfg.LLM.ModelBalanced, "LOQA_LLM_MODEL_BALANCED")
	overrideString(&cfg.LLM.DefaultTier, "LOQA_LLM_DEFAULT_TIER")
	overrideInt(&cfg.LLM.MaxTokens, "LOQA_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "LOQA_LLM_TEMPERATURE")
	overrideString(&cfg.LLM.Preset, "LOQA_LLM_PRESET")
	overrideString(&cfg.LLM.System, "LOQA_LLM_SYSTEM")
	overrideString(&cfg.LLM.Instruction, "LOQA_LLM_INSTRUCTION")
	overrideInt(&cfg.LLM.TimeoutSeconds, "LOQA_LLM_TIMEOUT_SECONDS")
	overrideBool(&cfg.TTS.Enabled, "LOQA_TTS_ENABLED")
	overrideString(&cfg.TTS.Mode, "LOQA_TTS_MODE")
	overrideString(&cfg.TTS.Command, "LOQA_TTS_COMMAND")
	overrideString(&cfg.TTS.Endpoint, "LOQA_TTS_ENDPOINT")
	overrideString(&cfg.TTS.APIKey, "LOQA_TTS_API_KEY")
	overrideString(&cfg.TTS.Voice, "LOQA_TTS_VOICE")
	overrideString(&cfg.TTS.Model, "LOQA_TTS_MODEL")
	overrideInt(&cfg.TTS.SampleRate, "LOQA_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.Channels, "LOQA_TTS_CHANNELS")
	overrideInt(&cfg.TTS.ChunkDurationMS, "LOQA_TTS_CHUNK_DURATION_MS")
	overrideBool(&cfg.Service.Enabled, "LOQA_SERVICE_ENABLED")
	overrideString(&cfg.Service.SubjectPrefix, "LOQA_SERVICE_SUBJECT_PREFIX")
	overrideInt(&cfg.Service.MaxJobs, "LOQA_SERVICE_MAX_JOBS")
	overrideString(&cfg.Node.ID, "LOQA_NODE_ID")
	overrideString(&cfg.Node.Role, "LOQA_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "LOQA_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "LOQA_NODE_HEARTBEAT_TIMEOUT_MS")
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
		var trimmed []string
		for _, p := range strings.Split(value, ",") {
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
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else if len(cfg.Bus.Servers) == 0 {
		return errors.New("bus.servers must not be empty when embedded mode is disabled")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch cfg.Telemetry.Traces {
	case "", "none", "stdout":
	case "otlp":
		if cfg.Telemetry.OTLPEndpoint == "" {
			return errors.New("telemetry.otlp_endpoint is required when telemetry.traces is otlp")
		}
	default:
		return errors.New("telemetry.traces must be one of otlp|stdout|none")
	}
	if cfg.Telemetry.TraceSampleRatio < 0 || cfg.Telemetry.TraceSampleRatio > 1 {
		return errors.New("telemetry.trace_sample_ratio must be between 0 and 1")
	}
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be > 0")
	}
	if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
		return errors.New("node.heartbeat_timeout_ms must exceed the heartbeat interval")
	}
	if cfg.Journal.Path == "" {
		return errors.New("journal.path must not be empty")
	}
	switch cfg.Journal.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("journal.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.Journal.RetentionDays < 0 {
		return errors.New("journal.retention_days must be >= 0")
	}
	if err := validatePipeline(cfg.Pipeline); err != nil {
		return err
	}
	if cfg.LLM.Enabled {
		switch cfg.LLM.Mode {
		case "mock", "ollama", "exec", "openai", "gemini":
		default:
			return errors.New("llm.mode must be one of mock|ollama|exec|openai|gemini")
		}
		if (cfg.LLM.Mode == "ollama" || cfg.LLM.Mode == "openai") && cfg.LLM.Endpoint == "" {
			return fmt.Errorf("llm.endpoint must be set when mode=%s", cfg.LLM.Mode)
		}
		if cfg.LLM.Mode == "exec" && cfg.LLM.Command == "" {
			return errors.New("llm.command must be set when mode=exec")
		}
		if cfg.LLM.Mode == "gemini" && cfg.LLM.APIKey == "" {
			return errors.New("llm.api_key must be set when mode=gemini")
		}
		if cfg.LLM.MaxTokens < 0 {
			return errors.New("llm.max_tokens must be >= 0")
		}
		if cfg.LLM.TimeoutSeconds < 0 {
			return errors.New("llm.timeout_seconds must be >= 0")
		}
	}
	if cfg.TTS.Enabled {
		switch cfg.TTS.Mode {
		case "mock", "exec", "elevenlabs":
		default:
			return errors.New("tts.mode must be one of mock|exec|elevenlabs")
		}
		if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
			return errors.New("tts.command must be set when mode=exec")
		}
		if cfg.TTS.Mode == "elevenlabs" && (cfg.TTS.APIKey == "" || cfg.TTS.Voice == "") {
			return errors.New("tts.api_key and tts.voice must be set when mode=elevenlabs")
		}
		if cfg.TTS.SampleRate <= 0 {
			return errors.New("tts.sample_rate must be positive")
		}
		if cfg.TTS.Channels <= 0 {
			return errors.New("tts.channels must be positive")
		}
	}
	if cfg.Service.Enabled {
		if cfg.Service.SubjectPrefix == "" {
			return errors.New("service.subject_prefix must not be empty")
		}
		if cfg.Service.MaxJobs <= 0 {
			return errors.New("service.max_jobs must be >= 1")
		}
	}
	return nil
}

func validatePipeline(p PipelineConfig) error {
	if p.MaxUnitSize <= 0 {
		return errors.New("pipeline.max_unit_size must be positive")
	}
	if p.Concurrency <= 0 {
		return errors.New("pipeline.concurrency must be >= 1")
	}
	switch strings.ReplaceAll(strings.ToLower(p.FailureMode), "-", "_") {
	case "best_effort", "all_or_nothing":
	default:
		return errors.New("pipeline.failure_mode must be one of best_effort|all_or_nothing")
	}
	if p.UnitTimeoutMS < 0 || p.JobTimeoutMS < 0 {
		return errors.New("pipeline timeouts must be >= 0")
	}
	if p.Retries < 0 {
		return errors.New("pipeline.retries must be >= 0")
	}
	if p.RequestsPerSecond < 0 {
		return errors.New("pipeline.requests_per_second must be >= 0")
	}
	if p.RequestsPerSecond > 0 && p.Burst <= 0 {
		return errors.New("pipeline.burst must be >= 1 when rate limiting is enabled")
	}
	if p.CacheEnabled && (p.CacheTTLSeconds <= 0 || p.MaxCacheItems <= 0) {
		return errors.New("pipeline.cache_ttl_seconds and pipeline.max_cache_items must be positive when the cache is enabled")
	}
	return nil
}
