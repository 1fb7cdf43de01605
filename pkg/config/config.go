// Package config loads the G3 configuration: model providers and routing
// tables, agent and repair budgets, sandbox settings, storage and server
// options. Configuration is a JSON document with ${ENV} substitution and
// G3_* environment overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"reflect"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Provider kinds understood by the client factory.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGoogle    = "google"
	ProviderOllama    = "ollama"
)

// Task types routed by the model router.
const (
	TaskDesign   = "DESIGN"
	TaskAnalysis = "ANALYSIS"
	TaskCodegen  = "CODEGEN"
	TaskRepair   = "REPAIR"
)

// Executor kinds for the sandbox.
const (
	ExecutorDocker = "docker"
	ExecutorLocal  = "local"
)

// DefaultConfigFile is read when no path is given.
const DefaultConfigFile = "g3.config.json"

// ProviderConfig describes one configured model provider.
type ProviderConfig struct {
	Kind           string  `json:"kind"`
	BaseURL        string  `json:"base_url,omitempty"`
	APIKeyEnv      string  `json:"api_key_env,omitempty"`
	DefaultModel   string  `json:"default_model"`
	MaxTokens      int     `json:"max_tokens"`
	Temperature    float64 `json:"temperature"`
	TimeoutSeconds int     `json:"timeout_seconds"`
	MaxRetries     int     `json:"max_retries"`
	// StrictJSON marks providers whose structured output needs a repair pass.
	StrictJSON      bool `json:"strict_json"`
	TokensPerMinute int  `json:"tokens_per_minute"`
	MaxConcurrency  int  `json:"max_concurrency"`
}

// Timeout returns the per-call timeout.
func (p *ProviderConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// Candidate is one (provider, model) routing option.
type Candidate struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// AgentsConfig bounds per-stage fallback.
type AgentsConfig struct {
	RouteAttempts       int `json:"route_attempts" env:"G3_ROUTE_ATTEMPTS"`
	ContextTokenBudget  int `json:"context_token_budget" env:"G3_CONTEXT_TOKEN_BUDGET"`
	CompilerOutputChars int `json:"compiler_output_chars"`
}

// OrchestratorConfig governs job execution.
type OrchestratorConfig struct {
	MaxRepairRounds   int `json:"max_repair_rounds" env:"G3_MAX_REPAIR_ROUNDS"`
	WorkerPoolSize    int `json:"worker_pool_size" env:"G3_WORKER_POOL_SIZE"`
	QueueCapacity     int `json:"queue_capacity"`
	JobTimeoutMinutes int `json:"job_timeout_minutes" env:"G3_JOB_TIMEOUT_MINUTES"`
}

// JobTimeout returns the overall bound on one job.
func (o *OrchestratorConfig) JobTimeout() time.Duration {
	return time.Duration(o.JobTimeoutMinutes) * time.Minute
}

// SandboxConfig describes the isolated build environment.
type SandboxConfig struct {
	Executor        string            `json:"executor" env:"G3_SANDBOX_EXECUTOR"`
	Image           string            `json:"image" env:"G3_SANDBOX_IMAGE"`
	BuildCommand    string            `json:"build_command"`
	TestCommand     string            `json:"test_command"`
	RunTests        bool              `json:"run_tests"`
	TimeoutSeconds  int               `json:"timeout_seconds" env:"G3_SANDBOX_TIMEOUT_SECONDS"`
	EnvRetryMax     int               `json:"env_retry_max"`
	EnvRetryDelayMs int               `json:"env_retry_delay_ms"`
	WorkspaceRoot   string            `json:"workspace_root" env:"G3_SANDBOX_WORKSPACE"`
	Memory          string            `json:"memory"`
	CPUs            string            `json:"cpus"`
	PIDs            int64             `json:"pids"`
	Network         string            `json:"network"`
	TmpfsSize       string            `json:"tmpfs_size"`
	Env             map[string]string `json:"env,omitempty"`
	ManifestGlobs   []string          `json:"manifest_globs,omitempty"`
}

// Timeout returns the bound on one build command.
func (s *SandboxConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// EnvRetryDelay returns the pause between environment retries.
func (s *SandboxConfig) EnvRetryDelay() time.Duration {
	return time.Duration(s.EnvRetryDelayMs) * time.Millisecond
}

// StorageConfig locates the SQLite database.
type StorageConfig struct {
	Path string `json:"path" env:"G3_DB_PATH"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr             string `json:"addr" env:"G3_ADDR"`
	HeartbeatSeconds int    `json:"heartbeat_seconds"`
}

// LogsConfig configures the JSONL event log.
type LogsConfig struct {
	Dir string `json:"dir" env:"G3_LOG_DIR"`
}

// MetricsConfig configures Prometheus instrumentation.
type MetricsConfig struct {
	Enabled       bool   `json:"enabled"`
	PrometheusURL string `json:"prometheus_url" env:"G3_PROMETHEUS_URL"`
}

// JanitorConfig schedules background cleanup.
type JanitorConfig struct {
	Schedule               string `json:"schedule"`
	StreamRetentionMinutes int    `json:"stream_retention_minutes"`
}

// Config is the root configuration document.
type Config struct {
	Providers    map[string]ProviderConfig `json:"providers"`
	Routing      map[string][]Candidate    `json:"routing"`
	Sandbox      SandboxConfig             `json:"sandbox"`
	Storage      StorageConfig             `json:"storage"`
	Server       ServerConfig              `json:"server"`
	Logs         LogsConfig                `json:"logs"`
	Janitor      JanitorConfig             `json:"janitor"`
	Metrics      MetricsConfig             `json:"metrics"`
	Agents       AgentsConfig              `json:"agents"`
	Orchestrator OrchestratorConfig        `json:"orchestrator"`
}

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

// LoadDotEnv loads a .env file without overriding variables already set.
// A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// LoadConfig reads, substitutes, overrides, defaults and validates a config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse is LoadConfig for an in-memory document.
func Parse(data []byte) (*Config, error) {
	expanded := envVarRegex.ReplaceAllStringFunc(string(data), func(match string) string {
		if value := os.Getenv(match[2 : len(match)-1]); value != "" {
			return value
		}
		return match
	})

	var cfg Config
	if err := json.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	applyEnvOverrides(reflect.ValueOf(&cfg).Elem())
	applyDefaults(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Default returns a validated configuration for a single provider, used by
// tests and by `g3 serve` when no config file exists.
func Default(providerKey string, provider ProviderConfig) *Config {
	cfg := &Config{
		Providers: map[string]ProviderConfig{providerKey: provider},
	}
	applyDefaults(cfg)
	return cfg
}

// applyEnvOverrides walks struct fields carrying an env tag.
func applyEnvOverrides(v reflect.Value) {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		if field.Kind() == reflect.Struct {
			applyEnvOverrides(field)
			continue
		}
		key := t.Field(i).Tag.Get("env")
		if key == "" {
			continue
		}
		if value, ok := os.LookupEnv(key); ok && value != "" {
			setFieldFromEnv(field, value)
		}
	}
}

func setFieldFromEnv(field reflect.Value, value string) {
	if !field.CanSet() {
		return
	}
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int64:
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			field.SetInt(n)
		}
	case reflect.Float64:
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			field.SetFloat(f)
		}
	case reflect.Bool:
		if b, err := strconv.ParseBool(value); err == nil {
			field.SetBool(b)
		}
	}
}

func applyDefaults(cfg *Config) {
	for key, p := range cfg.Providers {
		if p.Kind == "" {
			p.Kind = key
		}
		if p.MaxTokens == 0 {
			p.MaxTokens = 8192
		}
		if info, ok := GetModelInfo(p.DefaultModel); ok && info.MaxOutputTokens > 0 && p.MaxTokens > info.MaxOutputTokens {
			p.MaxTokens = info.MaxOutputTokens
		}
		if p.Temperature == 0 {
			p.Temperature = 0.2
		}
		if p.TimeoutSeconds == 0 {
			p.TimeoutSeconds = 180
		}
		if p.MaxRetries == 0 {
			p.MaxRetries = 2
		}
		if limits, ok := ProviderDefaults[p.Kind]; ok {
			if p.TokensPerMinute == 0 {
				p.TokensPerMinute = limits.TokensPerMinute
			}
			if p.MaxConcurrency == 0 {
				p.MaxConcurrency = limits.MaxConcurrency
			}
		}
		cfg.Providers[key] = p
	}
	if cfg.Routing == nil {
		cfg.Routing = make(map[string][]Candidate)
	}

	if cfg.Agents.RouteAttempts == 0 {
		cfg.Agents.RouteAttempts = 3
	}
	if cfg.Agents.ContextTokenBudget == 0 {
		cfg.Agents.ContextTokenBudget = 4000
	}
	if cfg.Agents.CompilerOutputChars == 0 {
		cfg.Agents.CompilerOutputChars = 2000
	}

	o := &cfg.Orchestrator
	if o.MaxRepairRounds == 0 {
		o.MaxRepairRounds = 3
	}
	if o.WorkerPoolSize == 0 {
		o.WorkerPoolSize = 4
	}
	if o.QueueCapacity == 0 {
		o.QueueCapacity = 64
	}
	if o.JobTimeoutMinutes == 0 {
		o.JobTimeoutMinutes = 60
	}

	s := &cfg.Sandbox
	if s.Executor == "" {
		s.Executor = ExecutorDocker
	}
	if s.Image == "" {
		s.Image = "maven:3.9-eclipse-temurin-17"
	}
	if s.BuildCommand == "" {
		s.BuildCommand = "mvn -e -B -DskipTests compile"
	}
	if s.TestCommand == "" {
		s.TestCommand = "mvn -e -B test"
	}
	if s.TimeoutSeconds == 0 {
		s.TimeoutSeconds = 600
	}
	if s.EnvRetryMax == 0 {
		s.EnvRetryMax = 3
	}
	if s.EnvRetryDelayMs == 0 {
		s.EnvRetryDelayMs = 5000
	}
	if s.WorkspaceRoot == "" {
		s.WorkspaceRoot = os.TempDir()
	}
	if s.Memory == "" {
		s.Memory = "2g"
	}
	if s.CPUs == "" {
		s.CPUs = "2"
	}
	if s.PIDs == 0 {
		s.PIDs = 1024
	}
	if s.Network == "" {
		s.Network = "bridge"
	}
	if s.TmpfsSize == "" {
		s.TmpfsSize = "256m"
	}
	if len(s.ManifestGlobs) == 0 {
		s.ManifestGlobs = []string{"**/pom.xml", "**/build.gradle", "**/package.json", "**/go.mod"}
	}

	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "g3.db"
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.HeartbeatSeconds == 0 {
		cfg.Server.HeartbeatSeconds = 15
	}
	if cfg.Logs.Dir == "" {
		cfg.Logs.Dir = "logs"
	}
	if cfg.Janitor.Schedule == "" {
		cfg.Janitor.Schedule = "@every 10m"
	}
	if cfg.Janitor.StreamRetentionMinutes == 0 {
		cfg.Janitor.StreamRetentionMinutes = 30
	}
}

func validateConfig(cfg *Config) error {
	if len(cfg.Providers) == 0 {
		return fmt.Errorf("no providers configured")
	}
	for key, p := range cfg.Providers {
		switch p.Kind {
		case ProviderAnthropic, ProviderOpenAI, ProviderGoogle, ProviderOllama:
		default:
			return fmt.Errorf("provider %s: unsupported kind %q", key, p.Kind)
		}
		if p.TimeoutSeconds < 0 || p.MaxRetries < 0 {
			return fmt.Errorf("provider %s: timeout_seconds and max_retries must be non-negative", key)
		}
	}
	for task, candidates := range cfg.Routing {
		switch task {
		case TaskDesign, TaskAnalysis, TaskCodegen, TaskRepair:
		default:
			return fmt.Errorf("routing: unknown task type %q", task)
		}
		for i, c := range candidates {
			p, ok := cfg.Providers[c.Provider]
			if !ok {
				return fmt.Errorf("routing %s[%d]: provider %q is not configured", task, i, c.Provider)
			}
			if c.Model == "" && p.DefaultModel == "" {
				return fmt.Errorf("routing %s[%d]: no model and provider %q has no default_model", task, i, c.Provider)
			}
		}
	}
	if cfg.Agents.RouteAttempts < 1 {
		return fmt.Errorf("agents.route_attempts must be at least 1")
	}
	if cfg.Orchestrator.MaxRepairRounds < 0 {
		return fmt.Errorf("orchestrator.max_repair_rounds must be non-negative")
	}
	if cfg.Orchestrator.WorkerPoolSize < 1 {
		return fmt.Errorf("orchestrator.worker_pool_size must be at least 1")
	}
	switch cfg.Sandbox.Executor {
	case ExecutorDocker, ExecutorLocal:
	default:
		return fmt.Errorf("sandbox.executor must be %q or %q, got %q", ExecutorDocker, ExecutorLocal, cfg.Sandbox.Executor)
	}
	return nil
}

// ProviderKeys returns configured provider keys in sorted order.
func (c *Config) ProviderKeys() []string {
	keys := make([]string, 0, len(c.Providers))
	for k := range c.Providers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Provider looks up a provider by key.
func (c *Config) Provider(key string) (ProviderConfig, error) {
	if strings.TrimSpace(key) == "" {
		return ProviderConfig{}, fmt.Errorf("provider key must not be blank")
	}
	p, ok := c.Providers[key]
	if !ok {
		return ProviderConfig{}, fmt.Errorf("provider %q is not configured", key)
	}
	return p, nil
}

// StrictJSONProviders returns the keys flagged strict_json.
func (c *Config) StrictJSONProviders() map[string]bool {
	out := make(map[string]bool)
	for k, p := range c.Providers {
		if p.StrictJSON {
			out[k] = true
		}
	}
	return out
}
