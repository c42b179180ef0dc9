// Package config handles loading and validating xpilot configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jkaninda/xpilot/internal/domain"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for xpilot.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Persistent data directory. Default: ~/.xpilot/data. Override: XPILOT_DATA_DIR env var.
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`   // nil = SQLite default (derived from data dir)
	Scheduler     *SchedulerConfig     `json:"scheduler,omitempty" yaml:"scheduler,omitempty"`
	Budget        BudgetConfig         `json:"budget" yaml:"budget"`
	Safety        SafetyConfig         `json:"safety" yaml:"safety"`
	Knowledge     *KnowledgeConfig     `json:"knowledge,omitempty" yaml:"knowledge,omitempty"`
	Runner        *RunnerConfig        `json:"runner,omitempty" yaml:"runner,omitempty"`
	Retry         *RetryConfig         `json:"retry,omitempty" yaml:"retry,omitempty"`
	Clients       ClientsConfig        `json:"clients" yaml:"clients"`
	Redis         *RedisConfig         `json:"redis,omitempty" yaml:"redis,omitempty"`               // nil = in-process run locks only
	Notification  *NotificationConfig  `json:"notification,omitempty" yaml:"notification,omitempty"` // nil = notifications disabled
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"`
	HTTP          *HTTPConfig          `json:"http,omitempty" yaml:"http,omitempty"` // nil = operator API disabled
	Agents        []AgentConfig        `json:"agents,omitempty" yaml:"agents,omitempty"`
}

// StorageConfig configures the persistence backend.
// When nil, defaults to SQLite with the database path derived from the data dir.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: derived from data dir.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn,omitempty" yaml:"dsn,omitempty"`             // Override: XPILOT_DB_DSN env var.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 300
}

// SchedulerConfig configures the fleet scheduler and the posting dispatcher.
type SchedulerConfig struct {
	TickIntervalSeconds  int `json:"tick_interval_seconds" yaml:"tick_interval_seconds"`     // Default: 30
	MaxConcurrent        int `json:"max_concurrent" yaml:"max_concurrent"`                   // Worker pool size. Default: 4
	RetryMaxAttempts     int `json:"retry_max_attempts" yaml:"retry_max_attempts"`           // ERROR recoveries before giving up. Default: 3
	RetryBaseSeconds     int `json:"retry_base_seconds" yaml:"retry_base_seconds"`           // First ERROR recovery delay. Default: 60
	RetryMaxSeconds      int `json:"retry_max_seconds" yaml:"retry_max_seconds"`             // Default: 3600
	DispatchBatch        int `json:"dispatch_batch" yaml:"dispatch_batch"`                   // Posts claimed per tick. Default: 20
	ClaimLeaseSeconds    int `json:"claim_lease_seconds" yaml:"claim_lease_seconds"`         // Default: 300
	RunLockTTLSeconds    int `json:"run_lock_ttl_seconds" yaml:"run_lock_ttl_seconds"`       // Redis lock TTL. Default: 3600
	ReconcileEveryMinute int `json:"reconcile_every_minutes" yaml:"reconcile_every_minutes"` // X usage reconciliation. 0 = 60, negative = disabled.
}

// TickInterval returns the scheduler tick period.
func (s *SchedulerConfig) TickInterval() time.Duration {
	if s != nil && s.TickIntervalSeconds > 0 {
		return time.Duration(s.TickIntervalSeconds) * time.Second
	}
	return 30 * time.Second
}

// Concurrency returns the worker pool size.
func (s *SchedulerConfig) Concurrency() int {
	if s != nil && s.MaxConcurrent > 0 {
		return s.MaxConcurrent
	}
	return 4
}

// RetryAttempts returns how many ERROR recoveries are allowed.
func (s *SchedulerConfig) RetryAttempts() int {
	if s != nil && s.RetryMaxAttempts > 0 {
		return s.RetryMaxAttempts
	}
	return 3
}

// RetryBase returns the first recovery delay.
func (s *SchedulerConfig) RetryBase() time.Duration {
	if s != nil && s.RetryBaseSeconds > 0 {
		return time.Duration(s.RetryBaseSeconds) * time.Second
	}
	return time.Minute
}

// RetryMax caps the recovery delay.
func (s *SchedulerConfig) RetryMax() time.Duration {
	if s != nil && s.RetryMaxSeconds > 0 {
		return time.Duration(s.RetryMaxSeconds) * time.Second
	}
	return time.Hour
}

// Batch returns how many due posts are claimed per tick.
func (s *SchedulerConfig) Batch() int {
	if s != nil && s.DispatchBatch > 0 {
		return s.DispatchBatch
	}
	return 20
}

// ClaimLease returns how long a claimed post stays invisible to other claimers.
func (s *SchedulerConfig) ClaimLease() time.Duration {
	if s != nil && s.ClaimLeaseSeconds > 0 {
		return time.Duration(s.ClaimLeaseSeconds) * time.Second
	}
	return 5 * time.Minute
}

// RunLockTTL returns the expiry of a distributed run lock.
func (s *SchedulerConfig) RunLockTTL() time.Duration {
	if s != nil && s.RunLockTTLSeconds > 0 {
		return time.Duration(s.RunLockTTLSeconds) * time.Second
	}
	return time.Hour
}

// ReconcileInterval returns the X usage reconciliation period. 0 = disabled.
func (s *SchedulerConfig) ReconcileInterval() time.Duration {
	switch {
	case s == nil || s.ReconcileEveryMinute == 0:
		return time.Hour
	case s.ReconcileEveryMinute < 0:
		return 0
	}
	return time.Duration(s.ReconcileEveryMinute) * time.Minute
}

// BudgetConfig holds fleet-wide budget defaults and cost table overrides.
type BudgetConfig struct {
	Default       DailyBudgetConfig     `json:"default" yaml:"default"`                   // Used by seeded agents without their own budget.
	LLMPricePer1K float64               `json:"llm_price_per_1k" yaml:"llm_price_per_1k"` // 0 = built-in price.
	Rates         map[string]RateConfig `json:"rates,omitempty" yaml:"rates,omitempty"`   // Action kind -> rate override.
}

// DailyBudgetConfig is a per-day allowance split between X and LLM usage.
type DailyBudgetConfig struct {
	Total float64 `json:"total" yaml:"total"`
	X     float64 `json:"x" yaml:"x"`
	LLM   float64 `json:"llm" yaml:"llm"`
}

// Budget converts to the domain type.
func (d DailyBudgetConfig) Budget() domain.DailyBudget {
	return domain.DailyBudget{Total: d.Total, X: d.X, LLM: d.LLM}
}

// IsZero reports whether no portion is set.
func (d DailyBudgetConfig) IsZero() bool { return d.Total == 0 && d.X == 0 && d.LLM == 0 }

// RateConfig overrides one cost table row.
type RateConfig struct {
	X        float64 `json:"x" yaml:"x"`
	PerItemX float64 `json:"per_item_x" yaml:"per_item_x"`
	LLM      float64 `json:"llm" yaml:"llm"`
	Tokens   int     `json:"tokens" yaml:"tokens"`
}

// SafetyConfig holds the safety gate thresholds. BurstWindowSeconds and
// SimilarityThreshold have no defaults.
type SafetyConfig struct {
	BurstMax            int     `json:"burst_max" yaml:"burst_max"` // Default: 3
	BurstWindowSeconds  int     `json:"burst_window_seconds" yaml:"burst_window_seconds"`
	SimilarityThreshold float64 `json:"similarity_threshold" yaml:"similarity_threshold"`
	ShingleSize         int     `json:"shingle_size" yaml:"shingle_size"`                         // Default: 3
	HistorySize         int     `json:"history_size" yaml:"history_size"`                         // Default: 50
	NegativeRateMax     float64 `json:"negative_rate_max" yaml:"negative_rate_max"`               // 0 = check disabled
	NegativeMinImpr     int     `json:"negative_min_impressions" yaml:"negative_min_impressions"` // Default: 100
	CooldownSeconds     int     `json:"cooldown_seconds" yaml:"cooldown_seconds"`                 // stop_until offset. Default: 3600
}

// BurstMaxOrDefault returns the burst allowance.
func (s SafetyConfig) BurstMaxOrDefault() int {
	if s.BurstMax > 0 {
		return s.BurstMax
	}
	return 3
}

// BurstWindow returns the rolling burst window.
func (s SafetyConfig) BurstWindow() time.Duration {
	return time.Duration(s.BurstWindowSeconds) * time.Second
}

// Cooldown returns the stop_until offset for burst, duplicate and negative stops.
func (s SafetyConfig) Cooldown() time.Duration {
	if s.CooldownSeconds > 0 {
		return time.Duration(s.CooldownSeconds) * time.Second
	}
	return time.Hour
}

// KnowledgeConfig configures promotion to the shared pool.
type KnowledgeConfig struct {
	PromotionThreshold float64 `json:"promotion_threshold" yaml:"promotion_threshold"` // Default: 0.7
	RecallK            int     `json:"recall_k" yaml:"recall_k"`                       // Default: 5
}

// Threshold returns the promotion confidence threshold.
func (k *KnowledgeConfig) Threshold() float64 {
	if k != nil && k.PromotionThreshold > 0 {
		return k.PromotionThreshold
	}
	return 0.7
}

// Recall returns how many shared findings feed analysis.
func (k *KnowledgeConfig) Recall() int {
	if k != nil && k.RecallK > 0 {
		return k.RecallK
	}
	return 5
}

// RunnerConfig tunes the PDCA cycle.
type RunnerConfig struct {
	Model             string  `json:"model,omitempty" yaml:"model,omitempty"` // LLM model selector.
	MetricsBatch      int     `json:"metrics_batch" yaml:"metrics_batch"`
	ExperimentDays    int     `json:"experiment_days" yaml:"experiment_days"`         // Default: 7
	ThreadRatio       float64 `json:"thread_ratio" yaml:"thread_ratio"`               // Default: 0.2
	ReplyRatio        float64 `json:"reply_ratio" yaml:"reply_ratio"`                 // Default: 0.2
	QuoteRatio        float64 `json:"quote_ratio" yaml:"quote_ratio"`                 // Default: 0.2
	WindowStartHour   int     `json:"window_start_hour" yaml:"window_start_hour"`     // Default: 9
	WindowLengthHours int     `json:"window_length_hours" yaml:"window_length_hours"` // Default: 12
	SummarizeMinChars int     `json:"summarize_min_chars" yaml:"summarize_min_chars"` // Default: 1500
	TargetsPerHandle  int     `json:"targets_per_handle" yaml:"targets_per_handle"`   // Default: 5
}

// ExperimentWindow returns how far back experiment posts get snapshots.
func (r *RunnerConfig) ExperimentWindow() time.Duration {
	if r != nil && r.ExperimentDays > 0 {
		return time.Duration(r.ExperimentDays) * 24 * time.Hour
	}
	return 7 * 24 * time.Hour
}

// RetryConfig bounds retries of external calls.
type RetryConfig struct {
	MaxAttempts       int     `json:"max_attempts" yaml:"max_attempts"`               // Default: 3
	CallTimeoutMS     int     `json:"call_timeout_ms" yaml:"call_timeout_ms"`         // Default: 15000
	InitialIntervalMS int     `json:"initial_interval_ms" yaml:"initial_interval_ms"` // Default: 500
	MaxIntervalMS     int     `json:"max_interval_ms" yaml:"max_interval_ms"`         // Default: 10000
	Multiplier        float64 `json:"multiplier" yaml:"multiplier"`                   // Default: 2
}

// ClientsConfig configures the external platforms.
type ClientsConfig struct {
	Fake   bool          `json:"fake" yaml:"fake"` // Use deterministic in-memory clients.
	X      XConfig       `json:"x" yaml:"x"`
	Search SearchConfig  `json:"search" yaml:"search"`
	Gemini GeminiConfig  `json:"gemini" yaml:"gemini"`
	OpenAI *OpenAIConfig `json:"openai,omitempty" yaml:"openai,omitempty"` // nil = no OpenAI-compatible fallback.
}

// XConfig configures the X API v2 client.
type XConfig struct {
	BearerToken string                     `json:"bearer_token,omitempty" yaml:"bearer_token,omitempty"` // Override: X_BEARER_TOKEN env var.
	BaseURL     string                     `json:"base_url,omitempty" yaml:"base_url,omitempty"`         // Default: https://api.x.com
	Accounts    map[string]XAccountConfig  `json:"accounts,omitempty" yaml:"accounts,omitempty"`         // Agent id -> credentials.
	RateLimit   RateLimitConfig            `json:"rate_limit" yaml:"rate_limit"`                         // Default per endpoint.
	Endpoints   map[string]RateLimitConfig `json:"endpoints,omitempty" yaml:"endpoints,omitempty"`       // Per-endpoint overrides.
}

// XAccountConfig holds per-account X credentials. AccessTokenEnv names an
// environment variable read at load time.
type XAccountConfig struct {
	UserID         string `json:"user_id" yaml:"user_id"`
	AccessToken    string `json:"access_token,omitempty" yaml:"access_token,omitempty"`
	AccessTokenEnv string `json:"access_token_env,omitempty" yaml:"access_token_env,omitempty"`
	AppBearer      string `json:"app_bearer,omitempty" yaml:"app_bearer,omitempty"`
}

// RateLimitConfig is a token bucket.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// SearchConfig configures web search and page fetching.
type SearchConfig struct {
	BraveAPIKey string `json:"brave_api_key,omitempty" yaml:"brave_api_key,omitempty"` // Override: BRAVE_API_KEY env var.
	Endpoint    string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Count       int    `json:"count" yaml:"count"`                 // Results per query. Default: 10
	MaxDocChars int    `json:"max_doc_chars" yaml:"max_doc_chars"` // Readable text kept per page. Default: 20000
}

type GeminiConfig struct {
	APIKey   string            `json:"api_key,omitempty" yaml:"api_key,omitempty"` // Override: GEMINI_API_KEY env var.
	Model    string            `json:"model" yaml:"model"`
	BaseURL  string            `json:"base_url,omitempty" yaml:"base_url,omitempty"` // Optional. Defaults to https://generativelanguage.googleapis.com.
	Models   map[string]string `json:"models,omitempty" yaml:"models,omitempty"`     // Task model selector -> model name.
	Fallback []string          `json:"fallback,omitempty" yaml:"fallback,omitempty"` // Models tried in order when the default fails.
}

// OpenAIConfig configures an OpenAI-compatible provider tried after Gemini.
type OpenAIConfig struct {
	APIKey  string `json:"api_key,omitempty" yaml:"api_key,omitempty"` // Override: OPENAI_API_KEY env var.
	Model   string `json:"model" yaml:"model"`
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"` // e.g. a local Ollama endpoint.
}

// RedisConfig enables cross-process run locks.
type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr"` // Override: REDIS_ADDR env var.
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
	DB       int    `json:"db" yaml:"db"`
	Prefix   string `json:"prefix,omitempty" yaml:"prefix,omitempty"` // Default: "xpilot:run:"
}

// KeyPrefix returns the run lock key prefix.
func (r *RedisConfig) KeyPrefix() string {
	if r != nil && r.Prefix != "" {
		return r.Prefix
	}
	return "xpilot:run:"
}

// NotificationConfig configures pause and error alerts.
type NotificationConfig struct {
	Enabled bool           `json:"enabled" yaml:"enabled"`
	Slack   *SlackConfig   `json:"slack,omitempty" yaml:"slack,omitempty"`     // nil = Slack alerts disabled.
	Webhook *WebhookConfig `json:"webhook,omitempty" yaml:"webhook,omitempty"` // nil = webhook alerts disabled.
}

// SlackConfig configures the Slack chat.postMessage sender.
type SlackConfig struct {
	BotToken string `json:"bot_token,omitempty" yaml:"bot_token,omitempty"` // Override: SLACK_BOT_TOKEN env var.
	Channel  string `json:"channel" yaml:"channel"`
}

// WebhookConfig configures a generic JSON webhook.
type WebhookConfig struct {
	URL     string            `json:"url" yaml:"url"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// ObservabilityConfig configures metrics, tracing, and health checks.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// MetricsPath returns the exposition path.
func (m *MetricsConfig) MetricsPath() string {
	if m != nil && m.Path != "" {
		return m.Path
	}
	return "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled        bool    `json:"enabled" yaml:"enabled"`
	Endpoint       string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol       string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName    string  `json:"service_name" yaml:"service_name"` // Default: "xpilot"
	ServiceVersion string  `json:"-" yaml:"-"`                       // Set from the build version.
	SampleRate     float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure       bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// HealthConfig configures dependency health checks for readiness probes.
type HealthConfig struct {
	IncludeDB    bool `json:"include_db" yaml:"include_db"`
	IncludeRedis bool `json:"include_redis" yaml:"include_redis"`
}

// AnomalyConfig configures threshold-based anomaly detection on external calls.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // e.g. 0.5 = 50% errors
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Sliding window. Default: 300
}

// GetWindowSeconds returns the sliding window length.
func (a *AnomalyConfig) GetWindowSeconds() int {
	if a != nil && a.WindowSeconds > 0 {
		return a.WindowSeconds
	}
	return 300
}

// HTTPConfig configures the operator API.
type HTTPConfig struct {
	Enabled    bool              `json:"enabled" yaml:"enabled"`
	ListenAddr string            `json:"listen_addr" yaml:"listen_addr"` // Default: ":8080"
	EnableDocs bool              `json:"enable_docs" yaml:"enable_docs"`
	APIKeys    map[string]string `json:"api_keys,omitempty" yaml:"api_keys,omitempty"` // API key -> operator name. Empty = no auth.
}

// Addr returns the listen address.
func (h *HTTPConfig) Addr() string {
	if h != nil && h.ListenAddr != "" {
		return h.ListenAddr
	}
	return ":8080"
}

// AgentConfig seeds one agent. Seeded agents are created on first start
// only; later edits go through the operator API.
type AgentConfig struct {
	ID             string            `json:"id" yaml:"id"`
	Handle         string            `json:"handle" yaml:"handle"`
	Active         *bool             `json:"active,omitempty" yaml:"active,omitempty"` // Default: true
	DailyBudget    DailyBudgetConfig `json:"daily_budget" yaml:"daily_budget"`
	Toggles        map[string]any    `json:"toggles,omitempty" yaml:"toggles,omitempty"`
	WeeklyFocusKPI string            `json:"weekly_focus_kpi,omitempty" yaml:"weekly_focus_kpi,omitempty"`
	Topics         []string          `json:"topics,omitempty" yaml:"topics,omitempty"`
	TargetHandles  []string          `json:"target_handles,omitempty" yaml:"target_handles,omitempty"`
	Schedule       string            `json:"schedule,omitempty" yaml:"schedule,omitempty"` // 5-field cron. Empty = poll interval.
}

// Agent builds the domain agent, applying the toggle fallback rules. def
// fills in a missing budget.
func (a AgentConfig) Agent(def DailyBudgetConfig, now time.Time) (*domain.Agent, []domain.ToggleFallback) {
	budget := a.DailyBudget
	if budget.IsZero() {
		budget = def
	}
	toggles, fallbacks := domain.ResolveToggles(a.Toggles, domain.DefaultToggles())
	active := a.Active == nil || *a.Active
	return &domain.Agent{
		ID:             a.ID,
		Handle:         strings.TrimPrefix(a.Handle, "@"),
		Active:         active,
		Status:         domain.StatusIdle,
		DailyBudget:    budget.Budget(),
		Toggles:        toggles,
		RawToggles:     a.Toggles,
		WeeklyFocusKPI: a.WeeklyFocusKPI,
		Topics:         a.Topics,
		TargetHandles:  domain.NormalizeHandles(a.TargetHandles),
		Schedule:       a.Schedule,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, fallbacks
}

// DefaultConfigPath returns the default config file path (~/.xpilot/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/xpilot.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".xpilot", "config.yaml")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// API keys and tokens can be set in the config file or overridden by
// environment variables. Environment variables take precedence.
func Load(path string) (*Config, error) {
	// Expand ~ in config path.
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	cfg, err := Parse(data, filepath.Ext(resolved))
	if err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", resolved, err)
	}
	return cfg, nil
}

// Parse decodes data in the format implied by ext, applies environment
// overrides and validates the result.
func Parse(data []byte, ext string) (*Config, error) {
	var cfg Config
	switch strings.ToLower(ext) {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON: %w", err)
		}
	}

	cfg.applyEnv()

	// Resolve DataDir default.
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			cfg.DataDir = filepath.Join(home, ".xpilot", "data")
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// applyEnv applies environment variable overrides. Env vars take precedence over config values.
func (c *Config) applyEnv() {
	if v := os.Getenv("XPILOT_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("XPILOT_DB_DSN"); v != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{Driver: "postgres"}
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		c.Clients.Gemini.APIKey = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" && c.Clients.OpenAI != nil {
		c.Clients.OpenAI.APIKey = v
	}
	if v := os.Getenv("X_BEARER_TOKEN"); v != "" {
		c.Clients.X.BearerToken = v
	}
	if v := os.Getenv("BRAVE_API_KEY"); v != "" {
		c.Clients.Search.BraveAPIKey = v
	}
	if v := os.Getenv("SLACK_BOT_TOKEN"); v != "" {
		if c.Notification == nil {
			c.Notification = &NotificationConfig{}
		}
		if c.Notification.Slack == nil {
			c.Notification.Slack = &SlackConfig{}
		}
		c.Notification.Slack.BotToken = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		if c.Redis == nil {
			c.Redis = &RedisConfig{}
		}
		c.Redis.Addr = v
	}
	for id, acct := range c.Clients.X.Accounts {
		if acct.AccessTokenEnv == "" {
			continue
		}
		if v := os.Getenv(acct.AccessTokenEnv); v != "" {
			acct.AccessToken = v
			c.Clients.X.Accounts[id] = acct
		}
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".xpilot", "data")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the SQLite database path.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		if p, err := resolvePath(c.Storage.SQLite.Path); err == nil {
			return p
		}
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "xpilot.db")
}

// AuditLogPath returns the JSONL audit mirror path under the data directory.
func (c *Config) AuditLogPath() string {
	return filepath.Join(c.ResolvedDataDir(), "audit.jsonl")
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	return c.Storage.StorageDriver()
}

func (c *Config) validate() error {
	var errs []error

	switch c.StorageDriverName() {
	case "sqlite":
	case "postgres":
		if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			errs = append(errs, errors.New("storage.postgres.dsn is required (set XPILOT_DB_DSN env var)"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver))
	}

	// The burst window and similarity threshold come from config only.
	if c.Safety.BurstWindowSeconds <= 0 {
		errs = append(errs, errors.New("safety.burst_window_seconds is required"))
	}
	if c.Safety.SimilarityThreshold <= 0 || c.Safety.SimilarityThreshold > 1 {
		errs = append(errs, errors.New("safety.similarity_threshold must be in (0, 1]"))
	}
	if c.Safety.NegativeRateMax < 0 {
		errs = append(errs, errors.New("safety.negative_rate_max must not be negative"))
	}

	if err := validateBudget("budget.default", c.Budget.Default); err != nil {
		errs = append(errs, err)
	}
	for kind := range c.Budget.Rates {
		if !knownAction(kind) {
			errs = append(errs, fmt.Errorf("budget.rates: unknown action %q", kind))
		}
	}

	if !c.Clients.Fake {
		if c.Clients.Gemini.APIKey == "" {
			errs = append(errs, errors.New("clients.gemini.api_key is required (set GEMINI_API_KEY env var)"))
		}
		if c.Clients.Gemini.Model == "" {
			errs = append(errs, errors.New("clients.gemini.model is required"))
		}
		if c.Clients.X.BearerToken == "" {
			errs = append(errs, errors.New("clients.x.bearer_token is required (set X_BEARER_TOKEN env var)"))
		}
		if o := c.Clients.OpenAI; o != nil && o.Model == "" {
			errs = append(errs, errors.New("clients.openai.model is required"))
		}
	}

	if c.Notification != nil && c.Notification.Enabled {
		if c.Notification.Slack == nil && c.Notification.Webhook == nil {
			errs = append(errs, errors.New("notification requires slack or webhook"))
		}
		if s := c.Notification.Slack; s != nil && (s.BotToken == "" || s.Channel == "") {
			errs = append(errs, errors.New("notification.slack needs bot_token and channel"))
		}
		if w := c.Notification.Webhook; w != nil && w.URL == "" {
			errs = append(errs, errors.New("notification.webhook.url is required"))
		}
	}

	if c.Redis != nil && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required when redis is configured"))
	}

	seen := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		if a.ID == "" {
			errs = append(errs, fmt.Errorf("agents[%d].id is required", i))
			continue
		}
		if seen[a.ID] {
			errs = append(errs, fmt.Errorf("agents[%d]: duplicate id %q", i, a.ID))
		}
		seen[a.ID] = true
		if a.DailyBudget.IsZero() && c.Budget.Default.IsZero() {
			errs = append(errs, fmt.Errorf("agents[%d] (%q): daily_budget is required without budget.default", i, a.ID))
		}
		if err := validateBudget(fmt.Sprintf("agents[%d].daily_budget", i), a.DailyBudget); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func validateBudget(field string, b DailyBudgetConfig) error {
	if b.Total < 0 || b.X < 0 || b.LLM < 0 {
		return fmt.Errorf("%s must not be negative", field)
	}
	return nil
}

func knownAction(kind string) bool {
	switch domain.ActionKind(kind) {
	case domain.ActionSearchWeb, domain.ActionSearchX, domain.ActionFetch,
		domain.ActionPost, domain.ActionReply, domain.ActionQuote, domain.ActionLike,
		domain.ActionMetricsConfirmed, domain.ActionMetricsSnapshot,
		domain.ActionGenerate, domain.ActionPlan:
		return true
	}
	return false
}
