package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jkaninda/xpilot/internal/domain"
)

const sampleYAML = `
data_dir: /tmp/xpilot-test
scheduler:
  tick_interval_seconds: 10
  max_concurrent: 2
budget:
  default: {total: 20, x: 12, llm: 8}
  rates:
    post: {x: 2}
safety:
  burst_window_seconds: 3600
  similarity_threshold: 0.85
clients:
  fake: true
  x:
    accounts:
      acct-1:
        user_id: "42"
        access_token_env: XPILOT_TEST_ACCT1_TOKEN
agents:
  - id: acct-1
    handle: "@builder"
    weekly_focus_kpi: impressions
    target_handles: ["@Gopher", "gopher", " "]
    toggles:
      auto_post: true
      posts_per_day: 4
      web_fetch_max: 500
  - id: acct-2
    handle: gopher
    active: false
    daily_budget: {total: 5, x: 3, llm: 2}
    schedule: "0 9 * * *"
`

func parseYAML(t *testing.T, s string) *Config {
	t.Helper()
	cfg, err := Parse([]byte(s), ".yaml")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return cfg
}

// --- Parse ---

func TestParse_YAML(t *testing.T) {
	t.Setenv("XPILOT_TEST_ACCT1_TOKEN", "token-from-env")
	cfg := parseYAML(t, sampleYAML)

	if cfg.DataDir != "/tmp/xpilot-test" {
		t.Errorf("data_dir = %q", cfg.DataDir)
	}
	if got := cfg.Scheduler.TickInterval(); got != 10*time.Second {
		t.Errorf("tick interval = %v, want 10s", got)
	}
	if got := cfg.Scheduler.Concurrency(); got != 2 {
		t.Errorf("concurrency = %d, want 2", got)
	}
	if got := cfg.Clients.X.Accounts["acct-1"].AccessToken; got != "token-from-env" {
		t.Errorf("access token = %q, want value from env", got)
	}
	if cfg.Budget.Rates["post"].X != 2 {
		t.Errorf("post rate = %+v", cfg.Budget.Rates["post"])
	}
	if len(cfg.Agents) != 2 {
		t.Fatalf("agents = %d, want 2", len(cfg.Agents))
	}
}

func TestParse_JSON(t *testing.T) {
	cfg, err := Parse([]byte(`{"safety":{"burst_window_seconds":60,"similarity_threshold":1},"clients":{"fake":true}}`), ".json")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.StorageDriverName() != "sqlite" {
		t.Errorf("driver = %q, want sqlite", cfg.StorageDriverName())
	}
}

func TestParse_EnvOverrides(t *testing.T) {
	t.Setenv("XPILOT_DATA_DIR", "/var/lib/xpilot")
	t.Setenv("XPILOT_DB_DSN", "postgres://u:p@db/xpilot")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("GEMINI_API_KEY", "g-key")
	t.Setenv("X_BEARER_TOKEN", "x-bearer")

	cfg := parseYAML(t, `
safety: {burst_window_seconds: 60, similarity_threshold: 0.9}
clients:
  gemini: {model: gemini-2.5-flash}
`)
	if cfg.DataDir != "/var/lib/xpilot" {
		t.Errorf("data_dir = %q", cfg.DataDir)
	}
	if cfg.StorageDriverName() != "postgres" || cfg.Storage.Postgres.DSN != "postgres://u:p@db/xpilot" {
		t.Errorf("storage = %+v, want postgres with env DSN", cfg.Storage)
	}
	if cfg.Redis == nil || cfg.Redis.Addr != "redis:6379" || cfg.Redis.KeyPrefix() != "xpilot:run:" {
		t.Errorf("redis = %+v", cfg.Redis)
	}
	if cfg.Clients.Gemini.APIKey != "g-key" || cfg.Clients.X.BearerToken != "x-bearer" {
		t.Errorf("clients = %+v", cfg.Clients)
	}
}

func TestParse_ValidationErrors(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"missing burst window", `
safety: {similarity_threshold: 0.9}
clients: {fake: true}`, "burst_window_seconds"},
		{"similarity out of range", `
safety: {burst_window_seconds: 60, similarity_threshold: 1.5}
clients: {fake: true}`, "similarity_threshold"},
		{"real clients without keys", `
safety: {burst_window_seconds: 60, similarity_threshold: 0.9}`, "clients.gemini.api_key"},
		{"unknown driver", `
storage: {driver: mysql}
safety: {burst_window_seconds: 60, similarity_threshold: 0.9}
clients: {fake: true}`, "mysql"},
		{"unknown rate", `
budget: {rates: {teleport: {x: 1}}}
safety: {burst_window_seconds: 60, similarity_threshold: 0.9}
clients: {fake: true}`, "teleport"},
		{"duplicate agent", `
budget: {default: {total: 1}}
safety: {burst_window_seconds: 60, similarity_threshold: 0.9}
clients: {fake: true}
agents: [{id: a}, {id: a}]`, "duplicate id"},
		{"agent without budget", `
safety: {burst_window_seconds: 60, similarity_threshold: 0.9}
clients: {fake: true}
agents: [{id: a}]`, "daily_budget is required"},
		{"notification without sender", `
safety: {burst_window_seconds: 60, similarity_threshold: 0.9}
clients: {fake: true}
notification: {enabled: true}`, "slack or webhook"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			for _, k := range []string{"GEMINI_API_KEY", "X_BEARER_TOKEN", "XPILOT_DB_DSN", "SLACK_BOT_TOKEN", "REDIS_ADDR"} {
				t.Setenv(k, "")
			}
			_, err := Parse([]byte(c.yaml), ".yml")
			if err == nil {
				t.Fatal("Parse succeeded, want error")
			}
			if !strings.Contains(err.Error(), c.want) {
				t.Errorf("err = %v, want mention of %q", err, c.want)
			}
		})
	}
}

func TestLoad_ReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.DatabasePath(); got != filepath.Join("/tmp/xpilot-test", "xpilot.db") {
		t.Errorf("database path = %q", got)
	}
	if got := cfg.AuditLogPath(); got != filepath.Join("/tmp/xpilot-test", "audit.jsonl") {
		t.Errorf("audit log path = %q", got)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load of missing file succeeded")
	}
}

func TestLoad_ExampleConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "xpilot.example.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Agents) != 1 || cfg.Agents[0].ID != "acct-1" {
		t.Errorf("agents = %+v", cfg.Agents)
	}
	if cfg.Safety.BurstWindow() != 10*time.Minute {
		t.Errorf("burst window = %v, want 10m", cfg.Safety.BurstWindow())
	}
	if cfg.HTTP.Addr() != ":8080" {
		t.Errorf("http addr = %q", cfg.HTTP.Addr())
	}
}

// --- Accessors ---

func TestAccessorDefaults(t *testing.T) {
	var s *SchedulerConfig
	if s.TickInterval() != 30*time.Second || s.Concurrency() != 4 || s.RetryAttempts() != 3 {
		t.Errorf("scheduler defaults = %v %d %d", s.TickInterval(), s.Concurrency(), s.RetryAttempts())
	}
	if s.ReconcileInterval() != time.Hour {
		t.Errorf("reconcile interval = %v, want 1h", s.ReconcileInterval())
	}
	if got := (&SchedulerConfig{ReconcileEveryMinute: -1}).ReconcileInterval(); got != 0 {
		t.Errorf("disabled reconcile interval = %v, want 0", got)
	}
	var k *KnowledgeConfig
	if k.Threshold() != 0.7 || k.Recall() != 5 {
		t.Errorf("knowledge defaults = %v %d", k.Threshold(), k.Recall())
	}
	var h *HTTPConfig
	if h.Addr() != ":8080" {
		t.Errorf("http addr = %q", h.Addr())
	}
	var m *MetricsConfig
	if m.MetricsPath() != "/metrics" {
		t.Errorf("metrics path = %q", m.MetricsPath())
	}
	if got := (SafetyConfig{}).Cooldown(); got != time.Hour {
		t.Errorf("cooldown = %v, want 1h", got)
	}
}

// --- Agents ---

func TestAgentConfig_Agent(t *testing.T) {
	cfg := parseYAML(t, sampleYAML)
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	a, fallbacks := cfg.Agents[0].Agent(cfg.Budget.Default, now)
	if a.Handle != "builder" {
		t.Errorf("handle = %q, want @ stripped", a.Handle)
	}
	if !a.Active || a.Status != domain.StatusIdle {
		t.Errorf("agent = active %v status %s, want active IDLE", a.Active, a.Status)
	}
	if a.DailyBudget != (domain.DailyBudget{Total: 20, X: 12, LLM: 8}) {
		t.Errorf("budget = %+v, want fleet default", a.DailyBudget)
	}
	if len(a.TargetHandles) != 1 || a.TargetHandles[0] != "gopher" {
		t.Errorf("target handles = %q, want [gopher]", a.TargetHandles)
	}
	if !a.Toggles.AutoPost || a.Toggles.PostsPerDay != 4 {
		t.Errorf("toggles = %+v", a.Toggles)
	}
	if len(fallbacks) != 1 || fallbacks[0].Key != "web_fetch_max" {
		t.Errorf("fallbacks = %+v, want web_fetch_max", fallbacks)
	}

	b, _ := cfg.Agents[1].Agent(cfg.Budget.Default, now)
	if b.Active {
		t.Error("acct-2 active, want inactive")
	}
	if b.DailyBudget.Total != 5 || b.Schedule != "0 9 * * *" {
		t.Errorf("acct-2 = %+v", b)
	}
}
