package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jkaninda/xpilot/internal/audit"
	"github.com/jkaninda/xpilot/internal/budget"
	"github.com/jkaninda/xpilot/internal/clients"
	"github.com/jkaninda/xpilot/internal/clients/fake"
	"github.com/jkaninda/xpilot/internal/clients/websearch"
	"github.com/jkaninda/xpilot/internal/clients/xapi"
	"github.com/jkaninda/xpilot/internal/config"
	"github.com/jkaninda/xpilot/internal/domain"
	"github.com/jkaninda/xpilot/internal/knowledge"
	"github.com/jkaninda/xpilot/internal/llm"
	"github.com/jkaninda/xpilot/internal/llm/gemini"
	"github.com/jkaninda/xpilot/internal/llm/openai"
	"github.com/jkaninda/xpilot/internal/notification"
	"github.com/jkaninda/xpilot/internal/observability"
	"github.com/jkaninda/xpilot/internal/planner"
	"github.com/jkaninda/xpilot/internal/ratelimit"
	"github.com/jkaninda/xpilot/internal/retry"
	"github.com/jkaninda/xpilot/internal/runner"
	"github.com/jkaninda/xpilot/internal/safety"
	"github.com/jkaninda/xpilot/internal/scheduler"
	"github.com/jkaninda/xpilot/internal/storage"
	pgstore "github.com/jkaninda/xpilot/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/xpilot/internal/storage/sqlite"
)

// fakeResponses make the in-memory LLM produce parseable answers in dry runs.
var fakeResponses = map[string]string{
	clients.TaskAnalyze: `[{"hypothesis":"short questions lift replies","effect_size":0.6,"verification_count":1}]`,
	clients.TaskPlan:    `["one concrete tip with an example"]`,
}

// App holds every initialized subsystem shared by serve and run-once.
// Built once by initApp, torn down by Cleanup.
type App struct {
	Config     *config.Config
	Logger     *slog.Logger
	Store      storage.Store
	Obs        *observability.Observability
	X          clients.XClient
	Search     clients.SearchClient
	LLM        clients.LLMClient
	Budget     *budget.Guard
	Gate       *safety.Gate
	Knowledge  *knowledge.Store
	Audit      storage.AuditStore
	Runner     *runner.Runner
	Scheduler  *scheduler.Scheduler
	Dispatcher *notification.Dispatcher // nil = notifications disabled.

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (a *App) Cleanup() {
	for i := len(a.cleanups) - 1; i >= 0; i-- {
		a.cleanups[i]()
	}
}

func (a *App) addCleanup(fn func()) {
	a.cleanups = append(a.cleanups, fn)
}

func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// initApp wires storage, clients, guards, the runner and the scheduler.
// Callers must call app.Cleanup() when done.
func initApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	app := &App{Config: cfg, Logger: logger}

	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}
	logger.Debug("data directory initialized", slog.String("path", dataDir))

	// Notifications come first so anomaly alerts can use them.
	app.Dispatcher = newDispatcher(cfg.Notification, logger)

	// Observability.
	if cfg.Observability != nil && cfg.Observability.Tracing != nil {
		cfg.Observability.Tracing.ServiceVersion = version
	}
	obs, err := observability.New(ctx, cfg.Observability, logger, func(op string, rate float64) {
		if app.Dispatcher == nil {
			return
		}
		_ = app.Dispatcher.Notify(context.WithoutCancel(ctx), &notification.Message{
			Subject: "External call error rate high",
			Body:    fmt.Sprintf("%s is failing %.0f%% of calls.", op, rate*100),
			Metadata: map[string]string{
				"operation": op,
				"rate":      strconv.FormatFloat(rate, 'f', 2, 64),
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	app.Obs = obs
	app.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	})
	logger.Debug("observability initialized",
		slog.Bool("metrics", obs.Metrics != nil),
		slog.Bool("tracing", obs.Tracer != nil),
		slog.Bool("anomaly", obs.Anomaly != nil),
	)
	metrics, tracing := obs.MetricsOrNil(), obs.TracerOrNil()

	// Storage (SQLite default, PostgreSQL optional).
	store, err := initStore(cfg, logger)
	if err != nil {
		app.Cleanup()
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	app.Store = store
	app.addCleanup(func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	})
	if err := store.Migrate(ctx); err != nil {
		app.Cleanup()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	if health := healthConfig(cfg); health.IncludeDB {
		obs.Health.AddCheck("storage", store.Ping)
	}

	// Audit log, mirrored to a JSONL file.
	fileLog, err := audit.OpenFile(cfg.AuditLogPath(), logger)
	if err != nil {
		app.Cleanup()
		return nil, err
	}
	app.addCleanup(func() { _ = fileLog.Close() })
	app.Audit = audit.Mirror(store.Audit(), fileLog, logger)

	// Budget guard and safety gate.
	app.Budget = budget.New(store.Ledger(), costTable(cfg.Budget), logger, budget.WithMetrics(metrics))
	gate, err := safety.New(safetyConfig(cfg.Safety), metrics, logger)
	if err != nil {
		app.Cleanup()
		return nil, fmt.Errorf("initializing safety gate: %w", err)
	}
	app.Gate = gate

	// Shared knowledge pool.
	know, err := knowledge.New(store.Knowledge(), cfg.Knowledge.Threshold(), logger)
	if err != nil {
		app.Cleanup()
		return nil, err
	}
	app.addCleanup(func() { _ = know.Close() })
	if err := know.Load(ctx); err != nil {
		app.Cleanup()
		return nil, fmt.Errorf("loading knowledge: %w", err)
	}
	app.Knowledge = know

	// External clients.
	if err := initClients(app, metrics, tracing); err != nil {
		app.Cleanup()
		return nil, err
	}

	retryPolicy := retryPolicy(cfg.Retry)
	app.Runner = runner.New(runner.Deps{
		X:         app.X,
		Search:    app.Search,
		LLM:       app.LLM,
		Budget:    app.Budget,
		Gate:      app.Gate,
		Knowledge: app.Knowledge,
		Posts:     store.Posts(),
		Metrics:   store.Metrics(),
		Audit:     app.Audit,
		Targets:   store.Targets(),
		Collector: metrics,
		Tracing:   tracing,
		Logger:    logger,
	}, runnerConfig(cfg, retryPolicy))

	// Scheduler.
	deps := scheduler.Deps{
		Agents:         store.Agents(),
		Audit:          app.Audit,
		Posts:          store.Posts(),
		History:        store.Metrics(),
		Runner:         app.Runner,
		X:              app.X,
		Budget:         app.Budget,
		Gate:           app.Gate,
		Retry:          retryPolicy,
		Logger:         logger,
		SafetyCooldown: cfg.Safety.Cooldown(),
	}
	if app.Dispatcher != nil {
		deps.Notifier = app.Dispatcher
	}
	if metrics != nil {
		deps.Metrics = scheduler.NewMetrics(metrics.Registry)
	}
	if cfg.Redis != nil {
		rc := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		app.addCleanup(func() { _ = rc.Close() })
		lock := scheduler.NewRedisRunLock(rc, cfg.Redis.KeyPrefix())
		deps.Lock = lock
		if healthConfig(cfg).IncludeRedis {
			obs.Health.AddCheck("redis", lock.Ping)
		}
		logger.Debug("redis run lock enabled", slog.String("addr", cfg.Redis.Addr))
	}

	now := time.Now().UTC()
	seeds := make([]*domain.Agent, 0, len(cfg.Agents))
	for _, ac := range cfg.Agents {
		a, fallbacks := ac.Agent(cfg.Budget.Default, now)
		for _, f := range fallbacks {
			logger.Warn("feature_toggle_fallback",
				slog.String("account_id", ac.ID),
				slog.String("key", f.Key),
				slog.String("reason", f.Reason),
				slog.String("raw", f.Raw),
				slog.Any("default", f.Default),
			)
		}
		seeds = append(seeds, a)
	}
	sched, err := scheduler.New(ctx, deps, cfg.Scheduler, seeds)
	if err != nil {
		app.Cleanup()
		return nil, fmt.Errorf("initializing scheduler: %w", err)
	}
	app.Scheduler = sched
	app.addCleanup(sched.Shutdown)

	seedGate(ctx, app, now)
	return app, nil
}

// seedGate loads recent published posts so burst and near-duplicate checks
// survive a restart.
func seedGate(ctx context.Context, app *App, now time.Time) {
	window := max(app.Config.Safety.BurstWindow(), 7*24*time.Hour)
	for _, a := range app.Scheduler.ListAgents() {
		posts, err := app.Store.Posts().List(ctx, storage.PostFilter{
			AccountID: a.ID,
			Since:     now.Add(-window),
			Posted:    true,
		})
		if err != nil {
			app.Logger.Warn("failed to seed safety history",
				slog.String("account_id", a.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		app.Gate.Seed(a.ID, posts)
	}
}

// initStore creates the storage backend from config.
func initStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch driver := cfg.StorageDriverName(); driver {
	case "postgres":
		pg := cfg.Storage.Postgres
		db, err := pgstore.Open(pgstore.Config{
			DSN:             pg.DSN,
			MaxOpenConns:    pg.MaxOpenConns,
			MaxIdleConns:    pg.MaxIdleConns,
			ConnMaxLifetime: time.Duration(pg.ConnMaxLifetimeS) * time.Second,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("opening postgres: %w", err)
		}
		return pgstore.NewStore(db), nil
	case "sqlite":
		journalMode := "wal"
		if cfg.Storage != nil && cfg.Storage.SQLite != nil && cfg.Storage.SQLite.JournalMode != "" {
			journalMode = cfg.Storage.SQLite.JournalMode
		}
		return sqlitestore.Open(sqlitestore.Config{
			Path:        cfg.DatabasePath(),
			JournalMode: journalMode,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

// initClients builds the X, research and LLM clients. Every client is
// wrapped for metrics and tracing; X scheduling always goes to the local
// posting queue.
func initClients(app *App, metrics *observability.MetricsCollector, tracing *observability.TracerSetup) error {
	cfg, logger := app.Config, app.Logger
	var anomaly *observability.AnomalyDetector
	if app.Obs != nil {
		anomaly = app.Obs.Anomaly
	}

	var (
		x      clients.XClient
		search clients.SearchClient
		model  clients.LLMClient
	)
	if cfg.Clients.Fake {
		fx := fake.NewX()
		web := &fake.Web{}
		x = fx
		search = clients.Search{Web: web, Fetch: web, X: fx}
		model = &fake.LLM{Responses: fakeResponses}
		logger.Info("using in-memory clients")
	} else {
		xc := newXClient(cfg.Clients.X, logger)
		x = xc
		s := clients.Search{
			Fetch: websearch.NewReader(cfg.Clients.Search.MaxDocChars),
			X:     xc,
		}
		if key := cfg.Clients.Search.BraveAPIKey; key != "" {
			s.Web = websearch.NewBrave(key, cfg.Clients.Search.Endpoint, cfg.Clients.Search.Count, logger)
		} else {
			logger.Warn("web search disabled (no brave_api_key)")
		}
		search = s
		model = llm.NewClient(newProvider(cfg.Clients, logger), cfg.Clients.Gemini.Models, logger)
	}

	app.X = clients.LocalScheduling{
		XClient: observability.NewInstrumentedX(x, metrics, tracing, anomaly),
		Queue:   app.Store.Posts(),
	}
	app.Search = observability.NewInstrumentedSearch(search, metrics, tracing, anomaly)
	app.LLM = observability.NewInstrumentedLLM(model, metrics, tracing, anomaly)
	return nil
}

func newXClient(cfg config.XConfig, logger *slog.Logger) *xapi.Client {
	creds := make(map[string]xapi.Credentials, len(cfg.Accounts))
	for id, a := range cfg.Accounts {
		creds[id] = xapi.Credentials{UserID: a.UserID, AccessToken: a.AccessToken, AppBearer: a.AppBearer}
	}
	rules := make(map[string]ratelimit.Rule, len(cfg.Endpoints))
	for endpoint, r := range cfg.Endpoints {
		rules[endpoint] = ratelimit.Rule{PerMinute: r.RequestsPerMinute, Burst: r.BurstSize}
	}
	opts := []xapi.Option{
		xapi.WithLimiter(ratelimit.New(ratelimit.Rule{
			PerMinute: cfg.RateLimit.RequestsPerMinute,
			Burst:     cfg.RateLimit.BurstSize,
		}, rules)),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, xapi.WithBaseURL(cfg.BaseURL))
	}
	return xapi.NewClient(cfg.BearerToken, creds, logger, opts...)
}

// newProvider builds Gemini followed by any fallback models and the
// optional OpenAI-compatible provider.
func newProvider(cfg config.ClientsConfig, logger *slog.Logger) llm.Provider {
	var gopts []gemini.Option
	if cfg.Gemini.BaseURL != "" {
		gopts = append(gopts, gemini.WithBaseURL(cfg.Gemini.BaseURL))
	}
	providers := []llm.Provider{gemini.NewClient(cfg.Gemini.APIKey, cfg.Gemini.Model, logger, gopts...)}
	for _, m := range cfg.Gemini.Fallback {
		providers = append(providers, gemini.NewClient(cfg.Gemini.APIKey, m, logger, gopts...))
	}
	if o := cfg.OpenAI; o != nil {
		var oopts []openai.Option
		if o.BaseURL != "" {
			oopts = append(oopts, openai.WithBaseURL(o.BaseURL))
		}
		providers = append(providers, openai.NewClient(o.APIKey, o.Model, logger, oopts...))
	}
	if len(providers) == 1 {
		return providers[0]
	}
	return llm.NewFallbackProvider(providers, logger)
}

func newDispatcher(cfg *config.NotificationConfig, logger *slog.Logger) *notification.Dispatcher {
	if cfg == nil || !cfg.Enabled {
		return nil
	}
	d := notification.NewDispatcher(logger)
	if s := cfg.Slack; s != nil {
		d.RegisterSender(notification.NewSlackSender(s.BotToken, s.Channel, logger))
	}
	if w := cfg.Webhook; w != nil {
		d.RegisterSender(notification.NewWebhookSender(w.URL, w.Headers, logger))
	}
	return d
}

func healthConfig(cfg *config.Config) config.HealthConfig {
	if cfg.Observability == nil || cfg.Observability.Health == nil {
		return config.HealthConfig{IncludeDB: true}
	}
	return *cfg.Observability.Health
}

func costTable(cfg config.BudgetConfig) budget.CostTable {
	override := budget.CostTable{
		Rates:         make(map[domain.ActionKind]budget.Rate, len(cfg.Rates)),
		LLMPricePer1K: cfg.LLMPricePer1K,
	}
	for kind, r := range cfg.Rates {
		override.Rates[domain.ActionKind(kind)] = budget.Rate{X: r.X, PerItemX: r.PerItemX, LLM: r.LLM, Tokens: r.Tokens}
	}
	return budget.DefaultCostTable().Merge(override)
}

func safetyConfig(cfg config.SafetyConfig) safety.Config {
	return safety.Config{
		BurstMax:            cfg.BurstMaxOrDefault(),
		BurstWindow:         cfg.BurstWindow(),
		SimilarityThreshold: cfg.SimilarityThreshold,
		ShingleSize:         cfg.ShingleSize,
		HistorySize:         cfg.HistorySize,
		NegativeRateMax:     cfg.NegativeRateMax,
		NegativeMinImpr:     cfg.NegativeMinImpr,
	}
}

func retryPolicy(cfg *config.RetryConfig) retry.Policy {
	if cfg == nil {
		return retry.DefaultPolicy()
	}
	return retry.Policy{
		MaxAttempts:     cfg.MaxAttempts,
		CallTimeout:     time.Duration(cfg.CallTimeoutMS) * time.Millisecond,
		InitialInterval: time.Duration(cfg.InitialIntervalMS) * time.Millisecond,
		MaxInterval:     time.Duration(cfg.MaxIntervalMS) * time.Millisecond,
		Multiplier:      cfg.Multiplier,
	}
}

func runnerConfig(cfg *config.Config, policy retry.Policy) runner.Config {
	rc := runner.Config{
		Retry:            policy,
		Planner:          planner.DefaultConfig(),
		RecallK:          cfg.Knowledge.Recall(),
		ExperimentWindow: cfg.Runner.ExperimentWindow(),
		SafetyCooldown:   cfg.Safety.Cooldown(),
	}
	if r := cfg.Runner; r != nil {
		rc.Model = r.Model
		rc.MetricsBatch = r.MetricsBatch
		rc.SummarizeMinChars = r.SummarizeMinChars
		rc.TargetsPerHandle = r.TargetsPerHandle
		if r.ThreadRatio > 0 {
			rc.Planner.ThreadRatio = r.ThreadRatio
		}
		if r.ReplyRatio > 0 {
			rc.Planner.ReplyRatio = r.ReplyRatio
		}
		if r.QuoteRatio > 0 {
			rc.Planner.QuoteRatio = r.QuoteRatio
		}
		if r.WindowStartHour > 0 {
			rc.Planner.WindowStart = time.Duration(r.WindowStartHour) * time.Hour
		}
		if r.WindowLengthHours > 0 {
			rc.Planner.WindowLength = time.Duration(r.WindowLengthHours) * time.Hour
		}
	}
	return rc
}
