package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/OpenNSW/caseflow/internal/auth"
	"github.com/OpenNSW/caseflow/internal/cache"
	"github.com/OpenNSW/caseflow/internal/config"
	"github.com/OpenNSW/caseflow/internal/database"
	"github.com/OpenNSW/caseflow/internal/evidence"
	"github.com/OpenNSW/caseflow/internal/logging"
	"github.com/OpenNSW/caseflow/internal/metrics"
	"github.com/OpenNSW/caseflow/internal/notification"
	"github.com/OpenNSW/caseflow/internal/policy"
	"github.com/OpenNSW/caseflow/internal/sla"
	"github.com/OpenNSW/caseflow/internal/tracing"
	"github.com/OpenNSW/caseflow/internal/workflow/router"
	"github.com/OpenNSW/caseflow/internal/workflow/seed"
	"github.com/OpenNSW/caseflow/internal/workflow/service"
)

// Manager wires the transition engine, its supporting services and the HTTP surface.
type Manager struct {
	cfg          *config.Config
	db           *gorm.DB
	graph        *service.GraphStore
	alerts       *service.AlertStore
	policies     *policy.Provider
	calculator   *sla.Calculator
	slaFile      *sla.FileSource
	dispatcher   *notification.Dispatcher
	publisher    *notification.BrokerPublisher
	orchestrator *service.TransitionOrchestrator
	monitor      *sla.Monitor
	evidence     *evidence.Service
	metrics      *metrics.Recorder
	tokens       *auth.TokenService
	engine       *gin.Engine

	redis          *redis.Client
	tracerShutdown tracing.ShutdownFunc
	cancel         context.CancelFunc
	logger         *slog.Logger
}

// NewManager builds every component from cfg. Nothing runs in the background until Start.
func NewManager(ctx context.Context, cfg *config.Config, db *gorm.DB) (*Manager, error) {
	m := &Manager{
		cfg:     cfg,
		db:      db,
		graph:   service.NewGraphStore(db),
		alerts:  service.NewAlertStore(db),
		metrics: metrics.New(),
		logger:  logging.WithModule("workflow_manager"),
	}

	tracer, err := m.newTracer(ctx)
	if err != nil {
		return nil, err
	}

	m.policies = policy.NewProvider(policy.NewGormRepository(db), m.newPolicyCaches())
	gate := service.NewPermissionGate(m.policies, cfg.Permission.DefaultAllow)
	resolver := service.NewAssignmentResolver(m.policies)

	source := sla.Static(sla.DefaultTables())
	if cfg.SLA.ConfigPath != "" {
		m.slaFile = sla.NewFileSource(cfg.SLA.ConfigPath)
		source = m.slaFile
	}
	m.calculator = sla.NewCalculator(m.graph, source, cfg.SLA.ApproachWindow)

	m.dispatcher = notification.NewDispatcher(notification.NewGormStore(db), notification.Config{
		Workers:   cfg.Notification.Workers,
		QueueSize: cfg.Notification.QueueSize,
		Retry: notification.RetryPolicy{
			MaxAttempts: cfg.Notification.MaxAttempts,
			BaseDelay:   cfg.Notification.BaseDelay,
			Multiplier:  cfg.Notification.Multiplier,
			MaxDelay:    cfg.Notification.MaxDelay,
		},
	})
	m.dispatcher.SetMetrics(m.metrics)
	m.publisher, err = notification.NewPublisherFromConfig(cfg.Broker)
	if err != nil {
		return nil, fmt.Errorf("failed to create notification publisher: %w", err)
	}
	if m.publisher != nil {
		m.dispatcher.SetPublisher(m.publisher)
	}

	driver, err := evidence.NewDriverFromConfig(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to create evidence storage: %w", err)
	}
	m.evidence = evidence.NewService(driver)

	m.orchestrator = service.NewTransitionOrchestrator(m.alerts, m.graph, gate, resolver, m.calculator, m.dispatcher)
	m.orchestrator.SetEvidenceCounter(m.evidence)
	m.orchestrator.SetMetrics(m.metrics)
	m.orchestrator.SetTracer(tracer)

	m.monitor = sla.NewMonitor(m.alerts, m.graph, m.calculator, m.orchestrator, m.dispatcher, sla.MonitorConfig{
		Schedule:     cfg.SLA.SweepSchedule,
		Concurrency:  cfg.SLA.SweepConcurrency,
		BatchSize:    cfg.SLA.BatchSize,
		SystemUserID: cfg.SLA.SystemUserID,
	})
	m.monitor.SetMetrics(m.metrics)

	authMiddleware := auth.HeaderMiddleware()
	if !cfg.Auth.Disabled {
		m.tokens = auth.NewTokenService(cfg.Auth)
		authMiddleware = auth.Middleware(m.tokens)
	} else {
		m.logger.Warn("authentication disabled, trusting the " + auth.UserHeader + " header")
	}

	m.engine = router.NewEngine(router.Options{
		CORS:    cfg.CORS,
		Auth:    authMiddleware,
		Timeout: cfg.Server.RequestTimeout,
		Metrics: m.metrics.Handler(),
		Health:  func() error { return database.HealthCheck(db) },
		Alerts: router.NewAlertRouter(
			m.orchestrator,
			m.alerts,
			m.calculator,
			notification.NewGormStore(db),
			m.evidence,
		),
		Workflows: router.NewWorkflowRouter(m.graph),
	})
	return m, nil
}

func (m *Manager) newTracer(ctx context.Context) (trace.Tracer, error) {
	if !m.cfg.Tracing.Enabled {
		return tracing.NoopTracer(), nil
	}
	tracer, shutdown, err := tracing.NewTracer(ctx, m.cfg.Tracing.ServiceName)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	m.tracerShutdown = shutdown
	return tracer, nil
}

func (m *Manager) newPolicyCaches() policy.Caches {
	c := m.cfg.Cache
	switch c.Backend {
	case "redis":
		m.redis = redis.NewClient(&redis.Options{Addr: c.RedisAddr, Password: c.RedisPassword, DB: c.RedisDB})
		return policy.Caches{
			Documents:  cache.NewRedis[policy.Documents](m.redis, c.RedisPrefix+"docs", c.TTL),
			OrgUnits:   cache.NewRedis[bool](m.redis, c.RedisPrefix+"org", c.TTL),
			Principals: cache.NewRedis[policy.Principal](m.redis, c.RedisPrefix+"principal", c.TTL),
		}
	case "lru":
		return policy.Caches{
			Documents:  cache.NewLRU[policy.Documents](c.Capacity, c.TTL),
			OrgUnits:   cache.NewLRU[bool](c.Capacity, c.TTL),
			Principals: cache.NewLRU[policy.Principal](c.Capacity, c.TTL),
		}
	default:
		return policy.Caches{}
	}
}

// Start launches the notification workers, the SLA table watcher and, when enabled, the SLA
// monitor. Background work stops when Shutdown is called.
func (m *Manager) Start(ctx context.Context) error {
	ctx, m.cancel = context.WithCancel(context.WithoutCancel(ctx))

	m.dispatcher.Start()

	if m.slaFile != nil {
		go func() {
			if err := m.slaFile.Watch(ctx); err != nil {
				m.logger.Error("SLA config watcher stopped", "path", m.cfg.SLA.ConfigPath, "error", err)
			}
		}()
	}

	if m.cfg.SLA.MonitorEnabled {
		if err := m.monitor.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Shutdown stops the monitor, drains pending notifications and releases clients.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}
	m.monitor.Stop(ctx)

	var errs []error
	if err := m.dispatcher.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if m.publisher != nil {
		if err := m.publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close notification publisher: %w", err))
		}
	}
	if m.redis != nil {
		if err := m.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close redis client: %w", err))
		}
	}
	if m.tracerShutdown != nil {
		if err := m.tracerShutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shut down tracer: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Handler returns the HTTP handler of the API.
func (m *Manager) Handler() http.Handler {
	return m.engine
}

// Sweep runs one SLA sweep immediately.
func (m *Manager) Sweep(ctx context.Context) (sla.SweepResult, error) {
	return m.monitor.Sweep(ctx)
}

// Seed applies a seed file and drops every cached policy lookup, including the shared Redis
// entries other instances read.
func (m *Manager) Seed(ctx context.Context, f *seed.File) (seed.Summary, error) {
	sum, err := seed.NewLoader(m.db).Apply(ctx, f)
	if err != nil {
		return sum, err
	}
	m.policies.Invalidate(ctx)
	m.logger.InfoContext(ctx, "policy caches invalidated after seeding")
	return sum, nil
}

// Orchestrator returns the transition orchestrator.
func (m *Manager) Orchestrator() *service.TransitionOrchestrator {
	return m.orchestrator
}

// Tokens returns the token service, or nil when authentication is disabled.
func (m *Manager) Tokens() *auth.TokenService {
	return m.tokens
}
