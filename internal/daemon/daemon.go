package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tutu-network/switchboard/internal/api"
	"github.com/tutu-network/switchboard/internal/app/dispatch"
	"github.com/tutu-network/switchboard/internal/app/orchestrator"
	"github.com/tutu-network/switchboard/internal/app/routing"
	"github.com/tutu-network/switchboard/internal/app/rules"
	"github.com/tutu-network/switchboard/internal/app/sla"
	"github.com/tutu-network/switchboard/internal/domain"
	"github.com/tutu-network/switchboard/internal/health"
	"github.com/tutu-network/switchboard/internal/infra/catalog"
	"github.com/tutu-network/switchboard/internal/infra/dedup"
	"github.com/tutu-network/switchboard/internal/infra/events"
	"github.com/tutu-network/switchboard/internal/infra/memory"
	"github.com/tutu-network/switchboard/internal/infra/metrics"
	"github.com/tutu-network/switchboard/internal/infra/queue"
	"github.com/tutu-network/switchboard/internal/infra/sqlite"
)

// Daemon is the core switchboard runtime. It wires together all services.
type Daemon struct {
	Config Config
	Logger *zap.Logger

	Catalog      *catalog.Catalog
	Queues       *queue.Manager
	Tasks        domain.TaskStore
	Breaches     domain.BreachLog
	Dedup        domain.Deduper
	Hub          *events.Hub
	Scorer       *routing.Scorer
	Dispatcher   *dispatch.Coordinator
	Orchestrator *orchestrator.Orchestrator
	SLA          *sla.Monitor
	Health       *health.Checker
	Server       *api.Server

	closers []func() error
}

// New creates and initializes a Daemon with all services wired.
func New(logger *zap.Logger) (*Daemon, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	return NewWithConfig(cfg, logger)
}

// NewWithConfig creates a Daemon with the given configuration.
func NewWithConfig(cfg Config, logger *zap.Logger) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Daemon{Config: cfg, Logger: logger}

	if err := d.openCatalog(); err != nil {
		return nil, err
	}

	// Queues, seeded from the catalog and kept in step with reloads
	d.Queues = queue.NewManager(queue.Config{
		WaitSamples:       cfg.Queue.WaitSamples,
		DefaultMaxRetries: cfg.Queue.DefaultMaxRetries,
	}, logger)
	d.ensureQueues(d.Catalog.Queues())
	d.Catalog.OnReload(func(f catalog.File) { d.ensureQueues(f.Queues) })

	if err := d.openStore(); err != nil {
		d.Close()
		return nil, err
	}
	if err := d.openDedup(); err != nil {
		d.Close()
		return nil, err
	}

	// Real-time transport
	d.Hub = events.NewHub(cfg.Events.Buffer)
	d.closers = append(d.closers, func() error { d.Hub.Close(); return nil })

	// Dispatch
	d.Scorer = routing.NewScorer(cfg.ScorerConfig(), logger)
	d.Dispatcher = dispatch.New(dispatch.Deps{
		Queues:   d.Queues,
		Scorer:   d.Scorer,
		Tasks:    d.Tasks,
		Routing:  d.Catalog,
		Agents:   d.Catalog,
		Notifier: d.Hub,
	}, logger)

	// Ingestion
	d.Orchestrator = orchestrator.New(orchestrator.Deps{
		Pipelines: d.Catalog,
		RuleSets:  d.Catalog,
		Tasks:     d.Tasks,
		Dedup:     d.Dedup,
		Queues:    d.Queues,
		Engine:    rules.NewEngine(logger),
	}, logger)
	d.Orchestrator.SetDispatchSignal(d.Dispatcher.OnTaskEnqueued)

	// SLA escalation
	d.SLA = sla.NewMonitor(cfg.SLAMonitorConfig(), d.Queues, logger)
	d.SLA.SetBreachLog(d.Breaches)
	d.SLA.OnBreach(func(ev domain.SLABreachEvent) {
		metrics.SLABreaches.WithLabelValues(string(ev.Severity)).Inc()
		d.Hub.Broadcast(events.SLABreach, ev)
	})

	// Health checks
	d.Health = health.NewChecker(parseDuration(cfg.Telemetry.HealthInterval, 30*time.Second), logger,
		health.Ping("task_store", d.Tasks),
		health.Ping("dedup", d.Dedup),
	)
	if cfg.Store.Driver == "sqlite" {
		d.Health.Add(health.DataDir(cfg.Store.Dir))
	}
	if cfg.SLA.Enabled {
		d.Health.Add(health.Running("sla_monitor", d.SLA.Running))
	}

	// API server
	d.Server = api.NewServer(api.Deps{
		Orchestrator: d.Orchestrator,
		Queues:       d.Queues,
		Tasks:        d.Tasks,
		SLA:          d.SLA,
		Breaches:     d.Breaches,
		Dispatcher:   d.Dispatcher,
		Hub:          d.Hub,
		Health:       d.Health,
		RuleSets:     d.Catalog,
	}, logger)
	if cfg.Telemetry.Prometheus {
		d.Server.EnableMetrics()
	}

	return d, nil
}

func (d *Daemon) openCatalog() error {
	path := d.Config.Catalog.Path
	if path == "" {
		d.Catalog = catalog.New(d.Logger)
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		d.Logger.Warn("catalog file missing, starting with an empty catalog",
			zap.String("path", path))
		d.Catalog = catalog.New(d.Logger)
		return nil
	}
	cat, err := catalog.Load(path, d.Logger)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	d.Catalog = cat
	return nil
}

func (d *Daemon) ensureQueues(queues []domain.QueueConfig) {
	for _, q := range queues {
		d.Queues.EnsureQueue(q.ID)
	}
}

func (d *Daemon) openStore() error {
	switch d.Config.Store.Driver {
	case "sqlite":
		db, err := sqlite.Open(d.Config.Store.Dir)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		d.Tasks, d.Breaches = db, db
		d.closers = append(d.closers, db.Close)
	default:
		d.Tasks = memory.NewTaskStore()
		d.Breaches = memory.NewBreachLog(0)
	}
	d.Logger.Info("task store ready", zap.String("driver", d.Config.Store.Driver))
	return nil
}

func (d *Daemon) openDedup() error {
	switch d.Config.Dedup.Driver {
	case "redis":
		c := d.Config.Dedup
		r, err := dedup.NewRedis(dedup.RedisConfig{
			Addr:     c.Addr,
			Password: c.Password,
			DB:       c.DB,
			Prefix:   c.Prefix,
			TTL:      parseDuration(c.TTL, 0),
		}, d.Logger)
		if err != nil {
			return fmt.Errorf("connect dedup redis: %w", err)
		}
		d.Dedup = dedup.NewGuard(r, dedup.BreakerConfig{
			FailureThreshold: c.BreakerThreshold,
			ResetTimeout:     parseDuration(c.BreakerReset, 30*time.Second),
		}, d.Logger)
		d.closers = append(d.closers, r.Close)
	default:
		d.Dedup = dedup.NewMemory()
	}
	return nil
}

// ─── Lifecycle ──────────────────────────────────────────────────────────────

// Addr returns the configured listen address.
func (d *Daemon) Addr() string {
	return net.JoinHostPort(d.Config.API.Host, fmt.Sprint(d.Config.API.Port))
}

// Serve listens on the configured address and blocks until ctx is cancelled
// or a component fails.
func (d *Daemon) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", d.Addr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", d.Addr(), err)
	}
	return d.ServeListener(ctx, ln)
}

// ServeListener runs the HTTP server on ln together with the SLA monitor,
// catalog watcher, health checker and gauge publisher. All of them stop
// when ctx is cancelled or any of them fails.
func (d *Daemon) ServeListener(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	httpServer := &http.Server{
		Handler:           d.Server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	g.Go(func() error {
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if d.Config.SLA.Enabled {
		g.Go(func() error { return d.SLA.Run(gctx) })
	}
	if d.Config.Catalog.Watch {
		g.Go(func() error { return d.Catalog.Watch(gctx) })
	}
	g.Go(func() error { return d.Health.Run(gctx) })
	g.Go(func() error {
		d.publishGauges(gctx, parseDuration(d.Config.Telemetry.GaugeInterval, 5*time.Second))
		return nil
	})

	d.Logger.Info("switchboard serving",
		zap.String("addr", ln.Addr().String()),
		zap.String("store", d.Config.Store.Driver),
		zap.String("dedup", d.Config.Dedup.Driver),
		zap.String("catalog", d.Catalog.Path()),
		zap.Bool("sla", d.Config.SLA.Enabled),
		zap.Bool("metrics", d.Config.Telemetry.Prometheus),
	)

	err := g.Wait()
	d.Logger.Info("switchboard stopped", zap.Error(err))
	return err
}

// publishGauges refreshes queue gauges every interval.
func (d *Daemon) publishGauges(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d.PublishGauges()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// PublishGauges writes current queue depth, oldest age and DLQ depth.
func (d *Daemon) PublishGauges() {
	for _, st := range d.Queues.AllStats() {
		metrics.QueueDepth.WithLabelValues(st.QueueID).Set(float64(st.Depth))
		metrics.QueueOldestAge.WithLabelValues(st.QueueID).Set(st.OldestAge.Seconds())
	}
	metrics.DLQDepth.Set(float64(len(d.Queues.ListDLQ())))
}

// Close shuts down all daemon resources in reverse order of opening.
func (d *Daemon) Close() {
	if d.SLA != nil {
		d.SLA.Stop()
	}
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			d.Logger.Warn("close resource", zap.Error(err))
		}
	}
	d.closers = nil
	_ = d.Logger.Sync()
}
