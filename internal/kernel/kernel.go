// Package kernel builds every G3 service from configuration and owns their
// lifecycle: model clients, sandbox, storage, the orchestrator and the HTTP
// API.
package kernel

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"g3/pkg/agent"
	"g3/pkg/agents"
	"g3/pkg/api"
	"g3/pkg/config"
	"g3/pkg/eventlog"
	"g3/pkg/exec"
	"g3/pkg/logx"
	"g3/pkg/metrics"
	"g3/pkg/orchestrator"
	"g3/pkg/persistence"
	"g3/pkg/planning"
	"g3/pkg/router"
	"g3/pkg/sandbox"
)

// Option customises kernel construction, mostly for tests.
type Option func(*options)

type options struct {
	executor exec.Executor
	clients  agent.ClientSource
	recorder metrics.Recorder
	quiet    bool
}

// WithExecutor replaces the configured sandbox executor.
func WithExecutor(e exec.Executor) Option {
	return func(o *options) { o.executor = e }
}

// WithClients replaces the model client factory.
func WithClients(c agent.ClientSource) Option {
	return func(o *options) { o.clients = c }
}

// WithRecorder replaces the Prometheus recorder chosen from configuration.
func WithRecorder(r metrics.Recorder) Option {
	return func(o *options) { o.recorder = r }
}

// Quiet disables HTTP request logging.
func Quiet() Option {
	return func(o *options) { o.quiet = true }
}

// Kernel holds the wired services. Fields are concrete types.
type Kernel struct {
	Config       *config.Config
	Logger       *logx.Logger
	Store        *persistence.Store
	Clients      agent.ClientSource
	Router       *router.Router
	Executor     exec.Executor
	Sandbox      *sandbox.Service
	Planning     *planning.Store
	Events       *eventlog.Writer
	Usage        *metrics.InternalRecorder
	Orchestrator *orchestrator.Orchestrator
	API          *api.Server

	running bool
}

// NewKernel wires all services but starts none of them.
func NewKernel(ctx context.Context, cfg *config.Config, opts ...Option) (*Kernel, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	k := &Kernel{Config: cfg, Logger: logx.NewLogger("kernel")}
	if err := k.initializeServices(ctx, &o); err != nil {
		k.closeResources()
		return nil, fmt.Errorf("failed to initialize kernel services: %w", err)
	}
	return k, nil
}

func (k *Kernel) initializeServices(ctx context.Context, o *options) error {
	cfg := k.Config

	var promHandler http.Handler
	recorder := o.recorder
	if recorder == nil {
		recorder = metrics.Nop()
		if cfg.Metrics.Enabled {
			recorder = metrics.Default()
			promHandler = promhttp.Handler()
		}
	}
	k.Usage = metrics.NewInternalRecorder(recorder)

	if err := k.initializeDatabase(); err != nil {
		return err
	}
	k.Planning = planning.NewStore(k.Store)

	events, err := eventlog.NewWriter(cfg.Logs.Dir)
	if err != nil {
		return fmt.Errorf("failed to open event log: %w", err)
	}
	k.Events = events

	k.Clients = o.clients
	if k.Clients == nil {
		k.Clients = agent.NewLLMClientFactory(cfg, agent.WithRecorder(k.Usage))
	}
	k.Router = router.New(cfg)

	k.Executor = o.executor
	if k.Executor == nil {
		k.Executor, err = exec.NewFromConfig(ctx, &cfg.Sandbox)
		if err != nil {
			return fmt.Errorf("failed to create sandbox executor: %w", err)
		}
	}
	k.Sandbox = sandbox.NewService(k.Executor, &cfg.Sandbox, k.Usage)

	deps := agents.DepsFromConfig(cfg, k.Router, k.Clients, k.Planning)
	coach := agents.NewCoach(deps).WithClassifier(agents.NewPatternClassifier(k.Sandbox.Manifests()))

	k.Orchestrator = orchestrator.New(orchestrator.Deps{
		Repo:      k.Store,
		Architect: agents.NewArchitect(deps),
		Coder:     agents.NewCoder(deps),
		Coach:     coach,
		Validator: k.Sandbox,
		Planning:  k.Planning,
		Metrics:   k.Usage,
		Events:    k.Events.Sink(),
		Reaper:    k.Sandbox,
	}, orchestrator.OptionsFromConfig(cfg))

	k.API = api.NewServer(k.Orchestrator, api.Options{
		Addr:      cfg.Server.Addr,
		Heartbeat: time.Duration(cfg.Server.HeartbeatSeconds) * time.Second,
		Metrics:   promHandler,
		Quiet:     o.quiet,
	})

	k.Logger.Info("Kernel services initialized (executor=%s, workers=%d)", k.Executor.Name(), cfg.Orchestrator.WorkerPoolSize)
	return nil
}

func (k *Kernel) initializeDatabase() error {
	dbPath := k.Config.Storage.Path
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	store, err := persistence.Open(dbPath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	k.Store = store
	k.Logger.Info("Database initialized: %s", dbPath)
	return nil
}

// Start recovers jobs from an earlier run and starts the workers and the
// janitor.
func (k *Kernel) Start(ctx context.Context) error {
	if k.running {
		return fmt.Errorf("kernel already running")
	}
	if err := k.Orchestrator.Start(ctx); err != nil {
		return fmt.Errorf("failed to start orchestrator: %w", err)
	}
	k.running = true
	k.Logger.Info("Kernel services started")
	return nil
}

// Serve runs the HTTP API until ctx is cancelled.
func (k *Kernel) Serve(ctx context.Context) error {
	return k.API.ListenAndServe(ctx)
}

// Stop drains the worker pool, then closes the event log and the database.
func (k *Kernel) Stop(ctx context.Context) error {
	if !k.running {
		k.closeResources()
		return nil
	}
	k.Logger.Info("Stopping kernel services...")

	stopCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := k.Orchestrator.Stop(stopCtx); err != nil {
		k.Logger.Warn("Orchestrator stop: %v", err)
	}
	k.closeResources()
	k.running = false
	k.Logger.Info("Kernel services stopped")
	return nil
}

func (k *Kernel) closeResources() {
	if k.Events != nil {
		if err := k.Events.Close(); err != nil {
			k.Logger.Error("Error closing event log: %v", err)
		}
	}
	if k.Store != nil {
		if err := k.Store.Close(); err != nil {
			k.Logger.Error("Error closing database: %v", err)
		}
	}
}
