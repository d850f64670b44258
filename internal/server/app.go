// Package server builds the daemon from its configuration and runs it until
// shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/crawld/internal/api"
	"github.com/JakeFAU/crawld/internal/clock/system"
	"github.com/JakeFAU/crawld/internal/config"
	"github.com/JakeFAU/crawld/internal/events"
	"github.com/JakeFAU/crawld/internal/events/sinks"
	"github.com/JakeFAU/crawld/internal/id/uuid"
	"github.com/JakeFAU/crawld/internal/launcher"
	"github.com/JakeFAU/crawld/internal/poller"
	memorypublisher "github.com/JakeFAU/crawld/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/crawld/internal/publisher/pubsub"
	"github.com/JakeFAU/crawld/internal/queue"
	"github.com/JakeFAU/crawld/internal/queue/postgres"
	"github.com/JakeFAU/crawld/internal/registry"
	"github.com/JakeFAU/crawld/internal/scheduler"
	gcsstorage "github.com/JakeFAU/crawld/internal/storage/gcs"
	localstorage "github.com/JakeFAU/crawld/internal/storage/local"
	memorystorage "github.com/JakeFAU/crawld/internal/storage/memory"
)

// App contains the daemon's long-lived dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	registry  *registry.FileRegistry
	queues    *queue.Set
	pgStore   *postgres.Store
	launcher  *launcher.Launcher
	poller    *poller.Poller
	scheduler *scheduler.Scheduler
	apiServer *api.Server
	eventHub  *events.Hub
	storage   *storage.Client
}

// Build creates the application's dependencies. Nothing runs until Run.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger}
	a.logger.Info("building application dependencies",
		zap.String("node", cfg.Server.NodeName),
		zap.String("queue_backend", cfg.Queue.Backend),
		zap.String("manifest", cfg.Registry.Manifest),
	)

	if err := a.build(ctx); err != nil {
		a.closeInfrastructure(ctx)
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	var err error
	a.registry, err = registry.Load(a.cfg.Registry.Manifest, registry.Options{
		Runner:  a.cfg.Launcher.Runner,
		LogsDir: a.cfg.Launcher.LogsDir,
	})
	if err != nil {
		return fmt.Errorf("registry init failed: %w", err)
	}

	if err = a.setupQueues(ctx); err != nil {
		return err
	}

	maxProc := a.cfg.Launcher.EffectiveMaxProc(runtime.NumCPU())
	a.launcher, err = launcher.New(launcher.Config{
		MaxProc:        maxProc,
		FinishedToKeep: a.cfg.Launcher.FinishedToKeep,
	}, launcher.NewExecSpawner(a.cfg.Launcher.WorkDir), system.New(), a.logger.Named("launcher"))
	if err != nil {
		return fmt.Errorf("launcher init failed: %w", err)
	}
	a.logger.Info("launcher configured", zap.Int("max_proc", maxProc))

	a.poller = poller.New(a.queues, a.launcher, a.registry, a.logger.Named("poller"), a.cfg.Poller.Interval)
	a.launcher.OnSlotFreed(a.poller.Notify)

	if err = a.setupEvents(ctx); err != nil {
		return err
	}

	a.scheduler = scheduler.New(
		a.queues,
		a.launcher,
		a.registry,
		a.poller,
		uuid.New(),
		system.New(),
		a.logger.Named("scheduler"),
	)

	a.apiServer = api.NewServer(a.scheduler, api.Options{
		NodeName: a.cfg.Server.NodeName,
		LogsDir:  a.cfg.Launcher.LogsDir,
		Auth: api.AuthConfig{
			Enabled:  a.cfg.Auth.Enabled,
			Username: a.cfg.Auth.Username,
			Password: a.cfg.Auth.Password,
		},
	}, a.logger.Named("api"))
	return nil
}

func (a *App) setupQueues(ctx context.Context) error {
	var open queue.Opener
	switch a.cfg.Queue.Backend {
	case config.BackendPostgres:
		store, err := postgres.NewStore(ctx, postgres.Config{
			DSN:             a.cfg.DB.DSN,
			Table:           a.cfg.DB.Table,
			MaxConns:        a.cfg.DB.MaxConns,
			MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
		})
		if err != nil {
			return fmt.Errorf("postgres queue init failed: %w", err)
		}
		a.pgStore = store
		open = queue.PostgresOpener(store)
		a.logger.Info("using postgres queue backend", zap.String("table", a.cfg.DB.Table))
	case config.BackendMemory:
		a.logger.Warn("using in-memory queue backend; pending jobs are lost on restart")
		open = queue.MemoryOpener()
	default:
		open = queue.SQLiteOpener(a.cfg.Queue.DBsDir)
		a.logger.Info("using sqlite queue backend", zap.String("dir", a.cfg.Queue.DBsDir))
	}
	a.queues = queue.NewSet(open, a.logger.Named("queue"))

	projects, err := a.registry.ListProjects(ctx)
	if err != nil {
		return fmt.Errorf("list projects: %w", err)
	}
	if err := a.queues.Sync(ctx, projects); err != nil {
		return fmt.Errorf("open project queues: %w", err)
	}
	return nil
}

func (a *App) setupEvents(ctx context.Context) error {
	if !a.cfg.EventsEnabled() {
		a.logger.Info("job events disabled")
		return nil
	}
	var sinkList []events.Sink

	store, err := a.setupArchive(ctx)
	if err != nil {
		return err
	}
	if store != nil {
		sinkList = append(sinkList, sinks.NewArchiveSink(store))
	}

	pub, err := a.setupPublisher(ctx)
	if err != nil {
		return err
	}
	if pub != nil {
		sinkList = append(sinkList, sinks.NewPublishSink(pub, a.cfg.Events.Topic))
	}

	if a.cfg.Events.LogEvents {
		sinkList = append(sinkList, sinks.NewLogSink(a.logger.Named("job_events")))
	}

	hubCfg := events.Config{
		BufferSize:  a.cfg.Events.Buffer,
		SinkTimeout: a.cfg.Events.SinkTimeout,
		Node:        a.cfg.Server.NodeName,
		BaseContext: context.WithoutCancel(ctx),
		Clock:       system.New(),
		Logger:      a.logger.Named("event_hub"),
	}
	a.eventHub = events.NewHub(hubCfg, sinkList...)
	a.launcher.OnFinished(a.eventHub.Emit)
	a.logger.Info("event hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Duration("sink_timeout", hubCfg.SinkTimeout),
	)
	return nil
}

func (a *App) setupArchive(ctx context.Context) (sinks.BlobStore, error) {
	switch a.cfg.Archive.Backend {
	case config.SinkGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.storage = client
		store, err := gcsstorage.New(client, gcsstorage.Config{
			Bucket: a.cfg.Archive.Bucket,
			Prefix: a.cfg.Archive.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("archiving job logs to GCS", zap.String("bucket", a.cfg.Archive.Bucket))
		return store, nil
	case config.SinkLocal:
		store, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Archive.Dir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("archiving job logs locally", zap.String("path", a.cfg.Archive.Dir))
		return store, nil
	case config.SinkMemory:
		a.logger.Info("archiving job logs in memory")
		return memorystorage.NewBlobStore(), nil
	default:
		return nil, nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (sinks.Publisher, error) {
	switch a.cfg.Events.Publisher {
	case config.SinkPubSub:
		client, err := pubsub.NewClient(ctx, a.cfg.Events.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", a.cfg.Events.ProjectID),
			zap.String("topic", a.cfg.Events.Topic),
		)
		return gcppublisher.New(client), nil
	case config.SinkMemory:
		a.logger.Info("using in-memory publisher")
		return memorypublisher.New(), nil
	default:
		return nil, nil
	}
}

// Handler exposes the HTTP API.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Reload re-reads the project manifest, opens queues for new projects and
// wakes the poller.
func (a *App) Reload(ctx context.Context) error {
	if err := a.registry.Reload(); err != nil {
		return fmt.Errorf("reload registry: %w", err)
	}
	projects, err := a.registry.ListProjects(ctx)
	if err != nil {
		return fmt.Errorf("list projects: %w", err)
	}
	if err := a.queues.Sync(ctx, projects); err != nil {
		return fmt.Errorf("open project queues: %w", err)
	}
	a.poller.Notify()
	a.logger.Info("registry reloaded", zap.Strings("projects", projects))
	return nil
}

// Run listens on the configured address and serves until ctx ends or the
// process receives SIGINT or SIGTERM.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.Addr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.cfg.Server.Addr(), err)
	}
	return a.Serve(ctx, ln)
}

// Serve runs the HTTP API on ln together with the poller, and shuts both
// down when ctx ends. Running workers are sent SIGTERM and waited for up to
// server.shutdown_timeout. Serve closes the App before returning.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http server started", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	pollerDone := make(chan struct{})
	g.Go(func() error {
		defer close(pollerDone)
		a.logger.Info("poller started", zap.Duration("interval", a.cfg.Poller.Interval))
		return a.poller.Run(gctx)
	})
	g.Go(func() error {
		a.watchReload(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
		<-pollerDone
		a.stopWorkers(shutdownCtx)
		return nil
	})

	runErr := g.Wait()
	closeCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
	defer cancel()
	if err := a.Close(closeCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// stopWorkers terminates running workers once no dispatch pass can start
// another one.
func (a *App) stopWorkers(ctx context.Context) {
	var err error
	a.poller.Hold(func() {
		err = a.launcher.Shutdown(ctx, syscall.SIGTERM)
	})
	if err != nil {
		a.logger.Warn("workers still running at shutdown", zap.Error(err))
	}
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeout > 0 {
		return a.cfg.Server.ShutdownTimeout
	}
	return 10 * time.Second
}

func (a *App) watchReload(ctx context.Context) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := a.Reload(ctx); err != nil {
				a.logger.Error("reload failed", zap.Error(err))
			}
		}
	}
}

// Close flushes job events and releases queues and clients.
func (a *App) Close(ctx context.Context) error {
	a.closeInfrastructure(ctx)
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.eventHub != nil {
		if err := a.eventHub.Close(ctx); err != nil {
			a.logger.Warn("event hub close failed", zap.Error(err))
		}
	}
	if a.queues != nil {
		if err := a.queues.Close(); err != nil {
			a.logger.Warn("queue close failed", zap.Error(err))
		}
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
}
