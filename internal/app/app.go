// Package app assembles the broker's long-lived services from configuration
// and runs them until shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"
	gcstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/taskbroker/internal/api"
	"github.com/JakeFAU/taskbroker/internal/artifacts"
	"github.com/JakeFAU/taskbroker/internal/broker"
	"github.com/JakeFAU/taskbroker/internal/clock/system"
	"github.com/JakeFAU/taskbroker/internal/config"
	"github.com/JakeFAU/taskbroker/internal/coordinator"
	"github.com/JakeFAU/taskbroker/internal/counter"
	"github.com/JakeFAU/taskbroker/internal/events"
	"github.com/JakeFAU/taskbroker/internal/hash/sha256"
	"github.com/JakeFAU/taskbroker/internal/id/uuid"
	"github.com/JakeFAU/taskbroker/internal/keymutex"
	"github.com/JakeFAU/taskbroker/internal/metrics"
	"github.com/JakeFAU/taskbroker/internal/relay"
	"github.com/JakeFAU/taskbroker/internal/relay/sinks"
	"github.com/JakeFAU/taskbroker/internal/storage/gcs"
	"github.com/JakeFAU/taskbroker/internal/storage/local"
	"github.com/JakeFAU/taskbroker/internal/storage/memory"
	"github.com/JakeFAU/taskbroker/internal/storage/postgres"
	"github.com/JakeFAU/taskbroker/internal/stream"
)

// metadataStore is what both task store backends provide.
type metadataStore interface {
	coordinator.Store
	broker.ArtifactStore
	Ping(ctx context.Context) error
	Close()
}

// App holds the broker's shared services. It is built once at startup.
type App struct {
	cfg         config.Config
	logger      *zap.Logger
	store       metadataStore
	counts      *counter.Cache
	bus         *events.Bus
	coordinator *coordinator.Service
	server      *api.Server
	relay       *relay.Relay
	closers     []func()
}

// New builds every service named by cfg. It fails fast when a backend cannot
// be opened and releases whatever was opened before the failure.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	a := &App{cfg: cfg, logger: logger, bus: events.NewBus(logger.Named("bus"))}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}
	if err := a.openCounter(); err != nil {
		return nil, err
	}
	blobs, err := a.openBlobs(ctx)
	if err != nil {
		return nil, err
	}

	clock := system.New()
	ids := uuid.New()
	a.coordinator, err = coordinator.New(coordinator.Config{
		DefaultNamespace:  cfg.Broker.DefaultNamespace,
		AcquireBatchSize:  cfg.Broker.AcquireBatchSize,
		HeartbeatInterval: cfg.Broker.HeartbeatInterval,
	}, coordinator.Deps{
		Store:  a.store,
		Locks:  keymutex.New(),
		Counts: a.counts,
		Bus:    a.bus,
		Clock:  clock,
		IDs:    ids,
		Logger: logger.Named("coordinator"),
	})
	if err != nil {
		return nil, fmt.Errorf("build coordinator: %w", err)
	}
	arts, err := artifacts.New(artifacts.Config{
		DefaultNamespace: cfg.Broker.DefaultNamespace,
		MaxUploadBytes:   cfg.Artifacts.MaxUploadBytes,
	}, artifacts.Deps{
		Blobs:  blobs,
		Store:  a.store,
		Hasher: sha256.New(),
		IDs:    ids,
		Clock:  clock,
		Logger: logger.Named("artifacts"),
	})
	if err != nil {
		return nil, fmt.Errorf("build artifacts: %w", err)
	}
	streams := stream.NewHandler(a.coordinator, a.bus, stream.Config{
		Buffer: cfg.Broker.StreamBuffer,
		Logger: logger.Named("stream"),
	})
	a.server = api.NewServer(api.Deps{
		Coordinator: a.coordinator,
		Artifacts:   arts,
		Streams:     streams,
		Health:      a.store,
	}, cfg, logger.Named("api"))

	if cfg.Relay.Enabled {
		if err := a.buildRelay(ctx); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *App) openStore(ctx context.Context) error {
	switch a.cfg.Store.Driver {
	case "postgres":
		a.logger.Info("connecting to postgres")
		store, err := postgres.New(ctx, postgres.Config{
			URL:      a.cfg.Database.URL,
			MaxConns: a.cfg.Database.MaxConns,
		})
		if err != nil {
			return fmt.Errorf("open task store: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		if a.cfg.Database.Migrate {
			if err := store.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate task store: %w", err)
			}
		}
		a.store = store
	case "memory", "":
		a.logger.Info("using in-memory task store; state is lost on restart")
		a.store = memory.NewStore()
	default:
		return fmt.Errorf("unknown store driver: %s", a.cfg.Store.Driver)
	}
	return nil
}

func (a *App) openCounter() error {
	var store counter.Store
	switch a.cfg.Cache.Driver {
	case "pebble":
		a.logger.Info("opening pebble counter cache", zap.String("dir", a.cfg.Cache.Dir))
		pebbleStore, err := counter.OpenPebble(counter.PebbleConfig{Dir: a.cfg.Cache.Dir, NoSync: a.cfg.Cache.NoSync})
		if err != nil {
			return fmt.Errorf("open counter cache: %w", err)
		}
		store = pebbleStore
	case "memory", "":
		store = counter.NewMemoryStore()
	default:
		return fmt.Errorf("unknown cache driver: %s", a.cfg.Cache.Driver)
	}
	a.counts = counter.NewCache(store, a.logger.Named("counter"))
	a.closers = append(a.closers, func() {
		if err := a.counts.Close(); err != nil {
			a.logger.Warn("close counter cache failed", zap.Error(err))
		}
	})
	return nil
}

func (a *App) openBlobs(ctx context.Context) (artifacts.BlobStore, error) {
	switch a.cfg.Artifacts.Backend {
	case "gcs":
		a.logger.Info("using gcs artifact storage", zap.String("bucket", a.cfg.Artifacts.GCSBucket))
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create gcs client: %w", err)
		}
		a.closers = append(a.closers, func() {
			if err := client.Close(); err != nil {
				a.logger.Warn("close gcs client failed", zap.Error(err))
			}
		})
		store, err := gcs.New(client, gcs.Config{Bucket: a.cfg.Artifacts.GCSBucket, Prefix: a.cfg.Artifacts.GCSPrefix})
		if err != nil {
			return nil, fmt.Errorf("open gcs artifact storage: %w", err)
		}
		return store, nil
	case "local":
		store, err := local.New(local.Config{BaseDir: a.cfg.Artifacts.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("open local artifact storage: %w", err)
		}
		return store, nil
	case "memory", "":
		return memory.NewBlobStore(), nil
	default:
		return nil, fmt.Errorf("unknown artifacts backend: %s", a.cfg.Artifacts.Backend)
	}
}

func (a *App) buildRelay(ctx context.Context) error {
	var out []relay.Sink
	for _, name := range a.cfg.Relay.Sinks {
		switch name {
		case "log":
			out = append(out, sinks.NewLogSink(a.logger.Named("relay")))
		case "pubsub":
			a.logger.Info("connecting to pubsub", zap.String("topic", a.cfg.PubSub.TopicID))
			client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
			if err != nil {
				return fmt.Errorf("create pubsub client: %w", err)
			}
			a.closers = append(a.closers, func() {
				if err := client.Close(); err != nil {
					a.logger.Warn("close pubsub client failed", zap.Error(err))
				}
			})
			out = append(out, sinks.NewPubSubSink(client.Topic(a.cfg.PubSub.TopicID)))
		default:
			return fmt.Errorf("unknown relay sink: %s", name)
		}
	}
	a.relay = relay.New(a.bus, relay.Config{
		BufferSize:     a.cfg.Relay.Buffer,
		MaxBatchEvents: a.cfg.Relay.BatchSize,
		MaxBatchWait:   a.cfg.Relay.FlushInterval,
		Logger:         a.logger.Named("relay"),
	}, out...)
	return nil
}

// Handler exposes the API router.
func (a *App) Handler() http.Handler {
	return a.server.Handler()
}

// Coordinator exposes the task service.
func (a *App) Coordinator() *coordinator.Service {
	return a.coordinator
}

// Bus exposes the event bus.
func (a *App) Bus() *events.Bus {
	return a.bus
}

// Run serves HTTP, publishes heartbeats and relays lifecycle events until
// ctx is cancelled or one of them fails, then drains the server within the
// configured shutdown timeout.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		timeout := a.cfg.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
		return nil
	})
	g.Go(func() error {
		return a.coordinator.RunHeartbeat(gctx)
	})
	if a.relay != nil {
		g.Go(func() error {
			return a.relay.Run(gctx)
		})
	}
	return g.Wait()
}

// Close releases backends in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
