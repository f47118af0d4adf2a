package cmd

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/pesio-ai/be-plt-approvals/internal/client"
	"github.com/pesio-ai/be-plt-approvals/internal/config"
	"github.com/pesio-ai/be-plt-approvals/internal/database"
	"github.com/pesio-ai/be-plt-approvals/internal/directory"
	"github.com/pesio-ai/be-plt-approvals/internal/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/metrics"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/service"
)

// app holds the wired components shared by every command.
type app struct {
	cfg       *config.Config
	log       *logger.Logger
	registry  *prometheus.Registry
	db        *database.DB
	store     repository.Store
	engine    *service.Engine
	templates *service.TemplateService
	closers   []func() error
}

func newApp(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	a := &app{
		cfg: cfg,
		log: logger.New(logger.Config{
			Level:       cfg.Log.Level,
			Environment: cfg.Service.Environment,
			ServiceName: cfg.Service.Name,
			Version:     cfg.Service.Version,
		}),
		registry: prometheus.NewRegistry(),
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}
	dir, err := a.directory()
	if err != nil {
		return nil, err
	}
	objects, err := a.objects()
	if err != nil {
		return nil, err
	}
	notifier, err := a.notifier(ctx)
	if err != nil {
		return nil, err
	}

	a.engine = service.NewEngine(service.Dependencies{
		Store:     a.store,
		Directory: dir,
		Objects:   objects,
		Notifier:  notifier,
		Logger:    a.log,
		Metrics:   metrics.New(a.registry),
	}, cfg.EngineOptions())
	a.templates = service.NewTemplateService(a.store, a.engine.Conditions(), nil, a.log)
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	if a.cfg.Store.Driver != "postgres" {
		a.log.Warn().Msg("using in-memory store, state is lost on exit")
		a.store = repository.NewMemoryStore()
		return nil
	}

	db, err := database.New(ctx, a.cfg.PoolConfig())
	if err != nil {
		return err
	}
	a.db = db
	a.onClose(func() error { db.Close(); return nil })
	a.log.Info().Str("host", a.cfg.Database.Host).Msg("database connection established")

	if a.cfg.Store.AutoMigrate {
		if err := repository.EnsureSchema(ctx, db); err != nil {
			return err
		}
		a.log.Info().Msg("database schema ensured")
	}
	a.store = repository.NewPostgresStore(db)
	return nil
}

func (a *app) directory() (service.Directory, error) {
	if a.cfg.Directory.Driver == "postgres" {
		return repository.NewDirectoryRepository(a.db), nil
	}
	if a.cfg.Directory.File == "" {
		a.log.Warn().Msg("no directory file configured, approver resolution will find nobody")
		return directory.NewStatic(), nil
	}
	return directory.LoadFile(a.cfg.Directory.File)
}

func (a *app) objects() (*service.ObjectRegistry, error) {
	registry := service.NewObjectRegistry()
	for _, o := range a.cfg.Objects {
		switch o.Driver {
		case "grpc":
			c, err := client.NewObjectGRPCClient(o.Address, o.ContentType)
			if err != nil {
				return nil, err
			}
			a.onClose(c.Close)
			registry.Register(o.ContentType, c)
		default:
			h, err := repository.NewTableObjectHandler(a.db, o.TableObjectConfig)
			if err != nil {
				return nil, fmt.Errorf("object %s: %w", o.ContentType, err)
			}
			registry.Register(o.ContentType, h)
		}
		a.log.Info().Str("content_type", o.ContentType).Str("driver", o.Driver).Msg("object handler registered")
	}
	return registry, nil
}

func (a *app) notifier(ctx context.Context) (service.Notifier, error) {
	switch a.cfg.Notifier.Driver {
	case "nats":
		p, err := client.NewNotificationPublisher(ctx, client.NATSConfig{
			URL:           a.cfg.NATS.URL,
			Stream:        a.cfg.NATS.Stream,
			SubjectPrefix: a.cfg.NATS.SubjectPrefix,
			Timeout:       a.cfg.NATS.Timeout,
		}, a.log)
		if err != nil {
			return nil, err
		}
		a.onClose(p.Close)
		a.log.Info().Str("url", a.cfg.NATS.URL).Msg("NATS notification publisher connected")
		return p, nil
	case "lark":
		return client.NewLarkNotifier(client.LarkConfig{
			AppID:         a.cfg.Lark.AppID,
			AppSecret:     a.cfg.Lark.AppSecret,
			ReceiveIDType: a.cfg.Lark.ReceiveIDType,
		}, a.log), nil
	default:
		return client.NewLogNotifier(a.log), nil
	}
}

// sweepLock returns the Redis lease when enabled, nil otherwise.
func (a *app) sweepLock(ctx context.Context) (service.SweepLock, error) {
	if !a.cfg.Redis.Enabled {
		return nil, nil
	}
	lock, err := client.NewRedisLock(ctx, client.RedisConfig{
		Address:  a.cfg.Redis.Address,
		Password: a.cfg.Redis.Password,
		Database: a.cfg.Redis.Database,
		Key:      a.cfg.Redis.Key,
	})
	if err != nil {
		return nil, err
	}
	a.onClose(lock.Close)
	return lock, nil
}

func (a *app) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn().Err(err).Msg("close failed")
		}
	}
	a.closers = nil
}
