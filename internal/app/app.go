// Package app assembles stores, dispatchers and the audit middleware from configuration.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/GoPolymarket/polyaudit/internal/capture"
	"github.com/GoPolymarket/polyaudit/internal/config"
	"github.com/GoPolymarket/polyaudit/internal/middleware"
	"github.com/GoPolymarket/polyaudit/internal/pkg/logger"
	"github.com/GoPolymarket/polyaudit/internal/pkg/masking"
	"github.com/GoPolymarket/polyaudit/internal/repository"
	"github.com/GoPolymarket/polyaudit/internal/service"
	"github.com/gin-gonic/gin"
)

// Closer releases a connection opened while building the stack.
type Closer func(ctx context.Context) error

// Stores is the configured backend stack.
type Stores struct {
	Store   *service.DualStore
	Lister  service.Lister
	closers []Closer
}

// Close releases backend connections in reverse order of opening.
func (s *Stores) Close(ctx context.Context) {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			logger.Warn("failed to close audit backend", "error", err)
		}
	}
}

// BuildStores connects the configured backends. An unreachable primary falls back
// to the file store so the host still starts.
func BuildStores(ctx context.Context, cfg *config.Config, log *slog.Logger) (*Stores, error) {
	log = logger.Component(log, "bootstrap")
	s := &Stores{}

	primary, err := s.open(ctx, cfg, cfg.Audit.Backends.Primary, log)
	if err != nil {
		log.Error("primary audit backend unavailable, falling back to file store",
			"backend", cfg.Audit.Backends.Primary, "error", err)
		if primary, err = s.open(ctx, cfg, config.BackendFile, log); err != nil {
			return nil, err
		}
	}

	mode := cfg.Audit.Backends.Mode
	var secondary service.Store
	if mode != config.ModeSingle {
		name := cfg.Audit.Backends.Secondary
		if name == "" || name == primary.Name() {
			mode = config.ModeSingle
		} else if secondary, err = s.open(ctx, cfg, name, log); err != nil {
			log.Warn("secondary audit backend unavailable, running single", "backend", name, "error", err)
			mode = config.ModeSingle
			secondary = nil
		}
	}

	s.Store, err = service.NewDualStore(primary, secondary, mode, log)
	if err != nil {
		s.Close(ctx)
		return nil, err
	}
	if l, ok := primary.(service.Lister); ok {
		s.Lister = l
	} else if l, ok := secondary.(service.Lister); ok {
		s.Lister = l
	}
	log.Info("audit backends ready", "store", s.Store.Name())
	return s, nil
}

func (s *Stores) open(ctx context.Context, cfg *config.Config, name string, log *slog.Logger) (service.Store, error) {
	switch name {
	case config.BackendPostgres:
		if cfg.Database.DSN == "" {
			return nil, fmt.Errorf("database.dsn is not set")
		}
		db, err := repository.NewGormDB(cfg.Database, log)
		if err != nil {
			return nil, err
		}
		store, err := repository.NewGormAuditStore(db)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, func(context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.Close()
		})
		return store, nil

	case config.BackendMongo:
		client, err := repository.NewMongoClient(ctx, cfg.Mongo)
		if err != nil {
			return nil, err
		}
		store := repository.NewMongoAuditStore(client.Database(cfg.Mongo.Database).Collection(cfg.Mongo.Collection))
		if err := store.EnsureIndexes(ctx); err != nil {
			log.Warn("failed to ensure mongo indexes", "error", err)
		}
		s.closers = append(s.closers, client.Disconnect)
		return store, nil

	case config.BackendFile:
		store, err := service.NewFileStore(cfg.Audit.FileDir)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, func(context.Context) error { return store.Close() })
		return store, nil

	case config.BackendMemory:
		return service.NewMemoryStore(cfg.Audit.MemoryCapacity), nil
	}
	return nil, fmt.Errorf("unknown audit backend %q", name)
}

// WriterOptions maps the retry settings onto a RecordWriter.
func WriterOptions(cfg config.AuditConfig) service.WriterOptions {
	return service.WriterOptions{
		RetryCount:      cfg.RetryCount,
		RetryBackoff:    cfg.RetryBackoff,
		RetryMaxBackoff: cfg.RetryMaxBackoff,
		WriteTimeout:    cfg.WriteTimeout,
	}
}

// BuildDispatcher picks sync or async delivery. The redis transport degrades to
// the in-process queue when Redis is unreachable.
func BuildDispatcher(cfg *config.Config, store service.Store, log *slog.Logger) (service.Dispatcher, error) {
	if !cfg.Audit.Async {
		return service.NewSyncDispatcher(store, cfg.Audit.WriteTimeout, log), nil
	}
	writer := service.NewRecordWriter(store, WriterOptions(cfg.Audit), log)

	if cfg.Audit.Transport == config.TransportRedis {
		rdb, err := repository.NewRedisClient(cfg.Redis)
		if err == nil {
			q := repository.NewRedisStreamQueue(rdb, cfg.Redis, cfg.Audit.Workers, log)
			return &closingDispatcher{
				Dispatcher: service.NewAsyncDispatcher(q, writer, log),
				close:      func(context.Context) error { return rdb.Close() },
			}, nil
		}
		logger.Component(log, "bootstrap").Error("redis transport unavailable, using in-process queue", "error", err)
	}

	q := service.NewMemoryQueue(cfg.Audit.QueueSize, cfg.Audit.Workers, cfg.Audit.QueueFullPolicy, log)
	return service.NewAsyncDispatcher(q, writer, log), nil
}

// closingDispatcher releases the transport client after the queue has drained.
type closingDispatcher struct {
	service.Dispatcher
	close Closer
}

func (d *closingDispatcher) Close(ctx context.Context) error {
	err := d.Dispatcher.Close(ctx)
	if cerr := d.close(ctx); err == nil {
		err = cerr
	}
	return err
}

// AuditMiddleware builds the masking engine, extractor and skip rules from cfg.
func AuditMiddleware(cfg config.AuditConfig, svc middleware.Committer, opts middleware.AuditOptions) (gin.HandlerFunc, error) {
	masker := masking.New(cfg.SensitiveFields,
		masking.WithMaxDepth(cfg.MaxMaskDepth),
		masking.WithMaxScanBytes(cfg.MaxCaptureBytes))
	extractor := capture.NewExtractor(masker, capture.Options{
		MaxBodyLength:   cfg.MaxBodyLength,
		MaxCaptureBytes: cfg.MaxCaptureBytes,
		DropUnmasked:    cfg.DropUnmaskedBodies,
	}, opts.Logger)
	skip, err := middleware.NewSkipRules(cfg)
	if err != nil {
		return nil, err
	}
	opts.Enabled = cfg.Enabled
	if opts.SessionCookie == "" {
		opts.SessionCookie = cfg.SessionCookie
	}
	return middleware.AuditMiddleware(svc, extractor, skip, opts), nil
}
