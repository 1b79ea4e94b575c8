package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	redis "github.com/redis/go-redis/v9"

	"github.com/yourusername/multi-downloader/internal/admission"
	"github.com/yourusername/multi-downloader/internal/config"
	"github.com/yourusername/multi-downloader/internal/converter"
	"github.com/yourusername/multi-downloader/internal/downloads"
	"github.com/yourusername/multi-downloader/internal/linkcache"
	"github.com/yourusername/multi-downloader/internal/media"
	"github.com/yourusername/multi-downloader/internal/processor"
	"github.com/yourusername/multi-downloader/internal/queue"
	"github.com/yourusername/multi-downloader/internal/resolver"
	"github.com/yourusername/multi-downloader/internal/retry"
	"github.com/yourusername/multi-downloader/internal/storage"
	"github.com/yourusername/multi-downloader/internal/store"
)

const defaultSQLitePath = "multi-downloader.db"

// application は起動時に組み立てたコンポーネントです。
type application struct {
	queue     *queue.Manager
	admission *admission.Controller
	converter *converter.Converter
	downloads *downloads.Service

	closers []func() error
	logger  *slog.Logger
}

func setupApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*application, error) {
	app := &application{logger: logger}
	ok := false
	defer func() {
		if !ok {
			app.Close()
		}
	}()

	st, err := app.setupStore(cfg)
	if err != nil {
		return nil, err
	}

	manager, err := queue.NewManager(queue.Options{
		RedisURL:    cfg.QueueRedisURL,
		Concurrency: cfg.QueueConcurrency,
		MaxRetry:    cfg.QueueMaxRetry,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("queue: %w", err)
	}
	app.queue = manager
	app.closers = append(app.closers, func() error { manager.Shutdown(); return nil })

	ctrl, err := admission.New(st, manager, admission.Options{
		MaxConcurrent:    cfg.MaxConcurrent,
		DispatchAttempts: cfg.DispatchAttempts,
		Logger:           logger,
	})
	if err != nil {
		return nil, fmt.Errorf("admission: %w", err)
	}
	app.admission = ctrl

	res, err := resolver.New(resolver.Kind(cfg.Resolver), resolver.Options{
		YtDlpPath:  cfg.YtDlpPath,
		CookieFile: cfg.YtDlpCookieFile,
	})
	if err != nil {
		return nil, err
	}
	proc := processor.New(st, res, logger)

	objects, err := storage.New(ctx, storage.Options{
		Type:           cfg.StorageType,
		LocalDir:       cfg.StorageLocalDir,
		PublicBaseURL:  cfg.StoragePublicBaseURL,
		S3Bucket:       cfg.S3Bucket,
		AWSRegion:      cfg.AWSRegion,
		AzureAccount:   cfg.AzureStorageAccount,
		AzureKey:       cfg.AzureStorageKey,
		AzureContainer: cfg.AzureStorageContainer,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}

	fetcher := converter.NewHTTPFetcher(nil)
	local := converter.NewLocalProcessCombiner(cfg.FFmpegPath, objects)
	combiner, err := setupCombiner(ctx, cfg, objects, local)
	if err != nil {
		return nil, err
	}
	app.converter = converter.New(st, fetcher, combiner, logger)

	if err := manager.Handle(media.UnitJob, ctrl.Guard(media.UnitJob, proc.Process)); err != nil {
		return nil, err
	}
	if err := manager.Handle(media.UnitMergedFormat, ctrl.Guard(media.UnitMergedFormat, app.converter.Convert)); err != nil {
		return nil, err
	}

	rdb, err := newRedisClient(cfg.QueueRedisURL)
	if err != nil {
		return nil, err
	}
	app.closers = append(app.closers, rdb.Close)

	svc, err := downloads.New(downloads.Options{
		Store:    st,
		Admitter: ctrl,
		Retry:    retry.New(st, logger),
		Storage:  objects,
		Fetcher:  fetcher,
		Muxer:    local,
		Links:    linkcache.New(rdb),
		URLTTL:   cfg.DownloadURLTTL,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	app.downloads = svc

	ok = true
	return app, nil
}

func (a *application) setupStore(cfg *config.Config) (store.Store, error) {
	if cfg.DatabaseDriver == "memory" {
		a.logger.Warn("using in-memory store; data is lost on restart")
		return store.NewMemoryStore(), nil
	}
	dsn := cfg.DatabaseURL
	if dsn == "" && cfg.DatabaseDriver == "sqlite" {
		dsn = defaultSQLitePath
	}
	db, err := store.Open(cfg.DatabaseDriver, dsn)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, sqlDB.Close)
	return store.NewGormStore(db), nil
}

// setupCombiner は COMBINER に応じて結合方式を選びます。マネージド変換は S3 ストレージが前提です。
func setupCombiner(ctx context.Context, cfg *config.Config, objects storage.Storage, local *converter.LocalProcessCombiner) (converter.Combiner, error) {
	if cfg.Combiner != "managed" {
		return local, nil
	}
	s3, ok := objects.(*storage.S3Storage)
	if !ok {
		return nil, errors.New("managed conversion requires s3 storage")
	}
	client, err := converter.NewMediaConvertClient(ctx, cfg.AWSRegion, cfg.MediaConvertEndpoint)
	if err != nil {
		return nil, err
	}
	return converter.NewManagedServiceCombiner(objects, s3.Bucket(), cfg.MediaConvertRoleARN, client)
}

func newRedisClient(rawURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	return redis.NewClient(opt), nil
}

// Close は組み立てたコンポーネントを逆順に閉じます。
func (a *application) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("failed to close component", "err", err)
		}
	}
	a.closers = nil
}
