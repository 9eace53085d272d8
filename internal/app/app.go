// Package app 组装 API 与 Worker 共用的依赖。
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"autohunter/internal/aiextract"
	"autohunter/internal/api"
	"autohunter/internal/caption"
	"autohunter/internal/config"
	"autohunter/internal/engagement"
	"autohunter/internal/idempotency"
	"autohunter/internal/imagevariant"
	"autohunter/internal/ingest"
	"autohunter/internal/ingest/dataset"
	"autohunter/internal/ingest/scrape"
	"autohunter/internal/jobqueue"
	"autohunter/internal/lifecycle"
	"autohunter/internal/pkg/dedup"
	"autohunter/internal/pkg/idgen"
	"autohunter/internal/pkg/notify"
	"autohunter/internal/pkg/queue"
	"autohunter/internal/pkg/ratelimit"
	"autohunter/internal/store"
	"autohunter/internal/worker"

	"github.com/redis/go-redis/v9"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

// App 持有进程级依赖。
type App struct {
	Config     *config.Config
	Logger     *slog.Logger
	DB         *gorm.DB
	Redis      *redis.Client
	Store      *store.GormStore
	HTTPClient *http.Client

	Engine     *lifecycle.Engine
	Datasets   *dataset.Importer
	Scrape     *scrape.Importer
	Engagement *engagement.Recorder
	Jobs       *jobqueue.Queue
	Notifier   *notify.EmailNotifier
}

// New 连接 MySQL 与 Redis，迁移表结构并构建导入流水线。
//
// 参数:
//   - ctx: 上下文（用于连接检查与对象存储初始化）
//   - cfg: 配置对象
//   - logger: 日志记录器
//
// 返回值:
//   - *App: 组装完成的依赖
//   - error: 任一外部依赖不可用时返回错误
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	db, err := gorm.Open(mysql.Open(cfg.MySQL.DSN), &gorm.Config{
		Logger:         gormLogger.Default.LogMode(gormLogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	st := store.NewGormStore(db)
	if err := st.AutoMigrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       0,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	a := &App{
		Config:     cfg,
		Logger:     logger,
		DB:         db,
		Redis:      rdb,
		Store:      st,
		HTTPClient: &http.Client{Timeout: cfg.App.HTTPTimeout},
	}
	if err := a.build(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.Config

	images, err := a.imagePipeline(ctx)
	if err != nil {
		return err
	}
	opts := []lifecycle.Option{
		lifecycle.WithImages(images),
		lifecycle.WithRecencyMonths(cfg.Ingest.RecencyMonths),
	}
	if cfg.AI.Enabled {
		extractor, err := aiextract.New(aiextract.Config{
			BaseURL: cfg.AI.BaseURL,
			APIKey:  cfg.AI.APIKey,
			Model:   cfg.AI.Model,
		})
		if err != nil {
			return fmt.Errorf("ai extractor: %w", err)
		}
		opts = append(opts, lifecycle.WithExtractor(extractor))
	}

	captions := caption.New()
	a.Engine = lifecycle.NewEngine(a.Store, idempotency.NewGuard(a.Logger), captions, idgen.New(), a.Logger, opts...)
	a.Datasets = dataset.NewImporter(a.Engine, captions, cfg.Ingest.BatchSize, cfg.Dataset.EnvelopePath, a.Logger)

	limiter := ratelimit.NewBucket(a.Redis, a.Logger, "autohunter:ratelimit:scrape", cfg.Scrape.RateLimit, cfg.Scrape.RateBurst)
	scraper := scrape.NewScraper(scrape.Config{
		BaseURL:   cfg.Scrape.BaseURL,
		MinImages: cfg.Scrape.MinImages,
		Vendor:    lifecycle.AccountRef{ID: cfg.Scrape.VendorID, Username: cfg.Scrape.VendorName},
	}, a.HTTPClient, limiter, a.Logger)
	a.Scrape = scrape.NewImporter(scraper, a.Engine, cfg.Ingest.BatchSize, a.Logger)

	a.Engagement = engagement.NewRecorder(a.Store, dedup.NewWindow(a.Redis, cfg.Jobs.VisitorWindow), a.Logger)
	policies, err := jobPolicies(cfg.Jobs.Policies)
	if err != nil {
		return err
	}
	a.Jobs = jobqueue.NewQueue(a.Redis, a.Logger, cfg.Jobs.Stream, policies)
	a.Notifier = notify.NewEmailNotifier(&cfg.Email, nil, a.Logger)
	return nil
}

// jobPolicies 将配置中的按类型策略叠加到内置默认值上，未配置的字段保持默认。
func jobPolicies(overrides map[string]config.JobPolicyConfig) (map[string]jobqueue.Policy, error) {
	policies := jobqueue.DefaultPolicies()
	for kind, o := range overrides {
		p, ok := policies[kind]
		if !ok {
			return nil, fmt.Errorf("jobs.policies: unknown job kind %q", kind)
		}
		if o.MaxAttempts < 0 || o.Backoff < 0 || o.KeepCompleted < 0 || o.KeepFailed < 0 {
			return nil, fmt.Errorf("jobs.policies.%s: values must not be negative", kind)
		}
		if o.MaxAttempts > 0 {
			p.MaxAttempts = o.MaxAttempts
		}
		if o.Backoff > 0 {
			p.Backoff = o.Backoff
		}
		if o.KeepCompleted > 0 {
			p.KeepCompleted = o.KeepCompleted
		}
		if o.KeepFailed > 0 {
			p.KeepFailed = o.KeepFailed
		}
		policies[kind] = p
	}
	return policies, nil
}

func (a *App) imagePipeline(ctx context.Context) (*imagevariant.Pipeline, error) {
	cfg := a.Config
	var objects imagevariant.ObjectStore
	switch cfg.Images.Backend {
	case "minio":
		ms, err := imagevariant.NewMinioStore(ctx, imagevariant.MinioConfig{
			Endpoint:      cfg.ObjectStore.Endpoint,
			AccessKey:     cfg.ObjectStore.AccessKey,
			SecretKey:     cfg.ObjectStore.SecretKey,
			Bucket:        cfg.ObjectStore.Bucket,
			UseSSL:        cfg.ObjectStore.UseSSL,
			PublicBaseURL: cfg.ObjectStore.PublicBaseURL,
		})
		if err != nil {
			return nil, err
		}
		objects = ms
	case "fs", "":
		objects = imagevariant.NewFSStore(cfg.Ingest.UploadRoot)
	default:
		return nil, fmt.Errorf("unknown image backend %q", cfg.Images.Backend)
	}

	specs := imagevariant.Specs{
		Standard:  imagevariant.Spec{Suffix: "", MaxSize: cfg.Images.StandardSize, Quality: cfg.Images.StandardQuality},
		Thumbnail: imagevariant.Spec{Suffix: "-thumb", MaxSize: cfg.Images.ThumbSize, Quality: cfg.Images.ThumbQuality},
		Metadata:  imagevariant.Spec{Suffix: "-meta", MaxSize: cfg.Images.MetaSize, Quality: cfg.Images.MetaQuality},
	}
	fetcher := imagevariant.NewHTTPFetcher(a.HTTPClient, cfg.Images.FetchRate, cfg.Images.FetchBurst, cfg.Images.MaxBytes)
	return imagevariant.NewPipeline(objects, imagevariant.ImagingTranscoder{}, fetcher, specs, a.Logger), nil
}

// Handlers 返回 Worker 的任务分发入口。
func (a *App) Handlers() worker.Handlers {
	return worker.Handlers{
		Dataset: func(ctx context.Context, opts lifecycle.ImportOptions) (ingest.Summary, error) {
			if a.Config.Dataset.SourceURL == "" {
				return ingest.Summary{}, errors.New("dataset source url not configured")
			}
			return a.Datasets.Fetch(ctx, a.HTTPClient, a.Config.Dataset.SourceURL, a.Config.Dataset.Token, opts)
		},
		Scrape: a.Scrape.Run,
		Metric: func(ctx context.Context, e engagement.Event) error {
			_, err := a.Engagement.Record(ctx, e)
			return err
		},
		Logger: a.Logger,
	}
}

// DeadLetterHook 持久化死信并发送告警。
func (a *App) DeadLetterHook() jobqueue.DeadLetterHook {
	return worker.NewDeadLetterRecorder(a.Store, a.Notifier, a.Logger).Hook
}

// Health 检查 MySQL 与 Redis 连通性。
func (a *App) Health(ctx context.Context) error {
	sqlDB, err := a.DB.DB()
	if err != nil {
		return err
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("mysql: %w", err)
	}
	if err := a.Redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	return nil
}

// Close 关闭数据库与缓存连接。
func (a *App) Close() error {
	var errs []error
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err != nil {
			errs = append(errs, err)
		} else {
			errs = append(errs, sqlDB.Close())
		}
	}
	return errors.Join(errs...)
}

// APIDeps 返回 HTTP 服务需要的依赖。
func (a *App) APIDeps(pool *queue.Queue) api.Deps {
	return api.Deps{
		Posts:       a.Engine,
		Datasets:    a.Datasets,
		Jobs:        a.Jobs,
		DeadLetters: a.Store,
		Pool:        pool,
		Health:      a.Health,

		UploadFailed: a.DeadLetterHook(),
	}
}
