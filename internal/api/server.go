package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"autohunter/internal/api/auth"
	"autohunter/internal/api/middleware"
	"autohunter/internal/config"
	"autohunter/internal/ingest"
	"autohunter/internal/jobqueue"
	"autohunter/internal/lifecycle"
	"autohunter/internal/model"
	"autohunter/internal/pkg/queue"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PostImporter 直接导入一条候选（远程推送）。
type PostImporter interface {
	Import(ctx context.Context, c lifecycle.Candidate, opts lifecycle.ImportOptions) (lifecycle.Result, error)
}

// DatasetRunner 处理上传的数据集信封。
type DatasetRunner interface {
	RunEnvelope(ctx context.Context, r io.Reader, opts lifecycle.ImportOptions) (ingest.Summary, error)
}

// JobEnqueuer 投递异步任务。
type JobEnqueuer interface {
	Enqueue(ctx context.Context, kind string, payload any) (*jobqueue.Job, error)
}

// DeadLetterStore 死信查询与重放标记。
type DeadLetterStore interface {
	ListDeadLetters(ctx context.Context, kind string, limit int) ([]model.DeadLetter, error)
	GetDeadLetter(ctx context.Context, id uint) (*model.DeadLetter, error)
	MarkDeadLetterReplayed(ctx context.Context, id uint) error
}

// Deps 是 Server 的外部依赖，由 internal/app 组装。
type Deps struct {
	Posts       PostImporter
	Datasets    DatasetRunner
	Jobs        JobEnqueuer
	DeadLetters DeadLetterStore
	Pool        *queue.Queue // 后台处理上传数据集

	// UploadFailed 记录后台数据集导入失败（落库为死信并告警），可为空。
	UploadFailed jobqueue.DeadLetterHook
	Health      func(ctx context.Context) error
}

// Server 封装 HTTP 路由与处理函数。
type Server struct {
	cfg    *config.Config
	logger *slog.Logger
	router *gin.Engine
	auth   *auth.Handler
	deps   Deps
}

// NewServer 创建 API 服务并注册路由。
func NewServer(cfg *config.Config, logger *slog.Logger, deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(logger))

	s := &Server{
		cfg:    cfg,
		logger: logger,
		router: r,
		auth: auth.NewHandler(
			cfg.Security.ServiceUser,
			cfg.Security.ServicePasswordHash,
			cfg.Security.JWTSecret,
			time.Duration(cfg.Security.TokenTTLMinutes)*time.Minute,
			logger,
		),
		deps: deps,
	}
	s.registerRoutes()
	return s
}

// Router 返回 HTTP 路由处理器。
func (s *Server) Router() http.Handler {
	return s.router
}

// Run 监听配置的地址直到 ctx 取消，随后优雅关闭。
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.App.HTTPAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api server listening", slog.String("addr", s.cfg.App.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.App.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// registerRoutes 注册所有路由。
func (s *Server) registerRoutes() {
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/healthz", s.handleHealthz)
	s.router.POST("/auth/token", s.auth.IssueToken)

	authed := s.router.Group("/")
	authed.Use(middleware.AuthMiddleware(s.cfg.Security.JWTSecret))
	authed.POST("/posts", s.handleSavePost)
	authed.POST("/imports/dataset", s.handleUploadDataset)
	authed.POST("/imports/scrape", s.handleEnqueueScrape)
	authed.POST("/jobs/dataset", s.handleEnqueueDataset)
	authed.POST("/jobs/metrics", s.handleEnqueueMetric)
	authed.GET("/dead-letters", s.handleListDeadLetters)
	authed.POST("/dead-letters/:id/replay", s.handleReplayDeadLetter)
}

func (s *Server) handleHealthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if s.deps.Health != nil {
		if err := s.deps.Health(ctx); err != nil {
			s.logger.Warn("health check failed", slog.String("error", err.Error()))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
