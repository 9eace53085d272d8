package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"autohunter/internal/ingest/remote"
	"autohunter/internal/jobqueue"
	"autohunter/internal/lifecycle"
	"autohunter/internal/pkg/queue"
	"autohunter/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// UploadQueueName 是后台上传导入失败记录的队列名。
const UploadQueueName = "api:dataset-upload"

type acceptedResponse struct {
	RunID string `json:"runId"`
}

// handleSavePost 处理远程推送的单条帖子，同步返回导入结果。
func (s *Server) handleSavePost(c *gin.Context) {
	var p remote.Payload
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	candidate, err := p.Candidate()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := s.deps.Posts.Import(c.Request.Context(), candidate, p.Options)
	if err != nil {
		s.logger.Error("save post failed",
			slog.Int64("external_id", candidate.ExternalID),
			slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "import failed"})
		return
	}
	c.JSON(http.StatusOK, remote.SaveResponse{
		PostID:  strconv.FormatInt(res.PostID, 10),
		Outcome: res.Outcome,
	})
}

// handleUploadDataset 把请求体落盘后交给后台任务池处理，立即返回 202。
//
// 导入选项通过 query 传入，如 ?downloadImages=true&forceDownloadImagesDays=7。
func (s *Server) handleUploadDataset(c *gin.Context) {
	opts, err := optionsFromQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	spool, err := os.CreateTemp(s.cfg.Dataset.SpoolDir, "dataset-*.json")
	if err != nil {
		s.logger.Error("create spool file failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "spool failed"})
		return
	}
	path := spool.Name()
	_, copyErr := io.Copy(spool, c.Request.Body)
	closeErr := spool.Close()
	if copyErr != nil || closeErr != nil {
		_ = os.Remove(path)
		c.JSON(http.StatusBadRequest, gin.H{"error": "read body failed"})
		return
	}

	runID := uuid.NewString()
	task := queue.Task{
		Name: "dataset-upload:" + runID,
		Run: func(ctx context.Context) error {
			defer os.Remove(path)
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()
			summary, err := s.deps.Datasets.RunEnvelope(context.WithoutCancel(ctx), f, opts)
			if err != nil {
				s.recordUploadFailure(context.WithoutCancel(ctx), runID, opts, err)
				return err
			}
			s.logger.Info("dataset upload imported",
				slog.String("run_id", runID),
				slog.Int("total", summary.Total),
				slog.String("outcomes", summary.String()))
			return nil
		},
	}
	if !s.deps.Pool.Enqueue(task) {
		_ = os.Remove(path)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "importer busy"})
		return
	}
	c.JSON(http.StatusAccepted, acceptedResponse{RunID: runID})
}

// recordUploadFailure 把失败的后台上传导入记为死信。
// 上传的数据已随落盘文件删除，记录只保存导入选项，不可重放。
func (s *Server) recordUploadFailure(ctx context.Context, runID string, opts lifecycle.ImportOptions, cause error) {
	if s.deps.UploadFailed == nil {
		return
	}
	payload, err := json.Marshal(opts)
	if err != nil {
		payload = []byte("{}")
	}
	s.deps.UploadFailed(ctx, jobqueue.DeadLetter{
		Queue:        UploadQueueName,
		Kind:         jobqueue.KindDatasetImport,
		JobID:        runID,
		AttemptsMade: 1,
		MaxAttempts:  1,
		Reason:       cause.Error(),
		Payload:      string(payload),
		FailedAt:     time.Now().UTC(),
	})
}

func optionsFromQuery(c *gin.Context) (lifecycle.ImportOptions, error) {
	var opts lifecycle.ImportOptions
	var err error
	parseBool := func(key string, dst *bool) {
		if err != nil {
			return
		}
		if v := c.Query(key); v != "" {
			*dst, err = strconv.ParseBool(v)
		}
	}
	parseBool("useAI", &opts.UseAI)
	parseBool("downloadImages", &opts.DownloadImages)
	parseBool("forceDownloadImages", &opts.ForceDownloadImages)
	if err != nil {
		return opts, err
	}
	if v := c.Query("forceDownloadImagesDays"); v != "" {
		days, err := strconv.Atoi(v)
		if err != nil || days < 0 {
			return opts, errors.New("forceDownloadImagesDays must be a non-negative integer")
		}
		opts.ForceDownloadImagesDays = &days
	}
	return opts, nil
}

func (s *Server) handleEnqueueScrape(c *gin.Context) {
	var p jobqueue.ScrapeImportPayload
	if err := bindOptional(c, &p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if p.Pages < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "pages must not be negative"})
		return
	}
	s.enqueue(c, jobqueue.KindScrapeImport, p)
}

func (s *Server) handleEnqueueDataset(c *gin.Context) {
	var p jobqueue.DatasetImportPayload
	if err := bindOptional(c, &p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if s.cfg.Dataset.SourceURL == "" {
		c.JSON(http.StatusConflict, gin.H{"error": "dataset source not configured"})
		return
	}
	s.enqueue(c, jobqueue.KindDatasetImport, p)
}

func (s *Server) handleEnqueueMetric(c *gin.Context) {
	var p jobqueue.MetricIncrementPayload
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if _, err := p.Event(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.enqueue(c, jobqueue.KindMetricIncrement, p)
}

func (s *Server) enqueue(c *gin.Context, kind string, payload any) {
	job, err := s.deps.Jobs.Enqueue(c.Request.Context(), kind, payload)
	if err != nil {
		s.logger.Error("enqueue job failed", slog.String("kind", kind), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "enqueue failed"})
		return
	}
	c.JSON(http.StatusAccepted, acceptedResponse{RunID: job.ID})
}

// bindOptional 允许空请求体。
func bindOptional(c *gin.Context, v any) error {
	if c.Request.ContentLength == 0 {
		return nil
	}
	return c.ShouldBindJSON(v)
}

type deadLetterResponse struct {
	ID           uint    `json:"id"`
	Queue        string  `json:"queue"`
	Kind         string  `json:"kind"`
	OriginalID   string  `json:"originalId"`
	JobID        string  `json:"jobId"`
	AttemptsMade int     `json:"attemptsMade"`
	MaxAttempts  int     `json:"maxAttempts"`
	Reason       string  `json:"reason"`
	Payload      string  `json:"payload"`
	FailedAt     string  `json:"failedAt"`
	ReplayedAt   *string `json:"replayedAt,omitempty"`
}

func (s *Server) handleListDeadLetters(c *gin.Context) {
	limit := parseQueryInt(c, "limit", 50)
	list, err := s.deps.DeadLetters.ListDeadLetters(c.Request.Context(), c.Query("kind"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list dead letters failed"})
		return
	}
	out := make([]deadLetterResponse, 0, len(list))
	for _, dl := range list {
		resp := deadLetterResponse{
			ID:           dl.ID,
			Queue:        dl.Queue,
			Kind:         dl.Kind,
			OriginalID:   dl.OriginalID,
			JobID:        dl.JobID,
			AttemptsMade: dl.AttemptsMade,
			MaxAttempts:  dl.MaxAttempts,
			Reason:       dl.Reason,
			Payload:      dl.Payload,
			FailedAt:     dl.FailedAt.UTC().Format(time.RFC3339),
		}
		if dl.ReplayedAt != nil {
			v := dl.ReplayedAt.UTC().Format(time.RFC3339)
			resp.ReplayedAt = &v
		}
		out = append(out, resp)
	}
	c.JSON(http.StatusOK, gin.H{"items": out})
}

// handleReplayDeadLetter 把死信中的原始任务参数作为新任务重新投递。
func (s *Server) handleReplayDeadLetter(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	ctx := c.Request.Context()
	dl, err := s.deps.DeadLetters.GetDeadLetter(ctx, uint(id))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "dead letter not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load dead letter failed"})
		return
	}
	if dl.ReplayedAt != nil {
		c.JSON(http.StatusConflict, gin.H{"error": "already replayed"})
		return
	}

	var original jobqueue.Job
	if err := json.Unmarshal([]byte(dl.Payload), &original); err != nil || original.Kind == "" {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "dead letter payload is not a job"})
		return
	}
	job, err := s.deps.Jobs.Enqueue(ctx, original.Kind, original.Payload)
	if err != nil {
		if errors.Is(err, jobqueue.ErrUnknownKind) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "enqueue failed"})
		return
	}
	if err := s.deps.DeadLetters.MarkDeadLetterReplayed(ctx, dl.ID); err != nil {
		s.logger.Warn("mark dead letter replayed failed",
			slog.Uint64("id", uint64(dl.ID)),
			slog.String("error", err.Error()))
	}
	s.logger.Info("dead letter replayed",
		slog.Uint64("id", uint64(dl.ID)),
		slog.String("job_id", job.ID))
	c.JSON(http.StatusAccepted, acceptedResponse{RunID: job.ID})
}

func parseQueryInt(c *gin.Context, key string, def int) int {
	v := c.Query(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil || i <= 0 {
		return def
	}
	return i
}
