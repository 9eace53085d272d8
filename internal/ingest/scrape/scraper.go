package scrape

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"autohunter/internal/ingest"
	"autohunter/internal/lifecycle"
	"autohunter/internal/pkg/metrics"
)

// Limiter 限制目录页请求速率（跨进程共享）。
type Limiter interface {
	Wait(ctx context.Context) error
}

// Page 是一页抓取结果。
type Page struct {
	Number     int
	Candidates []lifecycle.Candidate
	HasMore    bool
	NextPage   int
}

// Config 抓取参数。
type Config struct {
	BaseURL   string
	MinImages int
	Vendor    lifecycle.AccountRef // 挂牌缺少卖家信息时使用
}

// Scraper 抓取并解码目录页。
type Scraper struct {
	cfg     Config
	client  *http.Client
	limiter Limiter
	now     func() time.Time
	logger  *slog.Logger
}

func NewScraper(cfg Config, client *http.Client, limiter Limiter, logger *slog.Logger) *Scraper {
	if client == nil {
		client = http.DefaultClient
	}
	return &Scraper{cfg: cfg, client: client, limiter: limiter, now: time.Now, logger: logger}
}

// FetchPage 抓取第 n 页。
//
// 抓取或解码失败不会返回错误，而是返回 HasMore=false，由调用方视为分页结束。
func (s *Scraper) FetchPage(ctx context.Context, n int) Page {
	if n < 1 {
		n = 1
	}
	p, err := s.fetch(ctx, n)
	if err != nil {
		metrics.ScrapePagesTotal.WithLabelValues("failed").Inc()
		s.logger.Warn("scrape page failed, stopping pagination",
			slog.Int("page", n),
			slog.String("error", err.Error()))
		return Page{Number: n}
	}
	metrics.ScrapePagesTotal.WithLabelValues("ok").Inc()

	now := s.now()
	out := Page{Number: n}
	for _, l := range p.Items {
		if !l.Eligible(s.cfg.MinImages) {
			continue
		}
		out.Candidates = append(out.Candidates, l.Candidate(s.cfg.Vendor, now))
	}
	current := p.Page
	if current == 0 {
		current = n
	}
	if current < p.PageCount {
		out.HasMore = true
		out.NextPage = current + 1
	}
	return out
}

func (s *Scraper) fetch(ctx context.Context, n int) (*page, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit: %w", err)
		}
	}

	u, err := url.Parse(s.cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	q := u.Query()
	q.Set("page", strconv.Itoa(n))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	decoded, err := base64.StdEncoding.DecodeString(env.Data)
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	var p page
	if err := json.Unmarshal(decoded, &p); err != nil {
		return nil, fmt.Errorf("decode page: %w", err)
	}
	return &p, nil
}

// Importer 驱动多页抓取并逐页按批导入。
type Importer struct {
	scraper   *Scraper
	engine    ingest.Importer
	batchSize int
	logger    *slog.Logger
}

func NewImporter(scraper *Scraper, engine ingest.Importer, batchSize int, logger *slog.Logger) *Importer {
	if batchSize <= 0 {
		batchSize = 10
	}
	return &Importer{scraper: scraper, engine: engine, batchSize: batchSize, logger: logger}
}

// Run 最多抓取 pages 页；任何一页失败都视为没有更多数据。
func (im *Importer) Run(ctx context.Context, pages int, opts lifecycle.ImportOptions) (ingest.Summary, error) {
	if pages <= 0 {
		pages = 1
	}
	var summary ingest.Summary
	next := 1
	for fetched := 0; fetched < pages; fetched++ {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		p := im.scraper.FetchPage(ctx, next)
		for _, batch := range ingest.Chunk(p.Candidates, im.batchSize) {
			summary.Merge(ingest.RunBatch(ctx, "scrape", batch, ingest.ImportFunc(im.engine, opts), im.logger))
		}
		if !p.HasMore {
			break
		}
		next = p.NextPage
	}
	im.logger.Info("scrape import finished",
		slog.Int("last_page", next),
		slog.String("summary", summary.String()))
	return summary, nil
}
