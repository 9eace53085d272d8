package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"autohunter/internal/idempotency"
	"autohunter/internal/imagevariant"
	"autohunter/internal/model"
	"autohunter/internal/pkg/metrics"
	"autohunter/internal/store"
)

// 导入结果。
const (
	OutcomeCreated     = "created"
	OutcomeUpdated     = "updated"
	OutcomePruned      = "pruned"
	OutcomeDeletedNoop = "deleted_noop"
	OutcomeDuplicate   = "duplicate"
	OutcomeLostRace    = "lost_race"
	OutcomeFailed      = "failed"
)

// ImageDeriver 派生并清理图片变体。
type ImageDeriver interface {
	Derive(ctx context.Context, sourceURL string, vendorID, postID int64, imageID string, force bool) (imagevariant.Set, error)
	RemoveAll(ctx context.Context, vendorID, postID int64) error
}

// Extractor 从文案中提取车辆字段。
type Extractor interface {
	Extract(ctx context.Context, caption string) (*VehicleAttributes, error)
}

// CaptionProcessor 文案清洗、售出检测与可逆编码。
type CaptionProcessor interface {
	Clean(text string) string
	IsSold(text string) bool
	Encode(text string) string
}

// IDGenerator 生成独立的车辆详情 ID。
type IDGenerator interface {
	Next() int64
}

// Result 是一次导入的结果。
type Result struct {
	PostID  int64
	Outcome string
}

// Engine 是帖子 / 车辆详情的归并状态机。
type Engine struct {
	store         store.Store
	guard         *idempotency.Guard
	captions      CaptionProcessor
	ids           IDGenerator
	images        ImageDeriver
	extractor     Extractor
	recencyMonths int
	now           func() time.Time
	logger        *slog.Logger
}

// Option 配置 Engine 的可选协作者。
type Option func(*Engine)

// WithImages 启用图片派生。
func WithImages(images ImageDeriver) Option {
	return func(e *Engine) { e.images = images }
}

// WithExtractor 启用 AI 字段提取。
func WithExtractor(x Extractor) Option {
	return func(e *Engine) { e.extractor = x }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithRecencyMonths 覆盖默认的 3 个月时效窗口。
func WithRecencyMonths(months int) Option {
	return func(e *Engine) {
		if months > 0 {
			e.recencyMonths = months
		}
	}
}

// NewEngine 创建引擎。
//
// 参数:
//
//	st: 事务存储
//	guard: 幂等守卫
//	captions: 文案处理器
//	ids: 详情 ID 生成器
//	logger: 日志记录器
func NewEngine(st store.Store, guard *idempotency.Guard, captions CaptionProcessor, ids IDGenerator, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:         st,
		guard:         guard,
		captions:      captions,
		ids:           ids,
		recencyMonths: 3,
		now:           time.Now,
		logger:        logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Cutoff returns the start of the recency window relative to now.
func (e *Engine) Cutoff() time.Time {
	return e.now().AddDate(0, -e.recencyMonths, 0)
}

// Now exposes the engine clock to adapters sharing its window.
func (e *Engine) Now() time.Time { return e.now() }

// Lookup 返回已存储的帖子；不存在时返回 (nil, nil)。
func (e *Engine) Lookup(ctx context.Context, postID int64) (*model.Post, error) {
	post, err := e.store.GetPost(ctx, postID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return post, nil
}

// Import 在幂等守卫下执行一次候选导入。
//
// 幂等检查在状态判断之前；成功时完成标记与帖子 / 详情写入处于同一事务。
func (e *Engine) Import(ctx context.Context, c Candidate, opts ImportOptions) (Result, error) {
	if c.ExternalID <= 0 {
		return Result{}, fmt.Errorf("lifecycle: invalid external id %d", c.ExternalID)
	}
	if c.Origin == "" {
		return Result{}, errors.New("lifecycle: empty origin")
	}

	ticket, err := e.guard.Begin(ctx, e.store, c.Origin, c.ExternalID, Fingerprint(c, opts))
	if err != nil {
		e.count(c.Origin, OutcomeFailed)
		return Result{}, err
	}

	var res Result
	switch {
	case ticket.SkipReason == idempotency.SkipLostRace:
		res = Result{PostID: c.ExternalID, Outcome: OutcomeLostRace}
	case ticket.SkipReason == idempotency.SkipCompleted:
		// 内容未变化的重放仍需检查时效窗口
		res, err = e.pruneIfStale(ctx, c, ticket)
	default:
		res, err = e.apply(ctx, c, opts, ticket)
	}

	if errors.Is(err, idempotency.ErrLostRace) {
		e.logger.Info("import lost race to concurrent worker", slog.String("key", ticket.Key))
		res, err = Result{PostID: c.ExternalID, Outcome: OutcomeLostRace}, nil
	}
	if err != nil {
		if ferr := e.guard.Fail(ctx, e.store, ticket, err); ferr != nil {
			e.logger.Error("record import failure",
				slog.String("key", ticket.Key),
				slog.String("error", ferr.Error()))
		}
		e.count(c.Origin, OutcomeFailed)
		return Result{}, fmt.Errorf("import %s: %w", ticket.Key, err)
	}
	e.count(c.Origin, res.Outcome)
	return res, nil
}

// pruneIfStale 处理内容未变化的重放：过期的活跃帖子被删除，其余情况不写入。
func (e *Engine) pruneIfStale(ctx context.Context, c Candidate, ticket *idempotency.Ticket) (Result, error) {
	existing, err := e.Lookup(ctx, c.ExternalID)
	if err != nil {
		return Result{}, fmt.Errorf("load post: %w", err)
	}
	if existing != nil && !existing.Deleted && e.stale(existing) {
		return e.prune(ctx, existing, ticket)
	}
	return Result{PostID: c.ExternalID, Outcome: OutcomeDuplicate}, nil
}

func (e *Engine) stale(p *model.Post) bool {
	return p.PostedAt.Before(e.Cutoff())
}

func (e *Engine) apply(ctx context.Context, c Candidate, opts ImportOptions, ticket *idempotency.Ticket) (Result, error) {
	existing, err := e.Lookup(ctx, c.ExternalID)
	if err != nil {
		return Result{}, fmt.Errorf("load post: %w", err)
	}

	// 已删除是终态，不产生任何写入
	if existing != nil && existing.Deleted {
		return Result{PostID: existing.ID, Outcome: OutcomeDeletedNoop}, nil
	}

	if existing != nil && e.stale(existing) {
		return e.prune(ctx, existing, ticket)
	}

	media := e.deriveMedia(ctx, c, opts)
	clean := e.captions.Clean(c.Caption)

	var fresh *model.VehicleDetail
	if existing == nil || existing.VehicleDetailID == nil {
		fresh = e.buildDetail(ctx, c, clean, opts)
	}

	outcome := OutcomeUpdated
	err = e.store.WithinTx(ctx, func(tx store.Store) error {
		if err := tx.EnsureAccount(ctx, c.Account.ID, c.Account.Username); err != nil {
			return fmt.Errorf("ensure account: %w", err)
		}

		detailID, err := e.upsertDetail(ctx, tx, c, clean, existing, fresh)
		if err != nil {
			return err
		}

		if existing == nil {
			outcome = OutcomeCreated
			post := &model.Post{
				ID:              c.ExternalID,
				AccountID:       c.Account.ID,
				Origin:          c.Origin,
				Caption:         e.captions.Encode(c.Caption),
				CleanCaption:    clean,
				PostedAt:        c.CreatedAt.UTC(),
				Media:           media,
				LikeCount:       c.Counters.Likes,
				CommentCount:    c.Counters.Comments,
				ViewCount:       c.Counters.Views,
				VehicleDetailID: &detailID,
			}
			if err := tx.CreatePost(ctx, post); err != nil {
				if errors.Is(err, store.ErrDuplicate) {
					return idempotency.ErrLostRace
				}
				return fmt.Errorf("create post: %w", err)
			}
		} else {
			post := *existing
			post.Revalidate = clean != existing.CleanCaption
			post.Caption = e.captions.Encode(c.Caption)
			post.CleanCaption = clean
			post.Media = media
			post.LikeCount = c.Counters.Likes
			post.CommentCount = c.Counters.Comments
			post.ViewCount = c.Counters.Views
			post.VehicleDetailID = &detailID
			if err := tx.SavePost(ctx, &post); err != nil {
				return fmt.Errorf("save post: %w", err)
			}
		}
		return e.guard.Complete(ctx, tx, ticket)
	})
	if err != nil {
		return Result{}, err
	}
	return Result{PostID: c.ExternalID, Outcome: outcome}, nil
}

// prune 将过期帖子及其详情软删除，提交后清理图片目录。
func (e *Engine) prune(ctx context.Context, existing *model.Post, ticket *idempotency.Ticket) (Result, error) {
	err := e.store.WithinTx(ctx, func(tx store.Store) error {
		if existing.VehicleDetailID != nil {
			detail, err := tx.GetVehicleDetail(ctx, *existing.VehicleDetailID)
			switch {
			case err == nil:
				detail.Deleted = true
				if err := tx.SaveVehicleDetail(ctx, detail); err != nil {
					return fmt.Errorf("delete detail: %w", err)
				}
			case !errors.Is(err, store.ErrNotFound):
				return fmt.Errorf("load detail: %w", err)
			}
		}
		post := *existing
		post.Deleted = true
		if err := tx.SavePost(ctx, &post); err != nil {
			return fmt.Errorf("delete post: %w", err)
		}
		return e.guard.Complete(ctx, tx, ticket)
	})
	if err != nil {
		return Result{}, err
	}

	if e.images != nil {
		if err := e.images.RemoveAll(ctx, existing.AccountID, existing.ID); err != nil {
			e.logger.Warn("remove image variants failed",
				slog.Int64("post_id", existing.ID),
				slog.String("error", err.Error()))
		}
	}
	e.logger.Info("post pruned",
		slog.Int64("post_id", existing.ID),
		slog.Time("posted_at", existing.PostedAt))
	return Result{PostID: existing.ID, Outcome: OutcomePruned}, nil
}

// deriveMedia 生成帖子的媒体列表。未启用下载时三个字段都引用源地址；
// 单张图片失败只记录日志并跳过。
func (e *Engine) deriveMedia(ctx context.Context, c Candidate, opts ImportOptions) []model.MediaVariant {
	media := make([]model.MediaVariant, 0, len(c.Media))
	download := opts.DownloadImages && e.images != nil
	force := opts.EffectiveForce(c.CreatedAt, e.now())

	for i, ref := range c.Media {
		if !ref.IsImage() || ref.URL == "" {
			continue
		}
		if !download {
			media = append(media, model.MediaVariant{
				ImageStandardResolutionURL: ref.URL,
				ImageThumbnailURL:          ref.URL,
				Metadata:                   ref.URL,
			})
			continue
		}
		imageID := ref.ID
		if imageID == "" {
			imageID = fmt.Sprintf("%d_%d", c.ExternalID, i)
		}
		set, err := e.images.Derive(ctx, ref.URL, c.Account.ID, c.ExternalID, imageID, force)
		if err != nil {
			e.logger.Warn("image derivation failed",
				slog.Int64("post_id", c.ExternalID),
				slog.String("image_id", imageID),
				slog.String("error", err.Error()))
			continue
		}
		media = append(media, model.MediaVariant{
			ImageStandardResolutionURL: set.Standard,
			ImageThumbnailURL:          set.Thumbnail,
			Metadata:                   set.Metadata,
		})
	}
	return media
}

// buildDetail 在首次导入时选择详情来源：结构化字段 > AI 提取 > 空占位。
func (e *Engine) buildDetail(ctx context.Context, c Candidate, clean string, opts ImportOptions) *model.VehicleDetail {
	if !c.Attributes.IsEmpty() {
		d := &model.VehicleDetail{ID: e.ids.Next(), Published: true}
		patchDetail(d, c.Attributes)
		return d
	}
	if opts.UseAI && e.extractor != nil && clean != "" {
		attrs, err := e.extractor.Extract(ctx, clean)
		switch {
		case err != nil:
			e.logger.Warn("ai extraction failed",
				slog.Int64("post_id", c.ExternalID),
				slog.String("error", err.Error()))
		case !attrs.IsEmpty():
			d := &model.VehicleDetail{ID: e.ids.Next(), Published: true}
			patchDetail(d, attrs)
			return d
		}
	}
	return &model.VehicleDetail{ID: c.ExternalID, Published: false}
}

// upsertDetail 返回帖子应关联的详情 ID。已有关联时只做补丁，不会替换 ID。
func (e *Engine) upsertDetail(ctx context.Context, tx store.Store, c Candidate, clean string, existing *model.Post, fresh *model.VehicleDetail) (int64, error) {
	sold := (c.Attributes != nil && c.Attributes.Sold) || e.captions.IsSold(clean)

	if existing != nil && existing.VehicleDetailID != nil {
		id := *existing.VehicleDetailID
		detail, err := tx.GetVehicleDetail(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			detail = &model.VehicleDetail{ID: id}
			patchDetail(detail, c.Attributes)
			detail.Sold = detail.Sold || sold
			if err := tx.CreateVehicleDetail(ctx, detail); err != nil {
				return 0, fmt.Errorf("recreate detail: %w", err)
			}
			return id, nil
		}
		if err != nil {
			return 0, fmt.Errorf("load detail: %w", err)
		}
		patchDetail(detail, c.Attributes)
		detail.Sold = detail.Sold || sold
		if err := tx.SaveVehicleDetail(ctx, detail); err != nil {
			return 0, fmt.Errorf("patch detail: %w", err)
		}
		return id, nil
	}

	current, err := tx.GetVehicleDetail(ctx, fresh.ID)
	switch {
	case err == nil:
		// 占位详情已存在（例如帖子曾经失败回滚后重试）
		patchDetail(current, c.Attributes)
		current.Sold = current.Sold || sold
		if err := tx.SaveVehicleDetail(ctx, current); err != nil {
			return 0, fmt.Errorf("patch detail: %w", err)
		}
		return current.ID, nil
	case !errors.Is(err, store.ErrNotFound):
		return 0, fmt.Errorf("load detail: %w", err)
	}

	fresh.Sold = fresh.Sold || sold
	if err := tx.CreateVehicleDetail(ctx, fresh); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return 0, idempotency.ErrLostRace
		}
		return 0, fmt.Errorf("create detail: %w", err)
	}
	return fresh.ID, nil
}

// patchDetail 选择性地合并字段：价格和里程有值即覆盖，其余字段只填空，
// sold 与 customsPaid 只会被置为 true。
func patchDetail(d *model.VehicleDetail, a *VehicleAttributes) {
	if a == nil {
		return
	}
	if a.Price != nil {
		d.Price = a.Price
	}
	if a.Mileage != nil {
		d.Mileage = a.Mileage
	}
	fill(&d.Make, a.Make)
	fill(&d.Model, a.Model)
	fill(&d.Variant, a.Variant)
	fill(&d.FirstRegistration, a.FirstRegistration)
	fill(&d.Transmission, a.Transmission)
	fill(&d.FuelType, a.FuelType)
	fill(&d.Engine, a.Engine)
	fill(&d.Drivetrain, a.Drivetrain)
	fill(&d.BodyType, a.BodyType)
	fill(&d.Contact, a.Contact)
	if d.Seats == nil {
		d.Seats = a.Seats
	}
	if d.Doors == nil {
		d.Doors = a.Doors
	}
	if len(d.Options) == 0 && len(a.Options) > 0 {
		d.Options = append([]string(nil), a.Options...)
	}
	if a.Sold {
		d.Sold = true
	}
	if a.CustomsPaid {
		d.CustomsPaid = true
	}
}

func fill(dst *string, v string) {
	if *dst == "" && v != "" {
		*dst = v
	}
}

func (e *Engine) count(origin, outcome string) {
	metrics.ImportItemsTotal.WithLabelValues(origin, outcome).Inc()
}
