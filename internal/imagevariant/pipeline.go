// Package imagevariant derives the standard, thumbnail and metadata-thumbnail variants of listing images.
package imagevariant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"autohunter/internal/pkg/metrics"
)

// ErrTranscoderUnavailable 表示转码器不可用，流水线会回退为原图直写。
var ErrTranscoderUnavailable = errors.New("imagevariant: transcoder unavailable")

// ErrInvalidImageID 表示图片 ID 不能安全地作为文件名使用。
var ErrInvalidImageID = errors.New("imagevariant: invalid image id")

// Spec 描述一种派生图片。
type Spec struct {
	Suffix  string // 文件名后缀，如 "-thumb"
	MaxSize int    // 长边像素上限
	Quality int    // JPEG 质量
}

// Specs 三种派生规格。
type Specs struct {
	Standard  Spec
	Thumbnail Spec
	Metadata  Spec
}

// DefaultSpecs 返回默认尺寸与质量。
func DefaultSpecs() Specs {
	return Specs{
		Standard:  Spec{Suffix: "", MaxSize: 1600, Quality: 82},
		Thumbnail: Spec{Suffix: "-thumb", MaxSize: 640, Quality: 72},
		Metadata:  Spec{Suffix: "-meta", MaxSize: 200, Quality: 60},
	}
}

// Set 是一张源图的三个派生位置。
type Set struct {
	Standard  string
	Thumbnail string
	Metadata  string
}

// ObjectStore 是派生文件的存储端口（本地文件系统或对象存储）。
type ObjectStore interface {
	Exists(ctx context.Context, key string) (bool, error)
	Put(ctx context.Context, key string, data []byte, contentType string) error
	RemovePrefix(ctx context.Context, prefix string) error
	Location(key string) string
}

// Transcoder 将源图编码为指定规格。
type Transcoder interface {
	Transcode(src []byte, spec Spec) ([]byte, error)
}

// Fetcher 下载源图。
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Pipeline 派生并持久化图片变体。
type Pipeline struct {
	store      ObjectStore
	transcoder Transcoder
	fetcher    Fetcher
	specs      Specs
	logger     *slog.Logger
}

// NewPipeline 创建流水线。transcoder 为 nil 时所有派生都回退为原图。
func NewPipeline(store ObjectStore, transcoder Transcoder, fetcher Fetcher, specs Specs, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		store:      store,
		transcoder: transcoder,
		fetcher:    fetcher,
		specs:      specs,
		logger:     logger,
	}
}

// Derive 返回 (vendor, post, image) 三个派生文件的位置。
//
// force 为 false 且三个文件都已存在时直接返回，不发起网络请求。
// 否则下载源图一次并写入三个派生；转码不可用时三者都写入原图字节。
func (p *Pipeline) Derive(ctx context.Context, sourceURL string, vendorID, postID int64, imageID string, force bool) (Set, error) {
	if !validImageID(imageID) {
		return Set{}, fmt.Errorf("%w: %q", ErrInvalidImageID, imageID)
	}
	specs := []Spec{p.specs.Standard, p.specs.Thumbnail, p.specs.Metadata}
	keys := make([]string, len(specs))
	for i, spec := range specs {
		keys[i] = objectKey(vendorID, postID, imageID, spec.Suffix)
	}
	set := Set{
		Standard:  p.store.Location(keys[0]),
		Thumbnail: p.store.Location(keys[1]),
		Metadata:  p.store.Location(keys[2]),
	}

	if !force {
		present, err := p.allExist(ctx, keys)
		if err != nil {
			return Set{}, err
		}
		if present {
			metrics.ImageVariantsTotal.WithLabelValues("skipped").Inc()
			return set, nil
		}
	}

	src, err := p.fetcher.Fetch(ctx, sourceURL)
	if err != nil {
		metrics.ImageVariantsTotal.WithLabelValues("failed").Inc()
		return Set{}, fmt.Errorf("fetch %s: %w", sourceURL, err)
	}

	fallback := false
	for i, spec := range specs {
		data, err := p.encode(src, spec)
		if errors.Is(err, ErrTranscoderUnavailable) {
			fallback = true
			data = src
		} else if err != nil {
			metrics.ImageVariantsTotal.WithLabelValues("failed").Inc()
			return Set{}, fmt.Errorf("transcode %s%s: %w", imageID, spec.Suffix, err)
		}
		if err := p.store.Put(ctx, keys[i], data, "image/jpeg"); err != nil {
			metrics.ImageVariantsTotal.WithLabelValues("failed").Inc()
			return Set{}, fmt.Errorf("store %s: %w", keys[i], err)
		}
	}

	if fallback {
		p.logger.Warn("transcoder unavailable, stored original bytes",
			slog.Int64("vendor_id", vendorID),
			slog.Int64("post_id", postID),
			slog.String("image_id", imageID))
		metrics.ImageVariantsTotal.WithLabelValues("fallback").Inc()
	} else {
		metrics.ImageVariantsTotal.WithLabelValues("derived").Inc()
	}
	return set, nil
}

// RemoveAll 删除 (vendor, post) 下的全部派生文件，目录不存在不视为错误。
func (p *Pipeline) RemoveAll(ctx context.Context, vendorID, postID int64) error {
	prefix := strconv.FormatInt(vendorID, 10) + "/" + strconv.FormatInt(postID, 10) + "/"
	if err := p.store.RemovePrefix(ctx, prefix); err != nil {
		return fmt.Errorf("remove %s: %w", prefix, err)
	}
	return nil
}

func (p *Pipeline) encode(src []byte, spec Spec) ([]byte, error) {
	if p.transcoder == nil {
		return nil, ErrTranscoderUnavailable
	}
	return p.transcoder.Transcode(src, spec)
}

func (p *Pipeline) allExist(ctx context.Context, keys []string) (bool, error) {
	for _, key := range keys {
		ok, err := p.store.Exists(ctx, key)
		if err != nil {
			return false, fmt.Errorf("stat %s: %w", key, err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// validImageID 只接受单个路径段：非空，不含分隔符与 ".."。
func validImageID(id string) bool {
	if id == "" || id == "." || strings.Contains(id, "..") {
		return false
	}
	return !strings.ContainsAny(id, "/\\\x00")
}

func objectKey(vendorID, postID int64, imageID, suffix string) string {
	return fmt.Sprintf("%d/%d/%s%s.jpg", vendorID, postID, imageID, suffix)
}
