// Package dataset streams the social-media scrape dataset into the lifecycle engine.
package dataset

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"autohunter/internal/lifecycle"
	"autohunter/internal/normalize"
)

// TypeSidecar 是唯一会被导入的帖子类型（多图帖子）。
const TypeSidecar = "Sidecar"

// Item 是数据集中的一条原始帖子。
type Item struct {
	ID             normalize.ExternalID `json:"id"`
	Type           string               `json:"type"`
	Caption        string               `json:"caption"`
	Timestamp      json.RawMessage      `json:"timestamp"`
	OwnerID        normalize.ExternalID `json:"ownerId"`
	OwnerUsername  string               `json:"ownerUsername"`
	LikesCount     int64                `json:"likesCount"`
	CommentsCount  int64                `json:"commentsCount"`
	VideoViewCount int64                `json:"videoViewCount"`
	DisplayURL     string               `json:"displayUrl"`
	ChildPosts     []Child              `json:"childPosts"`
}

// Child 是多图帖子中的一项媒体。
type Child struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	DisplayURL string `json:"displayUrl"`
}

// CreatedAt 解析帖子时间，秒与毫秒时间戳均可。
func (it Item) CreatedAt() (time.Time, bool) {
	return normalize.ParseTimestamp(it.Timestamp)
}

// Media 返回按原顺序排列的媒体引用，没有子项时退回封面图。
func (it Item) Media() []lifecycle.MediaRef {
	refs := make([]lifecycle.MediaRef, 0, len(it.ChildPosts))
	for i, child := range it.ChildPosts {
		if child.DisplayURL == "" {
			continue
		}
		id := child.ID
		if id == "" {
			id = strconv.FormatInt(it.ID.Int64(), 10) + "_" + strconv.Itoa(i)
		}
		refs = append(refs, lifecycle.MediaRef{ID: id, URL: child.DisplayURL, Kind: strings.ToLower(child.Type)})
	}
	if len(refs) == 0 && it.DisplayURL != "" {
		refs = append(refs, lifecycle.MediaRef{ID: strconv.FormatInt(it.ID.Int64(), 10), URL: it.DisplayURL, Kind: "image"})
	}
	return refs
}

// Candidate 将原始帖子转换为导入候选。
func (it Item) Candidate(origin string, createdAt time.Time) lifecycle.Candidate {
	return lifecycle.Candidate{
		ExternalID: it.ID.Int64(),
		Origin:     origin,
		Caption:    it.Caption,
		CreatedAt:  createdAt,
		Media:      it.Media(),
		Account:    lifecycle.AccountRef{ID: it.OwnerID.Int64(), Username: it.OwnerUsername},
		Counters: lifecycle.Counters{
			Likes:    it.LikesCount,
			Comments: it.CommentsCount,
			Views:    it.VideoViewCount,
		},
	}
}
