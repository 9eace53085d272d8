// Package remote is the out-of-process bridge that pushes listings to a running API instance.
package remote

import (
	"encoding/json"
	"errors"
	"fmt"

	"autohunter/internal/ingest/dataset"
	"autohunter/internal/lifecycle"
	"autohunter/internal/normalize"
)

// Payload 是 POST /posts 的请求体，也是桥接工具发送的规范形态。
type Payload struct {
	ExternalID  normalize.ExternalID         `json:"externalId"`
	Origin      string                       `json:"origin"`
	Caption     string                       `json:"caption"`
	CreatedTime json.RawMessage              `json:"createdTime"`
	Media       []lifecycle.MediaRef         `json:"media"`
	Attributes  *lifecycle.VehicleAttributes `json:"attributes,omitempty"`
	Account     lifecycle.AccountRef         `json:"account"`
	Counters    lifecycle.Counters           `json:"counters"`
	Options     lifecycle.ImportOptions      `json:"options"`
}

var ErrInvalidPayload = errors.New("remote: invalid payload")

// Candidate 校验并转换为导入候选。
func (p Payload) Candidate() (lifecycle.Candidate, error) {
	if p.ExternalID.Int64() <= 0 {
		return lifecycle.Candidate{}, fmt.Errorf("%w: missing externalId", ErrInvalidPayload)
	}
	origin := p.Origin
	switch origin {
	case "":
		origin = lifecycle.OriginManual
	case lifecycle.OriginSocial, lifecycle.OriginAuction, lifecycle.OriginManual:
	default:
		return lifecycle.Candidate{}, fmt.Errorf("%w: unknown origin %q", ErrInvalidPayload, p.Origin)
	}
	created, ok := normalize.ParseTimestamp(p.CreatedTime)
	if !ok {
		return lifecycle.Candidate{}, fmt.Errorf("%w: unparseable createdTime", ErrInvalidPayload)
	}
	if p.Account.ID <= 0 {
		return lifecycle.Candidate{}, fmt.Errorf("%w: missing account", ErrInvalidPayload)
	}
	return lifecycle.Candidate{
		ExternalID: p.ExternalID.Int64(),
		Origin:     origin,
		Caption:    p.Caption,
		CreatedAt:  created,
		Media:      p.Media,
		Attributes: p.Attributes,
		Account:    p.Account,
		Counters:   p.Counters,
	}, nil
}

// Reshape 将一条原始记录整理为 Payload。
//
// 结构化来源（auction）的记录已经是规范形态，直接解码；
// 其余记录按社交帖子解析，只映射互动计数并仅保留图片媒体。
func Reshape(raw json.RawMessage) (Payload, error) {
	var head struct {
		Origin string `json:"origin"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if head.Origin == lifecycle.OriginAuction {
		var p Payload
		if err := json.Unmarshal(raw, &p); err != nil {
			return Payload{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return p, nil
	}

	var it dataset.Item
	if err := json.Unmarshal(raw, &it); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	origin := head.Origin
	if origin == "" {
		origin = lifecycle.OriginManual
	}
	var media []lifecycle.MediaRef
	for _, ref := range it.Media() {
		if ref.IsImage() {
			media = append(media, ref)
		}
	}
	return Payload{
		ExternalID:  it.ID,
		Origin:      origin,
		Caption:     it.Caption,
		CreatedTime: it.Timestamp,
		Media:       media,
		Account:     lifecycle.AccountRef{ID: it.OwnerID.Int64(), Username: it.OwnerUsername},
		Counters: lifecycle.Counters{
			Likes:    it.LikesCount,
			Comments: it.CommentsCount,
			Views:    it.VideoViewCount,
		},
	}, nil
}
