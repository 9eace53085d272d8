// Package lifecycle reconciles import candidates into posts and vehicle details.
package lifecycle

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"
)

// 来源标签。
const (
	OriginSocial  = "social"  // 社交平台数据集
	OriginAuction = "auction" // 拍卖站抓取
	OriginManual  = "manual"  // 手动 / API 推送
)

// MediaRef 是候选条目携带的一条媒体引用。
type MediaRef struct {
	ID   string `json:"id"`
	URL  string `json:"url"`
	Kind string `json:"kind"` // image / video，空值按 image 处理
}

// IsImage reports whether the reference points at a still image.
func (m MediaRef) IsImage() bool {
	k := strings.ToLower(m.Kind)
	return k == "" || k == "image"
}

type AccountRef struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

type Counters struct {
	Likes    int64 `json:"likes"`
	Comments int64 `json:"comments"`
	Views    int64 `json:"views"`
}

// VehicleAttributes 是结构化车辆字段，已经过 normalize 映射。
type VehicleAttributes struct {
	Make              string   `json:"make,omitempty"`
	Model             string   `json:"model,omitempty"`
	Variant           string   `json:"variant,omitempty"`
	FirstRegistration string   `json:"firstRegistration,omitempty"`
	Transmission      string   `json:"transmission,omitempty"`
	FuelType          string   `json:"fuelType,omitempty"`
	Engine            string   `json:"engine,omitempty"`
	Drivetrain        string   `json:"drivetrain,omitempty"`
	BodyType          string   `json:"bodyType,omitempty"`
	Contact           string   `json:"contact,omitempty"`
	Mileage           *int64   `json:"mileage,omitempty"`
	Seats             *int     `json:"seats,omitempty"`
	Doors             *int     `json:"doors,omitempty"`
	Price             *int64   `json:"price,omitempty"`
	Options           []string `json:"options,omitempty"`
	Sold              bool     `json:"sold,omitempty"`
	CustomsPaid       bool     `json:"customsPaid,omitempty"`
}

// IsEmpty reports whether no descriptive field is set.
func (a *VehicleAttributes) IsEmpty() bool {
	if a == nil {
		return true
	}
	for _, s := range []string{a.Make, a.Model, a.Variant, a.FirstRegistration, a.Transmission,
		a.FuelType, a.Engine, a.Drivetrain, a.BodyType, a.Contact} {
		if strings.TrimSpace(s) != "" {
			return false
		}
	}
	return a.Mileage == nil && a.Seats == nil && a.Doors == nil && a.Price == nil && len(a.Options) == 0
}

// Candidate 是适配器产出的一条待导入数据，只在一次导入中存活。
type Candidate struct {
	ExternalID int64              `json:"externalId"`
	Origin     string             `json:"origin"`
	Caption    string             `json:"caption"`
	CreatedAt  time.Time          `json:"createdAt"`
	Media      []MediaRef         `json:"media"`
	Attributes *VehicleAttributes `json:"attributes,omitempty"`
	Account    AccountRef         `json:"account"`
	Counters   Counters           `json:"counters"`
}

// ImportOptions 控制一次导入的可选行为。
type ImportOptions struct {
	UseAI                   bool `json:"useAI"`
	DownloadImages          bool `json:"downloadImages"`
	ForceDownloadImages     bool `json:"forceDownloadImages"`
	ForceDownloadImagesDays *int `json:"forceDownloadImagesDays,omitempty"`
}

// EffectiveForce 计算是否强制重新下载图片。
//
// 全局 force 为真时，若设置了天数窗口，帖子创建时间必须落在窗口内。
func (o ImportOptions) EffectiveForce(createdAt, now time.Time) bool {
	if !o.ForceDownloadImages {
		return false
	}
	if o.ForceDownloadImagesDays == nil {
		return true
	}
	cutoff := now.AddDate(0, 0, -*o.ForceDownloadImagesDays)
	return !createdAt.Before(cutoff)
}

// Fingerprint 返回候选内容与导入选项的 sha256，用于识别重复投递。
func Fingerprint(c Candidate, opts ImportOptions) string {
	payload, _ := json.Marshal(struct {
		Candidate Candidate     `json:"candidate"`
		Options   ImportOptions `json:"options"`
	}{c, opts})
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
