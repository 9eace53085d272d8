// Package scrape paginates the auction catalog and maps listings into import candidates.
package scrape

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"autohunter/internal/lifecycle"
	"autohunter/internal/normalize"
)

// envelope 是目录接口的外层响应，data 为 base64 编码的页面 JSON。
type envelope struct {
	Data string `json:"data"`
}

type page struct {
	Items     []Listing `json:"items"`
	Page      int       `json:"page"`
	PageCount int       `json:"pageCount"`
}

// Seller 是挂牌的卖家。
type Seller struct {
	ID    normalize.ExternalID `json:"id"`
	Name  string               `json:"name"`
	Phone string               `json:"phone"`
}

// Listing 是目录中的一条车辆挂牌，字段使用来源站点的词汇。
type Listing struct {
	ID                normalize.ExternalID `json:"id"`
	Make              string               `json:"make"`
	Model             string               `json:"model"`
	Version           string               `json:"version"`
	FirstRegistration string               `json:"firstRegistration"`
	Mileage           *int64               `json:"mileage"`
	Transmission      string               `json:"transmission"`
	Fuel              string               `json:"fuel"`
	Power             string               `json:"power"`
	Drive             string               `json:"drive"`
	Body              string               `json:"body"`
	Seats             *int                 `json:"seats"`
	Doors             *int                 `json:"doors"`
	Price             json.RawMessage      `json:"price"`
	Images            []string             `json:"images"`
	Equipment         []string             `json:"equipment"`
	CustomsCleared    bool                 `json:"customsCleared"`
	CreatedAt         json.RawMessage      `json:"createdAt"`
	Seller            *Seller              `json:"seller"`
}

// rawPrice 返回价格文本；null 或缺失时返回 false。
func (l Listing) rawPrice() (string, bool) {
	raw := strings.TrimSpace(string(l.Price))
	if raw == "" || raw == "null" {
		return "", false
	}
	var s string
	if err := json.Unmarshal(l.Price, &s); err == nil {
		return s, strings.TrimSpace(s) != ""
	}
	return raw, true
}

// Eligible 只接受有价格且图片数大于 minImages 的挂牌。
func (l Listing) Eligible(minImages int) bool {
	_, ok := l.rawPrice()
	return ok && len(l.Images) > minImages && l.ID.Int64() > 0
}

// Attributes 应用字段标准化并计算最终售价。
func (l Listing) Attributes() *lifecycle.VehicleAttributes {
	mk := normalize.MapMake(l.Make)
	model := normalize.MapModel(l.Model, mk)
	body := normalize.MapBodyType(l.Body)
	attrs := &lifecycle.VehicleAttributes{
		Make:              mk,
		Model:             model,
		Variant:           normalize.MapVariant(l.Version, model),
		FirstRegistration: strings.TrimSpace(l.FirstRegistration),
		Transmission:      strings.TrimSpace(l.Transmission),
		FuelType:          normalize.MapFuelType(l.Fuel),
		Engine:            strings.TrimSpace(l.Power),
		Drivetrain:        normalize.MapDrivetrain(l.Drive),
		BodyType:          body,
		Mileage:           l.Mileage,
		Seats:             l.Seats,
		Doors:             l.Doors,
		Options:           l.Equipment,
		CustomsPaid:       l.CustomsCleared,
	}
	if raw, ok := l.rawPrice(); ok {
		attrs.Price = normalize.CalculatePrice(raw, body)
	}
	if l.Seller != nil {
		attrs.Contact = strings.TrimSpace(l.Seller.Phone)
	}
	return attrs
}

// Candidate 将挂牌转换为导入候选，文案由结构化字段合成。
func (l Listing) Candidate(vendor lifecycle.AccountRef, now time.Time) lifecycle.Candidate {
	attrs := l.Attributes()
	created, ok := normalize.ParseTimestamp(l.CreatedAt)
	if !ok {
		created = now
	}
	account := vendor
	if l.Seller != nil && l.Seller.ID.Int64() > 0 {
		account = lifecycle.AccountRef{ID: l.Seller.ID.Int64(), Username: l.Seller.Name}
	}

	media := make([]lifecycle.MediaRef, 0, len(l.Images))
	for i, u := range l.Images {
		media = append(media, lifecycle.MediaRef{
			ID:   fmt.Sprintf("%d_%d", l.ID.Int64(), i),
			URL:  u,
			Kind: "image",
		})
	}

	return lifecycle.Candidate{
		ExternalID: l.ID.Int64(),
		Origin:     lifecycle.OriginAuction,
		Caption:    Caption(attrs),
		CreatedAt:  created,
		Media:      media,
		Attributes: attrs,
		Account:    account,
	}
}

// Caption 由结构化字段合成展示文案。
func Caption(a *lifecycle.VehicleAttributes) string {
	title := strings.Join(nonEmpty(a.Make, a.Model, a.Variant), " ")
	lines := []string{title}
	add := func(label, value string) {
		if value != "" {
			lines = append(lines, label+": "+value)
		}
	}
	add("Erstzulassung", a.FirstRegistration)
	if a.Mileage != nil {
		add("Kilometerstand", strconv.FormatInt(*a.Mileage, 10)+" km")
	}
	add("Kraftstoff", a.FuelType)
	add("Getriebe", a.Transmission)
	add("Leistung", a.Engine)
	add("Antrieb", a.Drivetrain)
	add("Karosserie", a.BodyType)
	if a.Price != nil {
		add("Preis", strconv.FormatInt(*a.Price, 10)+" EUR")
	}
	if a.CustomsPaid {
		lines = append(lines, "Verzollt")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func nonEmpty(values ...string) []string {
	var out []string
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
