// Package aiextract turns free-form listing captions into vehicle attributes with an OpenAI-compatible model.
package aiextract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"autohunter/internal/lifecycle"
	"autohunter/internal/normalize"

	openai "github.com/sashabaranov/go-openai"
)

const systemPrompt = `You extract vehicle listing data from social media captions.
Answer with one JSON object using exactly these keys (omit unknown values or use null):
make, model, variant, firstRegistration, mileage, transmission, fuelType, engine,
drivetrain, bodyType, seats, doors, price, contact, options (array of strings), customsPaid (bool).
Numbers must be plain integers without units or separators.`

// Config 描述 AI 提取服务。
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
}

// Extractor 调用 chat completion 接口并将结果映射为标准词汇。
type Extractor struct {
	client *openai.Client
	model  string
}

func New(cfg Config) (*Extractor, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("aiextract: api key is required")
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = openai.GPT4oMini
	}
	return &Extractor{client: openai.NewClientWithConfig(oc), model: model}, nil
}

// extraction 是模型输出的原始结构，字段可能是字符串或数字。
type extraction struct {
	Make              string          `json:"make"`
	Model             string          `json:"model"`
	Variant           string          `json:"variant"`
	FirstRegistration string          `json:"firstRegistration"`
	Mileage           looseNumber     `json:"mileage"`
	Transmission      string          `json:"transmission"`
	FuelType          string          `json:"fuelType"`
	Engine            string          `json:"engine"`
	Drivetrain        string          `json:"drivetrain"`
	BodyType          string          `json:"bodyType"`
	Seats             looseNumber     `json:"seats"`
	Doors             looseNumber     `json:"doors"`
	Price             looseNumber     `json:"price"`
	Contact           string          `json:"contact"`
	Options           []string        `json:"options"`
	CustomsPaid       json.RawMessage `json:"customsPaid"`
}

// Extract 返回提取出的字段；模型输出无法解析时返回错误，由调用方回退为占位详情。
func (x *Extractor) Extract(ctx context.Context, caption string) (*lifecycle.VehicleAttributes, error) {
	resp, err := x.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       x.model,
		Temperature: 0,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: caption},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("aiextract: empty completion")
	}
	return Parse(resp.Choices[0].Message.Content)
}

// Parse 解析模型输出的 JSON 并应用标准化映射。
func Parse(content string) (*lifecycle.VehicleAttributes, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var raw extraction
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return nil, fmt.Errorf("decode extraction: %w", err)
	}

	mk := normalize.MapMake(strings.TrimSpace(raw.Make))
	model := normalize.MapModel(raw.Model, mk)
	attrs := &lifecycle.VehicleAttributes{
		Make:              mk,
		Model:             model,
		Variant:           normalize.MapVariant(raw.Variant, model),
		FirstRegistration: strings.TrimSpace(raw.FirstRegistration),
		Transmission:      strings.TrimSpace(raw.Transmission),
		FuelType:          normalize.MapFuelType(raw.FuelType),
		Engine:            strings.TrimSpace(raw.Engine),
		Drivetrain:        normalize.MapDrivetrain(raw.Drivetrain),
		BodyType:          normalize.MapBodyType(raw.BodyType),
		Contact:           strings.TrimSpace(raw.Contact),
		Mileage:           raw.Mileage.int64Ptr(),
		Price:             raw.Price.int64Ptr(),
		Seats:             raw.Seats.intPtr(),
		Doors:             raw.Doors.intPtr(),
		CustomsPaid:       string(raw.CustomsPaid) == "true",
	}
	for _, opt := range raw.Options {
		if opt = strings.TrimSpace(opt); opt != "" {
			attrs.Options = append(attrs.Options, opt)
		}
	}
	return attrs, nil
}

// looseNumber 接受数字或带单位 / 千分位的字符串（"85.000 km"），只保留数字。
type looseNumber struct {
	value int64
	set   bool
}

func (n *looseNumber) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" {
		return nil
	}
	if !strings.HasPrefix(raw, `"`) {
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return err
		}
		if f > 0 {
			n.value, n.set = int64(math.Round(f)), true
		}
		return nil
	}
	text := strings.Trim(raw, `"`)
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, text)
	if v, err := strconv.ParseInt(digits, 10, 64); err == nil && v > 0 {
		n.value, n.set = v, true
	}
	return nil
}

func (n looseNumber) int64Ptr() *int64 {
	if !n.set {
		return nil
	}
	v := n.value
	return &v
}

func (n looseNumber) intPtr() *int {
	if !n.set {
		return nil
	}
	v := int(n.value)
	return &v
}
