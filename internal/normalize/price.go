package normalize

import (
	"math"
	"strconv"
	"strings"
)

// Fixed price components added on top of the source price.
const (
	HandlingFee      = 300
	Margin           = 1000
	ShippingHeavy    = 1050
	ShippingStandard = 850
)

// CalculatePrice derives the listed price from a raw source price.
// It returns nil when the raw price is missing or unparseable.
func CalculatePrice(raw string, bodyType string) *int64 {
	cleaned := strings.Map(func(r rune) rune {
		if (r >= '0' && r <= '9') || r == '.' {
			return r
		}
		return -1
	}, raw)
	if cleaned == "" {
		return nil
	}
	base, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return nil
	}

	shipping := ShippingStandard
	if bodyType == BodySUV || bodyType == BodyTransporter {
		shipping = ShippingHeavy
	}
	total := int64(math.Round(base + HandlingFee + Margin + float64(shipping)))
	return &total
}
