package normalize

import (
	"regexp"
	"strings"
)

// Product-line codes that are written glued to their displacement (c220d, gle350).
var productCode = regexp.MustCompile(`\b(a|b|c|e|s|g|v|cla|cls|gla|glb|glc|gle|gls|sl|slk)(\d{2,3})([a-z]?)\b`)

var variantNoise = []*regexp.Regexp{
	regexp.MustCompile(`\b\d+\.?\s*(generation|gen\.?)(\s|$)`),
	regexp.MustCompile(`\bthe new\b`),
	regexp.MustCompile(`\ball[- ]new\b`),
	regexp.MustCompile(`^(benzin|diesel|elektro|hybrid|plug-in-hybrid)\s+`),
}

// Trim abbreviations and dealer filler dropped token by token.
var variantNoiseTokens = map[string]bool{
	"lim.":               true,
	"aut.":               true,
	"autom.":             true,
	"navi":               true,
	"klima":              true,
	"mwst":               true,
	"mwst.":              true,
	"euro6":              true,
	"euro6d":             true,
	"scheckheft":         true,
	"scheckheftgepflegt": true,
}

// Model names at or below this length are only stripped when they trail the variant.
const variantModelMinLen = 3

// MapVariant strips the model name and marketing noise from a trim label and title-cases the rest.
func MapVariant(raw, model string) string {
	v := strings.ToLower(strings.TrimSpace(raw))
	if v == "" {
		return ""
	}

	mdl := strings.ToLower(strings.TrimSpace(model))
	switch {
	case len(mdl) > variantModelMinLen:
		v = strings.ReplaceAll(v, mdl, " ")
	case mdl != "":
		if v == mdl {
			v = ""
		} else {
			v = strings.TrimSuffix(v, " "+mdl)
		}
	}

	v = productCode.ReplaceAllString(v, "$1 $2$3")
	for _, re := range variantNoise {
		v = re.ReplaceAllString(v, " ")
	}

	tokens := make([]string, 0, 8)
	for _, tok := range strings.Fields(v) {
		if variantNoiseTokens[tok] {
			continue
		}
		tokens = append(tokens, capitalize(tok))
	}
	return strings.Join(tokens, " ")
}
