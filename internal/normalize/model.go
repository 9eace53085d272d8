package normalize

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

var (
	seriesShorthand = regexp.MustCompile(`\b(\d)er\b`)
	multiSpace      = regexp.MustCompile(`\s+`)
)

// Makes whose hyphenated model families are cased segment by segment
// (c-class -> C-Class, amg-gt -> AMG-GT).
var segmentCasedMakes = map[string]bool{
	"mercedes-benz": true,
	"volkswagen":    true,
	"mazda":         true,
}

var modelOverrides = map[string]string{
	"I3":     "i3",
	"I4":     "i4",
	"I5":     "i5",
	"I7":     "i7",
	"I8":     "i8",
	"Ix":     "iX",
	"Ix3":    "iX3",
	"E-tron": "e-tron",
	"Mx-5":   "MX-5",
	"Cx-5":   "CX-5",
	"Up!":    "up!",
	"T-roc":  "T-Roc",
}

// MapModel maps a foreign model label to canonical casing for the given make.
func MapModel(raw, make string) string {
	m := strings.ToLower(strings.TrimSpace(raw))
	if m == "" {
		return ""
	}

	m = seriesShorthand.ReplaceAllString(m, "$1 series")
	m = strings.ReplaceAll(m, "klasse", "class")

	mk := strings.ToLower(strings.TrimSpace(MapMake(make)))
	if mk != "" {
		m = strings.ReplaceAll(m, mk, "")
		if first, _, found := strings.Cut(mk, "-"); found && len(first) > 3 {
			m = strings.ReplaceAll(m, first, "")
		}
	}
	m = strings.Trim(multiSpace.ReplaceAllString(m, " "), " -")
	if m == "" {
		return ""
	}

	segmentCase := segmentCasedMakes[mk]
	tokens := strings.Fields(m)
	for i, tok := range tokens {
		if segmentCase && strings.Contains(tok, "-") {
			parts := strings.Split(tok, "-")
			for j, p := range parts {
				parts[j] = caseToken(p, 3)
			}
			tokens[i] = strings.Join(parts, "-")
			continue
		}
		limit := 3
		if strings.IndexFunc(tok, unicode.IsDigit) >= 0 {
			limit = 4
		}
		tokens[i] = caseToken(tok, limit)
	}

	out := strings.Join(tokens, " ")
	if override, ok := modelOverrides[out]; ok {
		return override
	}
	return out
}

// caseToken upper-cases tokens of at most limit runes and capitalizes longer ones.
func caseToken(tok string, limit int) string {
	if tok == "" {
		return tok
	}
	if utf8.RuneCountInString(tok) <= limit {
		return strings.ToUpper(tok)
	}
	return capitalize(tok)
}

func capitalize(tok string) string {
	r, size := utf8.DecodeRuneInString(tok)
	return string(unicode.ToUpper(r)) + tok[size:]
}
