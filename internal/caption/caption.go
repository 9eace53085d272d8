// Package caption holds the default caption processor: cleaning, sold detection and reversible encoding.
package caption

import (
	"net/url"
	"regexp"
	"strings"
	"unicode"
)

var (
	hashtagPattern = regexp.MustCompile(`#[\p{L}\p{N}_]+`)
	mentionPattern = regexp.MustCompile(`@[\p{L}\p{N}_.]+`)
	spacePattern   = regexp.MustCompile(`[ \t]+`)
	blankLines     = regexp.MustCompile(`\n{3,}`)
)

var soldPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bverkauft\b`),
	regexp.MustCompile(`\bsold\b`),
	regexp.MustCompile(`\bsold out\b`),
	regexp.MustCompile(`\bnicht mehr verfügbar\b`),
	regexp.MustCompile(`\bbereits vergeben\b`),
	regexp.MustCompile(`✅\s*sold`),
}

// Processor is the default caption processor.
type Processor struct{}

// New returns the default processor.
func New() Processor { return Processor{} }

// Clean strips hashtags, mentions and emoji and collapses whitespace.
func (Processor) Clean(text string) string {
	s := hashtagPattern.ReplaceAllString(text, "")
	s = mentionPattern.ReplaceAllString(s, "")
	s = strings.Map(func(r rune) rune {
		switch {
		case r == '\n':
			return r
		case unicode.Is(unicode.So, r), unicode.Is(unicode.Sk, r), unicode.Is(unicode.Cs, r):
			return -1
		case r == '\u200d' || r == '\ufe0f':
			return -1
		case unicode.IsSpace(r):
			return ' '
		}
		return r
	}, s)
	s = spacePattern.ReplaceAllString(s, " ")

	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	s = blankLines.ReplaceAllString(strings.Join(lines, "\n"), "\n\n")
	return strings.TrimSpace(s)
}

// IsSold reports whether the text announces the vehicle as sold.
func (Processor) IsSold(text string) bool {
	lower := strings.ToLower(text)
	for _, re := range soldPatterns {
		if re.MatchString(lower) {
			return true
		}
	}
	return false
}

// Encode percent-encodes the text in query form (space becomes '+',
// a literal '+' becomes %2B); Decode reverses it.
func (Processor) Encode(text string) string {
	return url.QueryEscape(text)
}

func (Processor) Decode(encoded string) (string, error) {
	return url.QueryUnescape(encoded)
}
