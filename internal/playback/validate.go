package playback

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	noisePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)chinese\s+letter`),
		regexp.MustCompile(`(?i)try\s+these\s+letter`),
		regexp.MustCompile(`(?i)chi\s+these\s+letter`),
		regexp.MustCompile(`(?i)these\s+letter`),
		regexp.MustCompile(`(?i)\btidy\b`),
		regexp.MustCompile(`^\s*[A-Za-z]\s*$`),
	}
	pricePattern = regexp.MustCompile(`[¥$€£₹]\s*\d+|\d+\s*[元块]`)
	keyPhrases   = []string{"亲亲", "为您找到", "价格", "商品"}
)

// ValidText reports whether text is worth synthesizing. Recognizer artifacts
// and bare latin fragments are rejected. Anything with CJK characters, a
// price, or a shop phrase is accepted.
func ValidText(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	for _, re := range noisePatterns {
		if re.MatchString(text) {
			return false
		}
	}
	if hasHan(text) || pricePattern.MatchString(text) {
		return true
	}
	for _, phrase := range keyPhrases {
		if strings.Contains(text, phrase) {
			return true
		}
	}
	return len([]rune(text)) > 5 && !pureLatin(text)
}

func hasHan(s string) bool {
	for _, r := range s {
		if unicode.Is(unicode.Han, r) {
			return true
		}
	}
	return false
}

func pureLatin(s string) bool {
	for _, r := range s {
		if unicode.IsSpace(r) || unicode.IsPunct(r) {
			continue
		}
		if r > unicode.MaxASCII || !unicode.IsLetter(r) {
			return false
		}
	}
	return true
}
