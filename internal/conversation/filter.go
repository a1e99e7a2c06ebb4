package conversation

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/loqalabs/loqa-kiosk/internal/config"
)

// Drop reasons reported by Filter.Check.
const (
	ReasonEmpty       = "empty"
	ReasonPunctuation = "punctuation"
	ReasonDenyList    = "deny_list"
	ReasonLatinNoise  = "latin_noise"
)

var latinRun = regexp.MustCompile(`[A-Za-z]{5,}`)

// Filter drops recognizer artifacts before they reach consensus or the state
// machine. Latin deny-list entries match whole words; other entries match as
// substrings.
type Filter struct {
	words    []*regexp.Regexp
	phrases  []string
	keywords []string
}

func NewFilter(cfg config.ConversationConfig) *Filter {
	f := &Filter{}
	for _, entry := range cfg.DenyList {
		entry = strings.ToLower(strings.TrimSpace(entry))
		if entry == "" {
			continue
		}
		if isLatin(entry) {
			pattern := `\b` + strings.Join(strings.Fields(regexp.QuoteMeta(entry)), `\s+`) + `\b`
			f.words = append(f.words, regexp.MustCompile(pattern))
			continue
		}
		f.phrases = append(f.phrases, entry)
	}
	for _, kw := range cfg.ProductKeywords {
		if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
			f.keywords = append(f.keywords, kw)
		}
	}
	return f
}

// Check returns the cleaned text and "" when text should be processed, or
// the drop reason.
func (f *Filter) Check(text string) (string, string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ReasonEmpty
	}
	if strings.IndexFunc(text, func(r rune) bool { return !unicode.IsPunct(r) && !unicode.IsSpace(r) }) < 0 {
		return "", ReasonPunctuation
	}
	lower := strings.ToLower(text)
	for _, phrase := range f.phrases {
		if strings.Contains(lower, phrase) {
			return "", ReasonDenyList
		}
	}
	for _, re := range f.words {
		if re.MatchString(lower) {
			return "", ReasonDenyList
		}
	}
	if latinRun.MatchString(text) && !f.hasKeyword(lower) {
		return "", ReasonLatinNoise
	}
	return text, ""
}

func (f *Filter) hasKeyword(lower string) bool {
	for _, kw := range f.keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func isLatin(s string) bool {
	for _, r := range s {
		if r > unicode.MaxASCII {
			return false
		}
	}
	return true
}
