package conversation

import (
	"context"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/loqalabs/loqa-kiosk/internal/catalog"
	"github.com/loqalabs/loqa-kiosk/internal/config"
)

type alias struct {
	keyword   string
	productID string
}

// Matcher resolves free text to a catalog product. Exact ID or name hits and
// aliases always apply; looser matching needs at least minLength runes.
type Matcher struct {
	catalog   catalog.Catalog
	aliases   []alias
	keywords  []string
	minLength int
}

func NewMatcher(cat catalog.Catalog, cfg config.ConversationConfig) *Matcher {
	m := &Matcher{catalog: cat, minLength: cfg.MinQueryLength}
	for kw, id := range cfg.Aliases {
		m.aliases = append(m.aliases, alias{keyword: strings.ToLower(kw), productID: id})
	}
	// Longer keywords first so "黑色" wins over "黑".
	sort.Slice(m.aliases, func(i, j int) bool {
		a, b := m.aliases[i], m.aliases[j]
		if len(a.keyword) != len(b.keyword) {
			return len(a.keyword) > len(b.keyword)
		}
		return a.keyword < b.keyword
	})
	for _, kw := range cfg.ProductKeywords {
		m.keywords = append(m.keywords, strings.ToLower(kw))
	}
	return m
}

// Match returns the first product the text resolves to.
func (m *Matcher) Match(ctx context.Context, text string) (catalog.Product, bool, error) {
	query := strings.ToLower(strings.TrimSpace(text))
	if query == "" {
		return catalog.Product{}, false, nil
	}
	long := utf8.RuneCountInString(query) >= m.minLength

	products, err := m.catalog.List(ctx)
	if err != nil {
		return catalog.Product{}, false, err
	}
	for _, p := range products {
		id, name := strings.ToLower(p.ID), strings.ToLower(p.Name)
		if strings.Contains(query, id) || (name != "" && strings.Contains(query, name)) {
			return p, true, nil
		}
		if long && (strings.Contains(id, query) || strings.Contains(name, query)) {
			return p, true, nil
		}
	}

	for _, a := range m.aliases {
		if !strings.Contains(query, a.keyword) {
			continue
		}
		p, ok, err := m.catalog.GetProduct(ctx, a.productID)
		if err != nil {
			return catalog.Product{}, false, err
		}
		if ok {
			return p, true, nil
		}
	}

	if !long {
		return catalog.Product{}, false, nil
	}
	for _, p := range products {
		core := m.stripKeywords(strings.ToLower(p.ID))
		if core != "" && strings.Contains(query, core) {
			return p, true, nil
		}
	}

	if !m.hasKeyword(query) {
		return catalog.Product{}, false, nil
	}
	hits, err := m.catalog.SearchByKeyword(ctx, query)
	if err != nil {
		return catalog.Product{}, false, err
	}
	if len(hits) == 0 {
		for _, kw := range m.keywords {
			if !strings.Contains(query, kw) {
				continue
			}
			if hits, err = m.catalog.SearchByKeyword(ctx, kw); err != nil {
				return catalog.Product{}, false, err
			}
			if len(hits) > 0 {
				break
			}
		}
	}
	if len(hits) == 0 {
		return catalog.Product{}, false, nil
	}
	return hits[0], true, nil
}

// stripKeywords removes brand and garment words, leaving colour and style.
func (m *Matcher) stripKeywords(id string) string {
	for _, kw := range m.keywords {
		id = strings.ReplaceAll(id, kw, "")
	}
	return strings.TrimSpace(id)
}

func (m *Matcher) hasKeyword(query string) bool {
	for _, kw := range m.keywords {
		if strings.Contains(query, kw) {
			return true
		}
	}
	return false
}
