package tools

import (
	"sort"
	"strings"
)

// KeywordSelector ranks tools by how many of their keywords appear in a
// query.
type KeywordSelector struct {
	registry *Registry
}

func NewKeywordSelector(r *Registry) *KeywordSelector {
	return &KeywordSelector{registry: r}
}

type scored struct {
	name  string
	score float64
}

// Select returns up to max tool names, best first. A tool's score is the
// fraction of its keywords found in the lowercased query; tools scoring zero
// or without keywords are never selected.
func (s *KeywordSelector) Select(query string, max int) []string {
	q := strings.ToLower(query)
	var ranked []scored
	for _, name := range s.registry.Names() {
		t, _ := s.registry.Get(name)
		kw, ok := t.(Keyworded)
		if !ok {
			continue
		}
		words := kw.Keywords()
		if len(words) == 0 {
			continue
		}
		matches := 0
		for _, w := range words {
			if strings.Contains(q, strings.ToLower(w)) {
				matches++
			}
		}
		if matches > 0 {
			ranked = append(ranked, scored{name: name, score: float64(matches) / float64(len(words))})
		}
	}

	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
	if max > 0 && len(ranked) > max {
		ranked = ranked[:max]
	}
	out := make([]string, len(ranked))
	for i, r := range ranked {
		out[i] = r.name
	}
	return out
}
