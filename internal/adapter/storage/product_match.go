package storage

import (
	"strings"

	"github.com/sahilm/fuzzy"

	"github.com/rl1809/pharmacy-refill/internal/core/domain"
)

// matchProduct resolves free text against products (ordered by ID). A
// case-insensitive substring of the name wins; otherwise the best fuzzy
// subsequence match is accepted when its matched characters stay within
// twice the query length.
func matchProduct(products []domain.Product, text string) (domain.Product, error) {
	query := strings.ToLower(strings.TrimSpace(text))
	if query == "" {
		return domain.Product{}, domain.ErrNotFound
	}

	names := make([]string, len(products))
	for i, p := range products {
		names[i] = strings.ToLower(p.Name)
		if strings.Contains(names[i], query) || strings.ToLower(p.ID) == query {
			return p, nil
		}
	}

	for _, m := range fuzzy.Find(query, names) {
		if len(m.MatchedIndexes) == 0 {
			continue
		}
		span := m.MatchedIndexes[len(m.MatchedIndexes)-1] - m.MatchedIndexes[0] + 1
		if span <= 2*len(query) {
			return products[m.Index], nil
		}
	}
	return domain.Product{}, domain.ErrNotFound
}

// sameProduct reports an exact ID or case-insensitive name match.
func sameProduct(p domain.Product, nameOrID string) bool {
	return p.ID == nameOrID || strings.EqualFold(p.Name, strings.TrimSpace(nameOrID))
}
