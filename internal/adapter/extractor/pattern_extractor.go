// Package extractor turns free-text refill requests into structured fields.
package extractor

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/rl1809/pharmacy-refill/internal/core/domain"
	"github.com/rl1809/pharmacy-refill/internal/port"
)

var (
	patientPattern  = regexp.MustCompile(`(?i)\b(PAT\d+)\b`)
	quantityPattern = regexp.MustCompile(`(?i)(?:\b(?:quantity|qty)\s*:?\s*(\d+))|(?:\b(\d+)\s*(?:x\b|packs?\b|packages?\b|boxes?\b|units?\b|bottles?\b))`)
)

// PatternExtractor is a deterministic extractor: a patient id token, a
// quantity phrase and the formulary product whose name appears in the text.
type PatternExtractor struct {
	catalog port.Catalog
}

func NewPatternExtractor(catalog port.Catalog) *PatternExtractor {
	return &PatternExtractor{catalog: catalog}
}

func (e *PatternExtractor) Extract(ctx context.Context, rawText string) (domain.Extraction, error) {
	var ext domain.Extraction
	found := 0

	if m := patientPattern.FindStringSubmatch(rawText); m != nil {
		ext.PatientID = strings.ToUpper(m[1])
		found++
	}

	if m := quantityPattern.FindStringSubmatch(rawText); m != nil {
		digits := m[1]
		if digits == "" {
			digits = m[2]
		}
		if n, err := strconv.Atoi(digits); err == nil && n > 0 {
			ext.Quantity = n
			found++
		}
	}

	products, err := e.catalog.Products(ctx)
	if err != nil {
		return ext, fmt.Errorf("extract: list products: %w", err)
	}
	if id, ok := mentionedProduct(products, rawText); ok {
		ext.ProductID = id
		found++
	}

	ext.Confidence = float64(found) / 3
	return ext, nil
}

// mentionedProduct returns the product with the longest name key contained
// in text. The key is the name up to its first comma, then its first word.
func mentionedProduct(products []domain.Product, text string) (string, bool) {
	lower := strings.ToLower(text)
	best, bestLen := "", 0
	for _, p := range products {
		for _, key := range nameKeys(p.Name) {
			if len(key) > bestLen && containsWord(lower, key) {
				best, bestLen = p.ID, len(key)
			}
		}
	}
	return best, bestLen > 0
}

func nameKeys(name string) []string {
	lower := strings.ToLower(strings.TrimSpace(name))
	head, _, _ := strings.Cut(lower, ",")
	head = strings.TrimSpace(head)
	keys := []string{lower}
	if head != lower && head != "" {
		keys = append(keys, head)
	}
	if fields := strings.Fields(head); len(fields) > 1 && len(fields[0]) >= 4 {
		keys = append(keys, fields[0])
	}
	return keys
}

func containsWord(text, key string) bool {
	for from := 0; ; {
		i := strings.Index(text[from:], key)
		if i < 0 {
			return false
		}
		start := from + i
		end := start + len(key)
		if (start == 0 || !isWordByte(text[start-1])) && (end == len(text) || !isWordByte(text[end])) {
			return true
		}
		from = start + 1
	}
}

func isWordByte(b byte) bool {
	return b == '_' || b >= '0' && b <= '9' || b >= 'a' && b <= 'z'
}
