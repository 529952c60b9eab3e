package model

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// ErrEmptyProductKey is returned when neither a SKU nor a query was given.
var ErrEmptyProductKey = errors.New("product key requires a sku or a query")

const (
	skuPrefix   = "sku:"
	queryPrefix = "q:"
)

// ProductKey identifies a product either by SKU or by free-text query.
// When both are present the SKU is the primary storage key, the query is used
// for search and the record is also written under the query alias.
type ProductKey struct {
	SKU   string
	Query string
}

// NewProductKey trims and validates the identifiers.
func NewProductKey(sku, query string) (ProductKey, error) {
	key := ProductKey{SKU: strings.TrimSpace(sku), Query: strings.TrimSpace(query)}
	if key.SKU == "" && NormalizeQuery(key.Query) == "" {
		return ProductKey{}, ErrEmptyProductKey
	}
	return key, nil
}

// ParseProductKey reads the "sku:<id>" / "q:<text>" form used in configuration.
func ParseProductKey(raw string) (ProductKey, error) {
	raw = strings.TrimSpace(raw)
	switch {
	case strings.HasPrefix(strings.ToLower(raw), skuPrefix):
		return NewProductKey(raw[len(skuPrefix):], "")
	case strings.HasPrefix(strings.ToLower(raw), queryPrefix):
		return NewProductKey("", raw[len(queryPrefix):])
	default:
		return ProductKey{}, fmt.Errorf("product key %q must start with %q or %q", raw, skuPrefix, queryPrefix)
	}
}

// String is the storage key.
func (k ProductKey) String() string {
	if k.SKU != "" {
		return skuPrefix + strings.ToUpper(k.SKU)
	}
	return queryPrefix + NormalizeQuery(k.Query)
}

// Aliases lists the extra storage keys a record for k is written under.
func (k ProductKey) Aliases() []string {
	if k.SKU == "" {
		return nil
	}
	if q := NormalizeQuery(k.Query); q != "" {
		return []string{queryPrefix + q}
	}
	return nil
}

// SearchText is what source adapters search for.
func (k ProductKey) SearchText() string {
	if k.Query != "" {
		return k.Query
	}
	return k.SKU
}

// NormalizeQuery folds compatibility forms, lowercases and collapses punctuation/whitespace.
func NormalizeQuery(q string) string {
	q = norm.NFKC.String(q)
	q = strings.ToLower(q)
	q = strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return ' '
	}, q)
	return strings.Join(strings.Fields(q), " ")
}
