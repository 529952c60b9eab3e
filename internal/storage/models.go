package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"price-truth/internal/model"
)

// recordRow is the column form of a PriceTruthRecord shared by the SQL backends.
type recordRow struct {
	ProductKey    string
	SKU           sql.NullString
	Query         sql.NullString
	Currency      string
	VerifiedPrice sql.NullString
	Status        string
	Consensus     []byte
	Quotes        []byte
	RoundID       string
	TTLHours      float64
}

func toRow(rec model.PriceTruthRecord) (recordRow, error) {
	consensus, err := json.Marshal(rec.Consensus)
	if err != nil {
		return recordRow{}, fmt.Errorf("encode consensus: %w", err)
	}
	quotes := rec.Quotes
	if quotes == nil {
		quotes = []model.SourceQuoteRecord{}
	}
	quotesJSON, err := json.Marshal(quotes)
	if err != nil {
		return recordRow{}, fmt.Errorf("encode quotes: %w", err)
	}
	return recordRow{
		ProductKey:    rec.ProductKey,
		SKU:           nullString(rec.SKU),
		Query:         nullString(rec.Query),
		Currency:      rec.Currency,
		VerifiedPrice: nullDecimal(rec.VerifiedPrice),
		Status:        string(rec.Consensus.Status),
		Consensus:     consensus,
		Quotes:        quotesJSON,
		RoundID:       rec.RoundID,
		TTLHours:      rec.TTLHours,
	}, nil
}

func (r recordRow) toRecord() (model.PriceTruthRecord, error) {
	rec := model.PriceTruthRecord{
		ProductKey: r.ProductKey,
		SKU:        r.SKU.String,
		Query:      r.Query.String,
		Currency:   r.Currency,
		RoundID:    r.RoundID,
		TTLHours:   r.TTLHours,
	}
	if err := json.Unmarshal(r.Consensus, &rec.Consensus); err != nil {
		return model.PriceTruthRecord{}, fmt.Errorf("decode consensus of %s: %w", r.ProductKey, err)
	}
	if err := json.Unmarshal(r.Quotes, &rec.Quotes); err != nil {
		return model.PriceTruthRecord{}, fmt.Errorf("decode quotes of %s: %w", r.ProductKey, err)
	}
	price, err := parseNullDecimal(r.VerifiedPrice)
	if err != nil {
		return model.PriceTruthRecord{}, fmt.Errorf("parse verified price of %s: %w", r.ProductKey, err)
	}
	rec.VerifiedPrice = price
	return rec, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullDecimal(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func parseNullDecimal(s sql.NullString) (*decimal.Decimal, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(s.String)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// nullable turns an invalid NullString into a nil driver argument.
func nullable(s sql.NullString) any {
	if !s.Valid {
		return nil
	}
	return s.String
}

func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}
