package domain

import (
	"strings"
	"time"

	"golang.org/x/text/cases"
)

// Report columns the alerting path reads, after header normalization.
const (
	FieldLineItemID      = "line_item_id"
	FieldLineItemName    = "line_item_name"
	FieldCreativeName    = "creative_name"
	FieldCreativeSize    = "creative_size"
	FieldOrderTrafficker = "order_trafficker"
)

// DeliveryRow is one ad-delivery record from a report result.
//
// Text holds every column as delivered. Numbers and Dates hold the coerced
// values of rule-relevant columns; a column absent from those maps is a
// missing value, which is not the same as a measured zero.
type DeliveryRow struct {
	Text    map[string]string
	Numbers map[string]float64
	Dates   map[string]time.Time
}

// NewDeliveryRow builds a row from a header and a record of equal length.
// Extra header entries map to empty strings.
func NewDeliveryRow(header, record []string) DeliveryRow {
	text := make(map[string]string, len(header))
	for i, col := range header {
		if i < len(record) {
			text[col] = record[i]
		} else {
			text[col] = ""
		}
	}
	return DeliveryRow{Text: text}
}

// Value returns the raw text of field, or "" when the column is absent.
func (r DeliveryRow) Value(field string) string { return r.Text[field] }

// Number returns the coerced numeric value of field and whether it is present.
func (r DeliveryRow) Number(field string) (float64, bool) {
	v, ok := r.Numbers[field]
	return v, ok
}

// Date returns the coerced calendar date (UTC midnight) of field and whether it is present.
func (r DeliveryRow) Date(field string) (time.Time, bool) {
	v, ok := r.Dates[field]
	return v, ok
}

// ViolationRow is a DeliveryRow that satisfied a rule, tagged with the rule
// name and its natural key.
type ViolationRow struct {
	DeliveryRow
	Rule string
	Key  NaturalKey
}

// NaturalKey is the ordered tuple of identifying values used for dedup.
type NaturalKey struct {
	Fields []string
	Values []string
}

// KeyOf extracts the natural key for fields from row.
func KeyOf(row DeliveryRow, fields []string) NaturalKey {
	vals := make([]string, len(fields))
	for i, f := range fields {
		vals[i] = row.Value(f)
	}
	return NaturalKey{Fields: fields, Values: vals}
}

// Valid reports whether every key component is non-empty after trimming.
func (k NaturalKey) Valid() bool {
	if len(k.Values) == 0 || len(k.Values) != len(k.Fields) {
		return false
	}
	for _, v := range k.Values {
		if strings.TrimSpace(v) == "" {
			return false
		}
	}
	return true
}

// keySep never appears in report text.
const keySep = "\x1f"

// Canonical returns the comparison form of the key: each component trimmed
// and case-folded, joined by an unprintable separator. Two keys are equal
// for dedup purposes iff their canonical forms are equal.
func (k NaturalKey) Canonical() string {
	folder := cases.Fold()
	parts := make([]string, len(k.Values))
	for i, v := range k.Values {
		parts[i] = folder.String(strings.TrimSpace(v))
	}
	return strings.Join(parts, keySep)
}

// Normalized returns a copy of the key holding the canonical component values.
func (k NaturalKey) Normalized() NaturalKey {
	folder := cases.Fold()
	vals := make([]string, len(k.Values))
	for i, v := range k.Values {
		vals[i] = folder.String(strings.TrimSpace(v))
	}
	return NaturalKey{Fields: k.Fields, Values: vals}
}

// String renders the key for logs.
func (k NaturalKey) String() string {
	return "(" + strings.Join(k.Values, ", ") + ")"
}
