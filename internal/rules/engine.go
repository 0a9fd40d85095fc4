package rules

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-delivery-alerts/internal/domain"
)

// Placeholder is the token the report uses for "no value"; it coerces to 0
// unless the field is strict.
const Placeholder = "-"

// dateLayouts are tried in order; zoned layouts are converted to UTC first.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"01/02/2006",
	"1/2/2006",
	"2006/01/02",
}

// Fields lists the columns Normalize coerces.
type Fields struct {
	Numeric []string
	// Strict numeric fields treat Placeholder as missing.
	Strict []string
	Dates  []string
}

// FieldsOf collects the coerced columns referenced by rules. A field is
// strict when any condition on it is strict.
func FieldsOf(rules ...Rule) Fields {
	var f Fields
	numeric := map[string]bool{}
	strict := map[string]bool{}
	dates := map[string]bool{}
	for _, r := range rules {
		for _, c := range r.Conditions {
			switch {
			case c.Op.Numeric():
				if !numeric[c.Field] {
					numeric[c.Field] = true
					f.Numeric = append(f.Numeric, c.Field)
				}
				if c.Strict && !strict[c.Field] {
					strict[c.Field] = true
					f.Strict = append(f.Strict, c.Field)
				}
			case c.Op.Date():
				if !dates[c.Field] {
					dates[c.Field] = true
					f.Dates = append(f.Dates, c.Field)
				}
			}
		}
	}
	return f
}

// Engine evaluates rules. Today is taken from Now in Location.
type Engine struct {
	Location *time.Location
	Now      func() time.Time
}

// NewEngine returns an engine whose notion of "today" follows loc.
func NewEngine(loc *time.Location) *Engine {
	if loc == nil {
		loc = time.UTC
	}
	return &Engine{Location: loc, Now: time.Now}
}

// Today returns the current calendar date in the engine's location, as UTC
// midnight so it compares directly with coerced report dates.
func (e *Engine) Today() time.Time {
	now := time.Now
	if e.Now != nil {
		now = e.Now
	}
	loc := e.Location
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := now().In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Normalize returns copies of rows with the listed fields coerced. Text is
// shared with the input and must not be modified.
func (e *Engine) Normalize(rows []domain.DeliveryRow, fields Fields) []domain.DeliveryRow {
	strict := make(map[string]bool, len(fields.Strict))
	for _, f := range fields.Strict {
		strict[f] = true
	}

	out := make([]domain.DeliveryRow, len(rows))
	var missing int
	for i, row := range rows {
		n := domain.DeliveryRow{
			Text:    row.Text,
			Numbers: make(map[string]float64, len(fields.Numeric)),
			Dates:   make(map[string]time.Time, len(fields.Dates)),
		}
		for _, f := range fields.Numeric {
			if v, ok := ParseNumber(row.Value(f), strict[f]); ok {
				n.Numbers[f] = v
			} else {
				missing++
			}
		}
		for _, f := range fields.Dates {
			if v, ok := ParseDate(row.Value(f)); ok {
				n.Dates[f] = v
			} else {
				missing++
			}
		}
		out[i] = n
	}
	log.Debug().Int("rows", len(rows)).Int("missing_values", missing).Msg("rows normalized")
	return out
}

// ParseNumber coerces a metric. Placeholder is 0 unless strict; anything
// non-numeric is missing.
func ParseNumber(raw string, strict bool) (float64, bool) {
	s := strings.TrimSpace(raw)
	if s == Placeholder {
		return 0, !strict
	}
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// ParseDate coerces a date-like value to its UTC calendar date.
func ParseDate(raw string) (time.Time, bool) {
	s := strings.TrimSpace(raw)
	if s == "" || s == Placeholder {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		t, err := time.Parse(layout, s)
		if err != nil {
			continue
		}
		y, m, d := t.UTC().Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), true
	}
	return time.Time{}, false
}

// Predicate reports whether a normalized row violates a rule.
type Predicate func(domain.DeliveryRow) bool

// Predicate compiles r against today. All conditions must hold; a missing
// value makes its condition false.
func (r Rule) Predicate(today time.Time) Predicate {
	checks := make([]Predicate, len(r.Conditions))
	for i, c := range r.Conditions {
		checks[i] = c.compile(today)
	}
	return func(row domain.DeliveryRow) bool {
		for _, ok := range checks {
			if !ok(row) {
				return false
			}
		}
		return true
	}
}

func (c Condition) compile(today time.Time) Predicate {
	field := c.Field
	switch {
	case c.Op.Numeric():
		want := 0.0
		if c.Number != nil {
			want = *c.Number
		}
		cmp := numericCmp(c.Op)
		return func(row domain.DeliveryRow) bool {
			v, ok := row.Number(field)
			return ok && cmp(v, want)
		}
	case c.Op.Date():
		after := c.Op == OpOnOrAfterToday
		return func(row domain.DeliveryRow) bool {
			d, ok := row.Date(field)
			if !ok {
				return false
			}
			if after {
				return !d.Before(today)
			}
			return d.Before(today)
		}
	case c.Op == OpEquals:
		return func(row domain.DeliveryRow) bool {
			v, ok := row.Text[field]
			return ok && strings.TrimSpace(v) == c.Text
		}
	case c.Op == OpNotEquals:
		return func(row domain.DeliveryRow) bool {
			v, ok := row.Text[field]
			return ok && strings.TrimSpace(v) != "" && strings.TrimSpace(v) != c.Text
		}
	case c.Op == OpIn:
		set := make(map[string]struct{}, len(c.Texts))
		for _, t := range c.Texts {
			set[t] = struct{}{}
		}
		return func(row domain.DeliveryRow) bool {
			_, ok := set[strings.TrimSpace(row.Text[field])]
			return ok
		}
	}
	return func(domain.DeliveryRow) bool { return false }
}

func numericCmp(op Op) func(a, b float64) bool {
	switch op {
	case OpGTE:
		return func(a, b float64) bool { return a >= b }
	case OpGT:
		return func(a, b float64) bool { return a > b }
	case OpLTE:
		return func(a, b float64) bool { return a <= b }
	case OpLT:
		return func(a, b float64) bool { return a < b }
	case OpEQ:
		return func(a, b float64) bool { return a == b }
	case OpNE:
		return func(a, b float64) bool { return a != b }
	}
	return func(float64, float64) bool { return false }
}

// Classify returns the rows of normalized that violate r, tagged with the
// rule name and natural key. Matching rows with an incomplete key are
// dropped with a warning.
func (e *Engine) Classify(normalized []domain.DeliveryRow, r Rule) []domain.ViolationRow {
	return e.ClassifyAt(normalized, r, e.Today())
}

// ClassifyAt is Classify with date conditions evaluated against today. A run
// passes the same day it partitions state under.
func (e *Engine) ClassifyAt(normalized []domain.DeliveryRow, r Rule, today time.Time) []domain.ViolationRow {
	pred := r.Predicate(today)
	var out []domain.ViolationRow
	dropped := 0
	for _, row := range normalized {
		if !pred(row) {
			continue
		}
		key := domain.KeyOf(row, r.KeyFields)
		if !key.Valid() {
			dropped++
			log.Warn().Str("rule", r.Name).Str("key", key.String()).
				Str(domain.FieldLineItemID, row.Value(domain.FieldLineItemID)).
				Msg("violation dropped: incomplete natural key")
			continue
		}
		out = append(out, domain.ViolationRow{DeliveryRow: row, Rule: r.Name, Key: key})
	}
	log.Info().Str("rule", r.Name).Int("rows", len(normalized)).Int("violations", len(out)).Int("dropped", dropped).Msg("rows classified")
	return out
}
