// Package rules turns normalized delivery rows into rule violations.
//
// A Rule is declarative: a list of conditions over report columns that must
// all hold for a row to violate it, plus the columns that identify a
// violation (its natural key) and the column naming the responsible owner.
// Rules are loaded from YAML so that variants (for example different video
// duration thresholds) can be added without code changes.
package rules

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/tbourn/go-delivery-alerts/internal/domain"
)

// Op is a comparison operator.
type Op string

// Numeric operators compare a coerced metric against Condition.Number.
const (
	OpGTE Op = "gte"
	OpGT  Op = "gt"
	OpLTE Op = "lte"
	OpLT  Op = "lt"
	OpEQ  Op = "eq"
	OpNE  Op = "ne"
)

// Text operators compare the raw column text.
const (
	OpEquals    Op = "equals"
	OpNotEquals Op = "not_equals"
	OpIn        Op = "in"
)

// Date operators compare a coerced calendar date against today.
const (
	OpOnOrAfterToday Op = "on_or_after_today"
	OpBeforeToday    Op = "before_today"
)

// Numeric reports whether op compares numbers.
func (op Op) Numeric() bool {
	switch op {
	case OpGTE, OpGT, OpLTE, OpLT, OpEQ, OpNE:
		return true
	}
	return false
}

// Date reports whether op compares dates.
func (op Op) Date() bool { return op == OpOnOrAfterToday || op == OpBeforeToday }

// Condition is one clause of a rule.
type Condition struct {
	Field  string   `yaml:"field" validate:"required"`
	Op     Op       `yaml:"op" validate:"required,oneof=gte gt lte lt eq ne equals not_equals in on_or_after_today before_today"`
	Number *float64 `yaml:"number,omitempty"`
	Text   string   `yaml:"text,omitempty"`
	Texts  []string `yaml:"texts,omitempty"`
	// Strict makes the "-" placeholder a missing value instead of zero.
	Strict bool `yaml:"strict,omitempty"`
}

// Rule is a named, independently evaluated violation definition.
type Rule struct {
	Name        string      `yaml:"name" validate:"required"`
	Bucket      string      `yaml:"bucket" validate:"required,excludes=/"`
	Title       string      `yaml:"title"`
	Description string      `yaml:"description"`
	KeyFields   []string    `yaml:"key_fields" validate:"required,min=1,dive,required"`
	OwnerField  string      `yaml:"owner_field"`
	Conditions  []Condition `yaml:"conditions" validate:"required,min=1,dive"`
}

// File is the on-disk layout of a rules file.
type File struct {
	Rules []Rule `yaml:"rules" validate:"required,min=1,dive"`
}

var validate = validator.New()

// Validate checks field constraints and operand consistency.
func (r Rule) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("rule %q: %w", r.Name, err)
	}
	for i, c := range r.Conditions {
		switch {
		case c.Op.Numeric() && c.Number == nil:
			return fmt.Errorf("rule %q: condition %d (%s %s): number operand required", r.Name, i, c.Field, c.Op)
		case c.Op == OpIn && len(c.Texts) == 0:
			return fmt.Errorf("rule %q: condition %d (%s in): texts operand required", r.Name, i, c.Field)
		}
	}
	return nil
}

// Parse decodes and validates a YAML rules document. Missing titles and
// owner fields get defaults.
func Parse(data []byte) ([]Rule, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	if err := validate.Struct(f); err != nil {
		return nil, fmt.Errorf("validate rules: %w", err)
	}
	for i := range f.Rules {
		r := &f.Rules[i]
		if err := r.Validate(); err != nil {
			return nil, err
		}
		if r.OwnerField == "" {
			r.OwnerField = domain.FieldOrderTrafficker
		}
		if strings.TrimSpace(r.Title) == "" {
			r.Title = r.Name
		}
	}
	if err := CheckSet(f.Rules); err != nil {
		return nil, err
	}
	return f.Rules, nil
}

// ErrDuplicateRule is returned when two rules share a name or a bucket.
var ErrDuplicateRule = errors.New("duplicate rule")

// CheckSet rejects rule sets with repeated names or buckets. Each bucket is
// one dedup partition per day, written once per run by its rule, so a shared
// bucket would let one rule's write replace another's keys. Buckets are
// compared case-insensitively since they become path segments.
func CheckSet(rs []Rule) error {
	names := make(map[string]bool, len(rs))
	buckets := make(map[string]string, len(rs))
	for _, r := range rs {
		if names[r.Name] {
			return fmt.Errorf("%w: name %q", ErrDuplicateRule, r.Name)
		}
		names[r.Name] = true
		b := strings.ToLower(strings.TrimSpace(r.Bucket))
		if other, ok := buckets[b]; ok {
			return fmt.Errorf("%w: rules %q and %q share bucket %q", ErrDuplicateRule, other, r.Name, r.Bucket)
		}
		buckets[b] = r.Name
	}
	return nil
}

// Load reads rules from path. An empty path yields Defaults.
func Load(path string) ([]Rule, error) {
	if strings.TrimSpace(path) == "" {
		return Defaults(), nil
	}
	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("rules file %s not found: %w", path, err)
		}
		return nil, fmt.Errorf("read rules: %w", err)
	}
	return Parse(data)
}

// DefaultKeyFields identify a violation by line item, creative and size.
var DefaultKeyFields = []string{domain.FieldLineItemID, domain.FieldCreativeName, domain.FieldCreativeSize}

func num(v float64) *float64 { return &v }

// Defaults is the built-in rule set: skippable video creatives of 30s or
// more served with the skip button disabled.
func Defaults() []Rule {
	return []Rule{{
		Name:        "skip_not_enabled",
		Bucket:      "skip_not_enabled",
		Title:       "Creative size Skip not enabled alert",
		Description: "The following line items require immediate attention due to a skip not enabled for creative video duration >= 30 sec:",
		KeyFields:   append([]string(nil), DefaultKeyFields...),
		OwnerField:  domain.FieldOrderTrafficker,
		Conditions: []Condition{
			{Field: "video_viewership_video_length", Op: OpGTE, Number: num(30)},
			{Field: "video_viewership_skip_button_shown", Op: OpEQ, Number: num(0)},
			{Field: domain.FieldCreativeSize, Op: OpEquals, Text: "480 x 361v"},
			{Field: "programmatic_deal_id", Op: OpEQ, Number: num(0), Strict: true},
			{Field: "line_item_creative_end_date", Op: OpOnOrAfterToday},
		},
	}}
}
