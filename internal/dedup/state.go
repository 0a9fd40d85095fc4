// Package dedup tracks which violations were already notified.
//
// State is a set of natural keys per partition (one rule bucket on one
// calendar day). Keys compare case-insensitively after trimming, merges are
// idempotent and a partition's set only grows.
package dedup

import (
	"path"
	"sort"
	"time"

	"github.com/tbourn/go-delivery-alerts/internal/domain"
)

const dateLayout = "2006-01-02"

// Partition scopes a dedup state.
type Partition struct {
	Bucket string
	Date   time.Time
}

// NewPartition returns the partition of bucket for the calendar day of t.
func NewPartition(bucket string, t time.Time) Partition {
	y, m, d := t.Date()
	return Partition{Bucket: bucket, Date: time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}
}

// Day formats the partition date as YYYY-MM-DD.
func (p Partition) Day() string { return p.Date.Format(dateLayout) }

// Path returns <prefix>/<bucket>/date=<YYYY-MM-DD>.csv.
func (p Partition) Path(prefix string) string {
	return path.Join(prefix, p.Bucket, "date="+p.Day()+".csv")
}

func (p Partition) String() string { return p.Bucket + "@" + p.Day() }

// State is a set of normalized natural keys over fixed key fields.
// The zero value is not usable; call NewState.
type State struct {
	fields []string
	keys   map[string]domain.NaturalKey
}

// NewState returns an empty state over fields, optionally seeded with keys.
func NewState(fields []string, keys ...domain.NaturalKey) *State {
	s := &State{fields: append([]string(nil), fields...), keys: make(map[string]domain.NaturalKey, len(keys))}
	for _, k := range keys {
		s.add(k)
	}
	return s
}

// Fields returns the key fields.
func (s *State) Fields() []string { return append([]string(nil), s.fields...) }

// Len returns the number of distinct keys.
func (s *State) Len() int { return len(s.keys) }

// Contains reports whether an equal key is present.
func (s *State) Contains(k domain.NaturalKey) bool {
	_, ok := s.keys[k.Canonical()]
	return ok
}

func (s *State) add(k domain.NaturalKey) bool {
	if !k.Valid() {
		return false
	}
	c := k.Canonical()
	if _, ok := s.keys[c]; ok {
		return false
	}
	n := k.Normalized()
	n.Fields = s.fields
	s.keys[c] = n
	return true
}

// Clone returns an independent copy.
func (s *State) Clone() *State {
	c := &State{fields: s.fields, keys: make(map[string]domain.NaturalKey, len(s.keys))}
	for k, v := range s.keys {
		c.keys[k] = v
	}
	return c
}

// Merge returns s ∪ keys as a new state; s is unchanged. Invalid keys are
// ignored.
func (s *State) Merge(keys ...domain.NaturalKey) *State {
	out := s.Clone()
	for _, k := range keys {
		out.add(k)
	}
	return out
}

// Union returns s ∪ other.
func (s *State) Union(other *State) *State {
	if other == nil {
		return s.Clone()
	}
	return s.Merge(other.Keys()...)
}

// Keys returns the normalized keys in canonical order.
func (s *State) Keys() []domain.NaturalKey {
	canon := make([]string, 0, len(s.keys))
	for c := range s.keys {
		canon = append(canon, c)
	}
	sort.Strings(canon)
	out := make([]domain.NaturalKey, len(canon))
	for i, c := range canon {
		out[i] = s.keys[c]
	}
	return out
}

// Equal reports whether both states hold the same keys.
func (s *State) Equal(other *State) bool {
	if other == nil || len(s.keys) != len(other.keys) {
		return false
	}
	for c := range s.keys {
		if _, ok := other.keys[c]; !ok {
			return false
		}
	}
	return true
}

// FilterNew splits violations into those not yet in state and returns them
// with old ∪ observed. Only the first violation of a key within one call is
// returned.
func FilterNew(state *State, violations []domain.ViolationRow) ([]domain.ViolationRow, *State) {
	observed := state.Clone()
	var fresh []domain.ViolationRow
	for _, v := range violations {
		if !v.Key.Valid() {
			continue
		}
		if observed.add(v.Key) {
			fresh = append(fresh, v)
		}
	}
	return fresh, observed
}
