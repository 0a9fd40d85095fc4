package dedup

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-delivery-alerts/internal/blob"
	"github.com/tbourn/go-delivery-alerts/internal/domain"
)

// ErrStorageUnavailable marks a state read or write that failed for a
// reason other than the partition not existing yet.
var ErrStorageUnavailable = errors.New("dedup: state storage unavailable")

// ErrStateMalformed marks a stored partition that exists but cannot be
// decoded. It must not be overwritten with a smaller set.
var ErrStateMalformed = errors.New("dedup: stored state malformed")

// Store persists partition states as CSV blobs whose header is the key
// fields.
type Store struct {
	Blob   blob.Store
	Prefix string
}

// NewStore returns a store writing under prefix in b.
func NewStore(b blob.Store, prefix string) *Store {
	return &Store{Blob: b, Prefix: strings.Trim(prefix, "/")}
}

// Load returns the persisted state of p. A missing partition is an empty
// state. Any other failure is logged and also yields an empty state, with
// an error wrapping ErrStorageUnavailable or ErrStateMalformed for the
// caller to record; the returned state is always usable.
func (s *Store) Load(ctx context.Context, p Partition, fields []string) (*State, error) {
	empty := NewState(fields)
	key := p.Path(s.Prefix)

	data, err := s.Blob.Read(ctx, key)
	switch {
	case errors.Is(err, blob.ErrNotFound):
		log.Info().Str("partition", p.String()).Str("path", key).Msg("no dedup state yet; starting empty")
		return empty, nil
	case err != nil:
		log.Warn().Err(err).Str("partition", p.String()).Str("path", key).Msg("dedup state unreadable; treating as empty")
		return empty, fmt.Errorf("%w: read %s: %v", ErrStorageUnavailable, key, err)
	}

	st, err := decode(data, fields)
	if err != nil {
		log.Warn().Err(err).Str("partition", p.String()).Str("path", key).Msg("dedup state malformed; treating as empty")
		return empty, fmt.Errorf("%w: %s: %v", ErrStateMalformed, key, err)
	}
	log.Info().Str("partition", p.String()).Int("keys", st.Len()).Msg("dedup state loaded")
	return st, nil
}

// MergeAndSave writes old ∪ keys to p unconditionally and returns the
// merged state. A write failure is logged and returned wrapped in
// ErrStorageUnavailable; the merged state is returned either way.
func (s *Store) MergeAndSave(ctx context.Context, p Partition, old *State, keys *State) (*State, error) {
	merged := old.Union(keys)
	key := p.Path(s.Prefix)

	data, err := encode(merged)
	if err != nil {
		return merged, fmt.Errorf("encode state: %w", err)
	}
	if err := s.Blob.Write(ctx, key, data); err != nil {
		log.Error().Err(err).Str("partition", p.String()).Str("path", key).Msg("dedup state write failed")
		return merged, fmt.Errorf("%w: write %s: %v", ErrStorageUnavailable, key, err)
	}
	log.Info().Str("partition", p.String()).Int("keys", merged.Len()).Int("previous", old.Len()).Msg("dedup state saved")
	return merged, nil
}

func encode(s *State) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(s.fields); err != nil {
		return nil, err
	}
	for _, k := range s.Keys() {
		if err := w.Write(k.Values); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

// decode reads a state CSV. Columns are matched by name so extra columns
// and reordering are tolerated; every key field must be present.
func decode(data []byte, fields []string) (*State, error) {
	st := NewState(fields)
	if len(bytes.TrimSpace(data)) == 0 {
		return st, nil
	}
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	idx := make(map[string]int, len(records[0]))
	for i, h := range records[0] {
		idx[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))] = i
	}
	cols := make([]int, len(fields))
	for i, f := range fields {
		c, ok := idx[f]
		if !ok {
			return nil, fmt.Errorf("state header %v lacks key field %q", records[0], f)
		}
		cols[i] = c
	}
	for _, rec := range records[1:] {
		vals := make([]string, len(fields))
		for i, c := range cols {
			if c < len(rec) {
				vals[i] = rec[c]
			}
		}
		st.add(domain.NaturalKey{Fields: fields, Values: vals})
	}
	return st, nil
}
