package pipeline

import (
	"bytes"
	"context"
	"encoding/csv"
	"path"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-delivery-alerts/internal/domain"
	"github.com/tbourn/go-delivery-alerts/internal/rules"
)

// writeArtifact stores an audit CSV under <runID>/name. Artifacts are side
// output: failures are logged and never affect the run.
func (o *Orchestrator) writeArtifact(ctx context.Context, runID, name string, build func() ([]byte, error)) {
	if o.Artifacts == nil {
		return
	}
	p := path.Join(runID, name)
	data, err := build()
	if err == nil {
		err = o.Artifacts.Write(ctx, p, data)
	}
	if err != nil {
		log.Warn().Err(err).Str("artifact", p).Msg("artifact write failed")
		return
	}
	log.Debug().Str("artifact", p).Int("bytes", len(data)).Msg("artifact written")
}

// encodeRows writes header and rows as CSV. With fields set, coerced columns
// hold their normalized value (numbers in shortest form, dates as
// YYYY-MM-DD) and are empty where the value is missing.
func encodeRows(header []string, rows []domain.DeliveryRow, fields *rules.Fields) ([]byte, error) {
	coerced := map[string]bool{}
	if fields != nil {
		for _, f := range fields.Numeric {
			coerced[f] = true
		}
		for _, f := range fields.Dates {
			coerced[f] = true
		}
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return nil, err
	}
	rec := make([]string, len(header))
	for _, row := range rows {
		for i, col := range header {
			if coerced[col] {
				rec[i] = coercedValue(row, col)
			} else {
				rec[i] = row.Value(col)
			}
		}
		if err := w.Write(rec); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

func coercedValue(row domain.DeliveryRow, col string) string {
	if v, ok := row.Number(col); ok {
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	if d, ok := row.Date(col); ok {
		return d.Format("2006-01-02")
	}
	return ""
}

// encodeViolations writes the raw columns of each violation followed by its
// rule and natural key.
func encodeViolations(header []string, rows []domain.ViolationRow) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(append(append([]string(nil), header...), "rule", "natural_key")); err != nil {
		return nil, err
	}
	for _, v := range rows {
		rec := make([]string, 0, len(header)+2)
		for _, col := range header {
			rec = append(rec, v.Value(col))
		}
		rec = append(rec, v.Rule, v.Key.String())
		if err := w.Write(rec); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}
