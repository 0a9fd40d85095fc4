package report

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/tbourn/go-delivery-alerts/internal/domain"
)

// NormalizeColumn maps a report header to its canonical lower_snake_case
// name: spaces and square brackets become underscores, the result is
// lowercased, and anything up to the last '.' (the namespace, e.g.
// "Dimension.") is dropped.
//
//	Dimension.LINE_ITEM_ID               -> line_item_id
//	Column.VIDEO_VIEWERSHIP_VIDEO_LENGTH -> video_viewership_video_length
//	Creative size[x]                     -> creative_size_x_
func NormalizeColumn(name string) string {
	s := strings.NewReplacer(" ", "_", "[", "_", "]", "_").Replace(strings.TrimSpace(name))
	s = strings.ToLower(s)
	if i := strings.LastIndex(s, "."); i >= 0 {
		s = s[i+1:]
	}
	return s
}

// ParseGzipCSV decompresses r and parses it with ParseCSV.
func ParseGzipCSV(r io.Reader) (Result, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return Result{}, fmt.Errorf("open gzip: %w", err)
	}
	defer zr.Close()
	return ParseCSV(zr)
}

// ParseCSV reads a header line followed by data records. Headers are
// normalized with NormalizeColumn; every value is kept as raw text.
func ParseCSV(r io.Reader) (Result, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	head, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return Result{}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("read header: %w", err)
	}
	header := make([]string, len(head))
	for i, h := range head {
		if i == 0 {
			h = strings.TrimPrefix(h, "\ufeff")
		}
		header[i] = NormalizeColumn(h)
	}

	var rows []domain.DeliveryRow
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Result{}, fmt.Errorf("read record %d: %w", len(rows)+1, err)
		}
		rows = append(rows, domain.NewDeliveryRow(header, rec))
	}
	return Result{Header: header, Rows: rows}, nil
}
