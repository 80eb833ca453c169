package extract

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"strings"
)

const csvRowsPerSection = 50

// parseCSV emits a header section followed by one section per block of
// csvRowsPerSection rows, each rendered as "column: value" pairs.
func parseCSV(ctx context.Context, data []byte) ([]Section, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading csv: %w", err)
	}
	if len(records) == 0 {
		return nil, nil
	}

	header := records[0]
	rows := records[1:]
	sections := []Section{{
		Locator: "header",
		Text:    fmt.Sprintf("CSV Headers: %s\nTotal Rows: %d", strings.Join(header, ", "), len(rows)),
	}}

	for start := 0; start < len(rows); start += csvRowsPerSection {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(start+csvRowsPerSection, len(rows))
		var sb strings.Builder
		for _, row := range rows[start:end] {
			for i, v := range row {
				if i > 0 {
					sb.WriteString("; ")
				}
				if i < len(header) {
					sb.WriteString(header[i])
					sb.WriteString(": ")
				}
				sb.WriteString(v)
			}
			sb.WriteByte('\n')
		}
		sections = append(sections, Section{
			Locator: fmt.Sprintf("rows %d-%d", start+1, end),
			Text:    sb.String(),
		})
	}
	return sections, nil
}
