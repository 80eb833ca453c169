package extract

import (
	"bytes"
	"context"
	"fmt"

	"github.com/ledongthuc/pdf"
)

func parsePDF(ctx context.Context, data []byte) (sections []Section, err error) {
	// The pdf reader panics on some malformed inputs.
	defer func() {
		if r := recover(); r != nil {
			sections = nil
			err = fmt.Errorf("malformed pdf: %v", r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("opening pdf: %w", err)
	}

	for i := 1; i <= r.NumPage(); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("reading page %d: %w", i, err)
		}
		sections = append(sections, Section{Locator: fmt.Sprintf("page %d", i), Text: text})
	}
	return sections, nil
}
