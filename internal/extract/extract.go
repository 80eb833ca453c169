// Package extract turns uploaded files into plain text sections. Each section
// carries a locator (page, slide, row range) that chunks inherit.
package extract

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"
)

var (
	ErrUnsupported = errors.New("unsupported file type")
	ErrNoText      = errors.New("no text content")
)

// Section is a contiguous piece of extracted text.
type Section struct {
	Locator string
	Text    string
}

// Result holds the sections of one document in reading order.
type Result struct {
	Sections []Section
}

// Text joins all sections.
func (r Result) Text() string {
	parts := make([]string, 0, len(r.Sections))
	for _, s := range r.Sections {
		parts = append(parts, s.Text)
	}
	return strings.Join(parts, "\n\n")
}

type parseFunc func(ctx context.Context, data []byte) ([]Section, error)

// Extractor dispatches on file extension.
type Extractor struct {
	parsers map[string]parseFunc
}

// New returns an Extractor for pdf, docx, pptx, csv, html, txt, and md files.
func New() *Extractor {
	plain := func(_ context.Context, data []byte) ([]Section, error) {
		return plainText(data)
	}
	return &Extractor{parsers: map[string]parseFunc{
		".txt":  plain,
		".md":   plain,
		".pdf":  parsePDF,
		".docx": parseDOCX,
		".pptx": parsePPTX,
		".csv":  parseCSV,
		".html": parseHTML,
		".htm":  parseHTML,
	}}
}

// Supported reports whether name has an extension the extractor handles.
func (e *Extractor) Supported(name string) bool {
	_, ok := e.parsers[strings.ToLower(filepath.Ext(name))]
	return ok
}

// Extensions lists the handled extensions in sorted order.
func (e *Extractor) Extensions() []string {
	out := make([]string, 0, len(e.parsers))
	for ext := range e.parsers {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}

// Extract parses data according to the extension of name. Sections that
// contain only whitespace are dropped; a document with no text left returns
// ErrNoText.
func (e *Extractor) Extract(ctx context.Context, name string, data []byte) (Result, error) {
	ext := strings.ToLower(filepath.Ext(name))
	parse, ok := e.parsers[ext]
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnsupported, ext)
	}

	sections, err := parse(ctx, data)
	if err != nil {
		return Result{}, fmt.Errorf("parsing %s: %w", name, err)
	}

	kept := sections[:0]
	for _, s := range sections {
		s.Text = strings.TrimSpace(s.Text)
		if s.Text != "" {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		return Result{}, ErrNoText
	}
	return Result{Sections: kept}, nil
}

func plainText(data []byte) ([]Section, error) {
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("file is not valid UTF-8 text")
	}
	return []Section{{Text: string(data)}}, nil
}
