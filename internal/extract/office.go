package extract

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var slidePath = regexp.MustCompile(`^ppt/slides/slide(\d+)\.xml$`)

func parseDOCX(_ context.Context, data []byte) ([]Section, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("opening docx: %w", err)
	}
	f := findZipFile(zr, "word/document.xml")
	if f == nil {
		return nil, fmt.Errorf("docx has no word/document.xml")
	}
	text, err := ooxmlText(f)
	if err != nil {
		return nil, err
	}
	return []Section{{Text: text}}, nil
}

func parsePPTX(ctx context.Context, data []byte) ([]Section, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("opening pptx: %w", err)
	}

	type slide struct {
		n int
		f *zip.File
	}
	var slides []slide
	for _, f := range zr.File {
		m := slidePath.FindStringSubmatch(f.Name)
		if m == nil {
			continue
		}
		n, _ := strconv.Atoi(m[1])
		slides = append(slides, slide{n: n, f: f})
	}
	sort.Slice(slides, func(i, j int) bool { return slides[i].n < slides[j].n })

	sections := make([]Section, 0, len(slides))
	for _, s := range slides {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		text, err := ooxmlText(s.f)
		if err != nil {
			return nil, fmt.Errorf("slide %d: %w", s.n, err)
		}
		sections = append(sections, Section{Locator: fmt.Sprintf("slide %d", s.n), Text: text})
	}
	return sections, nil
}

func findZipFile(zr *zip.Reader, name string) *zip.File {
	for _, f := range zr.File {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// ooxmlText collects the character data of text runs (w:t in Word, a:t in
// DrawingML) and breaks lines at paragraph ends.
func ooxmlText(f *zip.File) (string, error) {
	rc, err := f.Open()
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", f.Name, err)
	}
	defer rc.Close()

	var sb strings.Builder
	dec := xml.NewDecoder(rc)
	inText := false
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("decoding %s: %w", f.Name, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				sb.WriteByte('\t')
			case "br":
				sb.WriteByte('\n')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				sb.WriteByte('\n')
			}
		case xml.CharData:
			if inText {
				sb.Write(t)
			}
		}
	}
	return sb.String(), nil
}
