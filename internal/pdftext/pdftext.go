// Package pdftext turns statement PDFs into plain text lines for the parsers.
package pdftext

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// ErrNoText is returned when a PDF yields no extractable text (scanned images).
var ErrNoText = errors.New("pdf contains no extractable text")

var magic = []byte("%PDF")

// IsPDF reports whether data starts with the PDF magic bytes.
func IsPDF(data []byte) bool {
	return bytes.HasPrefix(bytes.TrimLeft(data, "\r\n\t "), magic)
}

// Extract returns the text of each page, one visual row per line.
func Extract(data []byte) (pages []string, err error) {
	// The pdf library panics on some malformed xref tables.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("reading pdf: %v", r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("opening pdf: %w", err)
	}

	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		rows, err := page.GetTextByRow()
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", i, err)
		}
		var lines []string
		for _, row := range rows {
			parts := make([]string, 0, len(row.Content))
			for _, word := range row.Content {
				parts = append(parts, word.S)
			}
			if line := strings.TrimSpace(strings.Join(parts, " ")); line != "" {
				lines = append(lines, line)
			}
		}
		pages = append(pages, strings.Join(lines, "\n"))
	}

	if strings.TrimSpace(strings.Join(pages, "")) == "" {
		return nil, ErrNoText
	}
	return pages, nil
}

// Text returns the document as a single string. PDFs are extracted page by
// page; anything else is treated as already-extracted text.
func Text(data []byte) (string, error) {
	if !IsPDF(data) {
		return string(data), nil
	}
	pages, err := Extract(data)
	if err != nil {
		return "", err
	}
	return strings.Join(pages, "\n"), nil
}
