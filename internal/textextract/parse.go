// Package textextract turns stored PDFs into plain text, link annotations
// and page counts using github.com/ledongthuc/pdf.
package textextract

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/helixir/crawler-extractor/internal/domain"
)

// Document is the parsed content of one PDF.
type Document struct {
	// Pages holds the trimmed text of every page, in order. Pages whose text
	// could not be decoded are empty.
	Pages []string
	// Links holds URI link annotations. Page numbers are zero based.
	Links []domain.LinkAnnotation
}

// Text joins the non-empty pages with newlines.
func (d *Document) Text() string {
	parts := make([]string, 0, len(d.Pages))
	for _, p := range d.Pages {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "\n")
}

// PageCount returns the number of pages.
func (d *Document) PageCount() int {
	return len(d.Pages)
}

// Parse reads data as a PDF. Malformed documents produce a
// domain.ExtractionError; a single unreadable page does not.
func Parse(data []byte) (doc *Document, err error) {
	// The parser panics on some malformed cross reference tables.
	defer func() {
		if r := recover(); r != nil {
			doc = nil
			err = domain.NewExtractionError("PDF parse error", fmt.Errorf("%v", r))
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, domain.NewExtractionError("PDF parse error", err)
	}

	n := reader.NumPage()
	doc = &Document{Pages: make([]string, n)}
	for i := 1; i <= n; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		doc.Pages[i-1] = pageText(page)
		doc.Links = append(doc.Links, pageLinks(page, i-1)...)
	}
	return doc, nil
}

// PageCount returns the number of pages in data, or false when data is not a
// readable PDF.
func PageCount(data []byte) (n int, ok bool) {
	defer func() {
		if recover() != nil {
			n, ok = 0, false
		}
	}()
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return 0, false
	}
	return reader.NumPage(), true
}

func pageText(page pdf.Page) string {
	text, err := page.GetPlainText(nil)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(text)
}

func pageLinks(page pdf.Page, pageNumber int) (links []domain.LinkAnnotation) {
	defer func() {
		if recover() != nil {
			links = nil
		}
	}()

	annots := page.V.Key("Annots")
	if annots.Kind() != pdf.Array {
		return nil
	}

	var glyphs []pdf.Text
	for i := 0; i < annots.Len(); i++ {
		annot := annots.Index(i)
		if annot.Key("Subtype").Name() != "Link" {
			continue
		}
		uri := annot.Key("A").Key("URI")
		if uri.Kind() != pdf.String {
			continue
		}
		url := strings.TrimSpace(uri.RawString())
		if url == "" {
			continue
		}
		rect, ok := annotRect(annot.Key("Rect"))
		if !ok {
			continue
		}
		if glyphs == nil {
			glyphs = page.Content().Text
		}
		label := textInRect(glyphs, rect)
		if label == "" {
			label = url
		}
		links = append(links, domain.LinkAnnotation{URL: url, Text: label, Page: pageNumber})
	}
	return links
}

type rect struct {
	x0, y0, x1, y1 float64
}

func annotRect(v pdf.Value) (rect, bool) {
	if v.Kind() != pdf.Array || v.Len() != 4 {
		return rect{}, false
	}
	r := rect{v.Index(0).Float64(), v.Index(1).Float64(), v.Index(2).Float64(), v.Index(3).Float64()}
	if r.x0 > r.x1 {
		r.x0, r.x1 = r.x1, r.x0
	}
	if r.y0 > r.y1 {
		r.y0, r.y1 = r.y1, r.y0
	}
	return r, true
}

func (r rect) contains(x, y float64) bool {
	return x >= r.x0 && x <= r.x1 && y >= r.y0 && y <= r.y1
}

func textInRect(glyphs []pdf.Text, r rect) string {
	var b strings.Builder
	for _, g := range glyphs {
		if r.contains(g.X, g.Y) {
			b.WriteString(g.S)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
