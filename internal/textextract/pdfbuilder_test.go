package textextract

import (
	"bytes"
	"fmt"
	"strings"
)

type testLink struct {
	url  string
	rect [4]int
}

type testPage struct {
	lines []string
	links []testLink
}

// buildPDF writes a minimal single-font PDF with a correct xref table.
func buildPDF(pages ...testPage) []byte {
	var objects []string
	add := func(body string) int {
		objects = append(objects, body)
		return len(objects)
	}

	catalog := add("")
	pagesObj := add("")
	font := add("<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica /Encoding /WinAnsiEncoding >>")

	var kids []string
	for _, p := range pages {
		var content strings.Builder
		y := 720
		for _, line := range p.lines {
			fmt.Fprintf(&content, "BT /F1 12 Tf 72 %d Td (%s) Tj ET\n", y, line)
			y -= 20
		}
		stream := content.String()
		contentObj := add(fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(stream), stream))

		var annots []string
		for _, l := range p.links {
			annot := add(fmt.Sprintf(
				"<< /Type /Annot /Subtype /Link /Rect [%d %d %d %d] /Border [0 0 0] /A << /S /URI /URI (%s) >> >>",
				l.rect[0], l.rect[1], l.rect[2], l.rect[3], l.url))
			annots = append(annots, fmt.Sprintf("%d 0 R", annot))
		}
		annotEntry := ""
		if len(annots) > 0 {
			annotEntry = " /Annots [" + strings.Join(annots, " ") + "]"
		}
		page := add(fmt.Sprintf(
			"<< /Type /Page /Parent %d 0 R /MediaBox [0 0 612 792] /Resources << /Font << /F1 %d 0 R >> >> /Contents %d 0 R%s >>",
			pagesObj, font, contentObj, annotEntry))
		kids = append(kids, fmt.Sprintf("%d 0 R", page))
	}

	objects[catalog-1] = fmt.Sprintf("<< /Type /Catalog /Pages %d 0 R >>", pagesObj)
	objects[pagesObj-1] = fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", strings.Join(kids, " "), len(kids))

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objects))
	for i, body := range objects {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, body)
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(objects)+1)
	buf.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root %d 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, catalog, xref)
	return buf.Bytes()
}
