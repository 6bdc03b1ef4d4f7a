package receipt

import (
	"bytes"
	"fmt"
	"strings"
)

// renderPDF lays out lines of text on a single A4 page using the base
// Helvetica font, which every reader ships without embedding.
func renderPDF(title string, lines []string) []byte {
	var stream bytes.Buffer
	stream.WriteString("BT\n/F1 16 Tf\n56 780 Td\n")
	fmt.Fprintf(&stream, "(%s) Tj\n", escapePDF(title))
	stream.WriteString("/F1 11 Tf\n0 -28 Td\n")
	for _, l := range lines {
		fmt.Fprintf(&stream, "(%s) Tj\n0 -18 Td\n", escapePDF(l))
	}
	stream.WriteString("ET\n")

	objects := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 595 842] /Resources << /Font << /F1 4 0 R >> >> /Contents 5 0 R >>",
		"<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>",
		fmt.Sprintf("<< /Length %d >>\nstream\n%sendstream", stream.Len(), stream.String()),
	}

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objects))
	for i, obj := range objects {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}

	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(objects)+1)
	buf.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)
	return buf.Bytes()
}

var pdfEscaper = strings.NewReplacer(`\`, `\\`, `(`, `\(`, `)`, `\)`)

func escapePDF(s string) string {
	return pdfEscaper.Replace(s)
}
