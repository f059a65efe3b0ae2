package extract

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarry-ai/ragcore/internal/domain"
)

// buildDOCX assembles a minimal OOXML container with the given paragraphs.
func buildDOCX(t *testing.T, paragraphs ...string) []byte {
	t.Helper()

	var body bytes.Buffer
	body.WriteString(`<?xml version="1.0" encoding="UTF-8" standalone="yes"?>` +
		`<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>`)
	for _, p := range paragraphs {
		body.WriteString(`<w:p><w:r><w:t>`)
		if err := xmlEscape(&body, p); err != nil {
			t.Fatal(err)
		}
		body.WriteString(`</w:t></w:r></w:p>`)
	}
	body.WriteString(`</w:body></w:document>`)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("word/document.xml")
	require.NoError(t, err)
	_, err = w.Write(body.Bytes())
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func xmlEscape(buf *bytes.Buffer, s string) error {
	for _, r := range s {
		switch r {
		case '<':
			buf.WriteString("&lt;")
		case '>':
			buf.WriteString("&gt;")
		case '&':
			buf.WriteString("&amp;")
		default:
			buf.WriteRune(r)
		}
	}
	return nil
}

// buildPDF assembles a one-font PDF with one text line per page, computing
// the xref offsets as it writes. Page texts must not contain parentheses or
// backslashes.
func buildPDF(t *testing.T, pageTexts ...string) []byte {
	t.Helper()

	// Object numbers: 1 catalog, 2 page tree, 3 font, then a page/content
	// pair per input text.
	objects := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"",
		"<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>",
	}
	var kids strings.Builder
	for i, text := range pageTexts {
		pageNum := 4 + i*2
		fmt.Fprintf(&kids, "%d 0 R ", pageNum)
		objects = append(objects, fmt.Sprintf(
			"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] "+
				"/Resources << /Font << /F1 3 0 R >> >> /Contents %d 0 R >>", pageNum+1))
		stream := fmt.Sprintf("BT /F1 12 Tf 72 720 Td (%s) Tj ET", text)
		objects = append(objects, fmt.Sprintf(
			"<< /Length %d >>\nstream\n%s\nendstream", len(stream), stream))
	}
	objects[1] = fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>",
		strings.TrimSpace(kids.String()), len(pageTexts))

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
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n",
		len(objects)+1, xref)
	return buf.Bytes()
}

func TestExtractPlainText(t *testing.T) {
	result, err := New().Extract([]byte("Hard hats are mandatory."), "text/plain", "rules.txt")
	require.NoError(t, err)

	assert.Equal(t, MethodText, result.Method)
	require.Len(t, result.Pages, 1)
	assert.Nil(t, result.Pages[0].Number)
	assert.Equal(t, "Hard hats are mandatory.", result.Pages[0].Text)
}

func TestExtractTextStripsBOM(t *testing.T) {
	data := append([]byte{0xEF, 0xBB, 0xBF}, []byte("content")...)
	result, err := New().Extract(data, "text/plain", "note.txt")
	require.NoError(t, err)
	assert.Equal(t, "content", result.Pages[0].Text)
}

func TestExtractDOCX(t *testing.T) {
	data := buildDOCX(t, "First paragraph.", "Second paragraph.")
	result, err := New().Extract(data,
		"application/vnd.openxmlformats-officedocument.wordprocessingml.document", "report.docx")
	require.NoError(t, err)

	assert.Equal(t, MethodDOCX, result.Method)
	require.Len(t, result.Pages, 1)
	assert.Nil(t, result.Pages[0].Number)
	assert.Equal(t, "First paragraph.\n\nSecond paragraph.", result.Pages[0].Text)
}

func TestExtractDOCXTabsAndBreaks(t *testing.T) {
	var body bytes.Buffer
	body.WriteString(`<?xml version="1.0"?>` +
		`<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>` +
		`<w:p><w:r><w:t>before</w:t><w:tab/><w:t>after</w:t><w:br/><w:t>next line</w:t></w:r></w:p>` +
		`</w:body></w:document>`)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("word/document.xml")
	require.NoError(t, err)
	_, err = w.Write(body.Bytes())
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	result, err := New().Extract(buf.Bytes(), "", "layout.docx")
	require.NoError(t, err)
	assert.Equal(t, "before\tafter\nnext line", result.Pages[0].Text)
}

func TestExtensionFallback(t *testing.T) {
	// Clients often upload with application/octet-stream; the extension
	// decides then.
	result, err := New().Extract([]byte("plain content"), "application/octet-stream", "notes.txt")
	require.NoError(t, err)
	assert.Equal(t, MethodText, result.Method)

	result, err = New().Extract(buildDOCX(t, "hello"), "application/octet-stream", "doc.DOCX")
	require.NoError(t, err)
	assert.Equal(t, MethodDOCX, result.Method)
}

func TestContentTypeParametersIgnored(t *testing.T) {
	result, err := New().Extract([]byte("hello"), "text/plain; charset=utf-8", "a.bin")
	require.NoError(t, err)
	assert.Equal(t, MethodText, result.Method)
}

func TestExtractPDFPageNumbers(t *testing.T) {
	data := buildPDF(t,
		"Forklifts are inspected daily.",
		"Defects are reported before use.")
	result, err := New().Extract(data, "application/pdf", "forklifts.pdf")
	require.NoError(t, err)

	assert.Equal(t, MethodPDF, result.Method)
	require.Len(t, result.Pages, 2)
	require.NotNil(t, result.Pages[0].Number)
	assert.Equal(t, 1, *result.Pages[0].Number)
	require.NotNil(t, result.Pages[1].Number)
	assert.Equal(t, 2, *result.Pages[1].Number)
	assert.Contains(t, result.Pages[0].Text, "Forklifts are inspected daily.")
	assert.Contains(t, result.Pages[1].Text, "Defects are reported before use.")
}

func TestCorruptPDF(t *testing.T) {
	_, err := New().Extract([]byte("definitely not a pdf"), "application/pdf", "broken.pdf")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCorruptInput))
	assert.Equal(t, domain.KindInvalidInput, domain.KindOf(err))
}

func TestUnsupportedFormat(t *testing.T) {
	_, err := New().Extract([]byte("GIF89a"), "image/gif", "picture.gif")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnsupportedFormat))
	assert.Equal(t, domain.KindInvalidInput, domain.KindOf(err))
}

func TestCorruptDOCX(t *testing.T) {
	_, err := New().Extract([]byte("not a zip archive"),
		"application/vnd.openxmlformats-officedocument.wordprocessingml.document", "broken.docx")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCorruptInput))
	assert.Equal(t, domain.KindInvalidInput, domain.KindOf(err))
}

func TestEmptyDocument(t *testing.T) {
	_, err := New().Extract([]byte("   \n\t  "), "text/plain", "blank.txt")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEmptyDocument))
	assert.Equal(t, domain.KindInvalidInput, domain.KindOf(err))

	_, err = New().Extract(buildDOCX(t), "", "empty.docx")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEmptyDocument))
}
