// Package extract provides format-dispatched text extraction from uploaded
// documents. The extractor is pure: it reads its input bytes and nothing
// else.
package extract

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/quarry-ai/ragcore/internal/domain"
)

// Extraction failure sentinels. All of them carry the invalid_input kind so
// they are never retried; errors.Is distinguishes the three causes.
var (
	ErrUnsupportedFormat = errors.New("unsupported document format")
	ErrCorruptInput      = errors.New("corrupt document")
	ErrEmptyDocument     = errors.New("document contains no text")
)

// Extraction method tags recorded on the Document row.
const (
	MethodPDF  = "pdf"
	MethodDOCX = "docx"
	MethodText = "text"
)

// Page is one extracted text record. Number is nil for formats without page
// structure.
type Page struct {
	Number *int
	Text   string
}

// Result is the ordered extraction output for one document.
type Result struct {
	Pages  []Page
	Method string
}

// Extractor dispatches on the declared content type with a filename-extension
// fallback.
type Extractor struct{}

// New creates an Extractor.
func New() *Extractor {
	return &Extractor{}
}

// Extract parses data into paginated text. Unknown formats fail with
// ErrUnsupportedFormat, parse failures with ErrCorruptInput, and documents
// with no non-whitespace text with ErrEmptyDocument.
func (e *Extractor) Extract(data []byte, contentType, filename string) (*Result, error) {
	var (
		result *Result
		err    error
	)

	switch detectFormat(contentType, filename) {
	case MethodPDF:
		result, err = extractPDF(data)
	case MethodDOCX:
		result, err = extractDOCX(data)
	case MethodText:
		result, err = extractText(data)
	default:
		return nil, domain.WrapError(domain.KindInvalidInput,
			fmt.Sprintf("extract %s (%s)", filename, contentType), ErrUnsupportedFormat)
	}
	if err != nil {
		return nil, err
	}

	if !hasText(result.Pages) {
		return nil, domain.WrapError(domain.KindInvalidInput,
			fmt.Sprintf("extract %s", filename), ErrEmptyDocument)
	}
	return result, nil
}

// detectFormat resolves the extraction method, preferring the declared
// content type over the filename extension.
func detectFormat(contentType, filename string) string {
	// Strip parameters like "; charset=utf-8".
	mediaType := contentType
	if i := strings.IndexByte(mediaType, ';'); i >= 0 {
		mediaType = mediaType[:i]
	}
	mediaType = strings.ToLower(strings.TrimSpace(mediaType))

	switch mediaType {
	case "application/pdf":
		return MethodPDF
	case "application/vnd.openxmlformats-officedocument.wordprocessingml.document":
		return MethodDOCX
	case "text/plain":
		return MethodText
	}

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		return MethodPDF
	case ".docx":
		return MethodDOCX
	case ".txt", ".text", ".md":
		return MethodText
	}

	return ""
}

func hasText(pages []Page) bool {
	for _, page := range pages {
		if strings.TrimSpace(page.Text) != "" {
			return true
		}
	}
	return false
}
