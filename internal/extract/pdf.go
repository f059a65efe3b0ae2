package extract

import (
	"github.com/gen2brain/go-fitz"

	"github.com/quarry-ai/ragcore/internal/domain"
)

// extractPDF walks the document page by page so downstream chunks carry exact
// page numbers.
func extractPDF(data []byte) (*Result, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, domain.WrapError(domain.KindInvalidInput, "open pdf", ErrCorruptInput)
	}
	defer doc.Close()

	pages := make([]Page, 0, doc.NumPage())
	for i := 0; i < doc.NumPage(); i++ {
		text, err := doc.Text(i)
		if err != nil {
			return nil, domain.WrapError(domain.KindInvalidInput, "read pdf page", ErrCorruptInput)
		}

		number := i + 1
		pages = append(pages, Page{Number: &number, Text: text})
	}

	return &Result{Pages: pages, Method: MethodPDF}, nil
}
