package extract

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"io"
	"strings"

	"github.com/quarry-ai/ragcore/internal/domain"
)

// extractDOCX reads word/document.xml out of the OOXML container and walks
// its paragraphs sequentially. DOCX has no fixed page layout, so the result
// is a single unpaginated record.
func extractDOCX(data []byte) (*Result, error) {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, domain.WrapError(domain.KindInvalidInput, "open docx container", ErrCorruptInput)
	}

	var docFile *zip.File
	for _, f := range reader.File {
		if f.Name == "word/document.xml" {
			docFile = f
			break
		}
	}
	if docFile == nil {
		return nil, domain.WrapError(domain.KindInvalidInput, "docx missing word/document.xml", ErrCorruptInput)
	}

	rc, err := docFile.Open()
	if err != nil {
		return nil, domain.WrapError(domain.KindInvalidInput, "open word/document.xml", ErrCorruptInput)
	}
	defer rc.Close()

	text, err := readDocumentXML(rc)
	if err != nil {
		return nil, domain.WrapError(domain.KindInvalidInput, "parse word/document.xml", ErrCorruptInput)
	}

	return &Result{
		Pages:  []Page{{Number: nil, Text: text}},
		Method: MethodDOCX,
	}, nil
}

// readDocumentXML streams the WordprocessingML token by token: text runs
// accumulate into the current paragraph, tabs and breaks become whitespace,
// and paragraphs join with blank lines.
func readDocumentXML(r io.Reader) (string, error) {
	decoder := xml.NewDecoder(r)

	var (
		paragraphs []string
		current    strings.Builder
		inText     bool
	)

	for {
		token, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}

		switch t := token.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				current.WriteByte('\t')
			case "br", "cr":
				current.WriteByte('\n')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				if text := current.String(); strings.TrimSpace(text) != "" {
					paragraphs = append(paragraphs, text)
				}
				current.Reset()
			}
		case xml.CharData:
			if inText {
				current.Write(t)
			}
		}
	}

	if text := current.String(); strings.TrimSpace(text) != "" {
		paragraphs = append(paragraphs, text)
	}

	return strings.Join(paragraphs, "\n\n"), nil
}
