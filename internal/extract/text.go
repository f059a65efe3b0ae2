package extract

import "bytes"

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// extractText returns the full contents as one unpaginated record.
func extractText(data []byte) (*Result, error) {
	data = bytes.TrimPrefix(data, utf8BOM)

	return &Result{
		Pages:  []Page{{Number: nil, Text: string(data)}},
		Method: MethodText,
	}, nil
}
