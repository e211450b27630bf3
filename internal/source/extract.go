package source

import (
	"strings"
	"unicode/utf8"
)

// ExtractBytes extracts plain text from a binary document based on its extension
// (with leading dot). Unknown extensions are treated as UTF-8 text.
func ExtractBytes(content []byte, ext string) (string, error) {
	switch ext {
	case ".pdf":
		return extractPDF(content)
	case ".docx":
		return extractDOCX(content)
	case ".xlsx":
		return extractExcel(content)
	case ".pptx":
		return extractPPTX(content)
	case ".odp", ".ods", ".odt":
		return extractODF(content, strings.ToUpper(ext[1:]))
	default:
		return toValidUTF8(content), nil
	}
}

// toValidUTF8 replaces invalid UTF-8 sequences with the replacement character.
func toValidUTF8(content []byte) string {
	if utf8.Valid(content) {
		return string(content)
	}
	return strings.ToValidUTF8(string(content), "\ufffd")
}
