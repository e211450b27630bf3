package source

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"
)

const docxBodyPath = "word/document.xml"

var (
	docxParagraph = regexp.MustCompile(`(?s)<w:p[ >].*?</w:p>`)
	docxText      = regexp.MustCompile(`<w:t[^>]*>([^<]*)</w:t>`)
)

// extractDOCX returns the paragraphs of word/document.xml separated by newlines.
func extractDOCX(content []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", fmt.Errorf("extract DOCX: not a zip: %w", err)
	}
	f, err := zr.Open(docxBodyPath)
	if err != nil {
		return "", fmt.Errorf("extract DOCX: open %s: %w", docxBodyPath, err)
	}
	defer f.Close()
	body, err := io.ReadAll(f)
	if err != nil {
		return "", fmt.Errorf("extract DOCX: read %s: %w", docxBodyPath, err)
	}
	var paragraphs []string
	for _, p := range docxParagraph.FindAll(body, -1) {
		var b strings.Builder
		for _, m := range docxText.FindAllSubmatch(p, -1) {
			b.Write(m[1])
		}
		if text := strings.TrimSpace(xmlUnescape(b.String())); text != "" {
			paragraphs = append(paragraphs, text)
		}
	}
	return strings.Join(paragraphs, "\n"), nil
}

var xmlEntities = strings.NewReplacer("&lt;", "<", "&gt;", ">", "&quot;", `"`, "&apos;", "'", "&amp;", "&")

func xmlUnescape(s string) string {
	return xmlEntities.Replace(s)
}
