package source

import (
	"strings"

	"github.com/hyperjump/shiori/internal/models"
)

// Delimiter separates documents inside a knowledge file.
var Delimiter = strings.Repeat("=", 80)

const (
	titlePrefix = "Title:"
	urlPrefix   = "URL:"
	unknown     = "Unknown"
)

// ParseKnowledge splits a knowledge file into documents. Each section may carry
// "Title:" and "URL:" lines; every other line is body text. Sections whose body is
// empty after trimming are skipped.
func ParseKnowledge(content, sourceFile string) []*models.SourceDocument {
	var docs []*models.SourceDocument
	for _, section := range strings.Split(content, Delimiter) {
		section = strings.TrimSpace(section)
		if section == "" {
			continue
		}
		title, url := unknown, unknown
		var body []string
		for _, line := range strings.Split(section, "\n") {
			switch {
			case strings.HasPrefix(line, titlePrefix):
				title = strings.TrimSpace(strings.TrimPrefix(line, titlePrefix))
			case strings.HasPrefix(line, urlPrefix):
				url = strings.TrimSpace(strings.TrimPrefix(line, urlPrefix))
			default:
				body = append(body, line)
			}
		}
		text := strings.TrimSpace(strings.Join(body, "\n"))
		if text == "" {
			continue
		}
		docs = append(docs, &models.SourceDocument{
			SourceFile: sourceFile,
			Title:      title,
			URL:        url,
			Body:       text,
		})
	}
	return docs
}
