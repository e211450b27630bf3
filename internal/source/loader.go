// Package source loads corpus files into source documents.
package source

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hyperjump/shiori/internal/models"
	"go.uber.org/zap"
)

// Loader reads a corpus path (file or directory) and parses it into documents.
type Loader struct {
	extensions []string
	logger     *zap.Logger // optional
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithLogger sets a logger for debug output.
func WithLogger(l *zap.Logger) LoaderOption {
	return func(ld *Loader) { ld.logger = l }
}

// NewLoader returns a loader that accepts files with the given extensions when walking
// a directory. An explicit file path is always loaded regardless of its extension.
func NewLoader(extensions []string, opts ...LoaderOption) *Loader {
	l := &Loader{extensions: extensions}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load parses path into documents. Errors reading the path wrap models.ErrSourceUnavailable.
func (l *Loader) Load(path string) ([]*models.SourceDocument, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", models.ErrSourceUnavailable, path, err)
	}
	if !info.IsDir() {
		return l.loadFile(path)
	}
	var files []string
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !matchExtension(p, l.extensions) {
			return nil
		}
		files = append(files, p)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: walk %s: %v", models.ErrSourceUnavailable, path, err)
	}
	sort.Strings(files)
	var docs []*models.SourceDocument
	for _, f := range files {
		fileDocs, err := l.loadFile(f)
		if err != nil {
			return nil, err
		}
		docs = append(docs, fileDocs...)
	}
	return docs, nil
}

func (l *Loader) loadFile(path string) ([]*models.SourceDocument, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", models.ErrSourceUnavailable, path, err)
	}
	name := filepath.Base(path)
	ext := strings.ToLower(filepath.Ext(path))
	var docs []*models.SourceDocument
	switch ext {
	case ".txt", ".md", "":
		docs = ParseKnowledge(toValidUTF8(content), name)
	default:
		text, err := ExtractBytes(content, ext)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", models.ErrSourceUnavailable, path, err)
		}
		text = strings.TrimSpace(text)
		if text != "" {
			docs = []*models.SourceDocument{{
				SourceFile: name,
				Title:      strings.TrimSuffix(name, filepath.Ext(name)),
				URL:        unknown,
				Body:       text,
			}}
		}
	}
	if l.logger != nil {
		l.logger.Debug("source file parsed", zap.String("path", path), zap.Int("documents", len(docs)))
	}
	return docs, nil
}

func matchExtension(path string, extensions []string) bool {
	if len(extensions) == 0 {
		return true
	}
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	for _, e := range extensions {
		if strings.TrimPrefix(strings.ToLower(e), ".") == ext {
			return true
		}
	}
	return false
}
