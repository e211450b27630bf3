package source

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var (
	pptxSlide = regexp.MustCompile(`^ppt/slides/slide(\d+)\.xml$`)
	pptxText  = regexp.MustCompile(`<a:t[^>]*>([^<]*)</a:t>`)
	odfBlock  = regexp.MustCompile(`(?s)<text:(?:p|h)(?:\s[^>]*)?>(.*?)</text:(?:p|h)>`)
	xmlTag    = regexp.MustCompile(`<[^>]+>`)
)

// extractPPTX returns the text runs of every slide, one slide per line, in slide order.
func extractPPTX(content []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", fmt.Errorf("extract PPTX: not a zip: %w", err)
	}
	type slide struct {
		n int
		f *zip.File
	}
	var slides []slide
	for _, f := range zr.File {
		if m := pptxSlide.FindStringSubmatch(f.Name); m != nil {
			n, _ := strconv.Atoi(m[1])
			slides = append(slides, slide{n, f})
		}
	}
	sort.Slice(slides, func(i, j int) bool { return slides[i].n < slides[j].n })

	var lines []string
	for _, s := range slides {
		body, err := readZipFile(s.f)
		if err != nil {
			return "", fmt.Errorf("extract PPTX: %w", err)
		}
		var runs []string
		for _, m := range pptxText.FindAllSubmatch(body, -1) {
			if t := strings.TrimSpace(xmlUnescape(string(m[1]))); t != "" {
				runs = append(runs, t)
			}
		}
		if len(runs) > 0 {
			lines = append(lines, strings.Join(runs, " "))
		}
	}
	return strings.Join(lines, "\n"), nil
}

// extractODF returns the paragraphs and headings of an OpenDocument file (.odp, .ods, .odt)
// in document order, one per line.
func extractODF(content []byte, kind string) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", fmt.Errorf("extract %s: not a zip: %w", kind, err)
	}
	var body []byte
	for _, f := range zr.File {
		if f.Name == "content.xml" {
			if body, err = readZipFile(f); err != nil {
				return "", fmt.Errorf("extract %s: %w", kind, err)
			}
			break
		}
	}
	if body == nil {
		return "", fmt.Errorf("extract %s: content.xml not found", kind)
	}
	var lines []string
	for _, m := range odfBlock.FindAllSubmatch(body, -1) {
		text := xmlTag.ReplaceAllString(string(m[1]), "")
		if t := strings.TrimSpace(xmlUnescape(text)); t != "" {
			lines = append(lines, t)
		}
	}
	return strings.Join(lines, "\n"), nil
}

func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", f.Name, err)
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.Name, err)
	}
	return b, nil
}
