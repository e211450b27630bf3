// Package cli formats search results, answers and ingestion reports for the shiori command.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/hyperjump/shiori/internal/models"
	"github.com/hyperjump/shiori/pkg/utils"
)

// OutputFormat is the format for command output.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputCompact is one result per line.
	OutputCompact OutputFormat = "compact"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
)

// ParseFormat maps a --output flag value to an OutputFormat.
func ParseFormat(s string) (OutputFormat, error) {
	switch OutputFormat(s) {
	case OutputText, OutputCompact, OutputJSON:
		return OutputFormat(s), nil
	default:
		return "", fmt.Errorf("unknown output format %q; use text, compact, or json", s)
	}
}

// WriteSearchResults writes search results to w in the given format.
func WriteSearchResults(w io.Writer, response *models.SearchResponse, format OutputFormat) error {
	switch format {
	case OutputJSON:
		return writeJSON(w, response)
	case OutputCompact:
		for _, r := range response.Results {
			fmt.Fprintf(w, "%d\t%.4f\t%s\t%s\n", r.Rank, r.Score, chunkID(r), oneLine(chunkTitle(r)))
		}
		return nil
	default:
		writeSearchResultsText(w, response)
		return nil
	}
}

func writeSearchResultsText(w io.Writer, response *models.SearchResponse) {
	fmt.Fprintf(w, "\nFound %d results in %dms (top_k=%d, alpha=%.2f)\n\n",
		response.Total, response.QueryTime, response.TopK, response.Alpha)
	for _, r := range response.Results {
		fmt.Fprintf(w, "─────────────────────────────────────────────────────────\n")
		fmt.Fprintf(w, "Rank: %d | Score: %.4f (Vector: %.4f, Lexical: %.4f)\n",
			r.Rank, r.Score, r.VectorScore, r.LexicalScore)
		fmt.Fprintf(w, "ID: %s\n", chunkID(r))
		if title := chunkTitle(r); title != "" {
			fmt.Fprintf(w, "Title: %s\n", title)
		}
		if r.Chunk != nil {
			if r.Chunk.URL != "" {
				fmt.Fprintf(w, "URL: %s\n", r.Chunk.URL)
			}
			fmt.Fprintf(w, "\n%s\n", utils.Truncate(r.Chunk.Text, 200))
		}
		fmt.Fprintln(w)
	}
}

// WriteAnswer writes a query answer to w. Compact prints the answer alone.
func WriteAnswer(w io.Writer, response *models.QueryResponse, format OutputFormat) error {
	switch format {
	case OutputJSON:
		return writeJSON(w, response)
	case OutputCompact:
		fmt.Fprintln(w, response.Answer)
		return nil
	}
	if response.Error != "" {
		fmt.Fprintf(w, "%s. Most relevant documents:\n\n", response.Error)
		for i, d := range response.FallbackDocs {
			fmt.Fprintf(w, "[%d] %s (%.4f)\n%s\n\n", i+1, d.Metadata.ChunkID, d.Score, utils.Truncate(d.Content, 200))
		}
		return nil
	}
	fmt.Fprintf(w, "%s\n", response.Answer)
	if len(response.Sources) > 0 {
		fmt.Fprintln(w, "\nSources:")
		for i, s := range response.Sources {
			label := s.Title
			if label == "" {
				label = s.ChunkID
			}
			fmt.Fprintf(w, "  [%d] %s", i+1, label)
			if s.URL != "" {
				fmt.Fprintf(w, " <%s>", s.URL)
			}
			fmt.Fprintln(w)
		}
	}
	if response.Cached {
		fmt.Fprintln(w, "\n(cached)")
	}
	return nil
}

// WriteIngestReport writes an ingestion report to w.
func WriteIngestReport(w io.Writer, report *models.IngestReport, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, report)
	}
	if format == OutputCompact {
		fmt.Fprintf(w, "%s\t%s\t%d/%d\n", report.RunID, report.State, report.Indexed, report.Produced)
		return nil
	}
	fmt.Fprintf(w, "run:         %s\n", report.RunID)
	fmt.Fprintf(w, "source:      %s\n", report.Source)
	fmt.Fprintf(w, "state:       %s\n", report.State)
	fmt.Fprintf(w, "documents:   %d\n", report.Documents)
	fmt.Fprintf(w, "chunks:      %d indexed of %d produced\n", report.Indexed, report.Produced)
	fmt.Fprintf(w, "batches:     %d (%d skipped, %d chunks)\n", report.Batches, report.SkippedBatches, report.SkippedChunks)
	fmt.Fprintf(w, "checkpoints: %d\n", report.Checkpoints)
	if report.FirstChunkID != "" {
		fmt.Fprintf(w, "chunk ids:   %s .. %s\n", report.FirstChunkID, report.LastChunkID)
	}
	fmt.Fprintf(w, "duration:    %s\n", report.Duration)
	if report.Error != "" {
		fmt.Fprintf(w, "error:       %s\n", report.Error)
	}
	if report.Partial() {
		fmt.Fprintln(w, "\nwarning: some batches failed to embed; their chunks are not searchable")
	}
	return nil
}

// WriteStatus writes a status map to w. Text output lists top-level keys in the given order.
func WriteStatus(w io.Writer, status map[string]any, order []string, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, status)
	}
	for _, k := range order {
		v, ok := status[k]
		if !ok {
			continue
		}
		switch v := v.(type) {
		case map[string]any, []any:
			b, err := json.Marshal(v)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "%-18s %s\n", k+":", b)
		default:
			fmt.Fprintf(w, "%-18s %v\n", k+":", v)
		}
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func chunkID(r *models.RankedResult) string {
	if r.Chunk == nil {
		return ""
	}
	return r.Chunk.ID
}

func chunkTitle(r *models.RankedResult) string {
	if r.Chunk == nil {
		return ""
	}
	return r.Chunk.Title
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
