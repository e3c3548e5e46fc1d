// Package cli formats command output for the nitamono tools.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/hyperjump/nitamono/internal/bench"
	"github.com/hyperjump/nitamono/internal/models"
	"github.com/hyperjump/nitamono/pkg/utils"
)

// OutputFormat is the format for command output.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
)

// ParseFormat maps a flag value to an OutputFormat.
func ParseFormat(s string) (OutputFormat, error) {
	switch OutputFormat(s) {
	case OutputText, "":
		return OutputText, nil
	case OutputJSON:
		return OutputJSON, nil
	default:
		return "", fmt.Errorf("unknown output format %q; use text or json", s)
	}
}

// sourceWidth caps the reference column in text output.
const sourceWidth = 80

// SampleRow is one id/reference pair, as printed by sample and add.
type SampleRow struct {
	ID        models.Identifier `json:"id"`
	Reference string            `json:"reference"`
}

// WriteRecords writes search hits to w, best first.
func WriteRecords(w io.Writer, records []models.Record, format OutputFormat) error {
	if format == OutputJSON {
		if records == nil {
			records = []models.Record{}
		}
		return writeJSON(w, records)
	}
	if len(records) == 0 {
		fmt.Fprintln(w, "no results")
		return nil
	}
	for i, r := range records {
		fmt.Fprintf(w, "%2d  %s  %.4f", i+1, r.ID, r.Value.Similarity)
		if r.Value.Source != "" {
			fmt.Fprintf(w, "  %s", utils.Truncate(r.Value.Source, sourceWidth))
		}
		fmt.Fprintln(w)
	}
	return nil
}

// WriteRows writes id/reference pairs, one per line in text mode.
func WriteRows(w io.Writer, rows []SampleRow, format OutputFormat) error {
	if format == OutputJSON {
		if rows == nil {
			rows = []SampleRow{}
		}
		return writeJSON(w, rows)
	}
	for _, r := range rows {
		fmt.Fprintf(w, "%s %s\n", r.ID, r.Reference)
	}
	return nil
}

// WriteProgress overwrites the current terminal line with a benchmark progress line.
func WriteProgress(w io.Writer, p bench.Progress) {
	mean := 0.0
	if p.Processed > 0 {
		mean = float64(p.Score) / float64(p.Processed)
	}
	fmt.Fprintf(w, "%5d, score: %.2f, %.2f QPS\r", p.Processed, mean, p.QPS)
}

// WriteReport writes the final benchmark summary.
func WriteReport(w io.Writer, r bench.Report, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, r)
	}
	fmt.Fprintf(w, "%5d/%5d, score: %.2f, %.2f QPS\n", r.Score, r.Count, r.Mean, r.QPS)
	fmt.Fprintf(w, "precision@%d: %.4f  elapsed: %s\n", r.GroupSize, r.Precision, r.Elapsed.Round(time.Millisecond))
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
