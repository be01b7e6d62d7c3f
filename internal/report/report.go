// Package report exports learning reports to disk.
package report

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/nadmax/cihealer/internal/fsutil"
	"github.com/nadmax/cihealer/internal/learning"
	"github.com/spf13/afero"
)

const (
	DefaultDir      = "reports"
	FormatJSON      = "json"
	FormatCSV       = "csv"
	jsonFileName    = "ci-learning-report.json"
	csvFileName     = "ci-learning-patterns.csv"
	csvTimestampFmt = "2006-01-02 15:04:05"
)

type Exporter struct {
	fs afero.Fs
}

func NewExporter(fs afero.Fs) *Exporter {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Exporter{fs: fs}
}

// Path returns the file a report of the given format is saved to under dir.
func Path(dir, format string) (string, error) {
	if dir == "" {
		dir = DefaultDir
	}
	switch format {
	case "", FormatJSON:
		return filepath.Join(dir, jsonFileName), nil
	case FormatCSV:
		return filepath.Join(dir, csvFileName), nil
	default:
		return "", fmt.Errorf("unsupported format: %s (available: json, csv)", format)
	}
}

// Save writes r under dir and returns the written path.
func (e *Exporter) Save(r *learning.Report, dir, format string) (string, error) {
	path, err := Path(dir, format)
	if err != nil {
		return "", err
	}

	var data []byte
	if format == FormatCSV {
		data, err = CSV(r)
	} else {
		data, err = json.MarshalIndent(r, "", "  ")
	}
	if err != nil {
		return "", err
	}

	if err := fsutil.WriteFileAtomic(e.fs, path, data); err != nil {
		return "", fmt.Errorf("failed to save report: %w", err)
	}
	return path, nil
}

// Rows flattens the pattern and insight sections into a table with a header row.
func Rows(r *learning.Report) [][]string {
	data := [][]string{
		{"Section", "Error Type", "Frequency", "Avg Resolution (ms)", "Avg Confidence", "Last Seen"},
	}

	add := func(section string, stats []learning.ErrorTypeStats) {
		for _, s := range stats {
			data = append(data, []string{
				section,
				s.ErrorType,
				strconv.Itoa(s.Frequency),
				strconv.FormatFloat(s.AvgResolutionTimeMs, 'f', 0, 64),
				strconv.FormatFloat(s.AvgConfidence, 'f', 2, 64),
				formatTime(s.LastSeen),
			})
		}
	}
	add("pattern", r.ErrorPatterns)
	add("insight", r.LearningInsights)
	return data
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(csvTimestampFmt)
}

func CSV(r *learning.Report) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.WriteAll(Rows(r)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
