package sink

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"
)

// FileWriter appends tab-separated lines to a local file:
//
//	timestamp	run_id	campaign	address	reason
type FileWriter struct {
	Path string
}

func NewFileWriter(path string) *FileWriter { return &FileWriter{Path: path} }

// Write renders the whole run first and appends it with one write call, so
// runs sharing the file do not interleave.
func (w *FileWriter) Write(_ context.Context, at time.Time, runID, campaign string, entries []Entry) error {
	var b strings.Builder
	ts := at.Format(time.RFC3339)
	for _, e := range entries {
		b.WriteString(ts)
		for _, field := range []string{runID, campaign, e.Address, e.Reason} {
			b.WriteByte('\t')
			b.WriteString(clean(field))
		}
		b.WriteByte('\n')
	}

	f, err := os.OpenFile(w.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open invalid log: %w", err)
	}
	if _, err := f.WriteString(b.String()); err != nil {
		f.Close()
		return fmt.Errorf("write invalid log: %w", err)
	}
	return f.Close()
}

var fieldCleaner = strings.NewReplacer("\t", " ", "\n", " ", "\r", " ")

func clean(s string) string { return fieldCleaner.Replace(s) }
