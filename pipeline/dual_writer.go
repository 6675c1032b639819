package pipeline

import (
	"errors"
	"fmt"
	"sync"
)

type reportOutput struct {
	format string
	writer ReportWriter
}

// MultiWriter fans report rows out to several formats. Every output is
// written, validated and closed even when another one fails.
type MultiWriter struct {
	outputs []reportOutput
	mu      sync.Mutex
}

// NewDualWriter opens a CSV report at csvFilename and a JSONL copy of it at
// jsonFilename.
func NewDualWriter(csvFilename, jsonFilename string) (*MultiWriter, error) {
	csvWriter, err := NewCSVWriter(csvFilename)
	if err != nil {
		return nil, fmt.Errorf("csv report: %w", err)
	}
	jsonWriter, err := NewJSONWriter(jsonFilename)
	if err != nil {
		csvWriter.Close()
		return nil, fmt.Errorf("json report: %w", err)
	}
	return &MultiWriter{outputs: []reportOutput{
		{format: "csv", writer: csvWriter},
		{format: "json", writer: jsonWriter},
	}}, nil
}

func (m *MultiWriter) each(op string, fn func(ReportWriter) error) error {
	var errs []error
	for _, out := range m.outputs {
		if err := fn(out.writer); err != nil {
			errs = append(errs, fmt.Errorf("%s report %s: %w", out.format, op, err))
		}
	}
	return errors.Join(errs...)
}

// Write appends rows to every report.
func (m *MultiWriter) Write(rows []*ReportRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.each("write", func(w ReportWriter) error { return w.Write(rows) })
}

// Close flushes and closes every report.
func (m *MultiWriter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.each("close", ReportWriter.Close)
}

// Validate checks that every report has content.
func (m *MultiWriter) Validate() error {
	return m.each("validation", ReportWriter.Validate)
}
