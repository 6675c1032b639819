package pipeline

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/aluiziolira/go-deal-ingest/models"
)

// ReportRow is one finished job as written to a run report.
type ReportRow struct {
	JobID        string     `json:"job_id"`
	SourceURL    string     `json:"source_url"`
	Status       string     `json:"status"`
	ProgressPct  int        `json:"progress_pct"`
	Adapter      string     `json:"adapter,omitempty"`
	ListingID    string     `json:"listing_id,omitempty"`
	Action       string     `json:"action,omitempty"`
	DedupMethod  string     `json:"dedup_method,omitempty"`
	Quality      string     `json:"quality,omitempty"`
	Attempts     int        `json:"attempts"`
	Events       []string   `json:"events,omitempty"`
	ErrorCode    string     `json:"error_code,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// RowFromSession flattens a session into a report row.
func RowFromSession(s *models.ImportSession) *ReportRow {
	row := &ReportRow{
		JobID:       s.ID.String(),
		SourceURL:   s.SourceURL,
		Status:      string(s.Status),
		ProgressPct: s.ProgressPct,
		Adapter:     s.AdapterUsed,
		CompletedAt: s.CompletedAt,
	}
	if r := s.Result; r != nil {
		row.ListingID = r.ListingID
		row.Action = r.Action
		row.DedupMethod = r.DedupMethod
		row.Quality = string(r.Quality)
		row.Attempts = r.Attempts
		row.Events = r.Events
	}
	if e := s.Error; e != nil {
		row.ErrorCode = e.Code
		row.ErrorMessage = e.Message
	}
	return row
}

// ReportWriter receives finished job rows.
type ReportWriter interface {
	Write(rows []*ReportRow) error
	Close() error
	Validate() error
}

// CSVWriter writes report rows to CSV.
type CSVWriter struct {
	file   *os.File
	writer *csv.Writer
	mu     sync.Mutex
}

var csvHeader = []string{
	"job_id", "source_url", "status", "progress_pct", "adapter", "listing_id",
	"action", "dedup_method", "quality", "attempts", "error_code", "error_message", "completed_at",
}

// NewCSVWriter initialises a CSV writer and writes the header row.
func NewCSVWriter(filename string) (*CSVWriter, error) {
	if err := ensureDir(filename); err != nil {
		return nil, err
	}

	f, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("create csv file: %w", err)
	}

	writer := csv.NewWriter(f)
	if err := writer.Write(csvHeader); err != nil {
		f.Close()
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		f.Close()
		return nil, fmt.Errorf("flush csv header: %w", err)
	}

	return &CSVWriter{
		file:   f,
		writer: writer,
	}, nil
}

// Write appends rows to the CSV output.
func (cw *CSVWriter) Write(rows []*ReportRow) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	for _, row := range rows {
		completed := ""
		if row.CompletedAt != nil {
			completed = row.CompletedAt.UTC().Format(time.RFC3339)
		}
		record := []string{
			row.JobID,
			row.SourceURL,
			row.Status,
			strconv.Itoa(row.ProgressPct),
			row.Adapter,
			row.ListingID,
			row.Action,
			row.DedupMethod,
			row.Quality,
			strconv.Itoa(row.Attempts),
			row.ErrorCode,
			row.ErrorMessage,
			completed,
		}
		if err := cw.writer.Write(record); err != nil {
			return fmt.Errorf("write csv record: %w", err)
		}
	}
	cw.writer.Flush()
	if err := cw.writer.Error(); err != nil {
		return fmt.Errorf("flush csv records: %w", err)
	}
	return nil
}

// Close flushes and closes the file handle.
func (cw *CSVWriter) Close() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cw.writer.Flush()
	if err := cw.writer.Error(); err != nil {
		return fmt.Errorf("flush csv writer: %w", err)
	}
	return cw.file.Close()
}

// Validate ensures the file has content.
func (cw *CSVWriter) Validate() error {
	info, err := cw.file.Stat()
	if err != nil {
		return fmt.Errorf("stat csv file: %w", err)
	}
	if info.Size() <= 0 {
		return fmt.Errorf("csv file is empty")
	}
	return nil
}

// JSONWriter writes newline-delimited JSON rows.
type JSONWriter struct {
	file    *os.File
	writer  *bufio.Writer
	encoder *json.Encoder
	mu      sync.Mutex
}

// NewJSONWriter initialises the JSON writer.
func NewJSONWriter(filename string) (*JSONWriter, error) {
	if err := ensureDir(filename); err != nil {
		return nil, err
	}

	f, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("create json file: %w", err)
	}

	buffer := bufio.NewWriter(f)
	return &JSONWriter{
		file:    f,
		writer:  buffer,
		encoder: json.NewEncoder(buffer),
	}, nil
}

// Write appends rows in JSONL format.
func (jw *JSONWriter) Write(rows []*ReportRow) error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	for _, row := range rows {
		if err := jw.encoder.Encode(row); err != nil {
			return fmt.Errorf("encode json record: %w", err)
		}
	}
	if err := jw.writer.Flush(); err != nil {
		return fmt.Errorf("flush json writer: %w", err)
	}
	return nil
}

// Close flushes buffers and closes the underlying file.
func (jw *JSONWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	if err := jw.writer.Flush(); err != nil {
		return fmt.Errorf("flush json writer: %w", err)
	}
	return jw.file.Close()
}

// Validate ensures the JSON file has data.
func (jw *JSONWriter) Validate() error {
	info, err := jw.file.Stat()
	if err != nil {
		return fmt.Errorf("stat json file: %w", err)
	}
	if info.Size() <= 0 {
		return fmt.Errorf("json file is empty")
	}
	return nil
}

func ensureDir(filename string) error {
	dir := filepath.Dir(filename)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %q: %w", dir, err)
	}
	return nil
}
