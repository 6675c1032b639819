package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aluiziolira/go-deal-ingest/dedup"
	"github.com/aluiziolira/go-deal-ingest/jobs"
	"github.com/aluiziolira/go-deal-ingest/models"
	"github.com/aluiziolira/go-deal-ingest/pipeline"
)

const childPageSize = 500

type jobSource interface {
	Status(ctx context.Context, id uuid.UUID) (*models.ImportSession, error)
	BulkStatus(ctx context.Context, id uuid.UUID, offset, limit int) (*models.BulkStatus, error)
}

// readURLs reads one URL per line, skipping blanks and # comments.
func readURLs(r io.Reader) ([]string, error) {
	var urls []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read urls: %w", err)
	}
	return urls, nil
}

// waitTerminal polls until every job is finished or ctx is done. The
// returned slice follows ids order and holds the last state seen.
func waitTerminal(ctx context.Context, src jobSource, ids []uuid.UUID, every time.Duration) ([]*models.ImportSession, error) {
	out := make([]*models.ImportSession, len(ids))
	pending := len(ids)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		for i, id := range ids {
			if out[i] != nil && jobs.IsTerminal(out[i].Status) {
				continue
			}
			sess, err := src.Status(ctx, id)
			if err != nil {
				if ctx.Err() != nil {
					return out, ctx.Err()
				}
				return out, fmt.Errorf("status %s: %w", id, err)
			}
			out[i] = sess
			if jobs.IsTerminal(sess.Status) {
				pending--
			}
		}
		if pending == 0 {
			return out, nil
		}
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		case <-ticker.C:
		}
	}
}

// bulkChildren pages through every child of a bulk job.
func bulkChildren(ctx context.Context, src jobSource, parent uuid.UUID) ([]*models.ImportSession, error) {
	var children []*models.ImportSession
	for offset := 0; ; offset += childPageSize {
		view, err := src.BulkStatus(ctx, parent, offset, childPageSize)
		if err != nil {
			return nil, err
		}
		children = append(children, view.Children...)
		if len(view.Children) < childPageSize || len(children) >= view.Summary.Total {
			return children, nil
		}
	}
}

type runSummary struct {
	Total     int
	ByStatus  map[models.Status]int
	ByAdapter map[string]int
	Errors    map[string]int
	Created   int
	Updated   int
}

func summarize(sessions []*models.ImportSession) runSummary {
	s := runSummary{
		ByStatus:  map[models.Status]int{},
		ByAdapter: map[string]int{},
		Errors:    map[string]int{},
	}
	for _, sess := range sessions {
		if sess == nil {
			continue
		}
		s.Total++
		s.ByStatus[sess.Status]++
		if sess.AdapterUsed != "" {
			s.ByAdapter[sess.AdapterUsed]++
		}
		if sess.Error != nil {
			s.Errors[sess.Error.Code]++
		}
		if r := sess.Result; r != nil {
			switch r.Action {
			case string(dedup.ActionCreate):
				s.Created++
			case string(dedup.ActionUpdate):
				s.Updated++
			}
		}
	}
	return s
}

func (s runSummary) successRate() float64 {
	if s.Total == 0 {
		return 0
	}
	ok := s.ByStatus[models.StatusComplete] + s.ByStatus[models.StatusPartial]
	return float64(ok) / float64(s.Total) * 100
}

func reportRows(sessions []*models.ImportSession) []*pipeline.ReportRow {
	rows := make([]*pipeline.ReportRow, 0, len(sessions))
	for _, sess := range sessions {
		if sess != nil {
			rows = append(rows, pipeline.RowFromSession(sess))
		}
	}
	return rows
}

func formatCounts[K ~string](m map[K]int) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%d", k, m[K(k)])
	}
	return strings.Join(parts, " ")
}
