package pipeline

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/aluiziolira/go-deal-ingest/adapters"
	"github.com/aluiziolira/go-deal-ingest/config"
	"github.com/aluiziolira/go-deal-ingest/jobs"
	"github.com/aluiziolira/go-deal-ingest/models"
	"github.com/aluiziolira/go-deal-ingest/storage"
)

func newTestService(t *testing.T, h *harness, cfg ServiceConfig) *Service {
	t.Helper()
	if cfg.Workers == 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = 16
	}
	if cfg.MaxBulkURLs == 0 {
		cfg.MaxBulkURLs = 10
	}
	svc := NewService(h.orch, h.sessions, cfg, nil)
	t.Cleanup(func() { svc.Close() })
	return svc
}

func TestServiceIngest(t *testing.T) {
	adapter := &scriptedAdapter{name: config.AdapterEbayAPI, host: "ebay.com", script: []attemptFunc{succeed("123456789012", "10.00")}}
	h := newHarness(t, adapter)
	svc := newTestService(t, h, ServiceConfig{})

	id, err := svc.Ingest(context.Background(), itemURL)
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	got := waitTerminal(t, svc, id)
	if got.Status != models.StatusComplete {
		t.Fatalf("status = %s, error = %+v", got.Status, got.Error)
	}
}

func TestServiceIngestRejectsEmptyURL(t *testing.T) {
	adapter := &scriptedAdapter{name: config.AdapterEbayAPI, host: "ebay.com", script: []attemptFunc{succeed("1", "1")}}
	h := newHarness(t, adapter)
	svc := newTestService(t, h, ServiceConfig{})

	_, err := svc.Ingest(context.Background(), "   ")
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestServiceNoAdapterDoesNotHang(t *testing.T) {
	adapter := &scriptedAdapter{name: config.AdapterEbayAPI, host: "ebay.com", script: []attemptFunc{succeed("1", "1")}}
	h := newHarness(t, adapter)
	svc := newTestService(t, h, ServiceConfig{})

	id, err := svc.Ingest(context.Background(), "gopher://example.com/x")
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	got := waitTerminal(t, svc, id)
	if got.Status != models.StatusFailed || got.Error.Code != "NO_ADAPTER_AVAILABLE" {
		t.Fatalf("got %s / %+v", got.Status, got.Error)
	}
}

func TestServiceBulkAggregation(t *testing.T) {
	tests := []struct {
		name string
		urls []string
		want models.Status
	}{
		{
			name: "complete complete failed",
			urls: []string{"https://www.ebay.com/itm/111111111111", "https://www.ebay.com/itm/222222222222", "ftp://bad"},
			want: models.StatusPartial,
		},
		{
			name: "all complete",
			urls: []string{"https://www.ebay.com/itm/111111111111", "https://www.ebay.com/itm/222222222222", "https://www.ebay.com/itm/333333333333"},
			want: models.StatusComplete,
		},
		{
			name: "all failed",
			urls: []string{"ftp://a", "ftp://b"},
			want: models.StatusFailed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := 0
			adapter := &scriptedAdapter{name: config.AdapterEbayAPI, host: "ebay.com"}
			adapter.script = []attemptFunc{func(ctx context.Context, u *url.URL) (*adapters.Extraction, error) {
				adapter.mu.Lock()
				n++
				id := strconv.Itoa(100000000000 + n)
				adapter.mu.Unlock()
				return succeed(id, "20.00")(ctx, u)
			}}
			h := newHarness(t, adapter)
			svc := newTestService(t, h, ServiceConfig{})

			id, err := svc.IngestBulk(context.Background(), tt.urls)
			if err != nil {
				t.Fatalf("IngestBulk() error = %v", err)
			}
			parent := waitTerminal(t, svc, id)
			if parent.Status != tt.want {
				t.Fatalf("parent status = %s, want %s", parent.Status, tt.want)
			}
			if parent.ProgressPct != 100 {
				t.Fatalf("parent progress = %d", parent.ProgressPct)
			}

			view, err := svc.BulkStatus(context.Background(), id, 0, 50)
			if err != nil {
				t.Fatalf("BulkStatus() error = %v", err)
			}
			if view.Summary.Total != len(tt.urls) || len(view.Children) != len(tt.urls) {
				t.Fatalf("summary = %+v children = %d", view.Summary, len(view.Children))
			}
			for i, child := range view.Children {
				if child.SourceURL != tt.urls[i] {
					t.Fatalf("child %d url = %s, want %s", i, child.SourceURL, tt.urls[i])
				}
				if child.ParentID == nil || *child.ParentID != id {
					t.Fatalf("child %d parent = %v", i, child.ParentID)
				}
			}
		})
	}
}

func TestServiceBulkPaging(t *testing.T) {
	adapter := &scriptedAdapter{name: config.AdapterEbayAPI, host: "ebay.com", script: []attemptFunc{succeed("1", "1")}}
	h := newHarness(t, adapter)
	svc := newTestService(t, h, ServiceConfig{})

	urls := []string{"ftp://1", "ftp://2", "ftp://3", "ftp://4", "ftp://5"}
	id, err := svc.IngestBulk(context.Background(), urls)
	if err != nil {
		t.Fatalf("IngestBulk() error = %v", err)
	}
	waitTerminal(t, svc, id)

	view, err := svc.BulkStatus(context.Background(), id, 3, 10)
	if err != nil {
		t.Fatalf("BulkStatus() error = %v", err)
	}
	if len(view.Children) != 2 || view.Children[0].SourceURL != "ftp://4" {
		t.Fatalf("page = %+v", view.Children)
	}
	if view.Summary.Failed != 5 {
		t.Fatalf("summary = %+v", view.Summary)
	}

	single, err := svc.Ingest(context.Background(), "ftp://x")
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if _, err := svc.BulkStatus(context.Background(), single, 0, 10); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("BulkStatus(single) error = %v, want ErrNotFound", err)
	}
}

func TestServiceBulkValidation(t *testing.T) {
	adapter := &scriptedAdapter{name: config.AdapterEbayAPI, host: "ebay.com", script: []attemptFunc{succeed("1", "1")}}
	h := newHarness(t, adapter)
	svc := newTestService(t, h, ServiceConfig{MaxBulkURLs: 2})

	for _, urls := range [][]string{nil, {"https://a.test", "https://b.test", "https://c.test"}} {
		id, err := svc.IngestBulk(context.Background(), urls)
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("IngestBulk(%d urls) error = %v, want ValidationError", len(urls), err)
		}
		parent, err := svc.Status(context.Background(), id)
		if err != nil {
			t.Fatalf("Status() error = %v", err)
		}
		if parent.Status != models.StatusFailed || parent.Error.Code != models.CodeValidationFailed {
			t.Fatalf("parent = %s / %+v", parent.Status, parent.Error)
		}
		counts, err := h.sessions.Counts(context.Background(), id)
		if err != nil || counts.Total() != 0 {
			t.Fatalf("children created for invalid bulk: %v %v", counts, err)
		}
	}
}

func TestServiceCancelRunningJob(t *testing.T) {
	started := make(chan struct{}, 1)
	adapter := &scriptedAdapter{name: config.AdapterEbayAPI, host: "ebay.com", script: []attemptFunc{blockUntilDone(started)}}
	h := newHarness(t, adapter, withTimeout(0))
	svc := newTestService(t, h, ServiceConfig{})

	id, err := svc.Ingest(context.Background(), itemURL)
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("adapter never started")
	}

	if err := svc.Cancel(context.Background(), id); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	got := waitTerminal(t, svc, id)
	if got.Status != models.StatusFailed || got.Error.Code != models.CodeCancelled {
		t.Fatalf("got %s / %+v, want failed CANCELLED", got.Status, got.Error)
	}

	if err := svc.Cancel(context.Background(), id); !errors.Is(err, jobs.ErrInvalidTransition) {
		t.Fatalf("second Cancel() error = %v, want ErrInvalidTransition", err)
	}
}

func TestServiceBulkParentRunningWhileChildInFlight(t *testing.T) {
	started := make(chan struct{}, 1)
	adapter := &scriptedAdapter{name: config.AdapterEbayAPI, host: "ebay.com", script: []attemptFunc{blockUntilDone(started)}}
	h := newHarness(t, adapter, withTimeout(0))
	svc := newTestService(t, h, ServiceConfig{Workers: 1})

	id, err := svc.IngestBulk(context.Background(), []string{itemURL, itemURL})
	if err != nil {
		t.Fatalf("IngestBulk() error = %v", err)
	}
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("adapter never started")
	}

	parent := h.get(t, id)
	if parent.Status != models.StatusRunning || parent.ProgressPct != 0 {
		t.Fatalf("parent = %s %d%%, want running 0%%", parent.Status, parent.ProgressPct)
	}

	if err := svc.Cancel(context.Background(), id); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if got := waitTerminal(t, svc, id); got.Status != models.StatusFailed {
		t.Fatalf("parent = %s, want failed", got.Status)
	}
}

func TestServiceCancelBulk(t *testing.T) {
	adapter := &scriptedAdapter{name: config.AdapterEbayAPI, host: "ebay.com", script: []attemptFunc{blockUntilDone(nil)}}
	h := newHarness(t, adapter, withTimeout(0))
	svc := newTestService(t, h, ServiceConfig{Workers: 1})

	id, err := svc.IngestBulk(context.Background(), []string{itemURL, itemURL, itemURL})
	if err != nil {
		t.Fatalf("IngestBulk() error = %v", err)
	}
	if err := svc.Cancel(context.Background(), id); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	parent := waitTerminal(t, svc, id)
	if parent.Status != models.StatusFailed {
		t.Fatalf("parent = %s, want failed", parent.Status)
	}
	counts, err := h.sessions.Counts(context.Background(), id)
	if err != nil {
		t.Fatalf("Counts() error = %v", err)
	}
	if counts[models.StatusFailed] != 3 {
		t.Fatalf("counts = %v", counts)
	}
}

func TestServiceCancelFinishedBulk(t *testing.T) {
	adapter := &scriptedAdapter{name: config.AdapterEbayAPI, host: "ebay.com", script: []attemptFunc{succeed("1", "1")}}
	h := newHarness(t, adapter)
	svc := newTestService(t, h, ServiceConfig{})

	id, _ := svc.IngestBulk(context.Background(), nil)
	if err := svc.Cancel(context.Background(), id); !errors.Is(err, jobs.ErrInvalidTransition) {
		t.Fatalf("cancel of failed parent = %v", err)
	}
}

func TestServiceRejectsAfterClose(t *testing.T) {
	adapter := &scriptedAdapter{name: config.AdapterEbayAPI, host: "ebay.com", script: []attemptFunc{succeed("1", "1")}}
	h := newHarness(t, adapter)
	svc := NewService(h.orch, h.sessions, ServiceConfig{Workers: 1}, nil)

	if err := svc.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := svc.Ingest(context.Background(), itemURL); !errors.Is(err, ErrServiceClosed) {
		t.Fatalf("Ingest() after close = %v", err)
	}
	if _, err := svc.IngestBulk(context.Background(), []string{itemURL}); !errors.Is(err, ErrServiceClosed) {
		t.Fatalf("IngestBulk() after close = %v", err)
	}
}

func TestServiceCloseDrainsQueuedJobs(t *testing.T) {
	adapter := &scriptedAdapter{name: config.AdapterEbayAPI, host: "ebay.com", script: []attemptFunc{succeed("123456789012", "5.00")}}
	h := newHarness(t, adapter)
	svc := NewService(h.orch, h.sessions, ServiceConfig{Workers: 2, QueueSize: 32}, nil)

	var ids []string
	for i := 0; i < 10; i++ {
		id, err := svc.Ingest(context.Background(), itemURL)
		if err != nil {
			t.Fatalf("Ingest() error = %v", err)
		}
		ids = append(ids, id.String())
	}
	if err := svc.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if adapter.Calls() != 10 {
		t.Fatalf("calls = %d, want 10", adapter.Calls())
	}
	if n, _ := h.listings.Count(context.Background()); n != 1 {
		t.Fatalf("listings = %d, want 1 for one vendor id", n)
	}
}

func TestServiceCloseTimeout(t *testing.T) {
	started := make(chan struct{}, 1)
	adapter := &scriptedAdapter{name: config.AdapterEbayAPI, host: "ebay.com", script: []attemptFunc{blockUntilDone(started)}}
	h := newHarness(t, adapter, withTimeout(0))
	svc := NewService(h.orch, h.sessions, ServiceConfig{Workers: 1, DrainTimeout: 25 * time.Millisecond}, nil)

	id, err := svc.Ingest(context.Background(), itemURL)
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	<-started

	if err := svc.Close(); !errors.Is(err, ErrPipelineCloseTimeout) {
		t.Fatalf("Close() error = %v, want ErrPipelineCloseTimeout", err)
	}
	got := h.get(t, id)
	if got.Status != models.StatusFailed || got.Error.Code != models.CodeCancelled {
		t.Fatalf("in-flight job = %s / %+v, want failed CANCELLED", got.Status, got.Error)
	}
}
