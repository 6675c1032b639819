package jobs

import (
	"testing"

	"github.com/aluiziolira/go-deal-ingest/models"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to models.Status
		want     bool
	}{
		{models.StatusQueued, models.StatusRunning, true},
		{models.StatusQueued, models.StatusFailed, true},
		{models.StatusQueued, models.StatusComplete, false},
		{models.StatusRunning, models.StatusRunning, true},
		{models.StatusRunning, models.StatusComplete, true},
		{models.StatusRunning, models.StatusPartial, true},
		{models.StatusRunning, models.StatusFailed, true},
		{models.StatusRunning, models.StatusQueued, false},
		{models.StatusComplete, models.StatusRunning, false},
		{models.StatusFailed, models.StatusComplete, false},
		{models.StatusPartial, models.StatusFailed, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestSourcesFor(t *testing.T) {
	if got := SourcesFor(models.StatusFailed); len(got) != 2 {
		t.Fatalf("SourcesFor(failed) = %v, want queued and running", got)
	}
	if got := SourcesFor(models.StatusComplete); len(got) != 1 || got[0] != models.StatusRunning {
		t.Fatalf("SourcesFor(complete) = %v, want running", got)
	}
	if got := SourcesFor(models.StatusQueued); len(got) != 0 {
		t.Fatalf("SourcesFor(queued) = %v, want none", got)
	}
}

func TestAggregate(t *testing.T) {
	tests := []struct {
		name         string
		counts       models.StatusCounts
		wantStatus   models.Status
		wantProgress int
	}{
		{"no children", models.StatusCounts{}, models.StatusQueued, 0},
		{"all queued", models.StatusCounts{models.StatusQueued: 3}, models.StatusQueued, 0},
		{"one running", models.StatusCounts{models.StatusQueued: 2, models.StatusRunning: 1}, models.StatusRunning, 0},
		{"some done", models.StatusCounts{models.StatusQueued: 1, models.StatusComplete: 1}, models.StatusRunning, 50},
		{"complete complete failed", models.StatusCounts{models.StatusComplete: 2, models.StatusFailed: 1}, models.StatusPartial, 100},
		{"all complete", models.StatusCounts{models.StatusComplete: 3}, models.StatusComplete, 100},
		{"all failed", models.StatusCounts{models.StatusFailed: 2}, models.StatusFailed, 100},
		{"all partial", models.StatusCounts{models.StatusPartial: 2}, models.StatusPartial, 100},
		{"partial and failed", models.StatusCounts{models.StatusPartial: 1, models.StatusFailed: 1}, models.StatusPartial, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, progress := Aggregate(tt.counts)
			if status != tt.wantStatus || progress != tt.wantProgress {
				t.Fatalf("Aggregate(%v) = (%s, %d), want (%s, %d)", tt.counts, status, progress, tt.wantStatus, tt.wantProgress)
			}
		})
	}
}

func TestIsTerminal(t *testing.T) {
	for _, s := range []models.Status{models.StatusComplete, models.StatusPartial, models.StatusFailed} {
		if !IsTerminal(s) {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []models.Status{models.StatusQueued, models.StatusRunning} {
		if IsTerminal(s) {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
