// Package jobs holds the import session state machine: legal transitions,
// progress milestones and the bulk parent aggregate.
package jobs

import (
	"errors"

	"github.com/aluiziolira/go-deal-ingest/models"
)

// ErrInvalidTransition is returned when a status change would leave a
// terminal state or move backwards.
var ErrInvalidTransition = errors.New("invalid status transition")

// Progress milestones reported while a job runs.
const (
	ProgressQueued             = 0
	ProgressExtractionStarted  = 10
	ProgressExtractionComplete = 40
	ProgressNormalized         = 60
	ProgressDeduplicated       = 80
	ProgressPersisted          = 100
)

// IsTerminal reports whether no further transition is allowed.
func IsTerminal(s models.Status) bool {
	switch s {
	case models.StatusComplete, models.StatusPartial, models.StatusFailed:
		return true
	default:
		return false
	}
}

// CanTransition reports whether from -> to is legal. Staying in running is
// allowed so progress updates can be written.
func CanTransition(from, to models.Status) bool {
	switch from {
	case models.StatusQueued:
		return to == models.StatusRunning || to == models.StatusFailed
	case models.StatusRunning:
		return to == models.StatusRunning || IsTerminal(to)
	default:
		return false
	}
}

// SourcesFor lists the statuses a session may be in before moving to to.
// Stores use it to build conditional updates.
func SourcesFor(to models.Status) []models.Status {
	var out []models.Status
	for _, from := range []models.Status{models.StatusQueued, models.StatusRunning} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// Aggregate derives a bulk parent's status and progress from child counts.
// complete iff every child completed, failed iff every child failed, partial
// once all children are terminal with mixed outcomes, running once any child
// has started, queued otherwise.
func Aggregate(counts models.StatusCounts) (models.Status, int) {
	total := counts.Total()
	if total == 0 {
		return models.StatusQueued, 0
	}
	complete := counts[models.StatusComplete]
	failed := counts[models.StatusFailed]
	done := complete + failed + counts[models.StatusPartial]

	progress := done * 100 / total
	switch {
	case done < total:
		if done > 0 || counts[models.StatusRunning] > 0 {
			return models.StatusRunning, progress
		}
		return models.StatusQueued, progress
	case complete == total:
		return models.StatusComplete, 100
	case failed == total:
		return models.StatusFailed, 100
	default:
		return models.StatusPartial, 100
	}
}
