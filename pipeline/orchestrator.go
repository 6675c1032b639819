// Package pipeline runs ingestion jobs: one URL through adapter selection,
// extraction, normalization, deduplication, persistence and event emission.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aluiziolira/go-deal-ingest/adapters"
	"github.com/aluiziolira/go-deal-ingest/config"
	"github.com/aluiziolira/go-deal-ingest/dedup"
	"github.com/aluiziolira/go-deal-ingest/events"
	"github.com/aluiziolira/go-deal-ingest/jobs"
	"github.com/aluiziolira/go-deal-ingest/metrics"
	"github.com/aluiziolira/go-deal-ingest/models"
	"github.com/aluiziolira/go-deal-ingest/normalizer"
	"github.com/aluiziolira/go-deal-ingest/retry"
)

// finalizeTimeout bounds the terminal write once the job context is gone.
const finalizeTimeout = 5 * time.Second

// Deps are the collaborators an Orchestrator needs.
type Deps struct {
	Router     *adapters.Router
	Sessions   SessionStore
	Payloads   PayloadStore
	Listings   ListingStore
	Normalizer *normalizer.Normalizer
	Dedup      *dedup.Service
	Events     *events.Service
	Metrics    *metrics.Recorder
	Retry      config.RetrySettings
	Logger     *slog.Logger
	Now        func() time.Time
	// Sleep replaces the backoff wait, mainly in tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Orchestrator executes single ingestion jobs.
type Orchestrator struct {
	router     *adapters.Router
	sessions   SessionStore
	payloads   PayloadStore
	listings   ListingStore
	normalizer *normalizer.Normalizer
	dedup      *dedup.Service
	events     *events.Service
	metrics    *metrics.Recorder
	retry      config.RetrySettings
	logger     *slog.Logger
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewOrchestrator validates deps and builds an Orchestrator.
func NewOrchestrator(d Deps) (*Orchestrator, error) {
	switch {
	case d.Router == nil:
		return nil, errors.New("pipeline: router is required")
	case d.Sessions == nil:
		return nil, errors.New("pipeline: session store is required")
	case d.Payloads == nil:
		return nil, errors.New("pipeline: payload store is required")
	case d.Listings == nil:
		return nil, errors.New("pipeline: listing store is required")
	case d.Normalizer == nil:
		return nil, errors.New("pipeline: normalizer is required")
	case d.Dedup == nil:
		return nil, errors.New("pipeline: dedup service is required")
	case d.Events == nil:
		return nil, errors.New("pipeline: event service is required")
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := d.Now
	if now == nil {
		now = time.Now
	}
	return &Orchestrator{
		router:     d.Router,
		sessions:   d.Sessions,
		payloads:   d.Payloads,
		listings:   d.Listings,
		normalizer: d.Normalizer,
		dedup:      d.Dedup,
		events:     d.Events,
		metrics:    d.Metrics,
		retry:      d.Retry,
		logger:     logger.With(slog.String("component", "orchestrator")),
		now:        now,
		sleep:      d.Sleep,
	}, nil
}

// errAbandoned means the session was finalized elsewhere, typically by a
// cancel, so this run stops without writing.
var errAbandoned = errors.New("session finalized elsewhere")

// Run drives sess to a terminal status and returns it. A session that was
// already cancelled is left as it is and its current status is returned.
func (o *Orchestrator) Run(ctx context.Context, sess *models.ImportSession) models.Status {
	log := o.logger.With(slog.String("job_id", sess.ID.String()), slog.String("url", sess.SourceURL))
	result := &models.JobResult{}

	route, err := o.router.Select(sess.SourceURL)
	if err != nil {
		log.Info("no route", slog.Any("error", err))
		return o.fail(ctx, sess, string(adapters.CodeOf(err)), err.Error(), result, "")
	}
	name := route.Adapter.Name()
	log = log.With(slog.String("adapter", name))

	if err := o.sessions.MarkRunning(ctx, sess.ID, name, o.now()); err != nil {
		return o.abandoned(ctx, sess, log, err)
	}
	if sess.ParentID != nil {
		// The bulk parent leaves queued as soon as any child starts.
		if _, _, err := o.sessions.RefreshParent(ctx, *sess.ParentID, o.now()); err != nil {
			log.Warn("refresh bulk parent", slog.String("bulk_job_id", sess.ParentID.String()), slog.Any("error", err))
		}
	}
	if err := o.progress(ctx, sess, jobs.ProgressExtractionStarted); err != nil {
		return o.abandoned(ctx, sess, log, err)
	}

	ext, failedPayload, err := o.extract(ctx, route, result, log)
	if err != nil {
		if failedPayload != nil {
			o.savePayload(ctx, sess, name, failedPayload.ContentType, failedPayload.Payload, result, log)
		}
		code := string(adapters.CodeOf(err))
		if ctx.Err() != nil {
			code = models.CodeCancelled
		}
		log.Warn("extraction failed", slog.String("code", code), slog.Int("attempts", result.Attempts), slog.Any("error", err))
		return o.fail(ctx, sess, code, err.Error(), result, name)
	}
	if err := o.progress(ctx, sess, jobs.ProgressExtractionComplete); err != nil {
		return o.abandoned(ctx, sess, log, err)
	}

	payload := o.savePayload(ctx, sess, name, ext.ContentType, ext.RawPayload, result, log)

	norm := o.normalizer.Normalize(ctx, ext.Listing, ext.Source, ext.Quality)
	for _, w := range norm.Warnings {
		log.Debug("normalization warning", slog.String("field", w.Field), slog.String("message", w.Message))
	}
	o.metrics.ObserveCompleteness(name, norm.Completeness())
	result.Quality = norm.Listing.Quality
	result.MissingFields = norm.Missing
	if err := o.progress(ctx, sess, jobs.ProgressNormalized); err != nil {
		return o.abandoned(ctx, sess, log, err)
	}

	listing := norm.Listing
	match, err := o.dedup.Match(ctx, &listing)
	if err != nil {
		log.Error("dedup lookup failed", slog.Any("error", err))
		return o.fail(ctx, sess, models.CodePersistenceError, "catalog lookup failed", result, name)
	}
	result.Action = string(match.Action)
	result.DedupMethod = string(match.Method)
	result.Confidence = match.Confidence
	if err := o.progress(ctx, sess, jobs.ProgressDeduplicated); err != nil {
		return o.abandoned(ctx, sess, log, err)
	}

	persisted, err := o.listings.Upsert(ctx, &listing, match)
	if err != nil {
		log.Error("persist listing failed", slog.Any("error", err))
		return o.fail(ctx, sess, models.CodePersistenceError, "failed to persist listing", result, name)
	}
	result.ListingID = persisted.ID
	switch {
	case persisted.Created && match.Action == dedup.ActionUpdate:
		// The matched row vanished between lookup and write.
		match = dedup.Result{Action: dedup.ActionCreate, Method: dedup.MethodNone}
	case !persisted.Created && match.Action == dedup.ActionCreate:
		// Lost a concurrent create on the vendor id index.
		match = dedup.Result{
			Action:     dedup.ActionUpdate,
			ExistingID: persisted.ID,
			Method:     dedup.MethodVendorID,
			Confidence: dedup.VendorIDConfidence,
		}
	}
	result.Action = string(match.Action)
	result.DedupMethod = string(match.Method)
	result.Confidence = match.Confidence
	if payload != nil {
		if err := o.payloads.AttachListing(ctx, payload.ID, persisted.ID); err != nil {
			log.Warn("link raw payload failed", slog.Any("error", err))
		}
	}

	for _, e := range o.events.Emit(ctx, sess.ID, persisted.ID, listing, match) {
		result.Events = append(result.Events, string(e.Type))
		o.metrics.IncEvent(string(e.Type))
	}

	status := models.StatusComplete
	if listing.Quality != models.QualityFull {
		status = models.StatusPartial
	}
	if err := o.finish(ctx, sess, status, result, nil); err != nil {
		return o.abandoned(ctx, sess, log, err)
	}
	log.Info("ingestion finished",
		slog.String("status", string(status)),
		slog.String("listing_id", persisted.ID),
		slog.String("action", result.Action),
		slog.Int("attempts", result.Attempts),
	)
	return status
}

// extract runs the adapter under the retry policy. On failure it also
// returns the last failed attempt that carried a payload.
func (o *Orchestrator) extract(ctx context.Context, route adapters.Route, result *models.JobResult, log *slog.Logger) (*adapters.Extraction, *adapters.Error, error) {
	name := route.Adapter.Name()
	policy := retry.Policy{
		MaxAttempts: route.Settings.Retries + 1,
		BaseDelay:   o.retry.BaseDelay,
		MaxDelay:    o.retry.MaxDelay,
		Multiplier:  o.retry.Multiplier,
		Jitter:      o.retry.Jitter,
	}

	var (
		ext      *adapters.Extraction
		withBody *adapters.Error
	)
	attempts, err := retry.Do(ctx, policy, retry.Options{
		Retryable: adapters.Retryable,
		Sleep:     o.sleep,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			o.metrics.IncRetry(name)
			log.Warn("retrying extraction",
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.String("code", string(adapters.CodeOf(err))),
			)
		},
	}, func(ctx context.Context, attempt int) error {
		attemptCtx := ctx
		if route.Settings.Timeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, route.Settings.Timeout)
			defer cancel()
		}

		start := time.Now()
		res, err := route.Adapter.Extract(attemptCtx, route.URL)
		outcome := metrics.OutcomeOK
		if err != nil {
			outcome = string(adapters.CodeOf(err))
			var adapterErr *adapters.Error
			if errors.As(err, &adapterErr) && len(adapterErr.Payload) > 0 {
				withBody = adapterErr
			}
		}
		o.metrics.ObserveAttempt(name, time.Since(start), outcome)
		ext = res
		return err
	})
	result.Attempts = attempts
	if err == nil && ext == nil {
		err = adapters.NewError(adapters.CodeInvalidSchema, name, errors.New("adapter returned no extraction"))
	}
	if err != nil {
		return nil, withBody, err
	}
	return ext, nil, nil
}

func (o *Orchestrator) savePayload(ctx context.Context, sess *models.ImportSession, adapter, contentType string, body []byte, result *models.JobResult, log *slog.Logger) *models.RawPayload {
	if body == nil {
		return nil
	}
	p, err := o.payloads.Save(context.WithoutCancel(ctx), sess.ID, adapter, contentType, body, o.now())
	if err != nil {
		log.Warn("save raw payload failed", slog.Any("error", err))
		return nil
	}
	if p.Truncated {
		log.Debug("raw payload truncated", slog.Int("original_size", p.OriginalSize), slog.Int("stored", len(p.Payload)))
	}
	result.RawPayloadID = p.ID.String()
	return p
}

func (o *Orchestrator) progress(ctx context.Context, sess *models.ImportSession, pct int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return o.sessions.UpdateProgress(ctx, sess.ID, pct, o.now())
}

func (o *Orchestrator) finish(ctx context.Context, sess *models.ImportSession, status models.Status, result *models.JobResult, jobErr *models.JobError) error {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	if err := o.sessions.Finish(writeCtx, sess.ID, status, result, jobErr, o.now()); err != nil {
		if errors.Is(err, jobs.ErrInvalidTransition) {
			return fmt.Errorf("%w: %w", errAbandoned, err)
		}
		return err
	}
	o.metrics.IncJob(status)
	return nil
}

func (o *Orchestrator) fail(ctx context.Context, sess *models.ImportSession, code, message string, result *models.JobResult, adapter string) models.Status {
	if err := o.finish(ctx, sess, models.StatusFailed, result, &models.JobError{Code: code, Message: message}); err != nil {
		log := o.logger.With(slog.String("job_id", sess.ID.String()))
		if adapter != "" {
			log = log.With(slog.String("adapter", adapter))
		}
		return o.abandoned(ctx, sess, log, err)
	}
	return models.StatusFailed
}

// abandoned handles a run whose session can no longer be advanced. A
// cancelled session keeps the status the canceller wrote; any other store
// failure fails the job as INTERNAL.
func (o *Orchestrator) abandoned(ctx context.Context, sess *models.ImportSession, log *slog.Logger, cause error) models.Status {
	readCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	current, err := o.sessions.Get(readCtx, sess.ID)
	if err == nil && jobs.IsTerminal(current.Status) {
		log.Info("session finalized elsewhere", slog.String("status", string(current.Status)))
		return current.Status
	}
	if errors.Is(cause, errAbandoned) {
		return models.StatusFailed
	}

	log.Error("session update failed", slog.Any("error", cause))
	code := models.CodeInternal
	if ctx.Err() != nil {
		code = models.CodeCancelled
	}
	jobErr := &models.JobError{Code: code, Message: "job interrupted"}
	if ferr := o.sessions.Finish(readCtx, sess.ID, models.StatusFailed, nil, jobErr, o.now()); ferr != nil {
		log.Error("mark session failed", slog.Any("error", ferr))
	} else {
		o.metrics.IncJob(models.StatusFailed)
	}
	return models.StatusFailed
}
