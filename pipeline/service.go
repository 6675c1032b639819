package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aluiziolira/go-deal-ingest/jobs"
	"github.com/aluiziolira/go-deal-ingest/models"
	"github.com/aluiziolira/go-deal-ingest/storage"
)

var (
	// ErrServiceClosed is returned when work is submitted after Close.
	ErrServiceClosed = errors.New("pipeline: closed")
	// ErrPipelineCloseTimeout is returned when workers do not drain in time
	// and in-flight jobs had to be cancelled.
	ErrPipelineCloseTimeout = errors.New("pipeline: close timed out waiting for workers")
)

const (
	defaultDrainTimeout = 30 * time.Second
	defaultPageLimit    = 50
	maxPageLimit        = 500
)

// ValidationError rejects a request before any job runs.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// ServiceConfig sizes the worker pool.
type ServiceConfig struct {
	Workers      int
	QueueSize    int
	MaxBulkURLs  int
	DrainTimeout time.Duration
}

// Runner executes one session to a terminal status.
type Runner interface {
	Run(ctx context.Context, sess *models.ImportSession) models.Status
}

// Service accepts ingestion requests and feeds them to a fixed pool of
// workers through a bounded queue. Each job runs in its own failure domain.
type Service struct {
	runner   Runner
	sessions SessionStore
	cfg      ServiceConfig
	logger   *slog.Logger
	now      func() time.Time

	queue     chan *models.ImportSession
	workers   sync.WaitGroup
	producers sync.WaitGroup

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu      sync.Mutex // guards closed and cancels
	closed  bool
	cancels map[uuid.UUID]context.CancelFunc

	closeOnce    sync.Once
	shutdown     chan struct{}
	shutdownOnce sync.Once
	drainTimeout time.Duration
}

// NewService starts cfg.Workers workers.
func NewService(runner Runner, sessions SessionStore, cfg ServiceConfig, logger *slog.Logger) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if logger == nil {
		logger = slog.Default()
	}
	drain := cfg.DrainTimeout
	if drain <= 0 {
		drain = defaultDrainTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		runner:       runner,
		sessions:     sessions,
		cfg:          cfg,
		logger:       logger.With(slog.String("component", "service")),
		now:          time.Now,
		queue:        make(chan *models.ImportSession, cfg.QueueSize),
		baseCtx:      ctx,
		baseCancel:   cancel,
		cancels:      make(map[uuid.UUID]context.CancelFunc),
		shutdown:     make(chan struct{}),
		drainTimeout: drain,
	}
	for i := 0; i < cfg.Workers; i++ {
		s.workers.Add(1)
		go s.worker()
	}
	return s
}

// Ingest queues one URL and returns its job id. The call blocks while the
// queue is full, until ctx is done.
func (s *Service) Ingest(ctx context.Context, rawURL string) (uuid.UUID, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return uuid.Nil, &ValidationError{Message: "url is required"}
	}
	if s.isClosed() {
		return uuid.Nil, ErrServiceClosed
	}

	sess := models.NewSession(models.KindSingle, rawURL, nil, s.now())
	if err := s.sessions.Create(ctx, sess); err != nil {
		return uuid.Nil, fmt.Errorf("create session: %w", err)
	}
	if err := s.enqueue(ctx, sess); err != nil {
		s.abort(sess, err)
		return sess.ID, err
	}
	return sess.ID, nil
}

// IngestBulk records a parent session, then its children, then queues the
// children in the background. A list that is empty or too long fails the
// parent with VALIDATION_FAILED and returns a *ValidationError alongside
// the parent id.
func (s *Service) IngestBulk(ctx context.Context, urls []string) (uuid.UUID, error) {
	if s.isClosed() {
		return uuid.Nil, ErrServiceClosed
	}

	now := s.now()
	parent := models.NewSession(models.KindBulkParent, "", nil, now)
	if err := s.sessions.Create(ctx, parent); err != nil {
		return uuid.Nil, fmt.Errorf("create bulk session: %w", err)
	}

	var invalid *ValidationError
	switch {
	case len(urls) == 0:
		invalid = &ValidationError{Message: "urls must not be empty"}
	case s.cfg.MaxBulkURLs > 0 && len(urls) > s.cfg.MaxBulkURLs:
		invalid = &ValidationError{Message: fmt.Sprintf("too many urls: %d (max %d)", len(urls), s.cfg.MaxBulkURLs)}
	}
	if invalid != nil {
		jobErr := &models.JobError{Code: models.CodeValidationFailed, Message: invalid.Message}
		if err := s.sessions.Finish(ctx, parent.ID, models.StatusFailed, nil, jobErr, now); err != nil {
			return parent.ID, fmt.Errorf("fail bulk session: %w", err)
		}
		return parent.ID, invalid
	}

	children := make([]*models.ImportSession, len(urls))
	for i, u := range urls {
		children[i] = models.NewSession(models.KindBulkChild, strings.TrimSpace(u), &parent.ID, now)
	}
	if err := s.sessions.CreateChildren(ctx, children); err != nil {
		jobErr := &models.JobError{Code: models.CodeInternal, Message: "failed to record bulk children"}
		if ferr := s.sessions.Finish(ctx, parent.ID, models.StatusFailed, nil, jobErr, now); ferr != nil {
			s.logger.Error("fail bulk session", slog.Any("error", ferr))
		}
		return parent.ID, fmt.Errorf("create bulk children: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		for _, child := range children {
			s.abort(child, ErrServiceClosed)
		}
		return parent.ID, ErrServiceClosed
	}
	s.producers.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.producers.Done()
		for i, child := range children {
			if err := s.enqueue(s.baseCtx, child); err != nil {
				for _, rest := range children[i:] {
					s.abort(rest, err)
				}
				return
			}
		}
	}()

	s.logger.Info("bulk job accepted", slog.String("bulk_job_id", parent.ID.String()), slog.Int("urls", len(urls)))
	return parent.ID, nil
}

// Status returns the session with the given id.
func (s *Service) Status(ctx context.Context, id uuid.UUID) (*models.ImportSession, error) {
	return s.sessions.Get(ctx, id)
}

// BulkStatus returns the parent, its summary and one page of children.
func (s *Service) BulkStatus(ctx context.Context, id uuid.UUID, offset, limit int) (*models.BulkStatus, error) {
	parent, err := s.sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if parent.Kind != models.KindBulkParent {
		return nil, storage.ErrNotFound
	}
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}

	counts, err := s.sessions.Counts(ctx, id)
	if err != nil {
		return nil, err
	}
	children, err := s.sessions.Children(ctx, id, offset, limit)
	if err != nil {
		return nil, err
	}
	if children == nil {
		children = []*models.ImportSession{}
	}
	return &models.BulkStatus{
		Parent:   parent,
		Summary:  models.SummaryFromCounts(counts),
		Children: children,
		Offset:   offset,
		Limit:    limit,
	}, nil
}

// Cancel marks a queued or running job failed/CANCELLED and cancels its
// context. Cancelling a bulk parent cancels every unfinished child. The
// in-flight adapter call is only bounded by its own timeout.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) error {
	sess, err := s.sessions.Get(ctx, id)
	if err != nil {
		return err
	}
	if jobs.IsTerminal(sess.Status) {
		return fmt.Errorf("%w: job is %s", jobs.ErrInvalidTransition, sess.Status)
	}

	if sess.Kind == models.KindBulkParent {
		return s.cancelBulk(ctx, sess)
	}
	if err := s.cancelOne(ctx, sess.ID); err != nil {
		return err
	}
	if sess.ParentID != nil {
		s.refreshParent(*sess.ParentID)
	}
	return nil
}

func (s *Service) cancelOne(ctx context.Context, id uuid.UUID) error {
	jobErr := &models.JobError{Code: models.CodeCancelled, Message: "cancelled by request"}
	if err := s.sessions.Finish(ctx, id, models.StatusFailed, nil, jobErr, s.now()); err != nil {
		return err
	}
	s.mu.Lock()
	cancel := s.cancels[id]
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

func (s *Service) cancelBulk(ctx context.Context, parent *models.ImportSession) error {
	for offset := 0; ; offset += maxPageLimit {
		page, err := s.sessions.Children(ctx, parent.ID, offset, maxPageLimit)
		if err != nil {
			return err
		}
		for _, child := range page {
			if jobs.IsTerminal(child.Status) {
				continue
			}
			if err := s.cancelOne(ctx, child.ID); err != nil && !errors.Is(err, jobs.ErrInvalidTransition) {
				return err
			}
		}
		if len(page) < maxPageLimit {
			break
		}
	}
	_, _, err := s.sessions.RefreshParent(ctx, parent.ID, s.now())
	return err
}

// Close stops accepting work, lets queued jobs finish and waits for the
// workers. If they do not drain within the drain timeout, in-flight jobs are
// cancelled and ErrPipelineCloseTimeout is returned.
func (s *Service) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.signalShutdown()
	s.producers.Wait()
	s.closeOnce.Do(func() {
		close(s.queue)
	})

	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(done)
	}()

	timer := time.NewTimer(s.drainTimeout)
	defer timer.Stop()
	select {
	case <-done:
		s.baseCancel()
		return nil
	case <-timer.C:
		s.logger.Warn("drain timeout reached, cancelling in-flight jobs", slog.Duration("timeout", s.drainTimeout))
		s.baseCancel()
		<-done
		return ErrPipelineCloseTimeout
	}
}

func (s *Service) worker() {
	defer s.workers.Done()
	for sess := range s.queue {
		s.runJob(sess)
	}
}

func (s *Service) runJob(sess *models.ImportSession) {
	ctx, cancel := context.WithCancel(s.baseCtx)
	s.mu.Lock()
	s.cancels[sess.ID] = cancel
	s.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("job panicked", slog.String("job_id", sess.ID.String()), slog.Any("panic", r))
			jobErr := &models.JobError{Code: models.CodeInternal, Message: "internal error"}
			if err := s.sessions.Finish(context.Background(), sess.ID, models.StatusFailed, nil, jobErr, s.now()); err != nil &&
				!errors.Is(err, jobs.ErrInvalidTransition) {
				s.logger.Error("mark panicked job failed", slog.Any("error", err))
			}
		}
		s.mu.Lock()
		delete(s.cancels, sess.ID)
		s.mu.Unlock()
		cancel()
		if sess.ParentID != nil {
			s.refreshParent(*sess.ParentID)
		}
	}()

	s.runner.Run(ctx, sess)
}

func (s *Service) refreshParent(parentID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()
	status, pct, err := s.sessions.RefreshParent(ctx, parentID, s.now())
	if err != nil {
		s.logger.Error("refresh bulk parent", slog.String("bulk_job_id", parentID.String()), slog.Any("error", err))
		return
	}
	if jobs.IsTerminal(status) {
		s.logger.Info("bulk job finished", slog.String("bulk_job_id", parentID.String()),
			slog.String("status", string(status)), slog.Int("progress_pct", pct))
	}
}

func (s *Service) enqueue(ctx context.Context, sess *models.ImportSession) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = ErrServiceClosed
		}
	}()

	select {
	case <-s.shutdown:
		return ErrServiceClosed
	case <-ctx.Done():
		return ctx.Err()
	case s.queue <- sess:
		return nil
	}
}

// abort fails a session that never reached a worker.
func (s *Service) abort(sess *models.ImportSession, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()
	jobErr := &models.JobError{Code: models.CodeCancelled, Message: "not started: " + cause.Error()}
	if err := s.sessions.Finish(ctx, sess.ID, models.StatusFailed, nil, jobErr, s.now()); err != nil &&
		!errors.Is(err, jobs.ErrInvalidTransition) {
		s.logger.Error("abort session", slog.String("job_id", sess.ID.String()), slog.Any("error", err))
	}
	if sess.ParentID != nil {
		s.refreshParent(*sess.ParentID)
	}
}

func (s *Service) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Service) signalShutdown() {
	s.shutdownOnce.Do(func() {
		close(s.shutdown)
	})
}
