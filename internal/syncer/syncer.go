// Package syncer keeps the repository map in step with the CI backend. It
// performs the initial and paged push loads, turns job notifications into
// queued fetches, drains that queue on a timer and drives the pollers.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/lei/pushwatch/internal/client"
	"github.com/lei/pushwatch/internal/events"
	"github.com/lei/pushwatch/internal/metrics"
	"github.com/lei/pushwatch/internal/models"
	"github.com/lei/pushwatch/internal/poller"
	"github.com/lei/pushwatch/internal/queue"
	"github.com/lei/pushwatch/internal/store"
	"github.com/lei/pushwatch/pkg/logger"
)

// Backend is the subset of the CI backend API the syncer uses
type Backend interface {
	ListPushes(ctx context.Context, repo string, q client.PushQuery) ([]*models.Push, error)
	ListJobs(ctx context.Context, repo string, q client.JobQuery) ([]*models.Job, error)
	GetJob(ctx context.Context, repo string, id int64) (*models.Job, error)
	CancelJob(ctx context.Context, repo string, id int64) error
}

// Runner is a long-running component started alongside the syncer loops,
// such as the notification listener.
type Runner interface {
	Run(ctx context.Context) error
}

// Config holds the syncer timings and sizes
type Config struct {
	InitialCount  int
	JobBatchSize  int
	DrainInterval time.Duration
	RetryDelay    time.Duration
	PushInterval  time.Duration
	JobPoller     poller.JobPollerConfig
}

// Syncer coordinates the backend, the queue and the store
type Syncer struct {
	backend Backend
	store   *store.Store
	queue   *queue.Queue
	bus     events.Publisher
	metrics *metrics.Metrics
	cfg     Config
	logger  *logger.Logger

	pushPoller *poller.PushPoller
	jobPoller  *poller.JobPoller
	listener   Runner
}

// New creates a syncer. The store should publish to the same bus.
func New(backend Backend, st *store.Store, bus events.Publisher, m *metrics.Metrics, cfg Config, log *logger.Logger) *Syncer {
	if cfg.JobBatchSize <= 0 {
		cfg.JobBatchSize = 40
	}
	if cfg.InitialCount <= 0 {
		cfg.InitialCount = 10
	}

	s := &Syncer{
		backend: backend,
		store:   st,
		queue:   queue.New(cfg.RetryDelay),
		bus:     bus,
		metrics: m,
		cfg:     cfg,
		logger:  log,
	}
	s.pushPoller = poller.NewPushPoller(st, s, cfg.PushInterval, log)
	s.jobPoller = poller.NewJobPoller(st, s, cfg.JobPoller, log)
	s.jobPoller.OnChange = func(repo string, registered int) {
		m.JobPollers.WithLabelValues(repo).Set(float64(registered))
	}
	return s
}

// SetListener attaches a notification source started by Run
func (s *Syncer) SetListener(r Runner) {
	s.listener = r
}

// Store exposes the repository map for readers
func (s *Syncer) Store() *store.Store {
	return s.store
}

// getLogger retrieves logger from context or falls back to syncer logger
func (s *Syncer) getLogger(ctx context.Context) *logger.Logger {
	if ctxLogger := logger.FromContext(ctx); ctxLogger != nil {
		return ctxLogger
	}
	return s.logger
}

// Watch starts tracking repo under q and performs its initial load. Watching
// a repository again with the same server-side parameters only updates its
// filters.
func (s *Syncer) Watch(ctx context.Context, repo string, q store.Query) error {
	if !s.store.AddRepository(repo, q) {
		s.getLogger(ctx).Debug("syncer: repository already watched", "repo", repo)
		return nil
	}
	s.getLogger(ctx).Info("syncer: watching repository", "repo", repo, "query", q.String())
	return s.FetchInitial(ctx, repo)
}

// FetchInitial loads the newest page of pushes and their jobs
func (s *Syncer) FetchInitial(ctx context.Context, repo string) error {
	return s.loadPage(ctx, repo, s.cfg.InitialCount, 0)
}

// FetchNext loads count pushes older than the ones already loaded
func (s *Syncer) FetchNext(ctx context.Context, repo string, count int) error {
	if count <= 0 {
		count = s.cfg.InitialCount
	}
	return s.loadPage(ctx, repo, count, s.store.Offset(repo))
}

func (s *Syncer) loadPage(ctx context.Context, repo string, count int, beforeID int64) error {
	log := s.getLogger(ctx)

	q, err := s.store.Query(repo)
	if err != nil {
		return err
	}
	if s.store.SetLoading(repo, true) {
		log.Debug("syncer: load already in progress", "repo", repo)
		return nil
	}
	defer s.store.SetLoading(repo, false)

	pq := pushQuery(q)
	pq.Count = count
	pq.BeforeID = beforeID

	log.Debug("syncer: fetching pushes", "repo", repo, "count", count, "before_id", beforeID)
	pushes, err := s.backend.ListPushes(ctx, repo, pq)
	s.metrics.ObserveRequest("list_pushes", err)
	if err != nil {
		log.Error("syncer: push fetch failed", "repo", repo, "error", err)
		s.notice(repo, events.SeverityError, fmt.Sprintf("Error retrieving push data for %s: %v", repo, err), true)
		return fmt.Errorf("fetch pushes: %w", err)
	}

	added, err := s.store.AppendPushes(repo, pushes)
	if err != nil {
		return err
	}
	s.metrics.PushesLoaded.WithLabelValues(repo).Add(float64(len(added)))
	log.Info("syncer: pushes loaded", "repo", repo, "fetched", len(pushes), "added", len(added))

	return s.fetchPushJobs(ctx, repo, added)
}

// FetchNewer loads pushes newer than the newest loaded one. With nothing
// loaded yet it falls back to the initial load.
func (s *Syncer) FetchNewer(ctx context.Context, repo string) error {
	log := s.getLogger(ctx)

	q, err := s.store.Query(repo)
	if err != nil {
		return err
	}
	rev, ok := s.store.NewestRevision(repo)
	if !ok {
		return s.FetchInitial(ctx, repo)
	}

	pq := pushQuery(q)
	pq.FromChange = rev
	pushes, err := s.backend.ListPushes(ctx, repo, pq)
	s.metrics.ObserveRequest("list_pushes", err)
	if err != nil {
		log.Warn("syncer: polling for new pushes failed", "repo", repo, "error", err)
		s.notice(repo, events.SeverityWarning, fmt.Sprintf("Error polling %s for new pushes: %v", repo, err), false)
		return fmt.Errorf("poll pushes: %w", err)
	}

	return s.prepend(ctx, repo, pushes)
}

// FetchPushes loads the given pushes by id, with their jobs, and places
// them in the sorted push list.
func (s *Syncer) FetchPushes(ctx context.Context, repo string, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	log := s.getLogger(ctx)

	pushes, err := s.backend.ListPushes(ctx, repo, client.PushQuery{IDs: ids, Count: len(ids)})
	s.metrics.ObserveRequest("list_pushes", err)
	if err != nil {
		log.Error("syncer: push fetch by id failed", "repo", repo, "push_ids", ids, "error", err)
		s.notice(repo, events.SeverityError, fmt.Sprintf("Error retrieving push data for %s: %v", repo, err), true)
		return fmt.Errorf("fetch pushes: %w", err)
	}

	return s.prepend(ctx, repo, pushes)
}

func (s *Syncer) prepend(ctx context.Context, repo string, pushes []*models.Push) error {
	added, err := s.store.PrependPushes(repo, pushes)
	if err != nil {
		return err
	}
	if len(added) == 0 {
		return nil
	}
	s.metrics.PushesLoaded.WithLabelValues(repo).Add(float64(len(added)))
	s.getLogger(ctx).Info("syncer: new pushes loaded", "repo", repo, "added", len(added))
	return s.fetchPushJobs(ctx, repo, added)
}

// fetchPushJobs loads every job of freshly added pushes
func (s *Syncer) fetchPushJobs(ctx context.Context, repo string, pushIDs []int64) error {
	var errs error
	for chunk := range slices.Chunk(pushIDs, s.cfg.JobBatchSize) {
		jobs, err := s.backend.ListJobs(ctx, repo, client.JobQuery{PushIDs: chunk})
		s.metrics.ObserveRequest("list_jobs", err)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("jobs for pushes %v: %w", chunk, err))
			continue
		}
		s.apply(repo, jobs)
	}
	if errs != nil {
		s.getLogger(ctx).Warn("syncer: job fetch for new pushes failed", "repo", repo, "error", errs)
		s.notice(repo, events.SeverityWarning, fmt.Sprintf("Error retrieving job data for %s", repo), false)
	}
	return errs
}

// FetchJobs refetches jobs by guid in batches. Guids the backend does not
// return are scheduled for one retry; on the retry itself they are reported
// as unavailable instead.
func (s *Syncer) FetchJobs(ctx context.Context, repo string, guids []string, retry bool) error {
	if len(guids) == 0 {
		return nil
	}
	log := s.getLogger(ctx)

	returned := make(map[string]bool, len(guids))
	var errs error
	for chunk := range slices.Chunk(guids, s.cfg.JobBatchSize) {
		jobs, err := s.backend.ListJobs(ctx, repo, client.JobQuery{GUIDs: chunk})
		s.metrics.ObserveRequest("list_jobs", err)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("jobs %v: %w", chunk, err))
			continue
		}
		for _, j := range jobs {
			returned[j.GUID] = true
		}
		s.apply(repo, jobs)
	}

	var missing []string
	for _, g := range guids {
		if !returned[g] {
			missing = append(missing, g)
		}
	}

	if len(missing) > 0 {
		if retry {
			log.Warn("syncer: jobs unavailable after retry", "repo", repo, "job_guids", missing)
			s.metrics.JobsUnavailable.WithLabelValues(repo).Add(float64(len(missing)))
			s.bus.Publish(events.JobsUnavailable{Repo: repo, GUIDs: missing})
		} else {
			log.Debug("syncer: jobs not returned, scheduling retry", "repo", repo, "count", len(missing))
			s.queue.MarkUnfetched(repo, missing)
		}
	}

	if errs != nil {
		log.Warn("syncer: job fetch failed", "repo", repo, "error", errs)
		s.notice(repo, events.SeverityWarning, fmt.Sprintf("Error retrieving job data for %s", repo), false)
	}
	return errs
}

func (s *Syncer) apply(repo string, jobs []*models.Job) {
	if len(jobs) == 0 {
		return
	}
	applied := s.store.UpdateJobs(repo, jobs)
	s.metrics.JobsApplied.WithLabelValues(repo).Add(float64(len(applied)))
}

// HandleNotification classifies one job notification into the queue. It
// never blocks on the network.
func (s *Syncer) HandleNotification(repo, guid string, notice models.JobNotice) {
	loaded := s.store.IsPushLoaded(repo, notice.PushID)
	inWindow := s.store.InWindow(repo, notice.PushTimestamp)

	outcome := s.queue.Offer(repo, guid, notice, loaded, inWindow)
	s.metrics.Notifications.WithLabelValues(repo, outcome.String()).Inc()
	s.logger.Debug("syncer: notification",
		"repo", repo,
		"job_guid", guid,
		"push_id", notice.PushID,
		"outcome", outcome.String())
}

// DrainOnce fetches everything queued since the last drain
func (s *Syncer) DrainOnce(ctx context.Context) error {
	var errs error
	for _, b := range s.queue.Drain() {
		if err := s.FetchPushes(ctx, b.Repo, b.PushIDs); err != nil {
			errs = multierr.Append(errs, err)
		}
		if err := s.FetchJobs(ctx, b.Repo, b.JobGUIDs, false); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// RetryOnce refetches the unfetched jobs whose retry delay elapsed
func (s *Syncer) RetryOnce(ctx context.Context) error {
	var errs error
	for _, b := range s.queue.TakeDueRetries() {
		if err := s.FetchJobs(ctx, b.Repo, b.JobGUIDs, true); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// PollPushJobs refreshes the jobs of one push modified after since. A zero
// since fetches every job of the push.
func (s *Syncer) PollPushJobs(ctx context.Context, repo string, pushID int64, since time.Time) error {
	jobs, err := s.backend.ListJobs(ctx, repo, client.JobQuery{
		PushIDs:           []int64{pushID},
		LastModifiedSince: since,
	})
	s.metrics.ObserveRequest("list_jobs", err)
	if err != nil {
		return fmt.Errorf("poll jobs of push %d: %w", pushID, err)
	}
	s.apply(repo, jobs)
	return nil
}

// CancelJob asks the backend to cancel a job and refreshes it
func (s *Syncer) CancelJob(ctx context.Context, repo string, id int64) (*models.Job, error) {
	log := s.getLogger(ctx)

	if _, err := s.store.Query(repo); err != nil {
		return nil, err
	}

	log.Info("syncer: canceling job", "repo", repo, "job_id", id)
	err := s.backend.CancelJob(ctx, repo, id)
	s.metrics.ObserveRequest("cancel_job", err)
	if err != nil {
		log.Error("syncer: cancel failed", "repo", repo, "job_id", id, "error", err)
		return nil, err
	}

	job, err := s.backend.GetJob(ctx, repo, id)
	s.metrics.ObserveRequest("get_job", err)
	if err != nil {
		// The cancel went through; the pollers pick the new state up later.
		log.Warn("syncer: refresh after cancel failed", "repo", repo, "job_id", id, "error", err)
		return nil, nil
	}
	s.apply(repo, []*models.Job{job})
	return job, nil
}

// Run drives the queue drain, the retry pass, both pollers and the attached
// listener until ctx is done.
func (s *Syncer) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.every(ctx, s.cfg.DrainInterval, "drain", s.DrainOnce)
	})
	g.Go(func() error {
		return s.every(ctx, s.cfg.DrainInterval, "retry", s.RetryOnce)
	})
	if s.cfg.PushInterval > 0 {
		g.Go(func() error { return s.pushPoller.Run(ctx) })
	}
	g.Go(func() error { return s.jobPoller.Run(ctx) })
	if s.listener != nil {
		g.Go(func() error { return s.listener.Run(ctx) })
	}

	s.logger.Info("syncer: started",
		"drain_interval", s.cfg.DrainInterval,
		"push_interval", s.cfg.PushInterval,
		"listener", s.listener != nil)

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	s.logger.Info("syncer: stopped")
	return err
}

func (s *Syncer) every(ctx context.Context, interval time.Duration, name string, fn func(context.Context) error) error {
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				s.logger.Debug("syncer: pass finished with errors", "pass", name, "error", err)
			}
		}
	}
}

func (s *Syncer) notice(repo string, sev events.Severity, msg string, sticky bool) {
	s.bus.Publish(events.Notice{Repo: repo, Severity: sev, Message: msg, Sticky: sticky})
}

func pushQuery(q store.Query) client.PushQuery {
	return client.PushQuery{
		Revision:   q.Revision,
		FromChange: q.FromChange,
		ToChange:   q.ToChange,
		StartDate:  formatDate(q.StartDate),
		EndDate:    formatDate(q.EndDate),
		Author:     q.Author,
	}
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(store.DateLayout)
}
