// Package poller drives the interval loops that keep the repository map
// fresh when notifications are not enough: one looking for new pushes, one
// refreshing the jobs of loaded pushes.
package poller

import (
	"context"
	"time"

	"github.com/lei/pushwatch/internal/store"
	"github.com/lei/pushwatch/pkg/logger"
)

// Store is the read side of the repository map the pollers need
type Store interface {
	Repositories() []string
	Query(repo string) (store.Query, error)
	PushIDs(repo string) []int64
	IsLoading(repo string) bool
	IsPushLoaded(repo string, pushID int64) bool
	PushJobsTerminal(repo string, pushID int64) bool
}

// Fetcher performs the backend fetches the pollers schedule
type Fetcher interface {
	FetchInitial(ctx context.Context, repo string) error
	FetchNewer(ctx context.Context, repo string) error
	PollPushJobs(ctx context.Context, repo string, pushID int64, since time.Time) error
}

// PushPoller looks for pushes newer than the ones loaded
type PushPoller struct {
	store    Store
	fetcher  Fetcher
	interval time.Duration
	logger   *logger.Logger
}

// NewPushPoller creates a push poller ticking every interval
func NewPushPoller(s Store, f Fetcher, interval time.Duration, log *logger.Logger) *PushPoller {
	return &PushPoller{
		store:    s,
		fetcher:  f,
		interval: interval,
		logger:   log,
	}
}

// Run ticks until ctx ends
func (p *PushPoller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// Tick runs one polling round over every repository whose query does not
// pin a fixed window.
func (p *PushPoller) Tick(ctx context.Context) {
	for _, repo := range p.store.Repositories() {
		q, err := p.store.Query(repo)
		if err != nil || !q.PollingEnabled() {
			continue
		}

		switch {
		case len(p.store.PushIDs(repo)) > 0:
			err = p.fetcher.FetchNewer(ctx, repo)
		case !p.store.IsLoading(repo):
			err = p.fetcher.FetchInitial(ctx, repo)
		default:
			continue
		}
		if err != nil {
			p.logger.Warn("poller: push poll failed", "repo", repo, "error", err)
		}
	}
}
