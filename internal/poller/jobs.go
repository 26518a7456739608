package poller

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lei/pushwatch/pkg/logger"
)

// maxConcurrentPolls bounds simultaneous per-push job fetches
const maxConcurrentPolls = 4

type pollKey struct {
	repo   string
	pushID int64
}

type registration struct {
	next  time.Time
	since time.Time
}

// JobPollerConfig holds the job poller timings
type JobPollerConfig struct {
	SweepInterval time.Duration
	Interval      time.Duration
	StaggerMin    time.Duration
	StaggerMax    time.Duration
}

// JobPoller is one scheduler for the job refreshes of every loaded push.
// A sweep registers newly loaded pushes with a random start delay so many
// pushes do not poll at once; a push is retired once all its jobs completed.
type JobPoller struct {
	store   Store
	fetcher Fetcher
	cfg     JobPollerConfig
	logger  *logger.Logger

	// OnChange, when set, is told the number of registered pushes of a repo
	OnChange func(repo string, registered int)

	mu        sync.Mutex
	regs      map[pollKey]*registration
	retired   map[pollKey]bool
	lastSweep time.Time

	jitter func(lo, hi time.Duration) time.Duration
	now    func() time.Time
}

// NewJobPoller creates the shared job poller
func NewJobPoller(s Store, f Fetcher, cfg JobPollerConfig, log *logger.Logger) *JobPoller {
	return &JobPoller{
		store:   s,
		fetcher: f,
		cfg:     cfg,
		logger:  log,
		regs:    make(map[pollKey]*registration),
		retired: make(map[pollKey]bool),
		jitter:  uniform,
		now:     time.Now,
	}
}

func uniform(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + rand.N(hi-lo+1)
}

// Run drives sweeps and polls until ctx ends
func (p *JobPoller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.resolution())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			now := p.now()
			if now.Sub(p.lastSweep) >= p.cfg.SweepInterval {
				p.Sweep(now)
			}
			p.PollDue(ctx, now)
		}
	}
}

// resolution is how often Run wakes up to look for due work
func (p *JobPoller) resolution() time.Duration {
	r := min(p.cfg.SweepInterval, p.cfg.Interval)
	if p.cfg.StaggerMin > 0 {
		r = min(r, p.cfg.StaggerMin)
	}
	return max(r, 10*time.Millisecond)
}

// Sweep registers loaded pushes that have no registration yet and drops
// registrations of pushes that are no longer loaded. A retired push whose
// jobs are no longer all completed, e.g. after a retrigger, is registered
// again; retirements of unloaded pushes are forgotten.
func (p *JobPoller) Sweep(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.lastSweep = now
	changed := make(map[string]bool)

	for key := range p.regs {
		if !p.store.IsPushLoaded(key.repo, key.pushID) {
			delete(p.regs, key)
			changed[key.repo] = true
		}
	}
	for key := range p.retired {
		if !p.store.IsPushLoaded(key.repo, key.pushID) || !p.store.PushJobsTerminal(key.repo, key.pushID) {
			delete(p.retired, key)
		}
	}

	for _, repo := range p.store.Repositories() {
		for _, id := range p.store.PushIDs(repo) {
			key := pollKey{repo: repo, pushID: id}
			if _, ok := p.regs[key]; ok || p.retired[key] {
				continue
			}
			delay := p.jitter(p.cfg.StaggerMin, p.cfg.StaggerMax)
			p.regs[key] = &registration{next: now.Add(delay)}
			changed[repo] = true
			p.logger.Debug("poller: registered push", "repo", repo, "push_id", id, "delay", delay)
		}
	}

	p.notifyLocked(changed)
}

// PollDue polls every registration whose time has come, retiring pushes
// whose jobs are all completed.
func (p *JobPoller) PollDue(ctx context.Context, now time.Time) {
	p.mu.Lock()
	var due []pollKey
	changed := make(map[string]bool)
	for key, reg := range p.regs {
		if reg.next.After(now) {
			continue
		}
		if p.store.PushJobsTerminal(key.repo, key.pushID) {
			delete(p.regs, key)
			p.retired[key] = true
			changed[key.repo] = true
			p.logger.Debug("poller: retired push", "repo", key.repo, "push_id", key.pushID)
			continue
		}
		due = append(due, key)
	}
	p.notifyLocked(changed)
	p.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentPolls)
	for _, key := range due {
		g.Go(func() error {
			p.poll(gctx, key, now)
			return nil
		})
	}
	_ = g.Wait()
}

func (p *JobPoller) poll(ctx context.Context, key pollKey, now time.Time) {
	p.mu.Lock()
	reg, ok := p.regs[key]
	if !ok {
		p.mu.Unlock()
		return
	}
	since := reg.since
	p.mu.Unlock()

	err := p.fetcher.PollPushJobs(ctx, key.repo, key.pushID, since)

	p.mu.Lock()
	defer p.mu.Unlock()
	if reg, ok := p.regs[key]; ok {
		reg.next = now.Add(p.cfg.Interval)
		if err == nil {
			reg.since = now
		}
	}
	if err != nil {
		p.logger.Warn("poller: job poll failed",
			"repo", key.repo,
			"push_id", key.pushID,
			"error", err)
	}
}

// Registered returns the number of pushes with a live registration
func (p *JobPoller) Registered(repo string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.countLocked(repo)
}

func (p *JobPoller) countLocked(repo string) int {
	n := 0
	for key := range p.regs {
		if key.repo == repo {
			n++
		}
	}
	return n
}

func (p *JobPoller) notifyLocked(changed map[string]bool) {
	if p.OnChange == nil {
		return
	}
	for repo := range changed {
		p.OnChange(repo, p.countLocked(repo))
	}
}
