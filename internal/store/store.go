// Package store holds the in-memory repository map: for every watched
// repository the pushes loaded so far, nested into platforms, groups and
// jobs, plus the flat indexes and watermarks derived from them.
//
// All methods are safe for concurrent use. Readers get deep copies; change
// notification goes through the events bus.
package store

import (
	"cmp"
	"errors"
	"slices"
	"sync"

	"github.com/lei/pushwatch/internal/events"
	"github.com/lei/pushwatch/internal/models"
	"github.com/lei/pushwatch/pkg/logger"
)

// ErrUnknownRepository is returned for a repository AddRepository never saw
var ErrUnknownRepository = errors.New("repository not watched")

// Store is the repository map
type Store struct {
	mu     sync.RWMutex
	repos  map[string]*repository
	bus    events.Publisher
	logger *logger.Logger
}

type repository struct {
	name  string
	query Query
	key   string

	pushes       []*models.Push
	rsMap        map[int64]*pushEntry
	jobMap       map[int64]*models.Job
	jobGroups    map[int64]*models.Group
	unclassified map[int64]struct{}

	// oldestPushTimestamp is the watermark; zero until the first push loads
	oldestPushTimestamp int64
	newestPushTimestamp int64
	oldestJobID         int64
	// offset is the oldest fetched push id, used to page further back
	offset  int64
	loading bool
}

type pushEntry struct {
	push      *models.Push
	platforms map[string]*platformEntry
}

type platformEntry struct {
	platform *models.Platform
	groups   map[string]*models.Group
}

// New creates an empty store publishing changes to bus
func New(bus events.Publisher, log *logger.Logger) *Store {
	return &Store{
		repos:  make(map[string]*repository),
		bus:    bus,
		logger: log,
	}
}

func newRepository(name string, q Query) *repository {
	return &repository{
		name:         name,
		query:        q,
		key:          q.Key(),
		rsMap:        make(map[int64]*pushEntry),
		jobMap:       make(map[int64]*models.Job),
		jobGroups:    make(map[int64]*models.Group),
		unclassified: make(map[int64]struct{}),
	}
}

// AddRepository starts tracking a repository for the given query. It is a
// no-op returning false when the repository is already tracked under a query
// with the same server-side parameters. A different key resets the repository.
func (s *Store) AddRepository(name string, q Query) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.repos[name]; ok {
		if r.key == q.Key() {
			// Filters may still differ; keep the latest ones.
			r.query.Filters = q.Filters
			return false
		}
		s.logger.Info("store: query changed, resetting repository",
			"repo", name,
			"old_key", r.key,
			"new_key", q.Key())
	}

	s.repos[name] = newRepository(name, q)
	s.logger.Debug("store: repository added", "repo", name, "query", q.String())
	return true
}

// Repositories returns the names of tracked repositories, sorted
func (s *Store) Repositories() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.repos))
	for name := range s.repos {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Query returns the query a repository was added with
func (s *Store) Query(repo string) (Query, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.repos[repo]
	if !ok {
		return Query{}, ErrUnknownRepository
	}
	return r.query, nil
}

// AppendPushes adds an older page of pushes at the tail and moves the
// pagination offset to the oldest fetched id. It returns the ids that were
// not loaded before.
func (s *Store) AppendPushes(repo string, pushes []*models.Push) ([]int64, error) {
	s.mu.Lock()
	r, ok := s.repos[repo]
	if !ok {
		s.mu.Unlock()
		return nil, ErrUnknownRepository
	}

	var added []int64
	var applied []int64
	for _, p := range pushes {
		if r.offset == 0 || p.ID < r.offset {
			r.offset = p.ID
		}
		if _, loaded := r.rsMap[p.ID]; loaded {
			continue
		}
		applied = append(applied, r.insertPush(p)...)
		added = append(added, p.ID)
	}
	r.sortPushes()
	s.mu.Unlock()

	s.logger.Debug("store: pushes appended", "repo", repo, "fetched", len(pushes), "added", len(added))
	s.publishLoaded(repo, added, applied)
	return added, nil
}

// PrependPushes adds newly discovered pushes. Pushes older than the
// watermark or outside the query's date range are skipped.
func (s *Store) PrependPushes(repo string, pushes []*models.Push) ([]int64, error) {
	s.mu.Lock()
	r, ok := s.repos[repo]
	if !ok {
		s.mu.Unlock()
		return nil, ErrUnknownRepository
	}

	var added []int64
	var applied []int64
	for _, p := range pushes {
		if _, loaded := r.rsMap[p.ID]; loaded {
			continue
		}
		if !r.inWindow(p.PushTimestamp) {
			s.logger.Debug("store: skipping push outside window",
				"repo", repo,
				"push_id", p.ID,
				"push_timestamp", p.PushTimestamp,
				"watermark", r.oldestPushTimestamp)
			continue
		}
		if r.offset == 0 || p.ID < r.offset {
			r.offset = p.ID
		}
		applied = append(applied, r.insertPush(p)...)
		added = append(added, p.ID)
	}
	r.sortPushes()
	s.mu.Unlock()

	s.logger.Debug("store: pushes prepended", "repo", repo, "fetched", len(pushes), "added", len(added))
	s.publishLoaded(repo, added, applied)
	return added, nil
}

func (s *Store) publishLoaded(repo string, pushIDs, jobIDs []int64) {
	if len(pushIDs) > 0 {
		s.bus.Publish(events.PushesLoaded{Repo: repo, PushIDs: pushIDs})
	}
	if len(jobIDs) > 0 {
		s.bus.Publish(events.JobsUpdated{Repo: repo, JobIDs: jobIDs})
	}
}

// UpdateJob merges a job into the repository. It returns false, leaving the
// repository untouched, when the job's push is not loaded.
func (s *Store) UpdateJob(repo string, job *models.Job) bool {
	applied := s.UpdateJobs(repo, []*models.Job{job})
	return len(applied) == 1
}

// UpdateJobs merges a batch of jobs and returns the ids that were applied.
// A single JobsUpdated event is published when anything was applied.
func (s *Store) UpdateJobs(repo string, jobs []*models.Job) []int64 {
	s.mu.Lock()
	r, ok := s.repos[repo]
	if !ok {
		s.mu.Unlock()
		return nil
	}

	var applied []int64
	for _, job := range jobs {
		if r.updateJob(job) {
			applied = append(applied, job.ID)
		}
	}
	s.mu.Unlock()

	if len(applied) > 0 {
		s.bus.Publish(events.JobsUpdated{Repo: repo, JobIDs: applied})
	}
	return applied
}

// insertPush stores a copy of p without its nested jobs, then routes those
// jobs through the same path live updates use. Caller holds the lock.
func (r *repository) insertPush(p *models.Push) []int64 {
	c := p.Clone()
	c.Platforms = nil
	r.pushes = append(r.pushes, c)
	r.rsMap[c.ID] = &pushEntry{push: c, platforms: make(map[string]*platformEntry)}

	if r.oldestPushTimestamp == 0 || c.PushTimestamp < r.oldestPushTimestamp {
		r.oldestPushTimestamp = c.PushTimestamp
	}
	if c.PushTimestamp > r.newestPushTimestamp {
		r.newestPushTimestamp = c.PushTimestamp
	}

	var applied []int64
	for _, plat := range p.Platforms {
		for _, g := range plat.Groups {
			for _, job := range g.Jobs {
				j := job.Clone()
				j.PushID = c.ID
				if r.updateJob(j) {
					applied = append(applied, j.ID)
				}
			}
		}
	}
	return applied
}

// sortPushes keeps the push list in descending push timestamp order, ties
// broken by descending id.
func (r *repository) sortPushes() {
	slices.SortStableFunc(r.pushes, func(a, b *models.Push) int {
		if c := cmp.Compare(b.PushTimestamp, a.PushTimestamp); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
}

func (r *repository) inWindow(pushTimestamp int64) bool {
	if r.oldestPushTimestamp != 0 && pushTimestamp < r.oldestPushTimestamp {
		return false
	}
	if !r.query.AcceptsNewPushes() && (len(r.pushes) == 0 || pushTimestamp > r.newestPushTimestamp) {
		return false
	}
	return r.query.InRange(pushTimestamp)
}

func (r *repository) updateJob(job *models.Job) bool {
	entry, ok := r.rsMap[job.PushID]
	if !ok {
		return false
	}

	if existing, ok := r.jobMap[job.ID]; ok {
		oldPush, oldSymbol := existing.PushID, existing.Symbol
		oldPlatform := models.PlatformKey(existing.Platform, existing.PlatformOption)
		oldGroup := existing.GroupKey()

		if existing.Merge(job) {
			if old, ok := r.rsMap[oldPush]; ok {
				old.detach(existing, oldPlatform, oldGroup)
			}
			group := entry.ensureGroup(existing)
			group.Jobs = insertSorted(group.Jobs, existing, compareJobs)
			r.jobGroups[existing.ID] = group
		} else if existing.Symbol != oldSymbol {
			sortJobs(r.jobGroups[job.ID])
		}
		r.trackUnclassified(existing)
		return true
	}

	j := job.Clone()
	group := entry.ensureGroup(j)
	group.Jobs = insertSorted(group.Jobs, j, compareJobs)
	r.jobMap[j.ID] = j
	r.jobGroups[j.ID] = group
	r.trackUnclassified(j)

	if r.oldestJobID == 0 || j.ID < r.oldestJobID {
		r.oldestJobID = j.ID
	}
	return true
}

func (r *repository) trackUnclassified(j *models.Job) {
	if j.IsUnclassifiedFailure() {
		r.unclassified[j.ID] = struct{}{}
	} else {
		delete(r.unclassified, j.ID)
	}
}

// ensureGroup finds or creates the platform and group a job belongs to
func (e *pushEntry) ensureGroup(j *models.Job) *models.Group {
	pkey := models.PlatformKey(j.Platform, j.PlatformOption)
	pe, ok := e.platforms[pkey]
	if !ok {
		plat := &models.Platform{Name: j.Platform, Option: j.PlatformOption}
		pe = &platformEntry{platform: plat, groups: make(map[string]*models.Group)}
		e.platforms[pkey] = pe
		e.push.Platforms = insertSorted(e.push.Platforms, plat, comparePlatforms)
	}

	gkey := j.GroupKey()
	g, ok := pe.groups[gkey]
	if !ok {
		g = &models.Group{Symbol: gkey, Name: j.GroupName, Tier: j.Tier}
		pe.groups[gkey] = g
		pe.platform.Groups = insertSorted(pe.platform.Groups, g, compareGroups)
	}
	return g
}

// detach removes j from the group it was nested under and prunes the group
// and platform when they are left empty.
func (e *pushEntry) detach(j *models.Job, pkey, gkey string) {
	pe, ok := e.platforms[pkey]
	if !ok {
		return
	}
	g, ok := pe.groups[gkey]
	if !ok {
		return
	}
	g.Jobs = slices.DeleteFunc(g.Jobs, func(x *models.Job) bool { return x == j })
	if len(g.Jobs) > 0 {
		return
	}

	delete(pe.groups, gkey)
	pe.platform.Groups = slices.DeleteFunc(pe.platform.Groups, func(x *models.Group) bool { return x == g })
	if len(pe.groups) > 0 {
		return
	}

	delete(e.platforms, pkey)
	e.push.Platforms = slices.DeleteFunc(e.push.Platforms, func(x *models.Platform) bool { return x == pe.platform })
}

func insertSorted[T any](s []T, v T, compare func(a, b T) int) []T {
	i, _ := slices.BinarySearchFunc(s, v, compare)
	return slices.Insert(s, i, v)
}

func comparePlatforms(a, b *models.Platform) int {
	if c := cmp.Compare(a.Name, b.Name); c != 0 {
		return c
	}
	return cmp.Compare(a.Option, b.Option)
}

// compareGroups puts the ungrouped group first, the rest by symbol
func compareGroups(a, b *models.Group) int {
	au, bu := a.Symbol == models.UngroupedSymbol, b.Symbol == models.UngroupedSymbol
	switch {
	case au && !bu:
		return -1
	case bu && !au:
		return 1
	}
	return cmp.Compare(a.Symbol, b.Symbol)
}

func compareJobs(a, b *models.Job) int {
	if c := cmp.Compare(a.Symbol, b.Symbol); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

func sortJobs(g *models.Group) {
	if g != nil {
		slices.SortFunc(g.Jobs, compareJobs)
	}
}
