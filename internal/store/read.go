package store

import (
	"github.com/lei/pushwatch/internal/events"
	"github.com/lei/pushwatch/internal/models"
)

// Pushes returns a snapshot of the push list, newest first
func (s *Store) Pushes(repo string) ([]*models.Push, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.repos[repo]
	if !ok {
		return nil, ErrUnknownRepository
	}

	out := make([]*models.Push, len(r.pushes))
	for i, p := range r.pushes {
		out[i] = p.Clone()
	}
	return out, nil
}

// Push returns a snapshot of one loaded push
func (s *Store) Push(repo string, id int64) (*models.Push, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.repos[repo]
	if !ok {
		return nil, false
	}
	e, ok := r.rsMap[id]
	if !ok {
		return nil, false
	}
	return e.push.Clone(), true
}

// IsPushLoaded reports whether a push id is in the repository map
func (s *Store) IsPushLoaded(repo string, id int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.repos[repo]
	if !ok {
		return false
	}
	_, ok = r.rsMap[id]
	return ok
}

// PushIDs returns the loaded push ids, newest first
func (s *Store) PushIDs(repo string) []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.repos[repo]
	if !ok {
		return nil
	}
	ids := make([]int64, len(r.pushes))
	for i, p := range r.pushes {
		ids[i] = p.ID
	}
	return ids
}

// NewestRevision returns the revision of the newest loaded push
func (s *Store) NewestRevision(repo string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.repos[repo]
	if !ok || len(r.pushes) == 0 {
		return "", false
	}
	return r.pushes[0].Revision, true
}

// Job returns a snapshot of one job
func (s *Store) Job(repo string, id int64) (*models.Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.repos[repo]
	if !ok {
		return nil, false
	}
	j, ok := r.jobMap[id]
	if !ok {
		return nil, false
	}
	return j.Clone(), true
}

// JobMap returns a snapshot of the job index
func (s *Store) JobMap(repo string) map[int64]*models.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.repos[repo]
	if !ok {
		return nil
	}
	out := make(map[int64]*models.Job, len(r.jobMap))
	for id, j := range r.jobMap {
		out[id] = j.Clone()
	}
	return out
}

// PushJobsTerminal reports whether a push has jobs and all of them completed
func (s *Store) PushJobsTerminal(repo string, pushID int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.repos[repo]
	if !ok {
		return false
	}
	e, ok := r.rsMap[pushID]
	if !ok {
		return false
	}

	seen := false
	for _, plat := range e.push.Platforms {
		for _, g := range plat.Groups {
			for _, j := range g.Jobs {
				if !j.IsTerminal() {
					return false
				}
				seen = true
			}
		}
	}
	return seen
}

// UnclassifiedFailureCount returns the size of the unclassified failure set
func (s *Store) UnclassifiedFailureCount(repo string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if r, ok := s.repos[repo]; ok {
		return len(r.unclassified)
	}
	return 0
}

// Watermark returns the oldest loaded push timestamp, zero when nothing is loaded
func (s *Store) Watermark(repo string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if r, ok := s.repos[repo]; ok {
		return r.oldestPushTimestamp
	}
	return 0
}

// OldestJobID returns the smallest job id loaded, zero when none
func (s *Store) OldestJobID(repo string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if r, ok := s.repos[repo]; ok {
		return r.oldestJobID
	}
	return 0
}

// Offset returns the oldest fetched push id, the cursor for loading more
func (s *Store) Offset(repo string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if r, ok := s.repos[repo]; ok {
		return r.offset
	}
	return 0
}

// InWindow reports whether a push with this timestamp is one the repository
// wants live updates for: not older than the watermark and inside the
// query's date range. With nothing loaded yet only the date range applies.
func (s *Store) InWindow(repo string, pushTimestamp int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.repos[repo]
	if !ok {
		return false
	}
	return r.inWindow(pushTimestamp)
}

// IsLoading reports whether a push fetch is in flight
func (s *Store) IsLoading(repo string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if r, ok := s.repos[repo]; ok {
		return r.loading
	}
	return false
}

// SetLoading sets the loading flag and publishes LoadingChanged when it flips.
// It returns the previous value.
func (s *Store) SetLoading(repo string, loading bool) bool {
	s.mu.Lock()
	r, ok := s.repos[repo]
	if !ok {
		s.mu.Unlock()
		return false
	}
	prev := r.loading
	r.loading = loading
	s.mu.Unlock()

	if prev != loading {
		s.bus.Publish(events.LoadingChanged{Repo: repo, Loading: loading})
	}
	return prev
}
