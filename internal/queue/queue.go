// Package queue accumulates push-notification work between drains.
package queue

import (
	"slices"
	"sync"
	"time"

	"github.com/lei/pushwatch/internal/models"
)

// Outcome says what Offer did with a notification
type Outcome int

const (
	// Dropped means the push is outside the repository's window
	Dropped Outcome = iota
	// QueuedPush means the whole push will be fetched, jobs included
	QueuedPush
	// QueuedJob means only the job will be refetched
	QueuedJob
)

func (o Outcome) String() string {
	switch o {
	case QueuedPush:
		return "queued_push"
	case QueuedJob:
		return "queued_job"
	default:
		return "dropped"
	}
}

// Batch is the drained work for one repository
type Batch struct {
	Repo     string
	PushIDs  []int64
	JobGUIDs []string
}

// Queue holds the push ids and job guids waiting to be fetched, plus job
// guids waiting for their single retry.
type Queue struct {
	mu      sync.Mutex
	pushes  map[string]map[int64]struct{}
	jobs    map[string]map[string]struct{}
	retries map[string]map[string]time.Time

	retryDelay time.Duration
	now        func() time.Time
}

// New creates an empty queue. Unfetched jobs become due for retry after retryDelay.
func New(retryDelay time.Duration) *Queue {
	return &Queue{
		pushes:     make(map[string]map[int64]struct{}),
		jobs:       make(map[string]map[string]struct{}),
		retries:    make(map[string]map[string]time.Time),
		retryDelay: retryDelay,
		now:        time.Now,
	}
}

// Offer classifies one job notification. pushLoaded and inWindow come from
// the store: a notification outside the window is dropped, one for a push
// that is not loaded queues the push, otherwise the job guid is queued.
func (q *Queue) Offer(repo, guid string, notice models.JobNotice, pushLoaded, inWindow bool) Outcome {
	if !pushLoaded && !inWindow {
		return Dropped
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if !pushLoaded {
		set, ok := q.pushes[repo]
		if !ok {
			set = make(map[int64]struct{})
			q.pushes[repo] = set
		}
		set[notice.PushID] = struct{}{}
		return QueuedPush
	}

	set, ok := q.jobs[repo]
	if !ok {
		set = make(map[string]struct{})
		q.jobs[repo] = set
	}
	set[guid] = struct{}{}
	return QueuedJob
}

// Len returns the number of queued push ids and job guids
func (q *Queue) Len() (pushes, jobs int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, s := range q.pushes {
		pushes += len(s)
	}
	for _, s := range q.jobs {
		jobs += len(s)
	}
	return pushes, jobs
}

// Drain swaps out everything queued so far. Offers made after Drain returns
// land in the next drain.
func (q *Queue) Drain() []Batch {
	q.mu.Lock()
	pushes, jobs := q.pushes, q.jobs
	q.pushes = make(map[string]map[int64]struct{})
	q.jobs = make(map[string]map[string]struct{})
	q.mu.Unlock()

	byRepo := make(map[string]*Batch)
	get := func(repo string) *Batch {
		b, ok := byRepo[repo]
		if !ok {
			b = &Batch{Repo: repo}
			byRepo[repo] = b
		}
		return b
	}
	for repo, set := range pushes {
		b := get(repo)
		for id := range set {
			b.PushIDs = append(b.PushIDs, id)
		}
		slices.Sort(b.PushIDs)
	}
	for repo, set := range jobs {
		b := get(repo)
		for guid := range set {
			b.JobGUIDs = append(b.JobGUIDs, guid)
		}
		slices.Sort(b.JobGUIDs)
	}
	return sortedBatches(byRepo)
}

// MarkUnfetched schedules job guids the backend did not return for one retry
func (q *Queue) MarkUnfetched(repo string, guids []string) {
	if len(guids) == 0 {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	set, ok := q.retries[repo]
	if !ok {
		set = make(map[string]time.Time)
		q.retries[repo] = set
	}
	due := q.now().Add(q.retryDelay)
	for _, g := range guids {
		set[g] = due
	}
}

// TakeDueRetries removes and returns the retries whose delay has passed
func (q *Queue) TakeDueRetries() []Batch {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	byRepo := make(map[string]*Batch)
	for repo, set := range q.retries {
		for guid, due := range set {
			if due.After(now) {
				continue
			}
			b, ok := byRepo[repo]
			if !ok {
				b = &Batch{Repo: repo}
				byRepo[repo] = b
			}
			b.JobGUIDs = append(b.JobGUIDs, guid)
			delete(set, guid)
		}
		if len(set) == 0 {
			delete(q.retries, repo)
		}
	}
	for _, b := range byRepo {
		slices.Sort(b.JobGUIDs)
	}
	return sortedBatches(byRepo)
}

// PendingRetries returns the number of guids waiting for a retry
func (q *Queue) PendingRetries() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, set := range q.retries {
		n += len(set)
	}
	return n
}

func sortedBatches(byRepo map[string]*Batch) []Batch {
	out := make([]Batch, 0, len(byRepo))
	for _, b := range byRepo {
		out = append(out, *b)
	}
	slices.SortFunc(out, func(a, b Batch) int {
		switch {
		case a.Repo < b.Repo:
			return -1
		case a.Repo > b.Repo:
			return 1
		}
		return 0
	})
	return out
}
