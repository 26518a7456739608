package syncer

import (
	"context"
	"errors"
	"net/url"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lei/pushwatch/internal/client"
	"github.com/lei/pushwatch/internal/events"
	"github.com/lei/pushwatch/internal/metrics"
	"github.com/lei/pushwatch/internal/models"
	"github.com/lei/pushwatch/internal/store"
	"github.com/lei/pushwatch/pkg/logger"
)

// fakeBackend serves pushes and jobs from memory and records every query
type fakeBackend struct {
	mu        sync.Mutex
	pushes    []*models.Push
	jobs      []*models.Job
	pushErr   error
	jobErr    error
	pushCalls []client.PushQuery
	jobCalls  []client.JobQuery
	cancelled []int64
}

func (f *fakeBackend) ListPushes(_ context.Context, _ string, q client.PushQuery) ([]*models.Push, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushCalls = append(f.pushCalls, q)
	if f.pushErr != nil {
		return nil, f.pushErr
	}

	var out []*models.Push
	for _, p := range f.pushes {
		switch {
		case len(q.IDs) > 0 && !slices.Contains(q.IDs, p.ID):
			continue
		case q.BeforeID > 0 && p.ID >= q.BeforeID:
			continue
		}
		out = append(out, p)
		if q.Count > 0 && len(out) == q.Count {
			break
		}
	}
	return out, nil
}

func (f *fakeBackend) ListJobs(_ context.Context, _ string, q client.JobQuery) ([]*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobCalls = append(f.jobCalls, q)
	if f.jobErr != nil {
		return nil, f.jobErr
	}

	var out []*models.Job
	for _, j := range f.jobs {
		if len(q.PushIDs) > 0 && !slices.Contains(q.PushIDs, j.PushID) {
			continue
		}
		if len(q.GUIDs) > 0 && !slices.Contains(q.GUIDs, j.GUID) {
			continue
		}
		out = append(out, j.Clone())
	}
	return out, nil
}

func (f *fakeBackend) GetJob(_ context.Context, _ string, id int64) (*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, j := range f.jobs {
		if j.ID == id {
			return j.Clone(), nil
		}
	}
	return nil, client.ErrJobNotFound
}

func (f *fakeBackend) CancelJob(_ context.Context, _ string, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	for _, j := range f.jobs {
		if j.ID == id {
			j.State = models.StateCompleted
			j.Result = models.ResultUserCancel
		}
	}
	return nil
}

func (f *fakeBackend) pushCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pushCalls)
}

// makePushes returns n pushes with ids n..1, newest first, one minute apart
func makePushes(n int) []*models.Push {
	out := make([]*models.Push, 0, n)
	for id := int64(n); id >= 1; id-- {
		out = append(out, &models.Push{ID: id, Revision: revision(id), PushTimestamp: 1_700_000_000 + id*60})
	}
	return out
}

func revision(id int64) string {
	return "rev" + string(rune('a'+id%26))
}

type capture struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *capture) Publish(e events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *capture) find(kind string) []events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []events.Event
	for _, e := range c.events {
		if e.Kind() == kind {
			out = append(out, e)
		}
	}
	return out
}

func newTestSyncer(t *testing.T, backend Backend) (*Syncer, *capture) {
	t.Helper()
	bus := &capture{}
	st := store.New(bus, logger.Discard())
	s := New(backend, st, bus, metrics.New(), Config{
		InitialCount:  10,
		JobBatchSize:  2,
		DrainInterval: time.Hour,
		RetryDelay:    0,
	}, logger.Discard())
	return s, bus
}

func TestWatch_InitialLoadFetchesPushesAndJobs(t *testing.T) {
	b := &fakeBackend{
		pushes: makePushes(12),
		jobs: []*models.Job{
			{ID: 100, GUID: "g100", PushID: 12, Platform: "linux64", Symbol: "B", State: models.StatePending},
			{ID: 101, GUID: "g101", PushID: 3, Platform: "linux64", Symbol: "B", State: models.StateRunning},
		},
	}
	s, bus := newTestSyncer(t, b)

	require.NoError(t, s.Watch(context.Background(), "autoland", store.Query{Author: "dev@example.com"}))

	ids := s.Store().PushIDs("autoland")
	assert.Len(t, ids, 10)
	assert.Equal(t, int64(12), ids[0])
	assert.Equal(t, int64(3), s.Store().Offset("autoland"))
	assert.Equal(t, "dev@example.com", b.pushCalls[0].Author)
	assert.Equal(t, 10, b.pushCalls[0].Count)

	_, ok := s.Store().Job("autoland", 100)
	assert.True(t, ok)
	_, ok = s.Store().Job("autoland", 101)
	assert.True(t, ok)

	// 10 push ids in batches of 2
	assert.Len(t, b.jobCalls, 5)
	assert.False(t, s.Store().IsLoading("autoland"))
	assert.NotEmpty(t, bus.find("pushes_loaded"))
}

func TestWatch_SecondWatchDoesNotRefetch(t *testing.T) {
	b := &fakeBackend{pushes: makePushes(3)}
	s, _ := newTestSyncer(t, b)

	require.NoError(t, s.Watch(context.Background(), "try", store.Query{}))
	require.NoError(t, s.Watch(context.Background(), "try", store.Query{}))

	assert.Equal(t, 1, b.pushCallCount())
	assert.Equal(t, []string{"try"}, s.Store().Repositories())
}

func TestWatch_PassesQueryToBackend(t *testing.T) {
	tests := []struct {
		name   string
		params url.Values
		want   client.PushQuery
	}{
		{
			name:   "date range",
			params: url.Values{"startdate": {"2024-01-02"}, "enddate": {"2024-01-05"}},
			want:   client.PushQuery{Count: 10, StartDate: "2024-01-02", EndDate: "2024-01-05"},
		},
		{
			name:   "start date only",
			params: url.Values{"startdate": {"2024-01-02"}},
			want:   client.PushQuery{Count: 10, StartDate: "2024-01-02"},
		},
		{
			name:   "pinned revision",
			params: url.Values{"revision": {"abcdef"}},
			want:   client.PushQuery{Count: 10, Revision: "abcdef"},
		},
		{
			name:   "change range",
			params: url.Values{"fromchange": {"aaa"}, "tochange": {"bbb"}, "author": {"dev@example.com"}},
			want:   client.PushQuery{Count: 10, FromChange: "aaa", ToChange: "bbb", Author: "dev@example.com"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &fakeBackend{}
			s, _ := newTestSyncer(t, b)
			q, err := store.ParseQuery(tt.params)
			require.NoError(t, err)

			require.NoError(t, s.Watch(context.Background(), "autoland", q))

			require.Len(t, b.pushCalls, 1)
			assert.Equal(t, tt.want, b.pushCalls[0])
		})
	}
}

func TestFetchNext_PagesFromOffset(t *testing.T) {
	b := &fakeBackend{pushes: makePushes(25)}
	s, _ := newTestSyncer(t, b)
	require.NoError(t, s.Watch(context.Background(), "autoland", store.Query{}))

	require.NoError(t, s.FetchNext(context.Background(), "autoland", 10))

	assert.Equal(t, int64(16), b.pushCalls[1].BeforeID)
	assert.Len(t, s.Store().PushIDs("autoland"), 20)
	assert.Equal(t, int64(6), s.Store().Offset("autoland"))
}

func TestNotificationForUnloadedPushQueuesPushFetch(t *testing.T) {
	all := makePushes(11)
	b := &fakeBackend{pushes: all[1:]}
	s, _ := newTestSyncer(t, b)
	require.NoError(t, s.Watch(context.Background(), "autoland", store.Query{}))
	require.Len(t, s.Store().PushIDs("autoland"), 10)

	newest := all[0]
	s.HandleNotification("autoland", "g-new", models.JobNotice{PushID: newest.ID, PushTimestamp: newest.PushTimestamp})

	batches := s.queue.Drain()
	require.Len(t, batches, 1)
	assert.Equal(t, []int64{11}, batches[0].PushIDs)
	assert.Empty(t, batches[0].JobGUIDs, "a job fetch must not be queued for an unloaded push")
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.Notifications.WithLabelValues("autoland", "queued_push")))
}

func TestNotificationBelowWatermarkIsDropped(t *testing.T) {
	all := makePushes(20)
	b := &fakeBackend{pushes: all}
	s, _ := newTestSyncer(t, b)
	require.NoError(t, s.Watch(context.Background(), "autoland", store.Query{}))

	old := all[len(all)-1]
	s.HandleNotification("autoland", "g-old", models.JobNotice{PushID: old.ID, PushTimestamp: old.PushTimestamp})

	assert.Empty(t, s.queue.Drain())
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.Notifications.WithLabelValues("autoland", "dropped")))
}

func TestDrainFetchesQueuedPushesAndJobs(t *testing.T) {
	all := makePushes(11)
	b := &fakeBackend{
		pushes: all[1:],
		jobs: []*models.Job{
			{ID: 1, GUID: "g1", PushID: 10, Platform: "linux64", Symbol: "B", State: models.StatePending},
		},
	}
	s, _ := newTestSyncer(t, b)
	ctx := context.Background()
	require.NoError(t, s.Watch(ctx, "autoland", store.Query{}))

	b.mu.Lock()
	b.pushes = all
	b.jobs[0].State = models.StateRunning
	b.jobs = append(b.jobs, &models.Job{ID: 2, GUID: "g2", PushID: 11, Platform: "linux64", Symbol: "T", State: models.StatePending})
	b.mu.Unlock()

	s.HandleNotification("autoland", "g1", models.JobNotice{PushID: 10, PushTimestamp: all[1].PushTimestamp})
	s.HandleNotification("autoland", "g2", models.JobNotice{PushID: 11, PushTimestamp: all[0].PushTimestamp})

	require.NoError(t, s.DrainOnce(ctx))

	assert.Equal(t, int64(11), s.Store().PushIDs("autoland")[0])
	j, ok := s.Store().Job("autoland", 1)
	require.True(t, ok)
	assert.Equal(t, models.StateRunning, j.State)
	_, ok = s.Store().Job("autoland", 2)
	assert.True(t, ok, "jobs of the newly fetched push are loaded with it")
}

func TestMissingJobsRetriedOnceThenReported(t *testing.T) {
	b := &fakeBackend{pushes: makePushes(2)}
	s, bus := newTestSyncer(t, b)
	ctx := context.Background()
	require.NoError(t, s.Watch(ctx, "try", store.Query{}))

	s.HandleNotification("try", "gone", models.JobNotice{PushID: 2, PushTimestamp: 1_700_000_120})
	require.NoError(t, s.DrainOnce(ctx))
	assert.Equal(t, 1, s.queue.PendingRetries())
	assert.Empty(t, bus.find("jobs_unavailable"))

	require.NoError(t, s.RetryOnce(ctx))
	assert.Equal(t, 0, s.queue.PendingRetries())

	unavailable := bus.find("jobs_unavailable")
	require.Len(t, unavailable, 1)
	assert.Equal(t, []string{"gone"}, unavailable[0].(events.JobsUnavailable).GUIDs)
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.JobsUnavailable.WithLabelValues("try")))

	require.NoError(t, s.RetryOnce(ctx))
	assert.Len(t, bus.find("jobs_unavailable"), 1, "a guid is retried only once")
}

func TestFetchJobs_BatchesAndAggregatesErrors(t *testing.T) {
	b := &fakeBackend{pushes: makePushes(1)}
	s, bus := newTestSyncer(t, b)
	ctx := context.Background()
	require.NoError(t, s.Watch(ctx, "try", store.Query{}))

	b.mu.Lock()
	b.jobErr = errors.New("connection reset")
	b.jobCalls = nil
	b.mu.Unlock()

	err := s.FetchJobs(ctx, "try", []string{"a", "b", "c", "d", "e"}, false)
	require.Error(t, err)
	assert.Len(t, b.jobCalls, 3)
	assert.Contains(t, err.Error(), "connection reset")

	notices := bus.find("notice")
	require.NotEmpty(t, notices)
	assert.False(t, notices[len(notices)-1].(events.Notice).Sticky, "network failures are transient")
	assert.Equal(t, 5, s.queue.PendingRetries())
}

func TestPushFetchFailureIsStickyAndClearsLoading(t *testing.T) {
	b := &fakeBackend{pushErr: &client.APIError{Code: 500, Message: "boom"}}
	s, bus := newTestSyncer(t, b)

	err := s.Watch(context.Background(), "autoland", store.Query{})
	require.Error(t, err)

	assert.False(t, s.Store().IsLoading("autoland"))
	notices := bus.find("notice")
	require.Len(t, notices, 1)
	n := notices[0].(events.Notice)
	assert.True(t, n.Sticky)
	assert.Equal(t, events.SeverityError, n.Severity)
}

func TestFetchNewer_UsesNewestRevision(t *testing.T) {
	all := makePushes(5)
	b := &fakeBackend{pushes: all[2:]}
	s, _ := newTestSyncer(t, b)
	ctx := context.Background()
	require.NoError(t, s.Watch(ctx, "autoland", store.Query{}))

	b.mu.Lock()
	b.pushes = all
	b.mu.Unlock()

	require.NoError(t, s.FetchNewer(ctx, "autoland"))
	assert.Equal(t, revision(3), b.pushCalls[1].FromChange)
	assert.Equal(t, []int64{5, 4, 3, 2, 1}, s.Store().PushIDs("autoland"))
}

func TestPollPushJobs_IsIncremental(t *testing.T) {
	b := &fakeBackend{pushes: makePushes(1)}
	s, _ := newTestSyncer(t, b)
	ctx := context.Background()
	require.NoError(t, s.Watch(ctx, "try", store.Query{}))

	since := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.PollPushJobs(ctx, "try", 1, since))

	last := b.jobCalls[len(b.jobCalls)-1]
	assert.Equal(t, []int64{1}, last.PushIDs)
	assert.Equal(t, since, last.LastModifiedSince)
}

func TestCancelJob_RefreshesJob(t *testing.T) {
	b := &fakeBackend{
		pushes: makePushes(1),
		jobs: []*models.Job{
			{ID: 9, GUID: "g9", PushID: 1, Platform: "linux64", Symbol: "B", State: models.StateRunning},
		},
	}
	s, _ := newTestSyncer(t, b)
	ctx := context.Background()
	require.NoError(t, s.Watch(ctx, "try", store.Query{}))

	job, err := s.CancelJob(ctx, "try", 9)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, []int64{9}, b.cancelled)

	stored, ok := s.Store().Job("try", 9)
	require.True(t, ok)
	assert.Equal(t, models.ResultUserCancel, stored.Result)

	_, err = s.CancelJob(ctx, "unknown", 9)
	assert.ErrorIs(t, err, store.ErrUnknownRepository)
}

type blockingRunner struct{ started chan struct{} }

func (r *blockingRunner) Run(ctx context.Context) error {
	close(r.started)
	<-ctx.Done()
	return nil
}

func TestRun_StartsListenerAndStops(t *testing.T) {
	s, _ := newTestSyncer(t, &fakeBackend{})
	s.cfg.DrainInterval = 10 * time.Millisecond
	r := &blockingRunner{started: make(chan struct{})}
	s.SetListener(r)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case <-r.started:
	case <-time.After(time.Second):
		t.Fatal("listener not started")
	}
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}
