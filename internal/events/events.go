// Package events is the typed pub/sub that carries store changes and
// user-facing notices to whoever renders them.
package events

import (
	"sync"

	"github.com/lei/pushwatch/pkg/logger"
)

// Event is one of the payload types declared in this package
type Event interface {
	// Kind is the SSE event name for the payload
	Kind() string
	// RepoName is the repository the event belongs to
	RepoName() string
}

// PushesLoaded is published after a batch of pushes was added to a repository
type PushesLoaded struct {
	Repo    string  `json:"repo"`
	PushIDs []int64 `json:"push_ids"`
}

// JobsUpdated is published after jobs were created or merged
type JobsUpdated struct {
	Repo   string  `json:"repo"`
	JobIDs []int64 `json:"job_ids"`
}

// JobsUnavailable reports job guids the backend did not return even after a retry
type JobsUnavailable struct {
	Repo  string   `json:"repo"`
	GUIDs []string `json:"guids"`
}

// LoadingChanged reports the push loading flag of a repository
type LoadingChanged struct {
	Repo    string `json:"repo"`
	Loading bool   `json:"loading"`
}

// Severity of a Notice
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Notice is a user-facing message. Sticky notices stay until dismissed,
// the others are transient.
type Notice struct {
	Repo     string   `json:"repo"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Sticky   bool     `json:"sticky"`
}

func (e PushesLoaded) Kind() string    { return "pushes_loaded" }
func (e JobsUpdated) Kind() string     { return "jobs_updated" }
func (e JobsUnavailable) Kind() string { return "jobs_unavailable" }
func (e LoadingChanged) Kind() string  { return "loading_changed" }
func (e Notice) Kind() string          { return "notice" }

func (e PushesLoaded) RepoName() string    { return e.Repo }
func (e JobsUpdated) RepoName() string     { return e.Repo }
func (e JobsUnavailable) RepoName() string { return e.Repo }
func (e LoadingChanged) RepoName() string  { return e.Repo }
func (e Notice) RepoName() string          { return e.Repo }

// Publisher is the sending half of a Bus
type Publisher interface {
	Publish(Event)
}

// Bus fans events out to subscribers
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	logger *logger.Logger
}

// NewBus creates an empty bus
func NewBus(log *logger.Logger) *Bus {
	return &Bus{
		subs:   make(map[int]chan Event),
		logger: log,
	}
}

// Subscribe registers a subscriber with the given channel buffer. The returned
// cancel func unregisters it and closes the channel; it is safe to call twice.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers e to every subscriber without blocking. A subscriber whose
// buffer is full misses the event.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.logger.Warn("events: subscriber buffer full, dropping event",
				"subscriber", id,
				"kind", e.Kind(),
				"repo", e.RepoName())
		}
	}
}

// Subscribers returns the number of live subscribers
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
