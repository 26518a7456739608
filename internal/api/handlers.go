package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lei/pushwatch/internal/client"
	"github.com/lei/pushwatch/internal/events"
	"github.com/lei/pushwatch/internal/models"
	"github.com/lei/pushwatch/internal/store"
	"github.com/lei/pushwatch/internal/view"
)

// maxPageCount bounds the count of POST /pushes/next
const maxPageCount = 100

// Service is what the handlers need from the syncer
type Service interface {
	Store() *store.Store
	FetchNext(ctx context.Context, repo string, count int) error
	CancelJob(ctx context.Context, repo string, id int64) (*models.Job, error)
}

// Subscriber hands out event subscriptions
type Subscriber interface {
	Subscribe(buffer int) (<-chan events.Event, func())
}

// Handlers contains HTTP handler functions
type Handlers struct {
	service   Service
	events    Subscriber
	keepAlive time.Duration
}

// NewHandlers creates a new handlers instance
func NewHandlers(svc Service, sub Subscriber) *Handlers {
	return &Handlers{service: svc, events: sub, keepAlive: 30 * time.Second}
}

// Health handles health check requests
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"repos":  len(h.service.Store().Repositories()),
	})
}

type repoStatus struct {
	Name                 string `json:"name"`
	Query                string `json:"query"`
	Loading              bool   `json:"loading"`
	Pushes               int    `json:"pushes"`
	UnclassifiedFailures int    `json:"unclassified_failures"`
	Watermark            int64  `json:"watermark"`
	Offset               int64  `json:"offset"`
}

// ListRepos handles GET /v1/repos
func (h *Handlers) ListRepos(w http.ResponseWriter, r *http.Request) {
	st := h.service.Store()

	repos := make([]repoStatus, 0)
	for _, name := range st.Repositories() {
		q, err := st.Query(name)
		if err != nil {
			continue
		}
		repos = append(repos, repoStatus{
			Name:                 name,
			Query:                q.String(),
			Loading:              st.IsLoading(name),
			Pushes:               len(st.PushIDs(name)),
			UnclassifiedFailures: st.UnclassifiedFailureCount(name),
			Watermark:            st.Watermark(name),
			Offset:               st.Offset(name),
		})
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"repos": repos,
	})
}

type pushListItem struct {
	*models.Push
	Summary view.PushSummary `json:"summary"`
}

// ListPushes handles GET /v1/repos/{repo}/pushes
func (h *Handlers) ListPushes(w http.ResponseWriter, r *http.Request) {
	logger := GetLogger(r.Context())
	repo := GetRepo(r.Context())

	pushes, err := h.service.Store().Pushes(repo)
	if err != nil {
		handleError(w, r, err)
		return
	}
	pushes = FilterPushes(pushes, r.URL.Query().Get("author"), r.URL.Query().Get("search"))

	items := make([]pushListItem, 0, len(pushes))
	for _, p := range pushes {
		summary := view.Summarize(p)
		p.Platforms = nil
		items = append(items, pushListItem{Push: p, Summary: summary})
	}

	if logger != nil {
		logger.Debug("pushes listed", "count", len(items))
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"pushes":  items,
		"loading": h.service.Store().IsLoading(repo),
	})
}

// GetPush handles GET /v1/repos/{repo}/pushes/{push_id}
func (h *Handlers) GetPush(w http.ResponseWriter, r *http.Request) {
	repo := GetRepo(r.Context())
	p, ok := h.loadPush(w, r, repo)
	if !ok {
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"push": p,
	})
}

// PushView handles GET /v1/repos/{repo}/pushes/{push_id}/view
func (h *Handlers) PushView(w http.ResponseWriter, r *http.Request) {
	repo := GetRepo(r.Context())
	p, ok := h.loadPush(w, r, repo)
	if !ok {
		return
	}

	q, err := h.service.Store().Query(repo)
	if err != nil {
		handleError(w, r, err)
		return
	}
	filter := ParseJobFilter(mergeFilters(q.Filters, r.URL.Query()))
	p = FilterPush(p, filter)

	expansion := view.NewExpansion(splitValues(r.URL.Query()["expand"])...)

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"push_id":   p.ID,
		"revision":  p.Revision,
		"summary":   view.Summarize(p),
		"platforms": view.Project(p, expansion.IsExpanded),
	})
}

func (h *Handlers) loadPush(w http.ResponseWriter, r *http.Request, repo string) (*models.Push, bool) {
	id, ok := parseID(w, r, "push_id")
	if !ok {
		return nil, false
	}
	p, found := h.service.Store().Push(repo, id)
	if !found {
		respondError(w, r, http.StatusNotFound, "push not loaded")
		return nil, false
	}
	return p, true
}

// FetchNext handles POST /v1/repos/{repo}/pushes/next
func (h *Handlers) FetchNext(w http.ResponseWriter, r *http.Request) {
	logger := GetLogger(r.Context())
	repo := GetRepo(r.Context())

	count := 0
	if countStr := r.URL.Query().Get("count"); countStr != "" {
		parsed, err := strconv.Atoi(countStr)
		if err != nil || parsed <= 0 {
			respondError(w, r, http.StatusBadRequest, "invalid count")
			return
		}
		count = min(parsed, maxPageCount)
	}

	before := len(h.service.Store().PushIDs(repo))
	if err := h.service.FetchNext(r.Context(), repo, count); err != nil {
		handleError(w, r, err)
		return
	}
	loaded := len(h.service.Store().PushIDs(repo)) - before

	if logger != nil {
		logger.Info("older pushes loaded", "requested", count, "loaded", loaded)
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"loaded": loaded,
		"offset": h.service.Store().Offset(repo),
	})
}

// GetJob handles GET /v1/repos/{repo}/jobs/{job_id}
func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	repo := GetRepo(r.Context())
	id, ok := parseID(w, r, "job_id")
	if !ok {
		return
	}
	job, found := h.service.Store().Job(repo, id)
	if !found {
		respondError(w, r, http.StatusNotFound, "job not loaded")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"job": job,
	})
}

// CancelJob handles POST /v1/repos/{repo}/jobs/{job_id}/cancel
func (h *Handlers) CancelJob(w http.ResponseWriter, r *http.Request) {
	logger := GetLogger(r.Context())
	repo := GetRepo(r.Context())
	id, ok := parseID(w, r, "job_id")
	if !ok {
		return
	}

	if logger != nil {
		logger.Info("canceling job", "job_id", id)
	}

	job, err := h.service.CancelJob(r.Context(), repo, id)
	if err != nil {
		handleError(w, r, err)
		return
	}
	if job == nil {
		// Accepted by the backend, refreshed state not available yet
		w.WriteHeader(http.StatusAccepted)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"job": job,
	})
}

// StreamEvents handles GET /v1/repos/{repo}/events
func (h *Handlers) StreamEvents(w http.ResponseWriter, r *http.Request) {
	logger := GetLogger(r.Context())
	repo := GetRepo(r.Context())

	flusher, ok := w.(http.Flusher)
	if !ok {
		if logger != nil {
			logger.Error("streaming not supported by response writer")
		}
		respondError(w, r, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ch, cancel := h.events.Subscribe(64)
	defer cancel()

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// Send initial connection success event
	requestID := GetRequestID(r.Context())
	fmt.Fprintf(w, "event: connected\ndata: {\"request_id\":\"%s\",\"repo\":\"%s\"}\n\n", requestID, repo)
	flusher.Flush()

	if logger != nil {
		logger.Info("event stream started")
	}

	keepAlive := time.NewTicker(h.keepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case ev, open := <-ch:
			if !open {
				return
			}
			if ev.RepoName() != repo {
				continue
			}
			data, err := json.Marshal(ev)
			if err != nil {
				if logger != nil {
					logger.Error("encoding event failed", "kind", ev.Kind(), "error", err)
				}
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind(), data)
			flusher.Flush()
		}
	}
}

func parseID(w http.ResponseWriter, r *http.Request, param string) (int64, bool) {
	raw := chi.URLParam(r, param)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		if logger := GetLogger(r.Context()); logger != nil {
			logger.Warn("invalid id", param, raw)
		}
		respondError(w, r, http.StatusBadRequest, "invalid "+strings.ReplaceAll(param, "_", " "))
		return 0, false
	}
	return id, true
}

func respondJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// respondError writes a JSON error response with logging
func respondError(w http.ResponseWriter, r *http.Request, status int, message string) {
	logger := GetLogger(r.Context())
	requestID := GetRequestID(r.Context())

	// Log the error with full context
	if logger != nil {
		logger.Error("returning error response",
			"status", status,
			"message", message,
			"request_id", requestID)
	}

	w.Header().Set("X-Request-ID", requestID)
	respondJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"message":    message,
			"code":       status,
			"request_id": requestID,
		},
	})
}

// handleError maps syncer, store and backend errors to HTTP responses
func handleError(w http.ResponseWriter, r *http.Request, err error) {
	logger := GetLogger(r.Context())
	requestID := GetRequestID(r.Context())

	// Log original error with full details
	if logger != nil {
		logger.Error("request failed",
			"error", err.Error(),
			"error_type", fmt.Sprintf("%T", err),
			"request_id", requestID)
	}

	switch {
	case errors.Is(err, store.ErrUnknownRepository):
		respondError(w, r, http.StatusNotFound, "repository not watched")
	case errors.Is(err, client.ErrJobNotFound):
		respondError(w, r, http.StatusNotFound, "job not found in backend")
	case errors.Is(err, client.ErrPushNotFound):
		respondError(w, r, http.StatusNotFound, "push not found in backend")
	case errors.Is(err, client.ErrUnauthorized):
		respondError(w, r, http.StatusBadGateway, "backend authentication failed")
	case errors.Is(err, client.ErrBackendUnavailable):
		respondError(w, r, http.StatusBadGateway, "backend temporarily unavailable")
	case errors.Is(err, context.DeadlineExceeded):
		respondError(w, r, http.StatusGatewayTimeout, "backend request timed out")
	default:
		var apiErr *client.APIError
		if errors.As(err, &apiErr) {
			if logger != nil {
				logger.Error("backend error details",
					"backend_code", apiErr.Code,
					"backend_message", apiErr.Message,
					"underlying_error", apiErr.Err)
			}

			if apiErr.Code >= 400 && apiErr.Code < 500 {
				respondError(w, r, apiErr.Code, apiErr.Message)
			} else {
				respondError(w, r, http.StatusBadGateway, "backend error")
			}
		} else {
			respondError(w, r, http.StatusInternalServerError, "internal server error")
		}
	}
}
