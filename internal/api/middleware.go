package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/lei/pushwatch/internal/config"
	"github.com/lei/pushwatch/pkg/logger"
)

// accessTokenParam carries the API key for clients that cannot set headers,
// such as a browser EventSource on the event stream.
const accessTokenParam = "access_token"

// AuthMiddleware handles API key authentication
type AuthMiddleware struct {
	apiKeys map[string]string // key -> name
}

// NewAuthMiddleware creates a new auth middleware. Keys with an empty value,
// typically from an unset environment variable, are ignored.
func NewAuthMiddleware(keys []config.APIKey) *AuthMiddleware {
	keyMap := make(map[string]string)
	for _, k := range keys {
		if k.Key == "" {
			continue
		}
		keyMap[k.Key] = k.Name
	}
	return &AuthMiddleware{apiKeys: keyMap}
}

// credential extracts the API key from "Authorization: Bearer <key>" or,
// when no header is sent, from the access_token query parameter.
func credential(r *http.Request) (string, string) {
	header := r.Header.Get("Authorization")
	if header == "" {
		if token := r.URL.Query().Get(accessTokenParam); token != "" {
			return token, ""
		}
		return "", "missing authorization header"
	}
	scheme, key, ok := strings.Cut(header, " ")
	if !ok || scheme != "Bearer" || key == "" {
		return "", "invalid authorization format, expected 'Bearer <token>'"
	}
	return key, ""
}

// Authenticate validates the API key of the request. With no keys configured
// every request passes.
func (m *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	if len(m.apiKeys) == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, problem := credential(r)
		if problem != "" {
			if log := GetLogger(r.Context()); log != nil {
				log.Warn("authentication failed", "reason", problem)
			}
			respondError(w, r, http.StatusUnauthorized, problem)
			return
		}

		name, valid := m.apiKeys[key]
		if !valid {
			if log := GetLogger(r.Context()); log != nil {
				log.Warn("authentication failed: invalid api key", "key_prefix", key[:min(len(key), 8)])
			}
			respondError(w, r, http.StatusUnauthorized, "invalid api key")
			return
		}

		ctx := context.WithValue(r.Context(), contextKeyAPIKeyName, name)
		if log := GetLogger(ctx); log != nil {
			ctx = logger.NewContext(ctx, log.With("api_key_name", name))
		}
		if info := getRequestInfo(ctx); info != nil {
			info.apiKeyName = name
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RepoContext resolves the {repo} URL parameter against the watched
// repositories. Unknown repositories get a 404 before any handler runs;
// known ones are put on the context and the request logger.
func (h *Handlers) RepoContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		repo := chi.URLParam(r, "repo")
		if _, err := h.service.Store().Query(repo); err != nil {
			handleError(w, r, err)
			return
		}

		ctx := context.WithValue(r.Context(), contextKeyRepo, repo)
		if log := GetLogger(ctx); log != nil {
			ctx = logger.NewContext(ctx, log.ForRepo(repo))
		}
		if info := getRequestInfo(ctx); info != nil {
			info.repo = repo
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// LoggingMiddleware adds structured logging to all requests
type LoggingMiddleware struct {
	logger *logger.Logger
}

// NewLoggingMiddleware creates a new logging middleware
func NewLoggingMiddleware(logger *logger.Logger) *LoggingMiddleware {
	return &LoggingMiddleware{logger: logger}
}

// Handler wraps HTTP handlers with logging. Event streams are logged when
// they close, with their lifetime and the number of frames sent.
func (m *LoggingMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := middleware.GetReqID(r.Context())
		if requestID == "" {
			requestID = "unknown"
		}

		reqLogger := m.logger.With(
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
		)

		ctx := logger.NewContext(r.Context(), reqLogger)
		ctx = context.WithValue(ctx, contextKeyRequestID, requestID)
		ctx, info := withRequestInfo(ctx)

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		reqLogger.Debug("request started",
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent())

		start := time.Now()
		defer func() {
			attrs := []any{
				"status", wrapped.statusCode,
				"duration_ms", time.Since(start).Milliseconds(),
			}
			if info.repo != "" {
				attrs = append(attrs, "repo", info.repo)
			}
			if info.apiKeyName != "" {
				attrs = append(attrs, "api_key_name", info.apiKeyName)
			}

			if wrapped.streaming {
				reqLogger.Info("event stream closed", append(attrs, "frames", wrapped.flushes)...)
				return
			}

			attrs = append(attrs, "bytes_written", wrapped.bytesWritten)
			switch {
			case wrapped.statusCode >= 500:
				reqLogger.Error("request completed", attrs...)
			case wrapped.statusCode >= 400:
				reqLogger.Warn("request completed", attrs...)
			default:
				reqLogger.Info("request completed", attrs...)
			}
		}()

		next.ServeHTTP(wrapped, r.WithContext(ctx))
	})
}

// responseWriter records the status and size of a response, and whether it
// turned into an event stream.
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
	streaming    bool
	flushes      int
	wroteHeader  bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.wroteHeader = true
	rw.statusCode = code
	rw.streaming = strings.HasPrefix(rw.Header().Get("Content-Type"), "text/event-stream")
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

// Flush pushes event stream frames through the wrapper
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		rw.flushes++
		f.Flush()
	}
}
