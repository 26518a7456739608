// Package notify subscribes to the backend's push-notification channel and
// hands every job event to a callback.
package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/lei/pushwatch/internal/models"
	"github.com/lei/pushwatch/pkg/logger"
)

const (
	jobEvent     = "job"
	readLimit    = 1 << 20
	minBackoff   = time.Second
	maxBackoff   = 30 * time.Second
	writeTimeout = 10 * time.Second
)

// Handler receives one job notification
type Handler func(repo, guid string, notice models.JobNotice)

// JobEvent is the wire form of a job notification
type JobEvent struct {
	Event  string                      `json:"event"`
	Branch string                      `json:"branch"`
	Jobs   map[string]models.JobNotice `json:"jobs"`
}

type subscribeMessage struct {
	Subscribe string `json:"subscribe"`
}

// TokenSource supplies the bearer token sent during the handshake
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// invalidator is implemented by token sources that can re-read a rotated token
type invalidator interface {
	Invalidate()
}

// Listener keeps a websocket subscription alive for a set of repositories
type Listener struct {
	url     string
	repos   map[string]bool
	handler Handler
	tokens  TokenSource
	logger  *logger.Logger

	minBackoff time.Duration
	maxBackoff time.Duration
}

// NewListener creates a listener for the given repositories. tokens may be
// nil; otherwise its token is resolved on every connection attempt, so the
// listener follows the same credentials as the REST client.
func NewListener(url string, repos []string, tokens TokenSource, handler Handler, log *logger.Logger) *Listener {
	watched := make(map[string]bool, len(repos))
	for _, r := range repos {
		watched[r] = true
	}

	return &Listener{
		url:        url,
		repos:      watched,
		handler:    handler,
		tokens:     tokens,
		logger:     log,
		minBackoff: minBackoff,
		maxBackoff: maxBackoff,
	}
}

func (l *Listener) header(ctx context.Context) (http.Header, error) {
	header := http.Header{}
	if l.tokens == nil {
		return header, nil
	}
	token, err := l.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("get token: %w", err)
	}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	return header, nil
}

// Run connects, subscribes and dispatches events until ctx ends,
// reconnecting with capped exponential backoff.
func (l *Listener) Run(ctx context.Context) error {
	backoff := l.minBackoff
	for {
		connected, err := l.session(ctx)
		if ctx.Err() != nil {
			l.logger.Info("notify: listener stopped")
			return nil
		}
		if connected {
			backoff = l.minBackoff
		}
		l.logger.Warn("notify: connection lost, reconnecting",
			"url", l.url,
			"error", err,
			"backoff", backoff)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, l.maxBackoff)
	}
}

// session runs one connection; connected reports whether the handshake and
// subscriptions succeeded.
func (l *Listener) session(ctx context.Context) (connected bool, err error) {
	header, err := l.header(ctx)
	if err != nil {
		return false, err
	}
	conn, resp, err := websocket.Dial(ctx, l.url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			if inv, ok := l.tokens.(invalidator); ok {
				inv.Invalidate()
			}
		}
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(readLimit)

	for repo := range l.repos {
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		err := wsjson.Write(wctx, conn, subscribeMessage{Subscribe: jobEvent + "." + repo})
		cancel()
		if err != nil {
			return false, fmt.Errorf("subscribe %s: %w", repo, err)
		}
	}
	l.logger.Info("notify: subscribed", "url", l.url, "repos", len(l.repos))

	for {
		var ev JobEvent
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			var closeErr websocket.CloseError
			if errors.As(err, &closeErr) {
				return true, fmt.Errorf("closed by server: %s", closeErr.Reason)
			}
			return true, fmt.Errorf("read: %w", err)
		}
		l.dispatch(ev)
	}
}

func (l *Listener) dispatch(ev JobEvent) {
	if ev.Event != "" && ev.Event != jobEvent {
		return
	}
	if !l.repos[ev.Branch] {
		l.logger.Debug("notify: ignoring event for unwatched repo", "branch", ev.Branch)
		return
	}
	for guid, notice := range ev.Jobs {
		l.handler(ev.Branch, guid, notice)
	}
}
