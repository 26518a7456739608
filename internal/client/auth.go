package client

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
)

// TokenSource supplies the bearer token sent to the backend. A static token
// never changes; a token file is re-read after the backend rejects the
// cached token, so an external rotator can replace it.
type TokenSource struct {
	static string
	path   string

	mu    sync.RWMutex
	token string
}

// NewTokenSource creates a token source. Both arguments may be empty, in
// which case requests go out unauthenticated.
func NewTokenSource(token, tokenFile string) *TokenSource {
	return &TokenSource{static: token, path: tokenFile}
}

// Token returns the current token, reading the token file on first use
func (ts *TokenSource) Token(ctx context.Context) (string, error) {
	if ts == nil {
		return "", nil
	}
	if ts.static != "" {
		return ts.static, nil
	}
	if ts.path == "" {
		return "", nil
	}

	ts.mu.RLock()
	if ts.token != "" {
		token := ts.token
		ts.mu.RUnlock()
		return token, nil
	}
	ts.mu.RUnlock()

	return ts.reload(ctx)
}

// Invalidate forces the next Token call to re-read the token file
func (ts *TokenSource) Invalidate() {
	if ts == nil {
		return
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.token = ""
}

// Refreshable reports whether invalidating can yield a different token
func (ts *TokenSource) Refreshable() bool {
	return ts != nil && ts.static == "" && ts.path != ""
}

func (ts *TokenSource) reload(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	// Double-check after acquiring write lock
	if ts.token != "" {
		return ts.token, nil
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	data, err := os.ReadFile(ts.path)
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}
	ts.token = strings.TrimSpace(string(data))
	return ts.token, nil
}
