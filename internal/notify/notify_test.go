package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/lei/pushwatch/internal/client"
	"github.com/lei/pushwatch/internal/models"
	"github.com/lei/pushwatch/pkg/logger"
)

type received struct {
	repo   string
	guid   string
	notice models.JobNotice
}

func TestListener_SubscribesAndDispatches(t *testing.T) {
	subscribed := make(chan string, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		var sub subscribeMessage
		if err := wsjson.Read(r.Context(), conn, &sub); err != nil {
			return
		}
		subscribed <- sub.Subscribe

		wsjson.Write(r.Context(), conn, JobEvent{
			Event:  "job",
			Branch: "try",
			Jobs:   map[string]models.JobNotice{"ignored": {PushID: 1}},
		})
		wsjson.Write(r.Context(), conn, JobEvent{
			Event:  "job",
			Branch: "autoland",
			Jobs:   map[string]models.JobNotice{"abc": {PushID: 11, PushTimestamp: 1700000000}},
		})
		for {
			if _, _, err := conn.Read(context.Background()); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	var mu sync.Mutex
	var got []received
	done := make(chan struct{})
	handler := func(repo, guid string, notice models.JobNotice) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, received{repo, guid, notice})
		close(done)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := NewListener("ws"+strings.TrimPrefix(srv.URL, "http"), []string{"autoland"}, client.NewTokenSource("tok", ""), handler, logger.Discard())
	errc := make(chan error, 1)
	go func() { errc <- l.Run(ctx) }()

	select {
	case sub := <-subscribed:
		assert.Equal(t, "job.autoland", sub)
	case <-time.After(5 * time.Second):
		t.Fatal("no subscription received")
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("no event dispatched")
	}

	cancel()
	require.NoError(t, <-errc)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, received{"autoland", "abc", models.JobNotice{PushID: 11, PushTimestamp: 1700000000}}, got[0])
}

func TestListener_ReconnectsAfterClose(t *testing.T) {
	var mu sync.Mutex
	connections := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		mu.Lock()
		connections++
		mu.Unlock()
		var sub subscribeMessage
		wsjson.Read(r.Context(), conn, &sub)
		conn.Close(websocket.StatusGoingAway, "restart")
	}))
	defer srv.Close()

	l := NewListener("ws"+strings.TrimPrefix(srv.URL, "http"), []string{"try"}, nil, func(string, string, models.JobNotice) {}, logger.Discard())
	l.minBackoff = 10 * time.Millisecond
	l.maxBackoff = 20 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	require.NoError(t, l.Run(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, connections, 2)
}

func TestListener_FollowsRotatedTokenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(path, []byte("old\n"), 0o600))

	var mu sync.Mutex
	var seen []string
	accepted := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		mu.Lock()
		seen = append(seen, auth)
		mu.Unlock()
		if auth != "Bearer new" {
			// rotate on the first rejection
			os.WriteFile(path, []byte("new\n"), 0o600)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		close(accepted)
		for {
			if _, _, err := conn.Read(context.Background()); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	l := NewListener("ws"+strings.TrimPrefix(srv.URL, "http"), []string{"autoland"}, client.NewTokenSource("", path),
		func(string, string, models.JobNotice) {}, logger.Discard())
	l.minBackoff = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- l.Run(ctx) }()

	select {
	case <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("listener never reconnected with the rotated token")
	}
	cancel()
	require.NoError(t, <-errc)

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(seen), 2)
	assert.Equal(t, "Bearer old", seen[0])
}
