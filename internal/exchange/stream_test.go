package exchange

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
)

// echoServer upgrades each request and echoes text frames back.
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()
		for {
			kind, payload, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			if err := conn.Write(r.Context(), kind, payload); err != nil {
				return
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestStreamRoundTrip(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	received := make(chan string, 1)
	stream := NewStream(context.Background(), wsURL(srv), func(payload []byte) error {
		select {
		case received <- string(payload):
		default:
		}
		return nil
	})
	defer stream.Stop()

	if err := stream.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := stream.Write([]byte(`{"op":"subscribe"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case got := <-received:
		if got != `{"op":"subscribe"}` {
			t.Fatalf("echo = %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for echo")
	}
}

func TestStreamReplaysOnConnect(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	var mu sync.Mutex
	connects := 0
	stream := NewStream(context.Background(), wsURL(srv),
		func([]byte) error { return nil },
		WithOnConnect(func(_ context.Context, write func([]byte) error) error {
			mu.Lock()
			connects++
			mu.Unlock()
			return write([]byte("resubscribe"))
		}),
	)
	defer stream.Stop()

	if err := stream.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	mu.Lock()
	got := connects
	mu.Unlock()
	if got != 1 {
		t.Fatalf("expected exactly one connect callback, got %d", got)
	}
}

func TestStreamStartTimesOutWithoutServer(t *testing.T) {
	stream := NewStream(context.Background(), "ws://127.0.0.1:1/nowhere", func([]byte) error { return nil })
	defer stream.Stop()

	done := make(chan error, 1)
	go func() { done <- stream.Start() }()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected start to fail")
		}
	case <-time.After(15 * time.Second):
		t.Fatal("start did not return")
	}
}
