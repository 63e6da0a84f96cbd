package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type fakeWS struct {
	mu       sync.Mutex
	messages [][]byte
	closed   bool
}

func (f *fakeWS) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeWS) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if messageType == websocket.TextMessage {
		f.messages = append(f.messages, append([]byte(nil), data...))
	}
	return nil
}

func (f *fakeWS) WriteControl(int, []byte, time.Time) error { return nil }

func (f *fakeWS) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeWS) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.messages))
	for i, m := range f.messages {
		out[i] = string(m)
	}
	return out
}

func runWriter(t *testing.T, ws *fakeWS, priority, normal chan outboundFrame, isCanceled func(string) bool) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w := outboundWriter{
			ws:         ws,
			ctx:        ctx,
			cfg:        Config{WriteTimeout: time.Second, PingInterval: time.Hour},
			priority:   priority,
			normal:     normal,
			isCanceled: isCanceled,
		}
		_ = w.Run()
	}()
	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("writer did not stop")
		}
	}
}

func TestWriter_DrainsBothQueues(t *testing.T) {
	ws := &fakeWS{}
	priority := make(chan outboundFrame, 4)
	normal := make(chan outboundFrame, 4)
	stop := runWriter(t, ws, priority, normal, nil)

	normal <- outboundFrame{payload: []byte("n1")}
	normal <- outboundFrame{payload: []byte("n2")}
	priority <- outboundFrame{payload: []byte("p1")}

	waitFor(t, func() bool { return len(ws.sent()) == 3 })
	stop()
}

func TestWriter_SkipsCanceledGenerationFrames(t *testing.T) {
	ws := &fakeWS{}
	priority := make(chan outboundFrame, 4)
	normal := make(chan outboundFrame, 4)
	canceled := func(id string) bool { return id == "dead" }
	stop := runWriter(t, ws, priority, normal, canceled)

	normal <- outboundFrame{generationID: "dead", payload: []byte("stale")}
	normal <- outboundFrame{generationID: "live", payload: []byte("fresh")}

	waitFor(t, func() bool {
		sent := ws.sent()
		return len(sent) == 1 && sent[0] == "fresh"
	})
	stop()
}

func TestWriter_ClosesConnOnShutdown(t *testing.T) {
	ws := &fakeWS{}
	priority := make(chan outboundFrame, 1)
	normal := make(chan outboundFrame, 1)
	stop := runWriter(t, ws, priority, normal, nil)
	stop()

	ws.mu.Lock()
	closed := ws.closed
	ws.mu.Unlock()
	if !closed {
		t.Fatal("connection not closed on shutdown")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
