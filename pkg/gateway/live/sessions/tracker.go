package sessions

import (
	"context"
	"sync"
)

// Tracker follows live connections so the server can cancel them all on
// shutdown and wait for their goroutines to finish.
type Tracker struct {
	mu          sync.Mutex
	connections map[string]*trackedConn
	wg          sync.WaitGroup
}

type trackedConn struct {
	cancel func()
	once   sync.Once
}

func NewTracker() *Tracker {
	return &Tracker{connections: make(map[string]*trackedConn)}
}

// Register tracks a live connection by session id. If a stale entry exists
// for the same id it is unregistered first. The returned function must be
// called when the connection ends.
func (t *Tracker) Register(sessionID string, cancel func()) (unregister func()) {
	if t == nil {
		return func() {}
	}

	entry := &trackedConn{cancel: cancel}

	t.mu.Lock()
	if t.connections == nil {
		t.connections = make(map[string]*trackedConn)
	}
	old := t.connections[sessionID]
	t.connections[sessionID] = entry
	t.wg.Add(1)
	t.mu.Unlock()

	if old != nil {
		t.unregister(sessionID, old)
	}

	return func() { t.unregister(sessionID, entry) }
}

func (t *Tracker) unregister(sessionID string, entry *trackedConn) {
	if t == nil || entry == nil {
		return
	}
	entry.once.Do(func() {
		t.mu.Lock()
		if t.connections != nil && t.connections[sessionID] == entry {
			delete(t.connections, sessionID)
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.connections)
}

// CancelAll aborts every tracked connection.
func (t *Tracker) CancelAll() (canceled int) {
	if t == nil {
		return 0
	}

	var cancels []func()
	t.mu.Lock()
	for _, entry := range t.connections {
		if entry == nil || entry.cancel == nil {
			continue
		}
		cancels = append(cancels, entry.cancel)
	}
	t.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
		canceled++
	}
	return canceled
}

// Wait blocks until every tracked connection has unregistered, or ctx is
// done; it reports whether the drain completed.
func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}
	if ctx == nil {
		t.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
