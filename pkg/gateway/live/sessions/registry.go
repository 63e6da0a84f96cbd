// Package sessions tracks durable session state across connections: an
// in-process registry with idle reaping, optional snapshot persistence, and
// a tracker for live connections used during shutdown.
package sessions

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/openclaw/voicepipe/pkg/core/convo"
	"github.com/openclaw/voicepipe/pkg/gateway/live/session"
	"github.com/openclaw/voicepipe/pkg/store"
)

const (
	// DefaultIdleTTL is how long a detached session's state is retained
	// before the reaper drops it.
	DefaultIdleTTL = 30 * time.Minute

	reapInterval = time.Minute
	persistWait  = 3 * time.Second
)

// Registry owns all durable session state in the process. Connections
// resolve state through it; detached states are persisted to the snapshot
// store (when configured) and reaped after the idle TTL.
type Registry struct {
	logger *slog.Logger
	snaps  store.Store
	ttl    time.Duration
	now    func() time.Time

	mu     sync.Mutex
	states map[string]*session.State
}

func NewRegistry(snaps store.Store, logger *slog.Logger, idleTTL time.Duration, now func() time.Time) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if idleTTL <= 0 {
		idleTTL = DefaultIdleTTL
	}
	if now == nil {
		now = time.Now
	}
	return &Registry{
		logger: logger,
		snaps:  snaps,
		ttl:    idleTTL,
		now:    now,
		states: make(map[string]*session.State),
	}
}

// Resolve maps a client-supplied session id to state. An empty or unknown id
// yields a fresh session. Known ids hit the in-process map first, then the
// snapshot store, so a session can move between gateway instances.
func (r *Registry) Resolve(id string) (*session.State, bool) {
	if id != "" {
		r.mu.Lock()
		if st, ok := r.states[id]; ok {
			r.mu.Unlock()
			return st, true
		}
		r.mu.Unlock()

		if st := r.restore(id); st != nil {
			r.mu.Lock()
			// Another connection may have restored it concurrently.
			if existing, ok := r.states[id]; ok {
				r.mu.Unlock()
				return existing, true
			}
			r.states[id] = st
			r.mu.Unlock()
			return st, true
		}
	}

	st := session.NewState(r.now)
	r.mu.Lock()
	r.states[st.ID] = st
	r.mu.Unlock()
	return st, false
}

// Release persists the state's snapshot after a connection detaches.
func (r *Registry) Release(st *session.State) {
	if st == nil || r.snaps == nil {
		return
	}
	if err := r.persist(st); err != nil {
		r.logger.Warn("failed to persist session snapshot", "session_id", st.ID, "error", err)
	}
}

// Count reports how many session states are held in process.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.states)
}

// Run reaps idle detached sessions until ctx is canceled.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reap()
		}
	}
}

func (r *Registry) reap() {
	cutoff := r.now().Add(-r.ttl)

	r.mu.Lock()
	var dropped []string
	for id, st := range r.states {
		if !st.Attached() && st.LastSeen().Before(cutoff) {
			delete(r.states, id)
			dropped = append(dropped, id)
		}
	}
	r.mu.Unlock()

	if len(dropped) > 0 {
		r.logger.Info("reaped idle sessions", "count", len(dropped))
	}
}

func (r *Registry) restore(id string) *session.State {
	if r.snaps == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistWait)
	defer cancel()

	snap, err := r.snaps.Get(ctx, id)
	if err != nil {
		r.logger.Warn("failed to load session snapshot", "session_id", id, "error", err)
		return nil
	}
	if snap == nil {
		return nil
	}
	exchanges := make([]convo.Exchange, 0, len(snap.Exchanges))
	for _, ex := range snap.Exchanges {
		exchanges = append(exchanges, convo.Exchange{
			Input:       ex.Input,
			Output:      ex.Output,
			Speaker:     ex.Speaker,
			Interrupted: ex.Interrupted,
		})
	}
	return session.RestoreState(id, exchanges, snap.Speaker, r.now)
}

func (r *Registry) persist(st *session.State) error {
	ctx, cancel := context.WithTimeout(context.Background(), persistWait)
	defer cancel()

	window := st.Memory.Window()
	exchanges := make([]store.Exchange, 0, len(window))
	for _, ex := range window {
		exchanges = append(exchanges, store.Exchange{
			Input:       ex.Input,
			Output:      ex.Output,
			Speaker:     ex.Speaker,
			Interrupted: ex.Interrupted,
		})
	}
	snap := &store.Snapshot{
		ID:        st.ID,
		Exchanges: exchanges,
		Speaker:   st.Speaker(),
	}

	current, err := r.snaps.Get(ctx, st.ID)
	if err != nil {
		return err
	}
	if current == nil {
		return r.snaps.Create(ctx, snap)
	}
	snap.Version = current.Version
	snap.CreatedAt = current.CreatedAt
	if err := r.snaps.Update(ctx, snap); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return r.snaps.Create(ctx, snap)
		}
		return err
	}
	return nil
}
