package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/openclaw/voicepipe/pkg/core/convo"
)

// State is the durable part of a session: it outlives any single websocket
// connection and is owned by the registry. The sequence counter is monotonic
// for the session's whole lifetime so replayed and fresh frames never share
// a number.
type State struct {
	ID        string
	CreatedAt time.Time

	Memory *convo.Memory
	Replay *ReplayBuffer

	serverSeq     atomic.Int64
	lastClientSeq atomic.Int64

	mu       sync.Mutex
	speaker  string
	lastSeen time.Time
	attached bool
}

func NewState(now func() time.Time) *State {
	if now == nil {
		now = time.Now
	}
	t := now()
	return &State{
		ID:        uuid.NewString(),
		CreatedAt: t,
		Memory:    convo.NewMemory(convo.DefaultMemoryExchanges),
		Replay:    NewReplayBuffer(DefaultReplayCapacity, DefaultReplayTTL, now),
		lastSeen:  t,
	}
}

// RestoreState rebuilds durable state from a persisted snapshot. The replay
// buffer starts empty; a restored session resumes conversation memory but
// not the frame stream.
func RestoreState(id string, exchanges []convo.Exchange, speakerName string, now func() time.Time) *State {
	if now == nil {
		now = time.Now
	}
	t := now()
	st := &State{
		ID:        id,
		CreatedAt: t,
		Memory:    convo.NewMemory(convo.DefaultMemoryExchanges),
		Replay:    NewReplayBuffer(DefaultReplayCapacity, DefaultReplayTTL, now),
		speaker:   speakerName,
		lastSeen:  t,
	}
	for _, ex := range exchanges {
		st.Memory.Append(ex)
	}
	return st
}

// NextSeq allocates the next server sequence number.
func (s *State) NextSeq() int64 { return s.serverSeq.Add(1) }

// CurrentSeq reports the last allocated sequence number.
func (s *State) CurrentSeq() int64 { return s.serverSeq.Load() }

// AcceptClientSeq reports whether an input with the given client sequence
// number should be processed. Unsequenced inputs (seq 0) always pass;
// sequenced inputs at or below the high-water mark are duplicates from a
// retry after reconnect and are dropped.
func (s *State) AcceptClientSeq(seq int64) bool {
	if seq <= 0 {
		return true
	}
	for {
		last := s.lastClientSeq.Load()
		if seq <= last {
			return false
		}
		if s.lastClientSeq.CompareAndSwap(last, seq) {
			return true
		}
	}
}

// Attach claims the state for a live connection. A session allows one
// connection at a time; a second concurrent attach fails.
func (s *State) Attach(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attached {
		return false
	}
	s.attached = true
	s.lastSeen = now
	return true
}

func (s *State) Detach(now time.Time) {
	s.mu.Lock()
	s.attached = false
	s.lastSeen = now
	s.mu.Unlock()
}

func (s *State) Attached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attached
}

// LastSeen is the time of the most recent attach or detach, used by the
// registry reaper.
func (s *State) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

func (s *State) Speaker() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speaker
}

func (s *State) SetSpeaker(name string) {
	s.mu.Lock()
	s.speaker = name
	s.mu.Unlock()
}
