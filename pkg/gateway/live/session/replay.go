package session

import (
	"sync"
	"time"
)

const (
	// DefaultReplayCapacity bounds how many outbound frames are retained
	// for reconnect replay.
	DefaultReplayCapacity = 40

	// DefaultReplayTTL expires retained frames; a client reconnecting
	// later than this starts a fresh stream.
	DefaultReplayTTL = 5 * time.Minute
)

type replayEntry struct {
	seq      int64
	frame    []byte
	recorded time.Time
}

// ReplayBuffer retains recently sent frames keyed by server sequence number
// so a reconnecting client can be caught up without re-running generation.
// Frames age out by count and by TTL.
type ReplayBuffer struct {
	mu      sync.Mutex
	cap     int
	ttl     time.Duration
	now     func() time.Time
	entries []replayEntry
	lastSeq int64
}

func NewReplayBuffer(capacity int, ttl time.Duration, now func() time.Time) *ReplayBuffer {
	if capacity <= 0 {
		capacity = DefaultReplayCapacity
	}
	if ttl <= 0 {
		ttl = DefaultReplayTTL
	}
	if now == nil {
		now = time.Now
	}
	return &ReplayBuffer{cap: capacity, ttl: ttl, now: now}
}

// Record retains one sent frame. Seq values must be recorded in increasing
// order; the session actor is the only writer.
func (b *ReplayBuffer) Record(seq int64, frame []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.appendLocked(replayEntry{seq: seq, frame: frame, recorded: b.now()})
}

// Note marks seq as sent without retaining its frame. Keepalive and auth
// acks are not worth replaying, but their sequence numbers must not read as
// evictions when a resuming client's backlog is checked for gaps.
func (b *ReplayBuffer) Note(seq int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.appendLocked(replayEntry{seq: seq, recorded: b.now()})
}

func (b *ReplayBuffer) appendLocked(e replayEntry) {
	b.entries = append(b.entries, e)
	b.lastSeq = e.seq
	if len(b.entries) > b.cap {
		b.entries = b.entries[len(b.entries)-b.cap:]
	}
}

// Since returns retained frames with seq greater than last, oldest first.
// complete reports whether the buffer still covers everything the client
// missed; when false the caller should treat the session as not fully
// resumable and skip replay.
func (b *ReplayBuffer) Since(last int64) (frames [][]byte, complete bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.expireLocked()

	if last >= b.lastSeq {
		// Client already has everything ever sent.
		return nil, true
	}

	complete = true
	prev := last
	for _, e := range b.entries {
		if e.seq <= last {
			continue
		}
		if e.seq != prev+1 {
			// A frame the client missed has already been evicted.
			complete = false
		}
		prev = e.seq
		if e.frame != nil {
			frames = append(frames, e.frame)
		}
	}
	if len(b.entries) > 0 && b.entries[0].seq > last+1 {
		complete = false
	}
	if len(b.entries) == 0 {
		// Frames the client missed have expired.
		complete = false
	}
	if !complete {
		return nil, false
	}
	return frames, true
}

// Len reports the number of retained frames, not counting noted seqs.
func (b *ReplayBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireLocked()
	n := 0
	for _, e := range b.entries {
		if e.frame != nil {
			n++
		}
	}
	return n
}

func (b *ReplayBuffer) expireLocked() {
	cutoff := b.now().Add(-b.ttl)
	i := 0
	for i < len(b.entries) && b.entries[i].recorded.Before(cutoff) {
		i++
	}
	if i > 0 {
		b.entries = b.entries[i:]
	}
}
