package session

import (
	"fmt"
	"testing"
	"time"
)

func TestReplayBuffer_SinceReturnsMissedFrames(t *testing.T) {
	b := NewReplayBuffer(10, time.Minute, nil)
	for i := int64(1); i <= 5; i++ {
		b.Record(i, []byte(fmt.Sprintf("f%d", i)))
	}

	frames, complete := b.Since(2)
	if !complete {
		t.Fatal("expected complete replay")
	}
	if len(frames) != 3 {
		t.Fatalf("got %d frames, want 3", len(frames))
	}
	if string(frames[0]) != "f3" || string(frames[2]) != "f5" {
		t.Fatalf("frames out of order: %q..%q", frames[0], frames[len(frames)-1])
	}
}

func TestReplayBuffer_NothingMissed(t *testing.T) {
	b := NewReplayBuffer(10, time.Minute, nil)
	b.Record(1, []byte("f1"))

	frames, complete := b.Since(1)
	if !complete || len(frames) != 0 {
		t.Fatalf("frames=%d complete=%v, want 0/true", len(frames), complete)
	}
}

func TestReplayBuffer_NotedSeqsAreNotGaps(t *testing.T) {
	b := NewReplayBuffer(10, time.Minute, nil)
	b.Record(1, []byte("f1"))
	b.Note(2)
	b.Record(3, []byte("f3"))

	// The noted seq keeps the stream contiguous but is not re-sent.
	frames, complete := b.Since(1)
	if !complete {
		t.Fatal("expected complete replay across a noted seq")
	}
	if len(frames) != 1 || string(frames[0]) != "f3" {
		t.Fatalf("frames = %q, want [f3]", frames)
	}

	// A client current through the noted seq has nothing to catch up on.
	frames, complete = b.Since(3)
	if !complete || len(frames) != 0 {
		t.Fatalf("frames=%d complete=%v, want 0/true", len(frames), complete)
	}
	if b.Len() != 2 {
		t.Fatalf("len = %d, want 2 retained frames", b.Len())
	}
}

func TestReplayBuffer_EvictionMakesReplayIncomplete(t *testing.T) {
	b := NewReplayBuffer(3, time.Minute, nil)
	for i := int64(1); i <= 6; i++ {
		b.Record(i, []byte(fmt.Sprintf("f%d", i)))
	}
	// Only 4..6 retained; a client at seq 2 missed 3.
	frames, complete := b.Since(2)
	if complete {
		t.Fatal("expected incomplete replay after eviction")
	}
	if frames != nil {
		t.Fatalf("incomplete replay returned frames: %d", len(frames))
	}

	// A client at seq 3 can still be caught up.
	frames, complete = b.Since(3)
	if !complete || len(frames) != 3 {
		t.Fatalf("frames=%d complete=%v, want 3/true", len(frames), complete)
	}
}

func TestReplayBuffer_TTLExpiry(t *testing.T) {
	current := time.Unix(1000, 0)
	now := func() time.Time { return current }
	b := NewReplayBuffer(10, time.Minute, now)

	b.Record(1, []byte("f1"))
	current = current.Add(2 * time.Minute)
	b.Record(2, []byte("f2"))

	if b.Len() != 1 {
		t.Fatalf("len = %d after expiry, want 1", b.Len())
	}
	frames, complete := b.Since(0)
	if complete {
		t.Fatal("expected incomplete replay once old frames expired")
	}
	if frames != nil {
		t.Fatalf("got %d frames", len(frames))
	}
	frames, complete = b.Since(1)
	if !complete || len(frames) != 1 {
		t.Fatalf("frames=%d complete=%v, want 1/true", len(frames), complete)
	}
}
