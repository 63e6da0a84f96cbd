package ambient

import (
	"context"
	"sync"
)

// PlaybackQueue serializes replies into the single physical audio output.
// Turns are granted strictly in enqueue order, so replies generated
// concurrently never overlap or reorder.
type PlaybackQueue struct {
	mu   sync.Mutex
	tail chan struct{}
}

func NewPlaybackQueue() *PlaybackQueue {
	done := make(chan struct{})
	close(done)
	return &PlaybackQueue{tail: done}
}

// Enqueue reserves the next playback turn. The returned channel is closed
// when the turn arrives; release must be called once playback is finished
// (or abandoned) so the next turn can start.
func (q *PlaybackQueue) Enqueue() (turn <-chan struct{}, release func()) {
	q.mu.Lock()
	prev := q.tail
	done := make(chan struct{})
	q.tail = done
	q.mu.Unlock()

	var once sync.Once
	return prev, func() { once.Do(func() { close(done) }) }
}

// Do waits for this caller's turn, runs play, and releases the turn. A
// canceled ctx abandons the turn without running play.
func (q *PlaybackQueue) Do(ctx context.Context, play func()) error {
	turn, release := q.Enqueue()
	defer release()

	select {
	case <-turn:
	case <-ctx.Done():
		return ctx.Err()
	}
	play()
	return nil
}
