package convo

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Status is a generation's lifecycle state. Streaming is the only
// non-terminal state; the first transition out of it wins.
type Status int32

const (
	StatusStreaming Status = iota
	StatusInterrupted
	StatusCompleted
	StatusErrored
)

func (s Status) String() string {
	switch s {
	case StatusStreaming:
		return "streaming"
	case StatusInterrupted:
		return "interrupted"
	case StatusCompleted:
		return "completed"
	case StatusErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Generation is one request/response turn of streamed model output. All
// async results produced on its behalf carry its ID and are discarded once
// the generation leaves Streaming.
type Generation struct {
	ID    string
	Input string

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	text      string
	status    Status
	sentences map[int]Sentence
}

func NewGeneration(parent context.Context, input string) *Generation {
	ctx, cancel := context.WithCancel(parent)
	return &Generation{
		ID:        uuid.NewString(),
		Input:     input,
		ctx:       ctx,
		cancel:    cancel,
		sentences: make(map[int]Sentence),
	}
}

func (g *Generation) Context() context.Context { return g.ctx }

// AppendText accumulates a streamed delta and returns the cumulative text.
func (g *Generation) AppendText(delta string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.text += delta
	return g.text
}

// Text returns the cumulative accumulated text so far.
func (g *Generation) Text() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.text
}

func (g *Generation) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.status
}

// Finish moves the generation into a terminal state. Only the first call
// takes effect; it reports whether this call performed the transition.
func (g *Generation) Finish(status Status) bool {
	g.mu.Lock()
	if g.status != StatusStreaming {
		g.mu.Unlock()
		return false
	}
	g.status = status
	g.mu.Unlock()
	if status == StatusInterrupted || status == StatusErrored {
		g.cancel()
	}
	return true
}

// Interrupt aborts the generation: terminal Interrupted state plus context
// cancellation for every in-flight gateway and synthesis call.
func (g *Generation) Interrupt() bool {
	return g.Finish(StatusInterrupted)
}

// Release frees the generation's context resources once no more work will
// be scheduled on its behalf.
func (g *Generation) Release() { g.cancel() }

func (g *Generation) AddSentence(s Sentence) {
	g.mu.Lock()
	g.sentences[s.Index] = s
	g.mu.Unlock()
}

func (g *Generation) SentenceCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sentences)
}
