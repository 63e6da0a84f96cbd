// Package llm defines the language-model gateway contract used by the
// conversation orchestrator: a prompt plus history in, a stream of
// lifecycle-framed text deltas out.
package llm

import "context"

// Role values for chat messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string
	Content string
	// Images holds raw encoded image bytes attached to the message, for
	// backends with vision support.
	Images [][]byte
}

type Request struct {
	Model    string
	System   string
	Messages []Message
}

// EventKind frames the lifecycle of a streamed response.
type EventKind int

const (
	// EventStart is emitted once before the first delta.
	EventStart EventKind = iota
	// EventDelta carries an incremental text fragment.
	EventDelta
	// EventEnd is emitted once after the last delta.
	EventEnd
)

type Event struct {
	Kind EventKind
	Text string
}

// Stream yields events until EventEnd or an error. Next returns the next
// event or a non-nil error; Close releases the underlying request early.
type Stream interface {
	Next() (Event, error)
	Close() error
}

// Provider opens streaming generations against a model backend.
type Provider interface {
	Name() string
	Stream(ctx context.Context, req Request) (Stream, error)
}
