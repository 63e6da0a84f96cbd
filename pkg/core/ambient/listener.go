// Package ambient implements the always-listening mode: the bot observes a
// room transcript and decides when to speak, instead of waiting for
// request/response turns.
package ambient

import (
	"strings"
	"sync"
	"time"
)

const (
	// DefaultCooldown suppresses proactive replies after the bot has
	// spoken, unless it is addressed by name.
	DefaultCooldown = 10 * time.Second

	// DefaultContextLines bounds the transcript buffer used as prompt
	// context for ambient replies.
	DefaultContextLines = 12
)

// Line is one speaker-labelled transcript line.
type Line struct {
	Speaker string
	Text    string
	At      time.Time
}

type ListenerConfig struct {
	// BotName, when mentioned in a line, always triggers a reply and
	// bypasses the cooldown. Matching is case-insensitive.
	BotName string

	Cooldown     time.Duration
	ContextLines int

	// ShouldRespond is consulted for lines that do not mention the bot
	// once the cooldown has elapsed. Nil means respond to every such line.
	ShouldRespond func(context []Line) bool
}

// Listener accumulates transcript lines and decides which ones deserve a
// spoken reply. It is safe for concurrent use.
type Listener struct {
	cfg ListenerConfig
	now func() time.Time

	mu        sync.Mutex
	lines     []Line
	lastReply time.Time
}

func NewListener(cfg ListenerConfig, now func() time.Time) *Listener {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.ContextLines <= 0 {
		cfg.ContextLines = DefaultContextLines
	}
	if now == nil {
		now = time.Now
	}
	return &Listener{cfg: cfg, now: now}
}

// Observe records a transcript line and reports whether the bot should reply
// to it. A true result counts as a reply for cooldown purposes even if the
// generation later fails.
func (l *Listener) Observe(line Line) bool {
	now := l.now()
	if line.At.IsZero() {
		line.At = now
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.lines = append(l.lines, line)
	if n := len(l.lines) - l.cfg.ContextLines; n > 0 {
		l.lines = append(l.lines[:0], l.lines[n:]...)
	}

	if l.mentioned(line.Text) {
		l.lastReply = now
		return true
	}
	if now.Sub(l.lastReply) < l.cfg.Cooldown {
		return false
	}
	if l.cfg.ShouldRespond != nil && !l.cfg.ShouldRespond(l.contextLocked()) {
		return false
	}
	l.lastReply = now
	return true
}

// Context returns a copy of the buffered transcript, oldest first.
func (l *Listener) Context() []Line {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.contextLocked()
}

func (l *Listener) contextLocked() []Line {
	out := make([]Line, len(l.lines))
	copy(out, l.lines)
	return out
}

func (l *Listener) mentioned(text string) bool {
	if l.cfg.BotName == "" {
		return false
	}
	return strings.Contains(strings.ToLower(text), strings.ToLower(l.cfg.BotName))
}
