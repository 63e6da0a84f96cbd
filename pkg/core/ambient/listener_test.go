package ambient

import (
	"testing"
	"time"
)

func newTestListener(cfg ListenerConfig) (*Listener, *time.Time) {
	current := time.Unix(1000, 0)
	l := NewListener(cfg, func() time.Time { return current })
	return l, &current
}

func TestListener_CooldownSuppressesProactiveReplies(t *testing.T) {
	l, current := newTestListener(ListenerConfig{Cooldown: 10 * time.Second})

	if !l.Observe(Line{Speaker: "Ana", Text: "what a day"}) {
		t.Fatal("first line should trigger a reply")
	}
	if l.Observe(Line{Speaker: "Ana", Text: "right?"}) {
		t.Fatal("reply within cooldown")
	}

	*current = current.Add(11 * time.Second)
	if !l.Observe(Line{Speaker: "Ana", Text: "anyone there"}) {
		t.Fatal("cooldown elapsed, should reply")
	}
}

func TestListener_NameMentionBypassesCooldown(t *testing.T) {
	l, _ := newTestListener(ListenerConfig{BotName: "Iris", Cooldown: 10 * time.Second})

	l.Observe(Line{Speaker: "Ana", Text: "hello"})
	if l.Observe(Line{Speaker: "Ana", Text: "as I was saying"}) {
		t.Fatal("reply within cooldown")
	}
	if !l.Observe(Line{Speaker: "Ana", Text: "hey IRIS, what do you think?"}) {
		t.Fatal("name mention should bypass cooldown")
	}
}

func TestListener_DecisionHookVetoes(t *testing.T) {
	l, current := newTestListener(ListenerConfig{
		Cooldown:      time.Second,
		ShouldRespond: func([]Line) bool { return false },
	})

	if l.Observe(Line{Speaker: "Ana", Text: "mumbling to myself"}) {
		t.Fatal("hook veto ignored")
	}
	*current = current.Add(time.Minute)
	if l.Observe(Line{Speaker: "Ana", Text: "still mumbling"}) {
		t.Fatal("hook veto ignored after cooldown")
	}
}

func TestListener_ContextBufferBounded(t *testing.T) {
	l, _ := newTestListener(ListenerConfig{ContextLines: 3})

	for _, text := range []string{"one", "two", "three", "four", "five"} {
		l.Observe(Line{Speaker: "Ana", Text: text})
	}

	ctx := l.Context()
	if len(ctx) != 3 {
		t.Fatalf("context length = %d", len(ctx))
	}
	if ctx[0].Text != "three" || ctx[2].Text != "five" {
		t.Fatalf("context window = %v", ctx)
	}
}

func TestListener_ContextIsACopy(t *testing.T) {
	l, _ := newTestListener(ListenerConfig{})
	l.Observe(Line{Speaker: "Ana", Text: "original"})

	ctx := l.Context()
	ctx[0].Text = "mutated"
	if l.Context()[0].Text != "original" {
		t.Fatal("Context must return a copy")
	}
}
