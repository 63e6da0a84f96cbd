package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/voicepipe/pkg/core/convo"
	"github.com/openclaw/voicepipe/pkg/core/llm"
	"github.com/openclaw/voicepipe/pkg/core/voice/stt"
	"github.com/openclaw/voicepipe/pkg/core/voice/tts"
)

const testToken = "test-secret"

type scriptedStream struct {
	events []llm.Event
	pos    int
}

func (s *scriptedStream) Next() (llm.Event, error) {
	if s.pos >= len(s.events) {
		return llm.Event{}, io.EOF
	}
	ev := s.events[s.pos]
	s.pos++
	return ev, nil
}

func (s *scriptedStream) Close() error { return nil }

// scriptedProvider replays the configured reply text for every turn.
type scriptedProvider struct {
	mu    sync.Mutex
	reply string
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) setReply(text string) {
	p.mu.Lock()
	p.reply = text
	p.mu.Unlock()
}

func (p *scriptedProvider) Stream(ctx context.Context, req llm.Request) (llm.Stream, error) {
	p.mu.Lock()
	reply := p.reply
	p.mu.Unlock()
	return &scriptedStream{events: []llm.Event{
		{Kind: llm.EventStart},
		{Kind: llm.EventDelta, Text: reply},
		{Kind: llm.EventEnd},
	}}, nil
}

// testSynth returns canned audio; in blocking mode it holds every call until
// the context is canceled, keeping a generation speaking indefinitely.
type testSynth struct {
	mu       sync.Mutex
	blocking bool
}

func (s *testSynth) setBlocking(v bool) {
	s.mu.Lock()
	s.blocking = v
	s.mu.Unlock()
}

func (s *testSynth) Synthesize(ctx context.Context, text string, opts tts.Options) (*tts.Synthesis, error) {
	s.mu.Lock()
	blocking := s.blocking
	s.mu.Unlock()
	if blocking {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return &tts.Synthesis{Audio: []byte("pcm:" + text), Format: "pcm"}, nil
}

type fixedTranscriber struct{ text string }

func (f fixedTranscriber) Transcribe(ctx context.Context, audio []byte, format string) (*stt.Transcript, error) {
	return &stt.Transcript{Text: f.text, Language: "en", Confidence: 0.9}, nil
}

type testEnv struct {
	server   *httptest.Server
	provider *scriptedProvider
	synth    *testSynth

	mu     sync.Mutex
	states map[string]*State
}

func (e *testEnv) resolve(id string) (*State, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if id != "" {
		if st, ok := e.states[id]; ok {
			return st, true
		}
	}
	st := NewState(nil)
	e.states[st.ID] = st
	return st, false
}

func (e *testEnv) state(id string) *State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.states[id]
}

func newTestEnv(t *testing.T, transcriber stt.Transcriber) *testEnv {
	t.Helper()
	env := &testEnv{
		provider: &scriptedProvider{reply: "Hello there."},
		synth:    &testSynth{},
		states:   make(map[string]*State),
	}
	orch := convo.NewOrchestrator(env.provider, env.synth, slog.Default(), convo.OrchestratorConfig{Model: "test"})
	upgrader := websocket.Upgrader{}

	env.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		sess, err := New(Dependencies{
			Conn:         conn,
			Logger:       slog.Default(),
			Orchestrator: orch,
			Transcriber:  transcriber,
			Resolve:      env.resolve,
			Config: Config{
				AuthToken:    testToken,
				ReadTimeout:  5 * time.Second,
				WriteTimeout: time.Second,
				PingInterval: time.Hour,
			},
		})
		if err != nil {
			_ = conn.Close()
			return
		}
		_ = sess.Run()
	}))
	t.Cleanup(env.server.Close)
	return env
}

func (e *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, frame map[string]any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(frame))
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var ev map[string]any
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

// readUntil consumes events until one matches the given type, failing the
// test if it never arrives.
func readUntil(t *testing.T, conn *websocket.Conn, eventType string) map[string]any {
	t.Helper()
	for i := 0; i < 40; i++ {
		ev := readEvent(t, conn)
		if ev["type"] == eventType {
			return ev
		}
	}
	t.Fatalf("never received %q", eventType)
	return nil
}

func authenticate(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	send(t, conn, map[string]any{"type": "auth", "token": testToken})
	ev := readEvent(t, conn)
	require.Equal(t, "auth", ev["type"])
	require.Equal(t, "ok", ev["status"])
	id, _ := ev["session_id"].(string)
	require.NotEmpty(t, id)
	return id
}

func TestSession_RejectsBadToken(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dial(t)

	send(t, conn, map[string]any{"type": "auth", "token": "wrong"})
	ev := readEvent(t, conn)
	require.Equal(t, "error", ev["type"])
	require.Equal(t, "auth_error", ev["code"])
}

func TestSession_TextTurnOrderedEvents(t *testing.T) {
	env := newTestEnv(t, nil)
	env.provider.setReply("One here. Two here. Three here.")
	conn := env.dial(t)
	authenticate(t, conn)

	send(t, conn, map[string]any{"type": "text", "text": "hi"})

	var (
		chunkIndexes []float64
		audioIndexes []float64
		lastSeq      float64
		done         bool
	)
	for !done {
		ev := readEvent(t, conn)
		seq, _ := ev["server_seq"].(float64)
		require.Greater(t, seq, lastSeq, "server_seq not strictly increasing")
		lastSeq = seq
		switch ev["type"] {
		case "reply_chunk":
			chunkIndexes = append(chunkIndexes, ev["index"].(float64))
		case "audio_chunk":
			audioIndexes = append(audioIndexes, ev["index"].(float64))
		case "stream_done":
			done = true
		case "error":
			t.Fatalf("unexpected error event: %v", ev)
		}
	}

	require.Equal(t, []float64{0, 1, 2}, chunkIndexes)
	require.Equal(t, []float64{0, 1, 2}, audioIndexes)

	// Final status returns to idle.
	ev := readUntil(t, conn, "status")
	require.Equal(t, "idle", ev["state"])
}

func TestSession_BusyWhileGenerating(t *testing.T) {
	env := newTestEnv(t, nil)
	env.synth.setBlocking(true)
	conn := env.dial(t)
	authenticate(t, conn)

	send(t, conn, map[string]any{"type": "text", "text": "first"})
	ev := readUntil(t, conn, "status")
	require.Equal(t, "thinking", ev["state"])

	send(t, conn, map[string]any{"type": "text", "text": "second"})
	ev = readUntil(t, conn, "error")
	require.Equal(t, "busy", ev["code"])
}

func TestSession_BargeInStopsPlaybackAndRecordsPartial(t *testing.T) {
	env := newTestEnv(t, nil)
	env.provider.setReply("A long story begins.")
	env.synth.setBlocking(true)
	conn := env.dial(t)
	sessionID := authenticate(t, conn)

	send(t, conn, map[string]any{"type": "text", "text": "tell me a story"})
	readUntil(t, conn, "status")

	send(t, conn, map[string]any{"type": "barge_in"})
	readUntil(t, conn, "stop_playback")
	ev := readUntil(t, conn, "status")
	require.Equal(t, "idle", ev["state"])

	st := env.state(sessionID)
	require.NotNil(t, st)
	waitFor(t, func() bool { return st.Memory.Len() == 1 })
	window := st.Memory.Window()
	require.True(t, window[0].Interrupted)
	require.Equal(t, "tell me a story", window[0].Input)

	// The next turn starts clean: indices restart at zero and nothing from
	// the interrupted generation leaks through.
	env.synth.setBlocking(false)
	env.provider.setReply("Fresh start.")
	send(t, conn, map[string]any{"type": "text", "text": "next"})

	var chunkIndexes []float64
	done := false
	for !done {
		ev := readEvent(t, conn)
		switch ev["type"] {
		case "reply_chunk":
			require.Equal(t, "Fresh start.", ev["text"], "interrupted reply leaked")
			chunkIndexes = append(chunkIndexes, ev["index"].(float64))
		case "audio_chunk":
			audio, err := base64.StdEncoding.DecodeString(ev["data_b64"].(string))
			require.NoError(t, err)
			require.Equal(t, "pcm:Fresh start.", string(audio), "interrupted audio leaked")
			require.Equal(t, float64(0), ev["index"].(float64))
		case "stream_done":
			done = true
		case "error":
			t.Fatalf("unexpected error event: %v", ev)
		}
	}
	require.Equal(t, []float64{0}, chunkIndexes)
}

func TestSession_ReconnectReplaysMissedFrames(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dial(t)
	sessionID := authenticate(t, conn)

	send(t, conn, map[string]any{"type": "text", "text": "hi"})
	// Read only the thinking status, then drop the connection mid-stream.
	ev := readUntil(t, conn, "status")
	seenSeq := int64(ev["server_seq"].(float64))
	require.NoError(t, conn.Close())

	st := env.state(sessionID)
	require.NotNil(t, st)
	// Wait for the turn to finish into the replay buffer and the old
	// connection to fully detach.
	waitFor(t, func() bool { return st.Memory.Len() == 1 && !st.Attached() })

	conn2 := env.dial(t)
	send(t, conn2, map[string]any{
		"type":            "auth",
		"token":           testToken,
		"session_id":      sessionID,
		"last_server_seq": seenSeq,
	})
	ack := readEvent(t, conn2)
	require.Equal(t, "auth", ack["type"])
	require.Equal(t, true, ack["resumed"])
	require.Equal(t, sessionID, ack["session_id"])

	// Replayed frames pick up exactly after the last seen seq.
	prev := seenSeq
	sawDone := false
	for !sawDone {
		ev := readEvent(t, conn2)
		if ev["type"] == "auth" {
			continue
		}
		seq := int64(ev["server_seq"].(float64))
		require.Equal(t, prev+1, seq, "replay gap at %v", ev)
		prev = seq
		if ev["type"] == "stream_done" {
			sawDone = true
		}
	}
}

func TestSession_ReconnectReplaysAcrossKeepalive(t *testing.T) {
	env := newTestEnv(t, nil)
	env.provider.setReply("First answer.")
	conn := env.dial(t)
	sessionID := authenticate(t, conn)

	send(t, conn, map[string]any{"type": "text", "text": "one"})
	readUntil(t, conn, "stream_done")
	ev := readUntil(t, conn, "status")
	require.Equal(t, "idle", ev["state"])
	idleSeq := int64(ev["server_seq"].(float64))

	// A keepalive between turns consumes a sequence number without being
	// retained for replay.
	send(t, conn, map[string]any{"type": "ping"})
	readUntil(t, conn, "pong")

	env.provider.setReply("Second answer.")
	send(t, conn, map[string]any{"type": "text", "text": "two"})
	readUntil(t, conn, "stream_done")
	require.NoError(t, conn.Close())

	st := env.state(sessionID)
	require.NotNil(t, st)
	waitFor(t, func() bool { return st.Memory.Len() == 2 && !st.Attached() })

	conn2 := env.dial(t)
	send(t, conn2, map[string]any{
		"type":            "auth",
		"token":           testToken,
		"session_id":      sessionID,
		"last_server_seq": idleSeq,
	})
	ack := readEvent(t, conn2)
	require.Equal(t, "auth", ack["type"])
	require.Equal(t, true, ack["resumed"])

	// The whole second turn replays; the pong seq is skipped but must not
	// be mistaken for an evicted frame.
	prev := idleSeq
	sawSecond := false
	sawDone := false
	for !sawDone {
		ev := readEvent(t, conn2)
		if ev["type"] == "auth" {
			continue
		}
		seq := int64(ev["server_seq"].(float64))
		require.Greater(t, seq, prev, "replay out of order at %v", ev)
		prev = seq
		switch ev["type"] {
		case "reply_chunk":
			require.Equal(t, "Second answer.", ev["text"])
			sawSecond = true
		case "stream_done":
			sawDone = true
		}
	}
	require.True(t, sawSecond, "second turn was not replayed")
}

func TestSession_DuplicateClientSeqDropped(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dial(t)
	authenticate(t, conn)

	send(t, conn, map[string]any{"type": "text", "text": "hi", "client_seq": 7})
	readUntil(t, conn, "stream_done")
	readUntil(t, conn, "status")

	// The retry of the same input must not start a second turn.
	send(t, conn, map[string]any{"type": "text", "text": "hi", "client_seq": 7})
	send(t, conn, map[string]any{"type": "ping"})
	ev := readEvent(t, conn)
	require.Equal(t, "pong", ev["type"], "duplicate input produced events: %v", ev)
}

func TestSession_UnknownSessionIDGetsFreshSession(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dial(t)

	send(t, conn, map[string]any{
		"type":       "auth",
		"token":      testToken,
		"session_id": "no-such-session",
	})
	ev := readEvent(t, conn)
	require.Equal(t, "auth", ev["type"])
	require.Equal(t, "ok", ev["status"])
	require.NotEqual(t, "no-such-session", ev["session_id"])
	require.NotEqual(t, true, ev["resumed"])
}

func TestSession_AudioTurnEmitsTranscript(t *testing.T) {
	env := newTestEnv(t, fixedTranscriber{text: "what time is it"})
	conn := env.dial(t)
	authenticate(t, conn)

	audio := base64.StdEncoding.EncodeToString([]byte("fake-wav"))
	send(t, conn, map[string]any{"type": "audio", "data_b64": audio, "format": "wav"})

	ev := readUntil(t, conn, "status")
	require.Equal(t, "transcribing", ev["state"])

	tr := readUntil(t, conn, "transcript")
	require.Equal(t, "what time is it", tr["text"])
	require.Equal(t, "en", tr["language"])

	readUntil(t, conn, "stream_done")
}

func TestSession_ClearHistory(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dial(t)
	sessionID := authenticate(t, conn)

	send(t, conn, map[string]any{"type": "text", "text": "hi"})
	readUntil(t, conn, "stream_done")

	st := env.state(sessionID)
	waitFor(t, func() bool { return st.Memory.Len() == 1 })

	send(t, conn, map[string]any{"type": "clear_history"})
	send(t, conn, map[string]any{"type": "ping"})
	readUntil(t, conn, "pong")
	require.Equal(t, 0, st.Memory.Len())
}

func TestDecodePayloadRoundTrip(t *testing.T) {
	// Guard against the replay buffer storing frames the client cannot parse.
	b := NewReplayBuffer(4, time.Minute, nil)
	b.Record(1, []byte(`{"type":"status","state":"idle","server_seq":1}`))
	frames, complete := b.Since(0)
	require.True(t, complete)
	var ev map[string]any
	require.NoError(t, json.Unmarshal(frames[0], &ev))
	require.Equal(t, "status", ev["type"])
}
