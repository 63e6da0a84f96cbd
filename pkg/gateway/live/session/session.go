// Package session runs one live conversation connection: a single-goroutine
// actor that owns all turn state, a read pump, and a dedicated outbound
// writer. Durable state (memory, sequence counter, replay buffer) lives in
// State and survives reconnects.
package session

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openclaw/voicepipe/pkg/core/convo"
	"github.com/openclaw/voicepipe/pkg/core/speaker"
	"github.com/openclaw/voicepipe/pkg/core/voice/stt"
	"github.com/openclaw/voicepipe/pkg/gateway/live/protocol"
)

const (
	maxCanceledGenerationIDs  = 64
	outboundPriorityQueueSize = 8
	maxPendingImages          = 4
	maxFileContextBytes       = 64 << 10
)

type Config struct {
	AuthToken         string
	MaxMessageBytes   int64
	MaxAudioBytes     int
	HandshakeTimeout  time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	PingInterval      time.Duration
	OutboundQueueSize int
	TranscribeTimeout time.Duration
}

type Dependencies struct {
	Conn         *websocket.Conn
	Logger       *slog.Logger
	Orchestrator *convo.Orchestrator
	Transcriber  stt.Transcriber
	Speakers     speaker.Identifier

	// Resolve maps the auth frame's session id to durable state. An empty
	// or unknown id yields a fresh session; resumed reports whether the id
	// matched an existing one.
	Resolve func(sessionID string) (state *State, resumed bool)

	// Release is called once the connection is done with the state.
	Release func(state *State)

	Config Config
	Now    func() time.Time
}

type LiveSession struct {
	conn         *websocket.Conn
	logger       *slog.Logger
	orchestrator *convo.Orchestrator
	transcriber  stt.Transcriber
	speakers     speaker.Identifier
	resolve      func(string) (*State, bool)
	release      func(*State)
	cfg          Config
	now          func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	state *State

	outboundPriority chan outboundFrame
	outboundNormal   chan outboundFrame

	canceledGenerations atomic.Value // canceledState
}

type canceledState struct {
	set   map[string]struct{}
	order []string
}

type inboundFrame struct {
	data []byte
	err  error
}

type sttResult struct {
	text     string
	language string
	speaker  string
	err      error
}

func New(deps Dependencies) (*LiveSession, error) {
	if deps.Conn == nil {
		return nil, fmt.Errorf("connection is required")
	}
	if deps.Orchestrator == nil {
		return nil, fmt.Errorf("orchestrator is required")
	}
	if deps.Resolve == nil {
		return nil, fmt.Errorf("state resolver is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Config.OutboundQueueSize <= 0 {
		deps.Config.OutboundQueueSize = 128
	}
	if deps.Config.HandshakeTimeout <= 0 {
		deps.Config.HandshakeTimeout = 10 * time.Second
	}
	if deps.Config.TranscribeTimeout <= 0 {
		deps.Config.TranscribeTimeout = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &LiveSession{
		conn:             deps.Conn,
		logger:           deps.Logger,
		orchestrator:     deps.Orchestrator,
		transcriber:      deps.Transcriber,
		speakers:         deps.Speakers,
		resolve:          deps.Resolve,
		release:          deps.Release,
		cfg:              deps.Config,
		now:              deps.Now,
		ctx:              ctx,
		cancel:           cancel,
		outboundPriority: make(chan outboundFrame, outboundPriorityQueueSize),
		outboundNormal:   make(chan outboundFrame, deps.Config.OutboundQueueSize),
	}
	s.canceledGenerations.Store(canceledState{set: make(map[string]struct{})})
	return s, nil
}

// Cancel aborts the session from outside the actor, e.g. on server shutdown.
func (s *LiveSession) Cancel() { s.cancel() }

// SessionID is set once the handshake has resolved state.
func (s *LiveSession) SessionID() string {
	if s.state == nil {
		return ""
	}
	return s.state.ID
}

func (s *LiveSession) Run() error {
	defer s.cancel()

	if s.cfg.MaxMessageBytes > 0 {
		s.conn.SetReadLimit(s.cfg.MaxMessageBytes)
	}

	replayFrames, resumed, err := s.handshake()
	if err != nil {
		return err
	}
	defer func() {
		s.state.Detach(s.now())
		if s.release != nil {
			s.release(s.state)
		}
	}()

	if s.cfg.ReadTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		s.conn.SetPongHandler(func(string) error {
			return s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		})
	}

	readCh := make(chan inboundFrame, 16)
	writerErrCh := make(chan error, 1)
	go s.readLoop(readCh)
	go func() {
		w := outboundWriter{
			ws:         s.conn,
			ctx:        s.ctx,
			cfg:        s.cfg,
			priority:   s.outboundPriority,
			normal:     s.outboundNormal,
			isCanceled: s.isGenerationCanceled,
		}
		writerErrCh <- w.Run()
		close(writerErrCh)
	}()

	if err := s.sendEvent(protocol.ServerAuth{
		Status:    "ok",
		SessionID: s.state.ID,
		Resumed:   resumed,
	}, true, "", false); err != nil {
		return err
	}
	for _, frame := range replayFrames {
		if err := s.enqueue(outboundFrame{payload: frame}, false); err != nil {
			return err
		}
	}

	return s.loop(readCh, writerErrCh)
}

func (s *LiveSession) loop(readCh <-chan inboundFrame, writerErrCh <-chan error) error {
	var (
		activeGen     *convo.Generation
		activeSpeaker string
		speaking      bool
		outputs       chan convo.Output
		transcribing  bool
		pendingImages [][]byte
		pendingFiles  []string
	)
	sttCh := make(chan sttResult, 1)

	abandonOutputs := func() {
		if outputs == nil {
			return
		}
		go func(ch <-chan convo.Output) {
			for range ch {
			}
		}(outputs)
		outputs = nil
	}

	// A turn in flight when the connection drops keeps running against the
	// durable state: its frames are recorded for replay and the exchange
	// still lands in memory, so a reconnecting client catches up.
	defer func() {
		if activeGen != nil && outputs != nil {
			go s.drainDetached(activeGen, activeSpeaker, speaking, outputs)
			activeGen = nil
			outputs = nil
			return
		}
		abandonOutputs()
	}()

	startTurn := func(utterance, speakerName string) error {
		abandonOutputs()
		// Generations deliberately outlive the connection; the turn
		// timeout bounds them instead.
		gen := convo.NewGeneration(context.Background(), utterance)
		activeGen = gen
		activeSpeaker = speakerName
		speaking = false

		prompt := utterance
		if len(pendingFiles) > 0 {
			prompt = utterance + "\n\n" + strings.Join(pendingFiles, "\n\n")
			pendingFiles = nil
		}
		msgs := s.orchestrator.BuildMessages(s.state.Memory.Window(), prompt, speakerName)
		if len(pendingImages) > 0 {
			msgs[len(msgs)-1].Images = pendingImages
			pendingImages = nil
		}

		if err := s.sendEvent(protocol.ServerStatus{State: protocol.StateThinking}, false, "", true); err != nil {
			return err
		}
		outputs = make(chan convo.Output, 32)
		s.orchestrator.Start(gen, msgs, outputs)
		return nil
	}

	interrupt := func(bargeIn bool) error {
		if activeGen == nil {
			return nil
		}
		gen := activeGen
		activeGen = nil
		gen.Interrupt()
		s.markGenerationCanceled(gen.ID)

		if bargeIn {
			if err := s.sendEvent(protocol.ServerStopPlayback{}, true, "", true); err != nil {
				return err
			}
		}
		s.state.Memory.Append(convo.Exchange{
			Input:       gen.Input,
			Output:      strings.TrimSpace(gen.Text()),
			Speaker:     activeSpeaker,
			Interrupted: true,
		})
		return s.sendEvent(protocol.ServerStatus{State: protocol.StateIdle}, false, "", true)
	}

	busy := func() error {
		return s.sendEvent(protocol.ServerError{
			Code:    protocol.CodeBusy,
			Message: "a reply is already in progress",
		}, true, "", true)
	}

	for {
		select {
		case <-s.ctx.Done():
			return nil
		case err := <-writerErrCh:
			return err
		case frame, ok := <-readCh:
			if !ok {
				return nil
			}
			if frame.err != nil {
				return nil
			}
			msg, decErr := protocol.DecodeClientMessage(frame.data)
			if decErr != nil {
				code := protocol.CodeBadRequest
				if de, ok := decErr.(*protocol.DecodeError); ok {
					code = de.Code
				}
				if err := s.sendEvent(protocol.ServerError{Code: code, Message: decErr.Error()}, true, "", true); err != nil {
					return err
				}
				continue
			}
			if !s.state.AcceptClientSeq(msg.ClientSeq()) {
				// Duplicate of an input already processed before a
				// reconnect; the replayed frames carry its results.
				continue
			}

			switch m := msg.(type) {
			case protocol.ClientAuth:
				if err := s.sendEvent(protocol.ServerError{
					Code:    protocol.CodeBadRequest,
					Message: "session is already authenticated",
				}, true, "", true); err != nil {
					return err
				}
			case protocol.ClientText:
				if activeGen != nil || transcribing {
					if err := busy(); err != nil {
						return err
					}
					continue
				}
				if err := startTurn(strings.TrimSpace(m.Text), s.state.Speaker()); err != nil {
					return err
				}
			case protocol.ClientAudio:
				if activeGen != nil || transcribing {
					if err := busy(); err != nil {
						return err
					}
					continue
				}
				if s.transcriber == nil {
					if err := s.sendEvent(protocol.ServerError{
						Code:    protocol.CodeBadRequest,
						Message: "audio input is not enabled",
					}, true, "", true); err != nil {
						return err
					}
					continue
				}
				audio, decodeErr := base64.StdEncoding.DecodeString(m.DataB64)
				if decodeErr != nil {
					if err := s.sendEvent(protocol.ServerError{
						Code:    protocol.CodeBadRequest,
						Message: "invalid audio data_b64",
					}, true, "", true); err != nil {
						return err
					}
					continue
				}
				if s.cfg.MaxAudioBytes > 0 && len(audio) > s.cfg.MaxAudioBytes {
					if err := s.sendEvent(protocol.ServerError{
						Code:    protocol.CodeBadRequest,
						Message: "audio exceeds max size",
					}, true, "", true); err != nil {
						return err
					}
					continue
				}
				transcribing = true
				if err := s.sendEvent(protocol.ServerStatus{State: protocol.StateTranscribing}, false, "", true); err != nil {
					return err
				}
				go s.transcribe(audio, m.Format, sttCh)
			case protocol.ClientImage:
				data, decodeErr := base64.StdEncoding.DecodeString(m.DataB64)
				if decodeErr != nil || len(pendingImages) >= maxPendingImages {
					if err := s.sendEvent(protocol.ServerError{
						Code:    protocol.CodeBadRequest,
						Message: "invalid or excess image attachment",
					}, true, "", true); err != nil {
						return err
					}
					continue
				}
				pendingImages = append(pendingImages, data)
			case protocol.ClientFile:
				data, decodeErr := base64.StdEncoding.DecodeString(m.DataB64)
				if decodeErr != nil || len(data) > maxFileContextBytes {
					if err := s.sendEvent(protocol.ServerError{
						Code:    protocol.CodeBadRequest,
						Message: "invalid or oversized file attachment",
					}, true, "", true); err != nil {
						return err
					}
					continue
				}
				name := strings.TrimSpace(m.Name)
				if name == "" {
					name = "attachment"
				}
				pendingFiles = append(pendingFiles, fmt.Sprintf("[file %s]\n%s", name, string(data)))
			case protocol.ClientBargeIn:
				if err := interrupt(true); err != nil {
					return err
				}
			case protocol.ClientCancel:
				if err := interrupt(false); err != nil {
					return err
				}
			case protocol.ClientClearHistory:
				s.state.Memory.Clear()
			case protocol.ClientPing:
				if err := s.sendEvent(protocol.ServerPong{}, true, "", false); err != nil {
					return err
				}
			}
		case r := <-sttCh:
			transcribing = false
			if r.err != nil {
				s.logger.Warn("transcription failed", "session_id", s.state.ID, "error", r.err)
				if err := s.sendEvent(protocol.ServerError{
					Code:    protocol.CodeTranscriptionError,
					Message: "could not transcribe audio",
				}, true, "", true); err != nil {
					return err
				}
				if err := s.sendEvent(protocol.ServerStatus{State: protocol.StateIdle}, false, "", true); err != nil {
					return err
				}
				continue
			}
			if r.speaker != "" {
				s.state.SetSpeaker(r.speaker)
			}
			if err := s.sendEvent(protocol.ServerTranscript{
				Text:     r.text,
				Language: r.language,
				Speaker:  r.speaker,
			}, false, "", true); err != nil {
				return err
			}
			if strings.TrimSpace(r.text) == "" {
				if err := s.sendEvent(protocol.ServerStatus{State: protocol.StateIdle}, false, "", true); err != nil {
					return err
				}
				continue
			}
			if err := startTurn(r.text, r.speaker); err != nil {
				return err
			}
		case out, ok := <-outputs:
			if !ok {
				outputs = nil
				continue
			}
			if activeGen == nil || out.GenerationID != activeGen.ID {
				continue
			}
			if out.Done {
				gen := activeGen
				activeGen = nil
				if out.Err != nil {
					if err := s.sendEvent(protocol.ServerError{
						Code:    protocol.CodeGenerationError,
						Message: "reply generation failed",
					}, true, "", true); err != nil {
						return err
					}
				} else {
					s.state.Memory.Append(convo.Exchange{
						Input:   gen.Input,
						Output:  strings.TrimSpace(out.FullText),
						Speaker: activeSpeaker,
					})
					if err := s.sendEvent(protocol.ServerStreamDone{}, false, gen.ID, true); err != nil {
						return err
					}
				}
				gen.Release()
				if err := s.sendEvent(protocol.ServerStatus{State: protocol.StateIdle}, false, "", true); err != nil {
					return err
				}
				continue
			}
			r := out.Sentence
			if !speaking {
				speaking = true
				if err := s.sendEvent(protocol.ServerStatus{State: protocol.StateSpeaking}, false, activeGen.ID, true); err != nil {
					return err
				}
			}
			if err := s.sendEvent(protocol.ServerReplyChunk{
				Text:  r.Text,
				Index: r.Index,
				Tag:   r.Tag,
			}, false, activeGen.ID, true); err != nil {
				return err
			}
			if len(r.Audio) > 0 {
				if err := s.sendEvent(protocol.ServerAudioChunk{
					DataB64: base64.StdEncoding.EncodeToString(r.Audio),
					Index:   r.Index,
					Tag:     r.Tag,
				}, false, activeGen.ID, true); err != nil {
					return err
				}
			}
		}
	}
}

// handshake reads and validates the auth frame, resolves durable state, and
// computes the replay backlog. Failures are written directly because the
// writer is not running yet.
func (s *LiveSession) handshake() (replay [][]byte, resumed bool, err error) {
	deadline := time.Now().Add(s.cfg.HandshakeTimeout)
	_ = s.conn.SetReadDeadline(deadline)

	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return nil, false, fmt.Errorf("read auth frame: %w", err)
	}
	msg, decErr := protocol.DecodeClientMessage(data)
	if decErr != nil {
		s.writeDirect(protocol.ServerError{Code: protocol.CodeBadRequest, Message: decErr.Error()})
		return nil, false, fmt.Errorf("decode auth frame: %w", decErr)
	}
	auth, ok := msg.(protocol.ClientAuth)
	if !ok {
		s.writeDirect(protocol.ServerError{Code: protocol.CodeAuthError, Message: "first frame must be auth"})
		return nil, false, fmt.Errorf("first frame was %T", msg)
	}
	if subtle.ConstantTimeCompare([]byte(auth.Token), []byte(s.cfg.AuthToken)) != 1 {
		s.writeDirect(protocol.ServerError{Code: protocol.CodeAuthError, Message: "invalid token"})
		return nil, false, fmt.Errorf("invalid auth token")
	}

	state, wasKnown := s.resolve(strings.TrimSpace(auth.SessionID))
	if !state.Attach(s.now()) {
		s.writeDirect(protocol.ServerError{Code: protocol.CodeBusy, Message: "session already has an active connection"})
		return nil, false, fmt.Errorf("session %s already attached", state.ID)
	}
	s.state = state

	if wasKnown {
		frames, complete := state.Replay.Since(auth.LastServerSeq)
		if complete {
			replay = frames
		} else {
			// The backlog is gone; the client keeps its session but
			// continues from the live stream only.
			s.logger.Info("replay backlog unavailable, resuming without replay",
				"session_id", state.ID,
				"last_server_seq", auth.LastServerSeq)
		}
	}
	return replay, wasKnown, nil
}

func (s *LiveSession) readLoop(out chan<- inboundFrame) {
	defer close(out)
	for {
		_, data, err := s.conn.ReadMessage()
		frame := inboundFrame{data: data, err: err}
		select {
		case out <- frame:
		case <-s.ctx.Done():
			return
		}
		if err != nil {
			return
		}
		if s.cfg.ReadTimeout > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		}
	}
}

// transcribe runs off the actor goroutine; exactly one is in flight at a
// time, gated by the actor's transcribing flag.
func (s *LiveSession) transcribe(audio []byte, format string, out chan<- sttResult) {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.TranscribeTimeout)
	defer cancel()

	var r sttResult
	tr, err := s.transcriber.Transcribe(ctx, audio, format)
	if err != nil {
		r.err = err
	} else {
		r.text = tr.Text
		r.language = tr.Language
		if s.speakers != nil {
			if id, idErr := s.speakers.Identify(ctx, audio); idErr == nil && id.Known {
				r.speaker = id.Speaker
			}
		}
	}

	select {
	case out <- r:
	case <-s.ctx.Done():
	}
}

// drainDetached finishes an in-flight turn after the connection is gone.
// Events are sequenced and recorded exactly as if they had been sent, so a
// reconnecting client replays them; only the live delivery is skipped.
func (s *LiveSession) drainDetached(gen *convo.Generation, speakerName string, speaking bool, outputs <-chan convo.Output) {
	for out := range outputs {
		if out.GenerationID != gen.ID {
			continue
		}
		if out.Done {
			if out.Err != nil {
				s.recordEvent(protocol.ServerError{
					Code:    protocol.CodeGenerationError,
					Message: "reply generation failed",
				})
			} else {
				s.state.Memory.Append(convo.Exchange{
					Input:   gen.Input,
					Output:  strings.TrimSpace(out.FullText),
					Speaker: speakerName,
				})
				s.recordEvent(protocol.ServerStreamDone{})
			}
			s.recordEvent(protocol.ServerStatus{State: protocol.StateIdle})
			gen.Release()
			continue
		}
		r := out.Sentence
		if !speaking {
			speaking = true
			s.recordEvent(protocol.ServerStatus{State: protocol.StateSpeaking})
		}
		s.recordEvent(protocol.ServerReplyChunk{Text: r.Text, Index: r.Index, Tag: r.Tag})
		if len(r.Audio) > 0 {
			s.recordEvent(protocol.ServerAudioChunk{
				DataB64: base64.StdEncoding.EncodeToString(r.Audio),
				Index:   r.Index,
				Tag:     r.Tag,
			})
		}
	}
}

// recordEvent sequences and records an event without delivering it; used
// only while no connection is attached.
func (s *LiveSession) recordEvent(ev protocol.ServerEvent) {
	seq := s.state.NextSeq()
	payload, err := protocol.EncodeServerEvent(ev, seq)
	if err != nil {
		s.logger.Error("encode detached event", "error", err)
		return
	}
	s.state.Replay.Record(seq, payload)
}

// sendEvent allocates the next sequence number, encodes the event, records
// it for replay when asked, and queues it for the writer.
func (s *LiveSession) sendEvent(ev protocol.ServerEvent, priority bool, generationID string, record bool) error {
	seq := s.state.NextSeq()
	payload, err := protocol.EncodeServerEvent(ev, seq)
	if err != nil {
		return err
	}
	if record {
		s.state.Replay.Record(seq, payload)
	} else {
		// Pongs and auth acks are connection-scoped, but their seqs must
		// stay visible so the recorded stream reads as contiguous on resume.
		s.state.Replay.Note(seq)
	}
	return s.enqueue(outboundFrame{generationID: generationID, payload: payload}, priority)
}

func (s *LiveSession) enqueue(frame outboundFrame, priority bool) error {
	ch := s.outboundNormal
	if priority {
		ch = s.outboundPriority
	}
	select {
	case ch <- frame:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

// writeDirect is for pre-handshake failures only, before the writer starts.
func (s *LiveSession) writeDirect(ev protocol.ServerEvent) {
	payload, err := protocol.EncodeServerEvent(ev, 0)
	if err != nil {
		return
	}
	writeTimeout := s.cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = s.conn.WriteMessage(websocket.TextMessage, payload)
}

func (s *LiveSession) isGenerationCanceled(id string) bool {
	if id == "" {
		return false
	}
	state, _ := s.canceledGenerations.Load().(canceledState)
	_, ok := state.set[id]
	return ok
}

// markGenerationCanceled uses copy-on-write so the writer's lookups never
// take a lock.
func (s *LiveSession) markGenerationCanceled(id string) {
	if id == "" {
		return
	}
	old, _ := s.canceledGenerations.Load().(canceledState)
	next := canceledState{
		set:   make(map[string]struct{}, len(old.set)+1),
		order: append([]string(nil), old.order...),
	}
	for k := range old.set {
		next.set[k] = struct{}{}
	}
	next.set[id] = struct{}{}
	next.order = append(next.order, id)
	for len(next.order) > maxCanceledGenerationIDs {
		delete(next.set, next.order[0])
		next.order = next.order[1:]
	}
	s.canceledGenerations.Store(next)
}
