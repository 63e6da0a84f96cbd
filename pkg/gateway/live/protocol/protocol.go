// Package protocol defines the wire frames exchanged over a live voice
// session: typed inbound client messages and sequence-stamped outbound
// server events. Audio payloads travel as base64 inside JSON frames.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

const ProtocolVersion1 = "1"

// Session states reported via ServerStatus.
const (
	StateIdle         = "idle"
	StateTranscribing = "transcribing"
	StateThinking     = "thinking"
	StateSpeaking     = "speaking"
)

// Error codes carried by ServerError.
const (
	CodeAuthError          = "auth_error"
	CodeBadRequest         = "bad_request"
	CodeBusy               = "busy"
	CodeTranscriptionError = "transcription_error"
	CodeGenerationError    = "generation_error"
	CodeSynthesisError     = "synthesis_error"
	CodeInternal           = "internal"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: CodeBadRequest, Message: message, Param: param}
}

// ClientMessage is the tagged union of inbound frames. Every variant may
// carry a client sequence id used for inbound deduplication.
type ClientMessage interface {
	ClientSeq() int64
	clientMessage()
}

type clientBase struct {
	Type string `json:"type"`
	Seq  int64  `json:"client_seq,omitempty"`
}

func (b clientBase) ClientSeq() int64 { return b.Seq }
func (clientBase) clientMessage()     {}

// ClientAuth must be the first frame on every connection. SessionID and
// LastServerSeq are set when resuming after a disconnect.
type ClientAuth struct {
	clientBase
	Token         string `json:"token"`
	SessionID     string `json:"session_id,omitempty"`
	LastServerSeq int64  `json:"last_server_seq,omitempty"`
}

type ClientAudio struct {
	clientBase
	DataB64 string `json:"data_b64"`
	Format  string `json:"format,omitempty"`
}

type ClientText struct {
	clientBase
	Text string `json:"text"`
}

type ClientImage struct {
	clientBase
	DataB64   string `json:"data_b64"`
	MediaType string `json:"media_type,omitempty"`
}

type ClientFile struct {
	clientBase
	DataB64   string `json:"data_b64"`
	Name      string `json:"name,omitempty"`
	MediaType string `json:"media_type,omitempty"`
}

type ClientBargeIn struct {
	clientBase
}

type ClientCancel struct {
	clientBase
}

type ClientClearHistory struct {
	clientBase
}

type ClientPing struct {
	clientBase
}

// DecodeClientMessage decodes a raw JSON frame into its typed variant.
func DecodeClientMessage(data []byte) (ClientMessage, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("type is required", "type")
	}

	switch typ {
	case "auth":
		var m ClientAuth
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, badRequest("invalid auth frame", "")
		}
		if strings.TrimSpace(m.Token) == "" {
			return nil, badRequest("token is required", "token")
		}
		return m, nil
	case "audio":
		var m ClientAudio
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, badRequest("invalid audio frame", "")
		}
		if m.DataB64 == "" {
			return nil, badRequest("data_b64 is required", "data_b64")
		}
		return m, nil
	case "text":
		var m ClientText
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, badRequest("invalid text frame", "")
		}
		if strings.TrimSpace(m.Text) == "" {
			return nil, badRequest("text is required", "text")
		}
		return m, nil
	case "image":
		var m ClientImage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, badRequest("invalid image frame", "")
		}
		if m.DataB64 == "" {
			return nil, badRequest("data_b64 is required", "data_b64")
		}
		return m, nil
	case "file":
		var m ClientFile
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, badRequest("invalid file frame", "")
		}
		if m.DataB64 == "" {
			return nil, badRequest("data_b64 is required", "data_b64")
		}
		return m, nil
	case "barge_in":
		var m ClientBargeIn
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, badRequest("invalid barge_in frame", "")
		}
		return m, nil
	case "cancel":
		var m ClientCancel
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, badRequest("invalid cancel frame", "")
		}
		return m, nil
	case "clear_history":
		var m ClientClearHistory
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, badRequest("invalid clear_history frame", "")
		}
		return m, nil
	case "ping":
		var m ClientPing
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, badRequest("invalid ping frame", "")
		}
		return m, nil
	default:
		return nil, badRequest(fmt.Sprintf("unknown message type %q", typ), "type")
	}
}

// ServerEvent is the tagged union of outbound frames. The session layer
// stamps the server sequence number at encode time; events themselves are
// seq-free so they can be constructed anywhere in the pipeline.
type ServerEvent interface {
	EventType() string
}

type ServerAuth struct {
	Type      string `json:"type"`
	Status    string `json:"status"`
	SessionID string `json:"session_id"`
	Resumed   bool   `json:"resumed,omitempty"`
	ServerSeq int64  `json:"server_seq"`
}

func (ServerAuth) EventType() string { return "auth" }

type ServerStatus struct {
	Type      string `json:"type"`
	State     string `json:"state"`
	ServerSeq int64  `json:"server_seq"`
}

func (ServerStatus) EventType() string { return "status" }

type ServerTranscript struct {
	Type      string `json:"type"`
	Text      string `json:"text"`
	Language  string `json:"language,omitempty"`
	Speaker   string `json:"speaker,omitempty"`
	ServerSeq int64  `json:"server_seq"`
}

func (ServerTranscript) EventType() string { return "transcript" }

type ServerReplyChunk struct {
	Type      string `json:"type"`
	Text      string `json:"text"`
	Index     int    `json:"index"`
	Tag       string `json:"tag,omitempty"`
	ServerSeq int64  `json:"server_seq"`
}

func (ServerReplyChunk) EventType() string { return "reply_chunk" }

type ServerAudioChunk struct {
	Type      string `json:"type"`
	DataB64   string `json:"data_b64"`
	Index     int    `json:"index"`
	Tag       string `json:"tag,omitempty"`
	ServerSeq int64  `json:"server_seq"`
}

func (ServerAudioChunk) EventType() string { return "audio_chunk" }

type ServerStreamDone struct {
	Type      string `json:"type"`
	ServerSeq int64  `json:"server_seq"`
}

func (ServerStreamDone) EventType() string { return "stream_done" }

type ServerStopPlayback struct {
	Type      string `json:"type"`
	ServerSeq int64  `json:"server_seq"`
}

func (ServerStopPlayback) EventType() string { return "stop_playback" }

type ServerError struct {
	Type      string `json:"type"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	ServerSeq int64  `json:"server_seq"`
}

func (ServerError) EventType() string { return "error" }

type ServerPong struct {
	Type      string `json:"type"`
	ServerSeq int64  `json:"server_seq"`
}

func (ServerPong) EventType() string { return "pong" }

// EncodeServerEvent stamps seq into the event and marshals it. The switch is
// exhaustive over every outbound variant; an unknown type is a programming
// error.
func EncodeServerEvent(ev ServerEvent, seq int64) ([]byte, error) {
	switch e := ev.(type) {
	case ServerAuth:
		e.Type, e.ServerSeq = "auth", seq
		return json.Marshal(e)
	case ServerStatus:
		e.Type, e.ServerSeq = "status", seq
		return json.Marshal(e)
	case ServerTranscript:
		e.Type, e.ServerSeq = "transcript", seq
		return json.Marshal(e)
	case ServerReplyChunk:
		e.Type, e.ServerSeq = "reply_chunk", seq
		return json.Marshal(e)
	case ServerAudioChunk:
		e.Type, e.ServerSeq = "audio_chunk", seq
		return json.Marshal(e)
	case ServerStreamDone:
		e.Type, e.ServerSeq = "stream_done", seq
		return json.Marshal(e)
	case ServerStopPlayback:
		e.Type, e.ServerSeq = "stop_playback", seq
		return json.Marshal(e)
	case ServerError:
		e.Type, e.ServerSeq = "error", seq
		return json.Marshal(e)
	case ServerPong:
		e.Type, e.ServerSeq = "pong", seq
		return json.Marshal(e)
	default:
		return nil, fmt.Errorf("unknown server event type %T", ev)
	}
}
