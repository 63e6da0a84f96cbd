// Package stt is the transcription adapter: audio bytes in, text out, via
// the whisper HTTP transcription service.
package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

type Transcript struct {
	Text       string  `json:"text"`
	Language   string  `json:"language"`
	Confidence float64 `json:"confidence"`
	DurationS  float64 `json:"duration"`
}

// Transcriber converts a complete utterance of audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, format string) (*Transcript, error)
}

// Client talks to the whisper transcription server. The server accepts raw
// WAV or 16 kHz mono PCM bodies on POST /transcribe.
type Client struct {
	baseURL    string
	language   string
	httpClient *http.Client
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: httpClient,
	}
}

// WithLanguage pins transcription to one language instead of auto-detect.
func (c *Client) WithLanguage(lang string) *Client {
	c.language = lang
	return c
}

func (c *Client) Transcribe(ctx context.Context, audio []byte, format string) (*Transcript, error) {
	if len(audio) == 0 {
		return nil, fmt.Errorf("empty audio")
	}

	endpoint := c.baseURL + "/transcribe"
	if c.language != "" {
		endpoint += "?language=" + url.QueryEscape(c.language)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(audio))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	contentType := "audio/wav"
	if format == "pcm" {
		contentType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transcription request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("transcription error %d: %s", resp.StatusCode, string(errBody))
	}

	var out Transcript
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode transcript: %w", err)
	}
	out.Text = strings.TrimSpace(out.Text)
	return &out, nil
}
