package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

const (
	elevenLabsBaseURL = "https://api.elevenlabs.io"
	elevenLabsModelID = "eleven_turbo_v2_5"
)

// ElevenLabsEngine synthesizes speech via the ElevenLabs HTTP API. It sits
// behind Cartesia in the default fallback chain.
type ElevenLabsEngine struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

func NewElevenLabs(apiKey string) *ElevenLabsEngine {
	return &ElevenLabsEngine{apiKey: apiKey, baseURL: elevenLabsBaseURL, httpClient: &http.Client{}}
}

func NewElevenLabsWithClient(apiKey, baseURL string, client *http.Client) *ElevenLabsEngine {
	if baseURL == "" {
		baseURL = elevenLabsBaseURL
	}
	if client == nil {
		client = &http.Client{}
	}
	return &ElevenLabsEngine{apiKey: apiKey, baseURL: baseURL, httpClient: client}
}

func (e *ElevenLabsEngine) Name() string { return "elevenlabs" }

func (e *ElevenLabsEngine) Synthesize(ctx context.Context, text string, opts Options) (*Synthesis, error) {
	if opts.Voice == "" {
		return nil, fmt.Errorf("elevenlabs voice id is required")
	}

	reqBody := elevenLabsRequest{
		Text:    text,
		ModelID: elevenLabsModelID,
	}
	if opts.Language != "" {
		reqBody.LanguageCode = opts.Language
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/text-to-speech/%s?output_format=pcm_24000", e.baseURL, opts.Voice)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("xi-api-key", e.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("elevenlabs error %d: %s", resp.StatusCode, string(errBody))
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read audio: %w", err)
	}
	return &Synthesis{Audio: audio, Format: "pcm"}, nil
}

type elevenLabsRequest struct {
	Text         string `json:"text"`
	ModelID      string `json:"model_id"`
	LanguageCode string `json:"language_code,omitempty"`
}
