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
	cartesiaBaseURL = "https://api.cartesia.ai"
	cartesiaVersion = "2025-04-16"
	cartesiaModelID = "sonic-3"
)

// CartesiaEngine synthesizes speech via Cartesia's /tts/bytes endpoint.
type CartesiaEngine struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

func NewCartesia(apiKey string) *CartesiaEngine {
	return &CartesiaEngine{apiKey: apiKey, baseURL: cartesiaBaseURL, httpClient: &http.Client{}}
}

// NewCartesiaWithClient allows a custom base URL and HTTP client, used in
// tests and proxied deployments.
func NewCartesiaWithClient(apiKey, baseURL string, client *http.Client) *CartesiaEngine {
	if baseURL == "" {
		baseURL = cartesiaBaseURL
	}
	if client == nil {
		client = &http.Client{}
	}
	return &CartesiaEngine{apiKey: apiKey, baseURL: baseURL, httpClient: client}
}

func (c *CartesiaEngine) Name() string { return "cartesia" }

func (c *CartesiaEngine) Synthesize(ctx context.Context, text string, opts Options) (*Synthesis, error) {
	format := opts.Format
	if format == "" {
		format = "wav"
	}
	sampleRate := opts.SampleRate
	if sampleRate == 0 {
		sampleRate = 24000
	}

	reqBody := cartesiaRequest{
		ModelID:    cartesiaModelID,
		Transcript: text,
		Voice:      cartesiaVoice{Mode: "id", ID: opts.Voice},
		OutputFormat: cartesiaOutputFormat{
			Container:  format,
			Encoding:   "pcm_s16le",
			SampleRate: sampleRate,
		},
	}
	if opts.Language != "" {
		reqBody.Language = &opts.Language
	}
	if opts.Speed != 0 {
		reqBody.GenerationConfig = &cartesiaGenerationConfig{Speed: opts.Speed}
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tts/bytes", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Cartesia-Version", cartesiaVersion)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cartesia request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("cartesia error %d: %s", resp.StatusCode, string(errBody))
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read audio: %w", err)
	}
	return &Synthesis{Audio: audio, Format: format}, nil
}

type cartesiaRequest struct {
	ModelID          string                    `json:"model_id"`
	Transcript       string                    `json:"transcript"`
	Voice            cartesiaVoice             `json:"voice"`
	OutputFormat     cartesiaOutputFormat      `json:"output_format"`
	Language         *string                   `json:"language,omitempty"`
	GenerationConfig *cartesiaGenerationConfig `json:"generation_config,omitempty"`
}

type cartesiaVoice struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

type cartesiaOutputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

type cartesiaGenerationConfig struct {
	Speed float64 `json:"speed,omitempty"`
}
