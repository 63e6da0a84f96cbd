// Package speaker identifies who is talking from an utterance of audio. It
// wraps the speaker-identification HTTP service; identification failures are
// never fatal to a turn, the speaker is simply treated as unknown.
package speaker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
)

type Identification struct {
	Speaker    string  `json:"speaker"`
	Similarity float64 `json:"similarity"`
	Known      bool    `json:"known"`
}

// Identifier labels an utterance with a speaker, or "" when unknown.
type Identifier interface {
	Identify(ctx context.Context, audio []byte) (Identification, error)
}

// Client talks to the speaker-identification service.
type Client struct {
	baseURL    string
	httpClient *http.Client

	logger  *slog.Logger
	logOnce sync.Once
}

func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}
}

func (c *Client) Identify(ctx context.Context, audio []byte) (Identification, error) {
	var out Identification
	if err := c.post(ctx, "/identify", nil, audio, &out); err != nil {
		return Identification{}, err
	}
	return out, nil
}

// IdentifyQuiet is Identify with the collaborator failure policy applied:
// errors are logged once per process and reported as an unknown speaker.
func (c *Client) IdentifyQuiet(ctx context.Context, audio []byte) Identification {
	id, err := c.Identify(ctx, audio)
	if err != nil {
		c.logOnce.Do(func() {
			c.logger.Warn("speaker identification unavailable, treating speakers as unknown", "error", err)
		})
		return Identification{}
	}
	return id
}

// Enroll registers a named speaker profile from an audio sample.
func (c *Client) Enroll(ctx context.Context, name string, audio []byte) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("speaker name is required")
	}
	headers := map[string]string{"X-Speaker-Name": name}
	return c.post(ctx, "/enroll", headers, audio, nil)
}

// Rename renames an enrolled profile.
func (c *Client) Rename(ctx context.Context, oldName, newName string) error {
	headers := map[string]string{"X-Old-Name": oldName, "X-New-Name": newName}
	return c.post(ctx, "/rename", headers, nil, nil)
}

// Profiles lists enrolled speaker names.
func (c *Client) Profiles(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/profiles", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("speaker service: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("speaker service status %d", resp.StatusCode)
	}
	var out struct {
		Profiles []string `json:"profiles"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode profiles: %w", err)
	}
	return out.Profiles, nil
}

func (c *Client) post(ctx context.Context, path string, headers map[string]string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "audio/wav")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("speaker service: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("speaker service %s status %d: %s", path, resp.StatusCode, string(errBody))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// ProfileCache is the process-wide view of enrolled speakers, shared across
// sessions. It is an explicit injectable object rather than package state.
type ProfileCache struct {
	mu       sync.RWMutex
	profiles map[string]struct{}
}

func NewProfileCache() *ProfileCache {
	return &ProfileCache{profiles: make(map[string]struct{})}
}

func (p *ProfileCache) Put(name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	p.mu.Lock()
	p.profiles[name] = struct{}{}
	p.mu.Unlock()
}

func (p *ProfileCache) Known(name string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.profiles[name]
	return ok
}

func (p *ProfileCache) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.profiles))
	for name := range p.profiles {
		names = append(names, name)
	}
	return names
}

// Replace swaps the whole cache, used after a Profiles() refresh.
func (p *ProfileCache) Replace(names []string) {
	next := make(map[string]struct{}, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name != "" {
			next[name] = struct{}{}
		}
	}
	p.mu.Lock()
	p.profiles = next
	p.mu.Unlock()
}
