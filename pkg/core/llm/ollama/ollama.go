// Package ollama implements the llm.Provider contract against a local or
// remote Ollama server using the official API client.
package ollama

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"

	"github.com/openclaw/voicepipe/pkg/core/llm"
)

type Config struct {
	Host        string
	Model       string
	Temperature float64
	NumPredict  int
}

type Client struct {
	api   *api.Client
	model string
	opts  map[string]any
}

// New creates an Ollama-backed provider. The HTTP client is tuned for
// repeated low-latency requests against one host.
func New(cfg Config) (*Client, error) {
	host := strings.TrimSuffix(strings.TrimSpace(cfg.Host), "/")
	if host == "" {
		host = "http://127.0.0.1:11434"
	}
	parsed, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama host: %w", err)
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("ollama model is required")
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	opts := map[string]any{}
	if cfg.Temperature > 0 {
		opts["temperature"] = cfg.Temperature
	}
	if cfg.NumPredict > 0 {
		opts["num_predict"] = cfg.NumPredict
	}

	return &Client{
		api:   api.NewClient(parsed, httpClient),
		model: cfg.Model,
		opts:  opts,
	}, nil
}

func (c *Client) Name() string { return "ollama" }

// HealthCheck verifies the Ollama server is reachable.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := c.api.Heartbeat(ctx); err != nil {
		return fmt.Errorf("cannot reach ollama: %w", err)
	}
	return nil
}

// Stream opens a streaming chat request. Deltas arrive on the returned
// stream framed by EventStart/EventEnd.
func (c *Client) Stream(ctx context.Context, req llm.Request) (llm.Stream, error) {
	streamCtx, cancel := context.WithCancel(ctx)

	messages := make([]api.Message, 0, len(req.Messages)+1)
	system := strings.TrimSpace(req.System)
	if system != "" {
		messages = append(messages, api.Message{Role: llm.RoleSystem, Content: system})
	}
	for _, m := range req.Messages {
		msg := api.Message{Role: m.Role, Content: m.Content}
		for _, img := range m.Images {
			msg.Images = append(msg.Images, api.ImageData(img))
		}
		messages = append(messages, msg)
	}

	model := req.Model
	if strings.TrimSpace(model) == "" {
		model = c.model
	}

	s := &stream{
		events: make(chan llm.Event, 32),
		errCh:  make(chan error, 1),
		cancel: cancel,
	}

	enabled := true
	go func() {
		defer close(s.events)
		started := false
		err := c.api.Chat(streamCtx, &api.ChatRequest{
			Model:    model,
			Messages: messages,
			Stream:   &enabled,
			Options:  c.opts,
		}, func(resp api.ChatResponse) error {
			if !started {
				started = true
				if err := s.push(streamCtx, llm.Event{Kind: llm.EventStart}); err != nil {
					return err
				}
			}
			if resp.Message.Content != "" {
				if err := s.push(streamCtx, llm.Event{Kind: llm.EventDelta, Text: resp.Message.Content}); err != nil {
					return err
				}
			}
			if resp.Done {
				return s.push(streamCtx, llm.Event{Kind: llm.EventEnd})
			}
			return nil
		})
		if err != nil {
			s.errCh <- fmt.Errorf("ollama chat: %w", err)
		}
	}()

	return s, nil
}

type stream struct {
	events chan llm.Event
	errCh  chan error
	cancel context.CancelFunc
}

func (s *stream) push(ctx context.Context, ev llm.Event) error {
	select {
	case s.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *stream) Next() (llm.Event, error) {
	ev, ok := <-s.events
	if !ok {
		select {
		case err := <-s.errCh:
			return llm.Event{}, err
		default:
			return llm.Event{}, io.EOF
		}
	}
	return ev, nil
}

func (s *stream) Close() error {
	s.cancel()
	return nil
}
