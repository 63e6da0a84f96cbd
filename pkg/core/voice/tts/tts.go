// Package tts defines the speech-synthesis engine contract and the ordered
// fallback chain the dispatcher calls for every sentence.
package tts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrAllEnginesFailed is returned by Chain when every engine in the chain
// failed; the caller degrades the sentence to text-only delivery.
var ErrAllEnginesFailed = errors.New("all synthesis engines failed")

type Options struct {
	Voice      string
	Language   string
	Speed      float64
	Format     string
	SampleRate int
}

type Synthesis struct {
	Audio  []byte
	Format string
}

// Engine converts one sentence of text into audio bytes.
type Engine interface {
	Name() string
	Synthesize(ctx context.Context, text string, opts Options) (*Synthesis, error)
}

// Chain tries engines in order, advancing on failure or timeout. Each call
// gets its own deadline so one slow engine cannot eat the whole budget.
type Chain struct {
	engines []Engine
	perCall time.Duration
	logger  *slog.Logger
}

func NewChain(logger *slog.Logger, perCall time.Duration, engines ...Engine) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	if perCall <= 0 {
		perCall = 8 * time.Second
	}
	return &Chain{engines: engines, perCall: perCall, logger: logger}
}

func (c *Chain) Synthesize(ctx context.Context, text string, opts Options) (*Synthesis, error) {
	if len(c.engines) == 0 {
		return nil, ErrAllEnginesFailed
	}

	var lastErr error
	for _, engine := range c.engines {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		callCtx, cancel := context.WithTimeout(ctx, c.perCall)
		synth, err := engine.Synthesize(callCtx, text, opts)
		cancel()
		if err == nil && synth != nil && len(synth.Audio) > 0 {
			return synth, nil
		}
		if err == nil {
			err = fmt.Errorf("engine %s returned empty audio", engine.Name())
		}
		// Caller cancellation is not an engine failure; stop the chain.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.logger.Warn("synthesis engine failed, trying next",
			"engine", engine.Name(),
			"error", err)
		lastErr = err
	}
	return nil, fmt.Errorf("%w: %v", ErrAllEnginesFailed, lastErr)
}

// WithVoice pins an engine to a fixed voice id. Engines have disjoint voice
// catalogs, so a shared chain needs the id resolved per engine rather than
// carried in Options.
func WithVoice(engine Engine, voice string) Engine {
	if voice == "" {
		return engine
	}
	return voiceOverride{Engine: engine, voice: voice}
}

type voiceOverride struct {
	Engine
	voice string
}

func (v voiceOverride) Synthesize(ctx context.Context, text string, opts Options) (*Synthesis, error) {
	opts.Voice = v.voice
	return v.Engine.Synthesize(ctx, text, opts)
}
