package convo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/openclaw/voicepipe/pkg/core/llm"
	"github.com/openclaw/voicepipe/pkg/core/voice/tts"
)

const (
	// DefaultTurnTimeout bounds one full generation turn, model stream and
	// synthesis included.
	DefaultTurnTimeout = 45 * time.Second

	// DefaultSystemPrompt is used when no system prompt is configured.
	DefaultSystemPrompt = "You are a helpful voice assistant. Keep replies short and conversational."
)

// Synthesizer is the per-sentence synthesis entry point, satisfied by
// *tts.Chain.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, opts tts.Options) (*tts.Synthesis, error)
}

// Output is one delivery from a running turn. Exactly one of Sentence or the
// terminal fields is set. A turn ends with a single Output where Done is
// true; Err is set on that same Output when the turn failed. Sentences
// arrive in strict index order regardless of synthesis completion order.
type Output struct {
	GenerationID string
	Sentence     *SynthResult
	Done         bool
	Err          error
	FullText     string
}

// Orchestrator drives one turn: streams the model reply, segments it into
// sentences, synthesizes each sentence concurrently, and delivers results in
// order. It holds no per-session state; the session actor owns the active
// Generation and discards outputs whose generation no longer matches.
type Orchestrator struct {
	provider    llm.Provider
	synth       Synthesizer
	logger      *slog.Logger
	model       string
	system      string
	ttsOpts     tts.Options
	turnTimeout time.Duration
}

type OrchestratorConfig struct {
	Model        string
	SystemPrompt string
	TTSOptions   tts.Options
	TurnTimeout  time.Duration
}

func NewOrchestrator(provider llm.Provider, synth Synthesizer, logger *slog.Logger, cfg OrchestratorConfig) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = DefaultTurnTimeout
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	return &Orchestrator{
		provider:    provider,
		synth:       synth,
		logger:      logger,
		model:       cfg.Model,
		system:      cfg.SystemPrompt,
		ttsOpts:     cfg.TTSOptions,
		turnTimeout: cfg.TurnTimeout,
	}
}

// BuildMessages assembles the model conversation from the memory window and
// the current utterance. Interrupted replies keep their partial text with a
// marker so the model knows what was actually said.
func (o *Orchestrator) BuildMessages(window []Exchange, utterance, speakerName string) []llm.Message {
	msgs := make([]llm.Message, 0, 2*len(window)+1)
	for _, ex := range window {
		input := ex.Input
		if ex.Speaker != "" {
			input = fmt.Sprintf("[%s] %s", ex.Speaker, ex.Input)
		}
		output := ex.Output
		if ex.Interrupted {
			output += " (interrupted)"
		}
		msgs = append(msgs,
			llm.Message{Role: llm.RoleUser, Content: input},
			llm.Message{Role: llm.RoleAssistant, Content: output},
		)
	}
	if speakerName != "" {
		utterance = fmt.Sprintf("[%s] %s", speakerName, utterance)
	}
	return append(msgs, llm.Message{Role: llm.RoleUser, Content: utterance})
}

// Start runs the turn asynchronously and delivers results on out. The
// channel receives zero or more sentence Outputs followed by exactly one
// terminal Output (Done, possibly with Err), after which it is closed.
// Interrupting the generation cancels everything in flight; outputs already
// sent may still describe the interrupted generation and are filtered by
// generation id at the consumer.
func (o *Orchestrator) Start(gen *Generation, messages []llm.Message, out chan<- Output) {
	go o.run(gen, messages, out)
}

func (o *Orchestrator) run(gen *Generation, messages []llm.Message, out chan<- Output) {
	defer close(out)

	ctx, cancel := context.WithTimeout(gen.Context(), o.turnTimeout)
	defer cancel()

	results := make(chan SynthResult, 16)
	var workers sync.WaitGroup

	// The collector owns the sequencer and is the only goroutine sending
	// sentence outputs.
	collectorDone := make(chan struct{})
	go func() {
		defer close(collectorDone)
		seq := NewSequencer()
		for r := range results {
			for _, ready := range seq.Offer(r) {
				ready := ready
				select {
				case out <- Output{GenerationID: gen.ID, Sentence: &ready}:
				case <-ctx.Done():
					// Drain so workers never block on results.
					for range results {
					}
					return
				}
			}
		}
	}()

	streamErr := o.consumeStream(ctx, gen, messages, &workers, results)

	workers.Wait()
	close(results)
	<-collectorDone

	terminal := Output{GenerationID: gen.ID, Done: true, FullText: gen.Text()}
	switch {
	case streamErr == nil && ctx.Err() == nil:
		gen.Finish(StatusCompleted)
	case errors.Is(streamErr, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		// Interruption already moved the generation to a terminal state.
	default:
		err := streamErr
		if err == nil {
			err = ctx.Err()
		}
		gen.Finish(StatusErrored)
		terminal.Err = err
		o.logger.Error("turn failed", "generation_id", gen.ID, "error", err)
	}
	out <- terminal
}

// consumeStream reads the model stream, feeds the segmenter, and fans each
// detected sentence out to a synthesis worker.
func (o *Orchestrator) consumeStream(ctx context.Context, gen *Generation, messages []llm.Message, workers *sync.WaitGroup, results chan<- SynthResult) error {
	stream, err := o.provider.Stream(ctx, llm.Request{
		Model:    o.model,
		System:   o.system,
		Messages: messages,
	})
	if err != nil {
		return fmt.Errorf("start model stream: %w", err)
	}
	defer stream.Close()

	segmenter := NewSegmenter(gen.ID)
	dispatch := func(sentences []Sentence) {
		for _, sentence := range sentences {
			gen.AddSentence(sentence)
			workers.Add(1)
			go o.synthesize(ctx, sentence, workers, results)
		}
	}

	for {
		ev, err := stream.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				dispatch(segmenter.Flush(gen.Text()))
				return nil
			}
			return fmt.Errorf("model stream: %w", err)
		}
		switch ev.Kind {
		case llm.EventDelta:
			cumulative := gen.AppendText(ev.Text)
			dispatch(segmenter.Feed(cumulative))
		case llm.EventEnd:
			dispatch(segmenter.Flush(gen.Text()))
			return nil
		}
	}
}

// synthesize runs the fallback chain for one sentence. Failure degrades the
// sentence to text-only; the result is delivered either way so ordering
// never stalls on a bad sentence.
func (o *Orchestrator) synthesize(ctx context.Context, sentence Sentence, workers *sync.WaitGroup, results chan<- SynthResult) {
	defer workers.Done()

	r := SynthResult{
		GenerationID: sentence.GenerationID,
		Index:        sentence.Index,
		Text:         sentence.Text,
		Tag:          sentence.Tag,
	}
	synth, err := o.synth.Synthesize(ctx, sentence.Text, o.ttsOpts)
	if err != nil {
		if ctx.Err() == nil {
			o.logger.Warn("sentence synthesis failed, delivering text only",
				"generation_id", sentence.GenerationID,
				"index", sentence.Index,
				"error", err)
		}
	} else {
		r.Audio = synth.Audio
		r.Format = synth.Format
	}
	results <- r
}
