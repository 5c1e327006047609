package orchestration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/Virtual-Health-Hub/virtual-intake/core/llms"
	"github.com/Virtual-Health-Hub/virtual-intake/core/texttospeech"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TurnState tracks the lifecycle of one assistant turn. A turn starts
// idle, streams tokens, and ends in exactly one terminal state.
type TurnState int

const (
	TurnStateIdle TurnState = iota
	TurnStateStreaming
	TurnStateDone
	TurnStateCancelled
	TurnStateErrored
)

func (s TurnState) String() string {
	switch s {
	case TurnStateIdle:
		return "idle"
	case TurnStateStreaming:
		return "streaming"
	case TurnStateDone:
		return "done"
	case TurnStateCancelled:
		return "cancelled"
	case TurnStateErrored:
		return "errored"
	}
	return "unknown"
}

type activeTurnComponents struct {
	LLM         TokenStreamClient
	Synthesizer Synthesizer
	Queue       *playbackQueue

	PromptOptions    []llms.StreamingPromptOption
	SynthesisOptions []texttospeech.SynthesisOption
	ChunkerOptions   []ChunkerOption
}

type activeTurnCallbacks struct {
	OnToken        func(token string)
	OnResponse     func(sentence string)
	OnResponseEnd  func()
	OnError        func(err error)
	OnCancellation func()
	OnFinalise     func(turn *activeTurn)
}

func (c *activeTurnCallbacks) defaults() *activeTurnCallbacks {
	c.OnToken = func(string) {}
	c.OnResponse = func(string) {}
	c.OnResponseEnd = func() {}
	c.OnError = func(error) {}
	c.OnCancellation = func() {}
	c.OnFinalise = func(*activeTurn) {}
	return c
}

func (c *activeTurnCallbacks) with(callbacks activeTurnCallbacks) *activeTurnCallbacks {
	if callbacks.OnToken != nil {
		c.OnToken = callbacks.OnToken
	}
	if callbacks.OnResponse != nil {
		c.OnResponse = callbacks.OnResponse
	}
	if callbacks.OnResponseEnd != nil {
		c.OnResponseEnd = callbacks.OnResponseEnd
	}
	if callbacks.OnError != nil {
		c.OnError = callbacks.OnError
	}
	if callbacks.OnCancellation != nil {
		c.OnCancellation = callbacks.OnCancellation
	}
	if callbacks.OnFinalise != nil {
		c.OnFinalise = callbacks.OnFinalise
	}
	return c
}

// activeTurn drives one prompt through stream decoding, sentence chunking,
// synthesis, and playback.
type activeTurn struct {
	id     string
	prompt string

	mu       sync.Mutex
	state    TurnState
	response strings.Builder
	err      error

	ctx        context.Context
	cancelTurn context.CancelFunc
	cancelled  atomic.Bool
	done       chan struct{}

	chunker *sentenceChunker
	synthWG sync.WaitGroup

	components activeTurnComponents
	callbacks  activeTurnCallbacks
}

func newActiveTurn(prompt string, components activeTurnComponents, callbacks activeTurnCallbacks) *activeTurn {
	turn := &activeTurn{
		id:         uuid.NewString(),
		prompt:     prompt,
		state:      TurnStateIdle,
		done:       make(chan struct{}),
		components: components,
		callbacks:  *(new(activeTurnCallbacks).defaults().with(callbacks)),
	}
	turn.chunker = newSentenceChunker(turn.speakSentence, components.ChunkerOptions...)
	return turn
}

// Turn returns a transcript snapshot of the turn so far.
func (t *activeTurn) Turn() llms.Turn {
	t.mu.Lock()
	defer t.mu.Unlock()

	return llms.Turn{
		ID:        t.id,
		Prompt:    t.prompt,
		Response:  t.response.String(),
		Cancelled: t.state == TurnStateCancelled,
	}
}

func (t *activeTurn) State() TurnState {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.state
}

func (t *activeTurn) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.err
}

// Done closes once the turn reaches a terminal state.
func (t *activeTurn) Done() <-chan struct{} { return t.done }

// run streams the turn to completion. It is the only goroutine that moves
// the turn out of the streaming state.
func (t *activeTurn) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	t.mu.Lock()
	if t.state != TurnStateIdle {
		t.mu.Unlock()
		return
	}
	t.state = TurnStateStreaming
	t.ctx = ctx
	t.cancelTurn = cancel
	t.mu.Unlock()

	ctx, span := tracer.Start(ctx, "assistant turn",
		trace.WithAttributes(attribute.String("turn.id", t.id)))
	defer span.End()

	// Drop buffered text if the surrounding context dies mid-stream.
	defer close(withContextCancelHook(ctx, t.chunker.Reset))

	if t.cancelled.Load() {
		t.finish(span, TurnStateCancelled, nil)
		return
	}

	stream := t.components.LLM.PromptWithStream(ctx, t.prompt, t.components.PromptOptions...)

	var fatalErr error
streamLoop:
	for chunk, err := range stream.Chunks(ctx) {
		if err != nil {
			var upstreamErr *llms.UpstreamError
			if errors.As(err, &upstreamErr) {
				// The gateway reported a recoverable fault; the stream may
				// still carry tokens after it.
				span.RecordError(err)
				t.callbacks.OnError(err)
				continue
			}
			fatalErr = err
			break streamLoop
		}

		if t.cancelled.Load() {
			break streamLoop
		}

		if content, ok := chunk.(llms.StreamContentChunk); ok {
			token := content.Content()
			t.mu.Lock()
			t.response.WriteString(token)
			t.mu.Unlock()

			t.callbacks.OnToken(token)
			t.chunker.Feed(token)
		}
	}

	if t.cancelled.Load() {
		t.finish(span, TurnStateCancelled, nil)
		return
	}

	if fatalErr != nil {
		fatalErr = fmt.Errorf("token stream failed: %w", fatalErr)
		t.chunker.Reset()
		t.callbacks.OnError(fatalErr)
		t.finish(span, TurnStateErrored, fatalErr)
		return
	}

	t.chunker.Flush()
	t.callbacks.OnResponseEnd()

	if err := t.components.Queue.Flush(ctx); err != nil || t.cancelled.Load() {
		t.finish(span, TurnStateCancelled, nil)
		return
	}

	t.finish(span, TurnStateDone, nil)
}

// speakSentence hands one completed sentence to synthesis, reserving its
// playback slot up front so audio plays in sentence order no matter how
// synthesis calls interleave.
func (t *activeTurn) speakSentence(sentence string) {
	if t.cancelled.Load() {
		return
	}

	t.callbacks.OnResponse(sentence)

	if t.components.Synthesizer == nil || t.components.Queue == nil {
		return
	}

	slot := t.components.Queue.Reserve(sentence)

	t.synthWG.Add(1)
	go func() {
		defer t.synthWG.Done()

		run := panicSafeNamedWorker("synthesis", func(ctx context.Context) error {
			speech, err := t.components.Synthesizer.Synthesize(ctx, sentence, t.components.SynthesisOptions...)
			if err != nil {
				return err
			}
			slot.Fulfill(speech)
			return nil
		})

		if err := run(t.ctx); err != nil {
			// Release the slot so later sentences are not stuck behind it.
			slot.Drop()
			if t.ctx.Err() == nil {
				t.callbacks.OnError(fmt.Errorf("failed to synthesize sentence: %w", err))
			}
		}
	}()
}

// cancel moves the turn toward the cancelled state: pending text and
// queued audio are discarded and the token stream context is cut.
func (t *activeTurn) cancel() {
	if t == nil {
		return
	}

	if !t.cancelled.CompareAndSwap(false, true) {
		return
	}

	t.chunker.Reset()
	t.components.Queue.Clear()

	t.mu.Lock()
	cancelTurn := t.cancelTurn
	state := t.state
	t.mu.Unlock()

	if cancelTurn != nil {
		cancelTurn()
	}

	// A turn cancelled before run started still has to reach a terminal
	// state so its owner can finalise it.
	if state == TurnStateIdle {
		t.finish(nil, TurnStateCancelled, nil)
	}
}

func (t *activeTurn) finish(span trace.Span, state TurnState, err error) {
	t.mu.Lock()
	if t.state != TurnStateIdle && t.state != TurnStateStreaming {
		t.mu.Unlock()
		return
	}
	t.state = state
	t.err = err
	t.mu.Unlock()

	if span != nil {
		span.SetAttributes(attribute.String("turn.state", state.String()))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}

	if state == TurnStateCancelled {
		t.callbacks.OnCancellation()
	}

	t.callbacks.OnFinalise(t)
	close(t.done)
}
