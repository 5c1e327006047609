package orchestration

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Virtual-Health-Hub/virtual-intake/core/llms"
	"github.com/Virtual-Health-Hub/virtual-intake/core/texttospeech"
)

type streamEvent struct {
	token string
	err   error
}

type fakeStream struct {
	events []streamEvent
	delay  time.Duration
}

func (s *fakeStream) Chunks(ctx context.Context) func(func(llms.StreamChunk, error) bool) {
	return func(yield func(llms.StreamChunk, error) bool) {
		for _, event := range s.events {
			if s.delay > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(s.delay):
				}
			} else if ctx.Err() != nil {
				return
			}

			if event.err != nil {
				if !yield(nil, event.err) {
					return
				}
				continue
			}
			if !yield(fakeContentChunk{content: event.token}, nil) {
				return
			}
		}
	}
}

type fakeContentChunk struct {
	content string
}

func (c fakeContentChunk) FinishReason() *string { return nil }
func (c fakeContentChunk) Content() string       { return c.content }

type fakeLLM struct {
	mu      sync.Mutex
	stream  *fakeStream
	prompts []string
}

func (l *fakeLLM) PromptWithStream(_ context.Context, prompt string, _ ...llms.StreamingPromptOption) llms.Stream {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.prompts = append(l.prompts, prompt)
	return l.stream
}

type fakeSynthesizer struct {
	mu     sync.Mutex
	delays map[string]time.Duration
	fails  map[string]bool
}

func (s *fakeSynthesizer) Synthesize(ctx context.Context, text string, _ ...texttospeech.SynthesisOption) (*texttospeech.Speech, error) {
	s.mu.Lock()
	delay := s.delays[text]
	fail := s.fails[text]
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	if fail {
		return nil, errors.New("synthesis rejected")
	}

	return &texttospeech.Speech{
		Audio: []byte(text),
		Marks: []texttospeech.Mark{
			{Type: texttospeech.MarkTypeViseme, TimeMs: 0, Value: "p"},
		},
	}, nil
}

func waitFor(t *testing.T, what string, condition func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestOrchestratorStreamsPromptToOrderedPlayback(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	llmClient := &fakeLLM{stream: &fakeStream{events: []streamEvent{
		{token: "Hello"}, {token: " world. "}, {token: "How"}, {token: " are you?"},
	}}}
	output := newFakeAudioOutput(5 * time.Millisecond)

	orchestrator := NewOrchestrator(
		WithStreamingLLM(llmClient),
		WithSynthesizer(&fakeSynthesizer{}),
		WithAudioOutput(output),
		WithChunkerOptions(WithMaxPause(0)),
	)
	defer orchestrator.Close()

	var mu sync.Mutex
	sentences := []string{}
	responseEnded := false
	orchestrator.Orchestrate(ctx,
		WithResponseCallback(func(sentence string) {
			mu.Lock()
			sentences = append(sentences, sentence)
			mu.Unlock()
		}),
		WithResponseEndCallback(func() {
			mu.Lock()
			responseEnded = true
			mu.Unlock()
		}),
	)

	orchestrator.SendPrompt("greetings")

	waitFor(t, "turn completion", func() bool {
		return len(orchestrator.Conversation().History) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if len(sentences) != 2 || sentences[0] != "Hello world." || sentences[1] != "How are you?" {
		t.Fatalf("unexpected sentences %q", sentences)
	}
	if !responseEnded {
		t.Fatal("expected the response-end callback to fire")
	}

	played := output.playedAudio()
	if len(played) != 2 || string(played[0]) != "Hello world." || string(played[1]) != "How are you?" {
		t.Fatalf("unexpected playback order %q", played)
	}

	history := orchestrator.Conversation().History
	if history[0].Prompt != "greetings" {
		t.Fatalf("unexpected recorded prompt %q", history[0].Prompt)
	}
	if history[0].Response != "Hello world. How are you?" {
		t.Fatalf("unexpected recorded response %q", history[0].Response)
	}
	if history[0].Cancelled {
		t.Fatal("expected a completed turn, not a cancelled one")
	}
	if state := orchestrator.TurnState(); state != TurnStateIdle {
		t.Fatalf("expected idle state after completion, got %s", state)
	}
}

func TestOrchestratorKeepsSentenceOrderWithSlowSynthesis(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	llmClient := &fakeLLM{stream: &fakeStream{events: []streamEvent{
		{token: "First sentence. "}, {token: "Second sentence. "},
	}}}
	output := newFakeAudioOutput(5 * time.Millisecond)

	orchestrator := NewOrchestrator(
		WithStreamingLLM(llmClient),
		WithSynthesizer(&fakeSynthesizer{delays: map[string]time.Duration{
			// The first sentence synthesizes long after the second.
			"First sentence.": 100 * time.Millisecond,
		}}),
		WithAudioOutput(output),
		WithChunkerOptions(WithMaxPause(0)),
	)
	defer orchestrator.Close()

	orchestrator.Orchestrate(ctx)
	orchestrator.SendPrompt("ordering")

	waitFor(t, "turn completion", func() bool {
		return len(orchestrator.Conversation().History) == 1
	})

	played := output.playedAudio()
	if len(played) != 2 || string(played[0]) != "First sentence." || string(played[1]) != "Second sentence." {
		t.Fatalf("expected sentence order to survive slow synthesis, got %q", played)
	}
}

func TestOrchestratorCancelTurn(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make([]streamEvent, 100)
	for i := range events {
		events[i] = streamEvent{token: "steady tokens without an end "}
	}
	llmClient := &fakeLLM{stream: &fakeStream{events: events, delay: 10 * time.Millisecond}}
	output := newFakeAudioOutput(5 * time.Millisecond)

	orchestrator := NewOrchestrator(
		WithStreamingLLM(llmClient),
		WithSynthesizer(&fakeSynthesizer{}),
		WithAudioOutput(output),
	)
	defer orchestrator.Close()

	firstToken := make(chan struct{})
	var tokenOnce sync.Once
	cancelled := make(chan struct{})
	var mu sync.Mutex
	responseEnded := false

	orchestrator.Orchestrate(ctx,
		WithTokenCallback(func(string) {
			tokenOnce.Do(func() { close(firstToken) })
		}),
		WithCancellationCallback(func() { close(cancelled) }),
		WithResponseEndCallback(func() {
			mu.Lock()
			responseEnded = true
			mu.Unlock()
		}),
	)

	orchestrator.SendPrompt("long answer")
	<-firstToken
	orchestrator.CancelTurn()

	select {
	case <-cancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("expected the cancellation callback to fire")
	}

	waitFor(t, "turn finalisation", func() bool {
		return len(orchestrator.Conversation().History) == 1
	})

	history := orchestrator.Conversation().History
	if !history[0].Cancelled {
		t.Fatal("expected the recorded turn to be marked cancelled")
	}

	mu.Lock()
	defer mu.Unlock()
	if responseEnded {
		t.Fatal("expected no response-end callback for a cancelled turn")
	}
}

func TestOrchestratorNewPromptCancelsPrevious(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make([]streamEvent, 100)
	for i := range events {
		events[i] = streamEvent{token: "still going "}
	}
	slowStream := &fakeStream{events: events, delay: 10 * time.Millisecond}
	fastStream := &fakeStream{events: []streamEvent{{token: "Quick reply."}}}

	llmClient := &fakeLLM{stream: slowStream}
	output := newFakeAudioOutput(5 * time.Millisecond)

	orchestrator := NewOrchestrator(
		WithStreamingLLM(llmClient),
		WithSynthesizer(&fakeSynthesizer{}),
		WithAudioOutput(output),
		WithChunkerOptions(WithMaxPause(0)),
	)
	defer orchestrator.Close()

	firstToken := make(chan struct{})
	var tokenOnce sync.Once
	orchestrator.Orchestrate(ctx,
		WithTokenCallback(func(string) {
			tokenOnce.Do(func() { close(firstToken) })
		}),
	)

	orchestrator.SendPrompt("first question")
	<-firstToken

	llmClient.mu.Lock()
	llmClient.stream = fastStream
	llmClient.mu.Unlock()

	orchestrator.SendPrompt("second question")

	waitFor(t, "both turns recorded", func() bool {
		return len(orchestrator.Conversation().History) == 2
	})

	history := orchestrator.Conversation().History
	if history[0].Prompt != "first question" || !history[0].Cancelled {
		t.Fatalf("expected the first turn to be cancelled, got %+v", history[0])
	}
	if history[1].Prompt != "second question" || history[1].Cancelled {
		t.Fatalf("expected the second turn to complete, got %+v", history[1])
	}
	if history[1].Response != "Quick reply." {
		t.Fatalf("unexpected second response %q", history[1].Response)
	}
}

func TestOrchestratorUpstreamErrorDoesNotEndTurn(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	llmClient := &fakeLLM{stream: &fakeStream{events: []streamEvent{
		{err: &llms.UpstreamError{Code: "ThrottlingException", Message: "slow down", Status: 429}},
		{token: "Recovered anyway."},
	}}}
	output := newFakeAudioOutput(5 * time.Millisecond)

	orchestrator := NewOrchestrator(
		WithStreamingLLM(llmClient),
		WithSynthesizer(&fakeSynthesizer{}),
		WithAudioOutput(output),
		WithChunkerOptions(WithMaxPause(0)),
	)
	defer orchestrator.Close()

	errs := make(chan error, 1)
	orchestrator.Orchestrate(ctx,
		WithErrorCallback(func(err error) { errs <- err }),
	)

	orchestrator.SendPrompt("flaky gateway")

	waitFor(t, "turn completion", func() bool {
		return len(orchestrator.Conversation().History) == 1
	})

	select {
	case err := <-errs:
		var upstreamErr *llms.UpstreamError
		if !errors.As(err, &upstreamErr) {
			t.Fatalf("expected an upstream error, got %v", err)
		}
	default:
		t.Fatal("expected the error callback to fire for the upstream error")
	}

	history := orchestrator.Conversation().History
	if history[0].Cancelled {
		t.Fatal("expected the turn to complete despite the upstream error")
	}
	if history[0].Response != "Recovered anyway." {
		t.Fatalf("unexpected response %q", history[0].Response)
	}
}

func TestOrchestratorFatalStreamErrorEndsTurnErrored(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	llmClient := &fakeLLM{stream: &fakeStream{events: []streamEvent{
		{token: "Partial answer without a boundary"},
		{err: errors.New("connection reset")},
	}}}
	output := newFakeAudioOutput(5 * time.Millisecond)

	orchestrator := NewOrchestrator(
		WithStreamingLLM(llmClient),
		WithSynthesizer(&fakeSynthesizer{}),
		WithAudioOutput(output),
	)
	defer orchestrator.Close()

	errs := make(chan error, 1)
	var mu sync.Mutex
	responseEnded := false
	orchestrator.Orchestrate(ctx,
		WithErrorCallback(func(err error) { errs <- err }),
		WithResponseEndCallback(func() {
			mu.Lock()
			responseEnded = true
			mu.Unlock()
		}),
	)

	orchestrator.SendPrompt("doomed stream")

	select {
	case <-errs:
	case <-time.After(5 * time.Second):
		t.Fatal("expected the error callback to fire for the transport error")
	}

	waitFor(t, "errored turn to settle", func() bool {
		return orchestrator.TurnState() == TurnStateIdle
	})

	if history := orchestrator.Conversation().History; len(history) != 0 {
		t.Fatalf("expected the errored turn's partial transcript to be discarded, got %+v", history)
	}
	if played := output.playedAudio(); len(played) != 0 {
		t.Fatalf("expected no speech for the aborted partial text, got %q", played)
	}

	mu.Lock()
	if responseEnded {
		mu.Unlock()
		t.Fatal("expected no response-end callback for an errored turn")
	}
	mu.Unlock()

	// The session is still usable after the errored turn.
	llmClient.mu.Lock()
	llmClient.stream = &fakeStream{events: []streamEvent{{token: "Recovered."}}}
	llmClient.mu.Unlock()

	orchestrator.SendPrompt("retry")

	waitFor(t, "retry turn completion", func() bool {
		return len(orchestrator.Conversation().History) == 1
	})

	history := orchestrator.Conversation().History
	if history[0].Prompt != "retry" || history[0].Response != "Recovered." {
		t.Fatalf("unexpected recorded retry turn %+v", history[0])
	}
}

func TestOrchestratorSynthesisFailureSkipsSentence(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	llmClient := &fakeLLM{stream: &fakeStream{events: []streamEvent{
		{token: "Broken sentence. "}, {token: "Working sentence. "},
	}}}
	output := newFakeAudioOutput(5 * time.Millisecond)

	orchestrator := NewOrchestrator(
		WithStreamingLLM(llmClient),
		WithSynthesizer(&fakeSynthesizer{fails: map[string]bool{"Broken sentence.": true}}),
		WithAudioOutput(output),
		WithChunkerOptions(WithMaxPause(0)),
	)
	defer orchestrator.Close()

	errs := make(chan error, 1)
	orchestrator.Orchestrate(ctx,
		WithErrorCallback(func(err error) { errs <- err }),
	)

	orchestrator.SendPrompt("half lucky")

	waitFor(t, "turn completion", func() bool {
		return len(orchestrator.Conversation().History) == 1
	})

	select {
	case <-errs:
	case <-time.After(5 * time.Second):
		t.Fatal("expected the error callback to fire for the failed synthesis")
	}

	played := output.playedAudio()
	if len(played) != 1 || string(played[0]) != "Working sentence." {
		t.Fatalf("expected only the synthesizable sentence to play, got %q", played)
	}

	history := orchestrator.Conversation().History
	if history[0].Response != "Broken sentence. Working sentence. " {
		t.Fatalf("expected the transcript to keep both sentences, got %q", history[0].Response)
	}
}
