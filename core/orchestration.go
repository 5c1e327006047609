// Package orchestration coordinates a voice-driven conversation: it
// streams assistant tokens, chunks them into sentences, synthesizes each
// sentence, and plays the audio back in order while reporting visemes for
// lip-sync.
package orchestration

import (
	"context"
	"fmt"
	"sync"

	"github.com/Virtual-Health-Hub/virtual-intake/core/llms"
	"github.com/Virtual-Health-Hub/virtual-intake/core/speechtotext"
	"github.com/Virtual-Health-Hub/virtual-intake/core/texttospeech"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type Orchestrator struct {
	conversation conversation

	llm         TokenStreamClient
	synthesizer Synthesizer
	audioOutput AudioOutput

	speechToText          SpeechToText
	transcriptionLanguage string
	audioInput            AudioInput

	promptOptions    []llms.StreamingPromptOption
	synthesisOptions []texttospeech.SynthesisOption
	chunkerOptions   []ChunkerOption

	queue     *playbackQueue
	queueOnce sync.Once

	orchestrateOptions OrchestrateOptions
	baseContext        context.Context
	closeOnce          sync.Once
}

func NewOrchestrator(opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		baseContext:  context.Background(),
		conversation: newConversation(),
	}

	for _, opt := range opts {
		opt(o)
	}

	o.queue = newPlaybackQueue(o.audioOutput)

	return o
}

// Orchestrate wires callbacks and starts the playback and transcription
// loops.
//
// ctx is the base context for every turn started afterwards; cancelling it
// closes the orchestrator.
//
// Contract: call Orchestrate at most once per orchestrator instance.
func (o *Orchestrator) Orchestrate(ctx context.Context, opts ...OrchestrateOption) {
	o.orchestrateOptions = OrchestrateOptions{}
	for _, opt := range opts {
		opt(&o.orchestrateOptions)
	}

	o.baseContext = ctx
	o.queue.SetCallbacks(o.orchestrateOptions.onViseme, o.orchestrateOptions.onAudioEnded)
	o.startPlaybackLoop()

	go func() {
		<-ctx.Done()
		o.Close()
	}()

	if o.speechToText != nil {
		transcriptionOptions := []speechtotext.TranscriptionOption{
			speechtotext.WithTranscriptionCallback(o.handleTranscription),
			speechtotext.WithPartialTranscriptionCallback(func(transcript string) {
				if o.orchestrateOptions.onPartialTranscription != nil {
					o.orchestrateOptions.onPartialTranscription(transcript)
				}
			}),
			speechtotext.WithErrorCallback(func(err error) {
				o.recordError(fmt.Errorf("speech-to-text failed: %w", err))
			}),
		}
		if o.transcriptionLanguage != "" {
			transcriptionOptions = append(transcriptionOptions,
				speechtotext.WithLanguage(o.transcriptionLanguage))
		}
		if o.audioInput != nil {
			transcriptionOptions = append(transcriptionOptions,
				speechtotext.WithEncodingInfo(o.audioInput.EncodingInfo()))
		}

		if err := o.speechToText.Transcribe(o.baseContext, transcriptionOptions...); err != nil {
			o.recordError(fmt.Errorf("failed to initialize speech-to-text: %w", err))
		}
	}

	if o.audioInput != nil {
		if err := o.audioInput.StartCapture(o.baseContext, func(audio []byte) {
			if o.speechToText == nil {
				return
			}
			if err := o.speechToText.SendAudio(audio); err != nil {
				logger.WarnContext(o.baseContext, "Failed to forward captured audio", "error", err)
			}
		}); err != nil {
			o.recordError(fmt.Errorf("failed to start audio capture: %w", err))
		}
	}
}

func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() {
		o.conversation.currentTurn().cancel()
		o.queue.Close()

		if o.audioInput != nil {
			if err := o.audioInput.StopCapture(); err != nil {
				o.recordError(fmt.Errorf("failed to stop audio capture: %w", err))
			}
		}

		if o.speechToText != nil {
			if err := o.speechToText.Close(o.baseContext); err != nil {
				o.recordError(fmt.Errorf("failed to close speech-to-text client: %w", err))
			}
		}
	})
}

// SendPrompt starts a new assistant turn for the prompt. An in-flight turn
// is cancelled first; its audio stops before the new turn begins.
func (o *Orchestrator) SendPrompt(prompt string) {
	if o.llm == nil {
		o.recordError(fmt.Errorf("no streaming llm configured"))
		return
	}

	o.startPlaybackLoop()

	if previous := o.conversation.currentTurn(); previous != nil {
		previous.cancel()
		<-previous.Done()
	}

	turn := newActiveTurn(prompt,
		activeTurnComponents{
			LLM:              o.llm,
			Synthesizer:      o.synthesizer,
			Queue:            o.queue,
			PromptOptions:    o.promptOptions,
			SynthesisOptions: o.synthesisOptions,
			ChunkerOptions:   o.chunkerOptions,
		},
		activeTurnCallbacks{
			OnToken:        o.orchestrateOptions.onToken,
			OnResponse:     o.orchestrateOptions.onResponse,
			OnResponseEnd:  o.orchestrateOptions.onResponseEnd,
			OnError:        o.orchestrateOptions.onError,
			OnCancellation: o.orchestrateOptions.onCancellation,
			OnFinalise: func(turn *activeTurn) {
				if turn.State() == TurnStateErrored {
					// The partial transcript of an errored turn is not
					// recorded.
					o.conversation.abortTurn(turn.Turn().ID)
					return
				}
				if err := o.conversation.finaliseTurn(turn.Turn()); err != nil {
					logger.WarnContext(o.baseContext, "Turn finalisation mismatch", "error", err)
				}
			},
		},
	)

	if err := o.conversation.startTurn(turn); err != nil {
		o.recordError(fmt.Errorf("failed to start turn: %w", err))
		return
	}

	go turn.run(o.baseContext)
}

// CancelTurn cancels the in-flight turn, stopping its audio and discarding
// queued speech. It is a no-op when no turn is active.
func (o *Orchestrator) CancelTurn() {
	o.conversation.currentTurn().cancel()
}

// TurnState reports the state of the in-flight turn, or idle when none is
// active.
func (o *Orchestrator) TurnState() TurnState {
	turn := o.conversation.currentTurn()
	if turn == nil {
		return TurnStateIdle
	}
	return turn.State()
}

// Conversation returns a point-in-time snapshot of the transcript.
func (o *Orchestrator) Conversation() Conversation {
	return o.conversation.Snapshot()
}

// SendAudio forwards raw input audio to the configured speech-to-text
// client, for callers that capture audio themselves.
func (o *Orchestrator) SendAudio(audio []byte) error {
	if o.speechToText == nil {
		return fmt.Errorf("no speech-to-text client configured")
	}
	return o.speechToText.SendAudio(audio)
}

func (o *Orchestrator) handleTranscription(transcript string) {
	if o.orchestrateOptions.onTranscription != nil {
		o.orchestrateOptions.onTranscription(transcript)
	}

	o.SendPrompt(transcript)
}

func (o *Orchestrator) startPlaybackLoop() {
	o.queueOnce.Do(func() {
		go o.queue.Run(o.baseContext)
	})
}

func (o *Orchestrator) recordError(err error) {
	span := trace.SpanFromContext(o.baseContext)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	if o.orchestrateOptions.onError != nil {
		o.orchestrateOptions.onError(err)
	}
}
