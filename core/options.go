package orchestration

import (
	"context"

	"github.com/Virtual-Health-Hub/virtual-intake/core/audio"
	"github.com/Virtual-Health-Hub/virtual-intake/core/llms"
	"github.com/Virtual-Health-Hub/virtual-intake/core/speechtotext"
	"github.com/Virtual-Health-Hub/virtual-intake/core/texttospeech"
)

type OrchestratorOption func(*Orchestrator)

// TokenStreamClient produces an assistant token stream for a prompt.
type TokenStreamClient interface {
	PromptWithStream(ctx context.Context, prompt string, opts ...llms.StreamingPromptOption) llms.Stream
}

func WithStreamingLLM(client TokenStreamClient) OrchestratorOption {
	return func(o *Orchestrator) { o.llm = client }
}

// Synthesizer turns one sentence of text into speech audio with timing
// marks.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, opts ...texttospeech.SynthesisOption) (*texttospeech.Speech, error)
}

func WithSynthesizer(client Synthesizer) OrchestratorOption {
	return func(o *Orchestrator) { o.synthesizer = client }
}

// WithSynthesisOptions sets per-sentence synthesis options, e.g. the voice.
func WithSynthesisOptions(opts ...texttospeech.SynthesisOption) OrchestratorOption {
	return func(o *Orchestrator) { o.synthesisOptions = opts }
}

// AudioOutput plays raw PCM and exposes playback progress for viseme
// timing.
type AudioOutput interface {
	EncodingInfo() audio.EncodingInfo
	Play(ctx context.Context, pcm []byte) (audio.Playback, error)
}

func WithAudioOutput(client AudioOutput) OrchestratorOption {
	return func(o *Orchestrator) { o.audioOutput = client }
}

type SpeechToText interface {
	Transcribe(ctx context.Context, opts ...speechtotext.TranscriptionOption) error
	SendAudio(audio []byte) error
	Close(ctx context.Context) error
}

func WithSpeechToTextClient(client SpeechToText) OrchestratorOption {
	return func(o *Orchestrator) { o.speechToText = client }
}

// WithTranscriptionLanguage sets the recognition language requested from
// the speech-to-text client.
func WithTranscriptionLanguage(language string) OrchestratorOption {
	return func(o *Orchestrator) { o.transcriptionLanguage = language }
}

type AudioInput interface {
	EncodingInfo() audio.EncodingInfo
	StartCapture(ctx context.Context, onAudio func(audio []byte)) error
	StopCapture() error
}

func WithAudioInput(client AudioInput) OrchestratorOption {
	return func(o *Orchestrator) { o.audioInput = client }
}

// WithChunkerOptions tunes how the response token stream is split into
// speakable sentences.
func WithChunkerOptions(opts ...ChunkerOption) OrchestratorOption {
	return func(o *Orchestrator) { o.chunkerOptions = opts }
}

// WithPromptOptions sets per-turn options forwarded to the token stream
// client, e.g. the model.
func WithPromptOptions(opts ...llms.StreamingPromptOption) OrchestratorOption {
	return func(o *Orchestrator) { o.promptOptions = opts }
}

type OrchestrateOptions struct {
	onToken                func(token string)
	onResponse             func(sentence string)
	onResponseEnd          func()
	onViseme               func(viseme texttospeech.Mark)
	onAudioEnded           func(transcript string)
	onError                func(err error)
	onCancellation         func()
	onTranscription        func(transcript string)
	onPartialTranscription func(transcript string)
}

type OrchestrateOption func(*OrchestrateOptions)

// WithTokenCallback registers a callback for every raw token as it arrives
// from the stream, before sentence chunking.
func WithTokenCallback(callback func(token string)) OrchestrateOption {
	return func(o *OrchestrateOptions) { o.onToken = callback }
}

// WithResponseCallback registers a callback for each completed response
// sentence, in the order it will be spoken.
func WithResponseCallback(callback func(sentence string)) OrchestrateOption {
	return func(o *OrchestrateOptions) { o.onResponse = callback }
}

func WithResponseEndCallback(callback func()) OrchestrateOption {
	return func(o *OrchestrateOptions) { o.onResponseEnd = callback }
}

// WithVisemeCallback registers a callback fired at frame cadence with the
// viseme matching the current playback position.
func WithVisemeCallback(callback func(viseme texttospeech.Mark)) OrchestrateOption {
	return func(o *OrchestrateOptions) { o.onViseme = callback }
}

// WithAudioEndedCallback registers a callback fired when one sentence of
// speech finishes playing, with its transcript.
func WithAudioEndedCallback(callback func(transcript string)) OrchestrateOption {
	return func(o *OrchestrateOptions) { o.onAudioEnded = callback }
}

func WithErrorCallback(callback func(err error)) OrchestrateOption {
	return func(o *OrchestrateOptions) { o.onError = callback }
}

func WithCancellationCallback(callback func()) OrchestrateOption {
	return func(o *OrchestrateOptions) { o.onCancellation = callback }
}

// WithTranscriptionCallback registers a callback for final transcriptions
// produced by the configured speech-to-text client.
func WithTranscriptionCallback(callback func(transcript string)) OrchestrateOption {
	return func(o *OrchestrateOptions) { o.onTranscription = callback }
}

// WithPartialTranscriptionCallback registers a callback for interim
// transcription segments produced by the configured speech-to-text client.
func WithPartialTranscriptionCallback(callback func(transcript string)) OrchestrateOption {
	return func(o *OrchestrateOptions) { o.onPartialTranscription = callback }
}
