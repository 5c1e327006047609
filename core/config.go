package orchestration

import (
	"context"
	"fmt"

	"github.com/Virtual-Health-Hub/virtual-intake/core/llms"
	"github.com/Virtual-Health-Hub/virtual-intake/core/llms/bedrock"
	"github.com/Virtual-Health-Hub/virtual-intake/core/speechtotext/transcribe"
	"github.com/Virtual-Health-Hub/virtual-intake/core/texttospeech/polly"
	"github.com/caarlos0/env/v11"
)

// Config carries the endpoints of the hosted intake services.
type Config struct {
	StreamEndpoint    string `env:"INTAKE_STREAM_ENDPOINT"`
	SynthesisEndpoint string `env:"INTAKE_TTS_ENDPOINT"`
	TranscriptionURL  string `env:"INTAKE_TRANSCRIBE_URL"`

	VoiceID  string `env:"INTAKE_VOICE_ID" envDefault:"Joanna"`
	Language string `env:"INTAKE_LANGUAGE" envDefault:"en-US"`
	ModelID  string `env:"INTAKE_MODEL_ID"`
}

func LoadConfig() (Config, error) {
	config, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("failed to parse environment config: %w", err)
	}
	return config, nil
}

// NewOrchestratorFromConfig assembles an orchestrator against the hosted
// gateway endpoints. An endpoint left empty leaves the matching component
// unconfigured, e.g. no transcription URL means no speech input.
//
// Explicit options run after the config wiring and can override it.
func NewOrchestratorFromConfig(config Config, opts ...OrchestratorOption) (*Orchestrator, error) {
	assembled := []OrchestratorOption{}

	if config.StreamEndpoint != "" {
		streamClient, err := bedrock.NewClient(config.StreamEndpoint)
		if err != nil {
			return nil, fmt.Errorf("failed to create token stream client: %w", err)
		}
		assembled = append(assembled, WithStreamingLLM(streamClient))

		if config.ModelID != "" {
			assembled = append(assembled, WithPromptOptions(llms.WithModelID(config.ModelID)))
		}
	}

	if config.SynthesisEndpoint != "" {
		synthesizer, err := polly.NewClient(config.SynthesisEndpoint, polly.WithDefaultVoice(config.VoiceID))
		if err != nil {
			return nil, fmt.Errorf("failed to create synthesis client: %w", err)
		}
		assembled = append(assembled, WithSynthesizer(synthesizer))
	}

	if config.TranscriptionURL != "" {
		transcriptionClient, err := transcribe.NewTranscriptionClient(
			func(context.Context) (string, error) { return config.TranscriptionURL, nil },
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create transcription client: %w", err)
		}
		assembled = append(assembled, WithSpeechToTextClient(transcriptionClient))

		if config.Language != "" {
			assembled = append(assembled, WithTranscriptionLanguage(config.Language))
		}
	}

	assembled = append(assembled, opts...)

	return NewOrchestrator(assembled...), nil
}
