package texttospeech

type SynthesisOptions struct {
	// VoiceID selects the synthesis voice. Empty falls back to the
	// client's configured default.
	VoiceID string
	// Engine selects the synthesis engine variant where the client
	// supports more than one.
	Engine string
}

type SynthesisOption func(*SynthesisOptions)

func WithVoice(voiceID string) SynthesisOption {
	return func(o *SynthesisOptions) {
		if voiceID != "" {
			o.VoiceID = voiceID
		}
	}
}

func WithEngine(engine string) SynthesisOption {
	return func(o *SynthesisOptions) {
		if engine != "" {
			o.Engine = engine
		}
	}
}
