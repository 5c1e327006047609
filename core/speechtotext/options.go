package speechtotext

import "github.com/Virtual-Health-Hub/virtual-intake/core/audio"

type TranscriptionOptions struct {
	// PartialTranscriptionCallback is called for interim recognition
	// results that may still change.
	PartialTranscriptionCallback func(transcript string)
	// TranscriptionCallback is called for finalized recognition results.
	TranscriptionCallback func(transcript string)
	// ErrorCallback is called when the transcription client encounters an
	// error.
	ErrorCallback func(error)

	Language     string
	EncodingInfo audio.EncodingInfo
}

type TranscriptionOption func(*TranscriptionOptions)

func WithPartialTranscriptionCallback(callback func(transcript string)) TranscriptionOption {
	return func(o *TranscriptionOptions) { o.PartialTranscriptionCallback = callback }
}

func WithTranscriptionCallback(callback func(transcript string)) TranscriptionOption {
	return func(o *TranscriptionOptions) { o.TranscriptionCallback = callback }
}

func WithErrorCallback(callback func(error)) TranscriptionOption {
	return func(o *TranscriptionOptions) { o.ErrorCallback = callback }
}

func WithLanguage(language string) TranscriptionOption {
	return func(o *TranscriptionOptions) {
		if language != "" {
			o.Language = language
		}
	}
}

func WithEncodingInfo(encodingInfo audio.EncodingInfo) TranscriptionOption {
	return func(o *TranscriptionOptions) {
		if encodingInfo.IsZero() {
			return
		}
		o.EncodingInfo = encodingInfo
	}
}
