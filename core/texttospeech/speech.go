// Package texttospeech defines the synthesis contract shared by speech
// synthesis clients and the playback pipeline.
package texttospeech

const (
	MarkTypeViseme = "viseme"
	MarkTypeWord   = "word"
)

// Mark is a timestamped annotation emitted by a synthesis engine alongside
// audio, mapping playback time to linguistic or visual events. Values are
// passed through from the engine without alteration.
type Mark struct {
	Type   string `json:"type"`
	TimeMs int    `json:"time"`
	Value  string `json:"value"`
	Start  *int   `json:"start,omitempty"`
	End    *int   `json:"end,omitempty"`
}

// Speech pairs synthesized audio with its speech marks, ordered
// non-decreasing by time.
type Speech struct {
	Audio []byte
	Marks []Mark
}

// VisemeMarks returns the viseme subset of the speech marks, preserving
// order.
func (s *Speech) VisemeMarks() []Mark {
	if s == nil {
		return nil
	}

	var visemes []Mark
	for _, mark := range s.Marks {
		if mark.Type == MarkTypeViseme {
			visemes = append(visemes, mark)
		}
	}
	return visemes
}
