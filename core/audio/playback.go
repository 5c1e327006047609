package audio

import "time"

// Playback is an exclusive handle on one playing piece of audio.
//
// Position reports how far playback has progressed; it never regresses.
// Done closes when playback finishes or is stopped. Stop is idempotent and
// discards whatever is left to play.
type Playback interface {
	Position() time.Duration
	Done() <-chan struct{}
	Stop()
}
