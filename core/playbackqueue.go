package orchestration

import (
	"context"
	"sync"
	"time"

	"github.com/Virtual-Health-Hub/virtual-intake/core/audio"
	"github.com/Virtual-Health-Hub/virtual-intake/core/texttospeech"
)

// visemeFrameInterval is the cadence at which playback position is sampled
// for viseme callbacks, roughly one browser animation frame.
const visemeFrameInterval = 16 * time.Millisecond

type speechState int

const (
	speechPending speechState = iota
	speechReady
	speechDropped
)

// pendingSpeech is a reserved slot in the playback queue. Reservation order
// is playback order: a slot fulfilled after its successors still plays
// first, and the queue waits on an unfulfilled head slot rather than
// playing around it.
type pendingSpeech struct {
	queue      *playbackQueue
	transcript string

	speech *texttospeech.Speech
	state  speechState

	// resolved closes once the slot has finished playing or been dropped.
	resolved    chan struct{}
	resolveOnce sync.Once
}

// Fulfill attaches synthesized speech to the slot, making it playable. A
// fulfilment after Drop or Clear is discarded.
func (s *pendingSpeech) Fulfill(speech *texttospeech.Speech) {
	if s == nil {
		return
	}

	s.queue.mu.Lock()
	if s.state != speechPending {
		s.queue.mu.Unlock()
		return
	}
	s.speech = speech
	s.state = speechReady
	s.queue.mu.Unlock()
	s.queue.signalUpdate()
}

// Drop releases the slot without audio, e.g. after a failed synthesis, so
// later slots are not blocked behind it.
func (s *pendingSpeech) Drop() {
	if s == nil {
		return
	}

	s.queue.mu.Lock()
	if s.state != speechPending {
		s.queue.mu.Unlock()
		return
	}
	s.speech = nil
	s.state = speechDropped
	s.queue.mu.Unlock()
	s.queue.signalUpdate()
}

func (s *pendingSpeech) currentState() speechState {
	s.queue.mu.Lock()
	defer s.queue.mu.Unlock()

	return s.state
}

func (s *pendingSpeech) resolve() {
	s.resolveOnce.Do(func() { close(s.resolved) })
}

// playbackQueue plays synthesized speech strictly in reservation order on a
// single audio output, sampling playback position at frame cadence to fire
// viseme callbacks.
type playbackQueue struct {
	mu sync.Mutex

	output AudioOutput

	entries []*pendingSpeech

	currentPlayback audio.Playback
	currentEntry    *pendingSpeech

	closed bool

	updateSignal chan struct{}

	onViseme      func(viseme texttospeech.Mark)
	onSpeechEnded func(transcript string)
}

func newPlaybackQueue(output AudioOutput) *playbackQueue {
	return &playbackQueue{
		output:        output,
		updateSignal:  make(chan struct{}, 1),
		onViseme:      func(texttospeech.Mark) {},
		onSpeechEnded: func(string) {},
	}
}

func (q *playbackQueue) SetCallbacks(
	onViseme func(viseme texttospeech.Mark),
	onSpeechEnded func(transcript string),
) {
	if q == nil {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if onViseme != nil {
		q.onViseme = onViseme
	}
	if onSpeechEnded != nil {
		q.onSpeechEnded = onSpeechEnded
	}
}

// Reserve appends a slot for a sentence whose synthesis is in flight and
// returns it for later fulfilment.
func (q *playbackQueue) Reserve(transcript string) *pendingSpeech {
	entry := &pendingSpeech{
		queue:      q,
		transcript: transcript,
		resolved:   make(chan struct{}),
	}

	q.mu.Lock()
	if q.closed {
		entry.state = speechDropped
	}
	q.entries = append(q.entries, entry)
	q.mu.Unlock()
	q.signalUpdate()

	return entry
}

// Flush blocks until every slot reserved so far has played or been
// dropped, or the context ends.
func (q *playbackQueue) Flush(ctx context.Context) error {
	q.mu.Lock()
	pending := make([]*pendingSpeech, 0, len(q.entries)+1)
	if q.currentEntry != nil {
		pending = append(pending, q.currentEntry)
	}
	pending = append(pending, q.entries...)
	q.mu.Unlock()

	for _, entry := range pending {
		select {
		case <-entry.resolved:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Clear drops every unplayed slot and stops the in-flight playback. The
// stopped playback fires no further viseme or speech-ended callbacks.
func (q *playbackQueue) Clear() {
	if q == nil {
		return
	}

	q.mu.Lock()
	for _, entry := range q.entries {
		if entry.state == speechPending || entry.state == speechReady {
			entry.speech = nil
			entry.state = speechDropped
		}
	}
	if q.currentEntry != nil {
		q.currentEntry.speech = nil
		q.currentEntry.state = speechDropped
	}
	playback := q.currentPlayback
	q.mu.Unlock()

	if playback != nil {
		playback.Stop()
	}
	q.signalUpdate()
}

// Close clears the queue and terminates the Run loop.
func (q *playbackQueue) Close() {
	if q == nil {
		return
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	q.Clear()
}

// Run consumes the queue until Close or context cancellation. It is meant
// to run on its own goroutine; exactly one Run loop should consume a queue.
func (q *playbackQueue) Run(ctx context.Context) {
	for {
		entry, ok := q.nextEntry(ctx)
		if !ok {
			return
		}

		if entry.currentState() == speechReady {
			q.play(ctx, entry)
		}

		// Retired entries release their audio right away.
		q.mu.Lock()
		entry.speech = nil
		if q.currentEntry == entry {
			q.currentEntry = nil
		}
		q.mu.Unlock()

		entry.resolve()
	}
}

// nextEntry blocks until the head slot is resolved one way or the other.
// The popped entry is registered as current before the lock is released so
// Clear can reach it while its playback is still starting.
func (q *playbackQueue) nextEntry(ctx context.Context) (*pendingSpeech, bool) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, false
		}
		if len(q.entries) > 0 && q.entries[0].state != speechPending {
			entry := q.entries[0]
			q.entries[0] = nil
			q.entries = q.entries[1:]
			q.currentEntry = entry
			q.mu.Unlock()
			return entry, true
		}
		q.mu.Unlock()

		select {
		case <-q.updateSignal:
		case <-ctx.Done():
			return nil, false
		}
	}
}

func (q *playbackQueue) play(ctx context.Context, entry *pendingSpeech) {
	q.mu.Lock()
	speech := entry.speech
	onViseme := q.onViseme
	onSpeechEnded := q.onSpeechEnded
	q.mu.Unlock()

	if q.output == nil || speech == nil || len(speech.Audio) == 0 {
		return
	}

	playback, err := q.output.Play(ctx, speech.Audio)
	if err != nil {
		logger.WarnContext(ctx, "Failed to start speech playback",
			"error", err, "transcript", entry.transcript)
		return
	}

	q.mu.Lock()
	if entry.state == speechDropped {
		// Cleared while the output was acquiring the device.
		q.mu.Unlock()
		playback.Stop()
		return
	}
	q.currentPlayback = playback
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.currentPlayback = nil
		q.mu.Unlock()
	}()

	visemes := speech.VisemeMarks()
	visemeIndex := 0

	ticker := time.NewTicker(visemeFrameInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			playback.Stop()
			return

		case <-playback.Done():
			if entry.currentState() != speechDropped {
				onSpeechEnded(entry.transcript)
			}
			return

		case <-ticker.C:
			if entry.currentState() == speechDropped {
				continue
			}
			position := playback.Position()
			// Visemes fire once each, in mark order, never rewinding even
			// if the reported position jitters backwards.
			for visemeIndex < len(visemes) &&
				time.Duration(visemes[visemeIndex].TimeMs)*time.Millisecond <= position {
				onViseme(visemes[visemeIndex])
				visemeIndex++
			}
		}
	}
}

func (q *playbackQueue) signalUpdate() {
	select {
	case q.updateSignal <- struct{}{}:
	default:
	}
}
