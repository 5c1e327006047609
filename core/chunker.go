package orchestration

import (
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

const (
	defaultChunkerMaxChars = 180
	defaultChunkerMinChars = 20
	defaultChunkerMaxPause = 500 * time.Millisecond
)

var (
	// defaultBoundaryPattern marks a hard sentence boundary: terminal
	// punctuation followed by whitespace/quote/paren, or a newline.
	defaultBoundaryPattern = regexp.MustCompile(`([.?!]+[\s"')\]]+|[\n\r]+)`)
	// defaultSoftBoundaryPattern marks a soft boundary (comma, semicolon,
	// colon) usable as a cut point once the buffer is past the length cap.
	defaultSoftBoundaryPattern = regexp.MustCompile(`(,|;|:)\s$`)
)

type ChunkerOptions struct {
	// MaxChars emits even without a hard boundary once this many
	// characters are buffered.
	MaxChars int
	// MinChars is the least buffered length a pause-based flush requires.
	MinChars int
	// MaxPause flushes the buffer when no token arrives for this long and
	// the buffer holds at least MinChars. Zero or negative disables the
	// pause flush.
	MaxPause time.Duration

	BoundaryPattern     *regexp.Regexp
	SoftBoundaryPattern *regexp.Regexp
}

type ChunkerOption func(*ChunkerOptions)

func WithMaxChars(maxChars int) ChunkerOption {
	return func(o *ChunkerOptions) {
		if maxChars > 0 {
			o.MaxChars = maxChars
		}
	}
}

func WithMinChars(minChars int) ChunkerOption {
	return func(o *ChunkerOptions) {
		if minChars >= 0 {
			o.MinChars = minChars
		}
	}
}

func WithMaxPause(maxPause time.Duration) ChunkerOption {
	return func(o *ChunkerOptions) { o.MaxPause = maxPause }
}

func WithBoundaryPattern(pattern *regexp.Regexp) ChunkerOption {
	return func(o *ChunkerOptions) {
		if pattern != nil {
			o.BoundaryPattern = pattern
		}
	}
}

func WithSoftBoundaryPattern(pattern *regexp.Regexp) ChunkerOption {
	return func(o *ChunkerOptions) {
		if pattern != nil {
			o.SoftBoundaryPattern = pattern
		}
	}
}

// sentenceChunker converts a live token stream into speakable sentence
// chunks. Tokens are buffered until a hard boundary, a length overflow, or
// a pause flush; emission order always equals arrival order, and only
// leading/trailing whitespace is trimmed at emission.
type sentenceChunker struct {
	mu         sync.Mutex
	buffer     string
	pauseTimer *time.Timer
	// timerGeneration invalidates fired timers that lost the race against
	// cancel-and-replace. At most one pause timer is live per chunker.
	timerGeneration uint64

	onSentence func(sentence string)
	options    ChunkerOptions
}

func newSentenceChunker(onSentence func(sentence string), opts ...ChunkerOption) *sentenceChunker {
	options := ChunkerOptions{
		MaxChars:            defaultChunkerMaxChars,
		MinChars:            defaultChunkerMinChars,
		MaxPause:            defaultChunkerMaxPause,
		BoundaryPattern:     defaultBoundaryPattern,
		SoftBoundaryPattern: defaultSoftBoundaryPattern,
	}
	for _, opt := range opts {
		opt(&options)
	}

	if onSentence == nil {
		onSentence = func(string) {}
	}

	return &sentenceChunker{
		onSentence: onSentence,
		options:    options,
	}
}

// Feed appends one token and synchronously emits every sentence it
// completes. A boundary in the middle of the buffer cuts there; the tail
// stays buffered for the next cut.
func (c *sentenceChunker) Feed(token string) {
	if token == "" {
		return
	}

	c.mu.Lock()
	c.buffer += token

	var out []string
	for {
		loc := c.options.BoundaryPattern.FindStringIndex(c.buffer)
		if loc == nil {
			break
		}
		out = append(out, strings.TrimSpace(c.buffer[:loc[1]]))
		c.buffer = c.buffer[loc[1]:]
	}

	if utf8.RuneCountInString(c.buffer) >= c.options.MaxChars {
		// Past the length cap we emit whether or not a soft boundary is
		// present, matching the upstream chunker. The soft pattern stays
		// configurable as a future cut-point hook.
		out = append(out, strings.TrimSpace(c.buffer))
		c.buffer = ""
	}

	if c.buffer == "" {
		c.clearPauseLocked()
	} else {
		c.schedulePauseFlushLocked()
	}
	c.mu.Unlock()

	for _, sentence := range out {
		c.emit(sentence)
	}
}

// Flush force-emits the buffered text, even below the minimum length.
func (c *sentenceChunker) Flush() {
	c.mu.Lock()
	out := c.takeBufferLocked()
	c.mu.Unlock()
	c.emit(out)
}

// Reset discards the buffer and cancels any pending pause flush without
// emitting.
func (c *sentenceChunker) Reset() {
	c.mu.Lock()
	c.buffer = ""
	c.clearPauseLocked()
	c.mu.Unlock()
}

// Buffer exposes the un-flushed text for inspection.
func (c *sentenceChunker) Buffer() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.buffer
}

// takeBufferLocked clears the buffer and pending timer and returns the
// trimmed text to emit.
func (c *sentenceChunker) takeBufferLocked() string {
	out := strings.TrimSpace(c.buffer)
	c.buffer = ""
	c.clearPauseLocked()
	return out
}

func (c *sentenceChunker) emit(sentence string) {
	if sentence == "" {
		return
	}
	c.onSentence(sentence)
}

func (c *sentenceChunker) schedulePauseFlushLocked() {
	c.clearPauseLocked()
	if c.options.MaxPause <= 0 {
		return
	}

	generation := c.timerGeneration
	c.pauseTimer = time.AfterFunc(c.options.MaxPause, func() {
		c.pauseFlush(generation)
	})
}

func (c *sentenceChunker) clearPauseLocked() {
	c.timerGeneration++
	if c.pauseTimer != nil {
		c.pauseTimer.Stop()
		c.pauseTimer = nil
	}
}

func (c *sentenceChunker) pauseFlush(generation uint64) {
	c.mu.Lock()
	if generation != c.timerGeneration {
		// A newer token rescheduled or cancelled this timer.
		c.mu.Unlock()
		return
	}
	c.pauseTimer = nil

	if utf8.RuneCountInString(strings.TrimSpace(c.buffer)) < c.options.MinChars {
		c.mu.Unlock()
		return
	}

	out := c.takeBufferLocked()
	c.mu.Unlock()
	c.emit(out)
}
