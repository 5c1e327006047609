package llms

import (
	"context"
	"fmt"
)

// Stream is a live token stream for one conversational turn.
//
// Chunks returns a single-use iterator. Iteration ends when the stream
// completes, is cancelled through ctx, or fails. Cancellation ends the
// iteration cleanly, without an error.
type Stream interface {
	Chunks(context.Context) func(func(StreamChunk, error) bool)
}

type StreamChunk interface {
	FinishReason() *string
}

type StreamContentChunk interface {
	StreamChunk
	Content() string
}

// UpstreamError reports a failure the token gateway surfaced mid-stream.
// It is delivered through the iterator's error slot but does not end the
// stream; subsequent tokens may still arrive.
type UpstreamError struct {
	Code    string
	Message string
	Status  int
}

func (e *UpstreamError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("upstream error %s (status %d): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("upstream error %s: %s", e.Code, e.Message)
}
