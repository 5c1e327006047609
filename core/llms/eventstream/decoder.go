// Package eventstream implements an incremental parser for server-push
// event streams of the kind produced by the intake token gateway.
//
// Frames are blank-line delimited. Each frame carries an optional
// `event:` line and any number of `data:` lines which are joined with a
// newline to form the frame payload.
package eventstream

import "strings"

const (
	eventPrefix = "event:"
	dataPrefix  = "data:"

	// EventDone terminates a stream. Once seen, the decoder ignores all
	// further input.
	EventDone = "done"
	// EventError carries an upstream failure report mid-stream. It does not
	// terminate the stream.
	EventError = "error"
)

// Frame is one parsed unit off the wire. An empty Event means a plain data
// frame.
type Frame struct {
	Event string
	Data  string
}

// Decoder accumulates arbitrarily sized byte increments and produces frames
// as soon as they are complete. Partial frames, including ones split in the
// middle of a multi-byte character, are held back until the terminator
// arrives. Frame terminators are ASCII so buffering raw bytes keeps split
// code points intact.
type Decoder struct {
	buf  []byte
	done bool
}

func NewDecoder() *Decoder {
	return &Decoder{}
}

// Write feeds the next transport increment and returns all frames completed
// by it, in order. After the done event has been decoded Write consumes
// nothing and returns nil.
func (d *Decoder) Write(p []byte) []Frame {
	if d.done {
		return nil
	}

	d.buf = append(d.buf, p...)

	var frames []Frame
	for {
		raw, rest, found := cutFrame(d.buf)
		if !found {
			break
		}
		d.buf = rest

		frame, ok := parseFrame(raw)
		if !ok {
			continue
		}

		frames = append(frames, frame)
		if frame.Event == EventDone {
			d.done = true
			d.buf = nil
			break
		}
	}

	return frames
}

// Done reports whether the stream terminator has been decoded.
func (d *Decoder) Done() bool {
	return d.done
}

// Buffered reports whether a partial frame is still held back.
func (d *Decoder) Buffered() bool {
	return len(d.buf) > 0
}

// cutFrame splits buf around the earliest frame terminator, accepting both
// bare and carriage-return newline pairs.
func cutFrame(buf []byte) (frame, rest []byte, found bool) {
	s := string(buf)

	idx := -1
	width := 0
	if i := strings.Index(s, "\n\n"); i >= 0 {
		idx, width = i, 2
	}
	if i := strings.Index(s, "\r\n\r\n"); i >= 0 && (idx < 0 || i < idx) {
		idx, width = i, 4
	}
	if idx < 0 {
		return nil, buf, false
	}

	return buf[:idx], buf[idx+width:], true
}

// parseFrame interprets the lines of one raw frame. It reports false for
// malformed frames that carry no recognizable lines.
func parseFrame(raw []byte) (Frame, bool) {
	frame := Frame{}
	recognized := false

	var data []string
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSuffix(line, "\r")
		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, eventPrefix):
			frame.Event = strings.TrimSpace(strings.TrimPrefix(line, eventPrefix))
			recognized = true
		case strings.HasPrefix(line, dataPrefix):
			data = append(data, strings.TrimPrefix(line, dataPrefix))
			recognized = true
		}
	}

	frame.Data = strings.Join(data, "\n")
	return frame, recognized
}
