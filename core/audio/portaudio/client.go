// Package portaudio provides speech playback through PortAudio as an
// alternative to the miniaudio backend.
package portaudio

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/Virtual-Health-Hub/virtual-intake/core/audio"
	"github.com/gordonklaus/portaudio"
)

const defaultBufferSize = 1024

type Client struct {
	bufferSize   int
	stream       *portaudio.Stream
	out          []int16
	encodingInfo audio.EncodingInfo

	mu      sync.Mutex
	playing bool
}

func NewClient(bufferSize int) (*Client, error) {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}

	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize portaudio: %w", err)
	}

	out := make([]int16, bufferSize)
	stream, err := portaudio.OpenDefaultStream(0, 1, audio.DefaultSampleRate, bufferSize, out)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("failed to open portaudio stream: %w", err)
	}

	return &Client{
		bufferSize:   bufferSize,
		stream:       stream,
		out:          out,
		encodingInfo: audio.GetDefaultEncodingInfo(),
	}, nil
}

func (c *Client) Close() {
	_ = c.stream.Stop()
	_ = c.stream.Close()
	_ = portaudio.Terminate()
}

func (c *Client) EncodingInfo() audio.EncodingInfo {
	return c.encodingInfo
}

// Play acquires the output stream for one piece of audio. Only one playback
// may be active at a time; the caller serializes items.
func (c *Client) Play(_ context.Context, pcm []byte) (audio.Playback, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.playing {
		return nil, fmt.Errorf("another playback is still active")
	}

	if err := c.stream.Start(); err != nil {
		return nil, fmt.Errorf("failed to start portaudio stream: %w", err)
	}

	p := &playback{
		encodingInfo: c.encodingInfo,
		buf:          pcm,
		done:         make(chan struct{}),
	}
	c.playing = true
	go c.run(p)

	return p, nil
}

// run pushes the playback buffer through the blocking stream writer until
// it is exhausted or stopped.
func (c *Client) run(p *playback) {
	defer func() {
		_ = c.stream.Stop()
		p.finish()

		c.mu.Lock()
		c.playing = false
		c.mu.Unlock()
	}()

	frameBytes := c.bufferSize * 2
	for {
		chunk, ok := p.next(frameBytes)
		if !ok {
			return
		}

		for i := range c.out {
			if i*2+1 < len(chunk) {
				c.out[i] = int16(binary.LittleEndian.Uint16(chunk[i*2:]))
			} else {
				c.out[i] = 0
			}
		}
		if err := c.stream.Write(); err != nil {
			return
		}
	}
}

type playback struct {
	encodingInfo audio.EncodingInfo

	mu      sync.Mutex
	buf     []byte
	offset  int
	stopped bool

	done     chan struct{}
	doneOnce sync.Once
}

// next hands out the next slice of audio for the device, reporting false
// when playback is over.
func (p *playback) next(n int) ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped || p.offset >= len(p.buf) {
		return nil, false
	}

	end := p.offset + n
	if end > len(p.buf) {
		end = len(p.buf)
	}
	chunk := p.buf[p.offset:end]
	p.offset = end
	return chunk, true
}

func (p *playback) Position() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.encodingInfo.Duration(p.offset)
}

func (p *playback) Done() <-chan struct{} {
	return p.done
}

func (p *playback) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	p.finish()
}

func (p *playback) finish() {
	p.doneOnce.Do(func() { close(p.done) })
}
