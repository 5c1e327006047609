package miniaudio

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Virtual-Health-Hub/virtual-intake/core/audio"
	"github.com/gen2brain/malgo"
)

type playbackClient struct {
	device       *malgo.Device
	config       malgo.DeviceConfig
	encodingInfo audio.EncodingInfo

	mu      sync.Mutex
	current *playback
}

func (c *playbackClient) Init(audioContext *malgo.AllocatedContext, encodingInfo audio.EncodingInfo) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	sampleRate := uint32(encodingInfo.SampleRate)
	channels := 1
	format := malgo.FormatS16

	c.encodingInfo = encodingInfo
	c.config = malgo.DefaultDeviceConfig(malgo.Playback)
	c.config.SampleRate = sampleRate
	c.config.Playback.Format = format
	c.config.Playback.Channels = uint32(channels)
	c.config.Alsa.NoMMap = 1
	c.config.PeriodSizeInFrames = sampleRate / 10 // ~100ms of audio
	c.config.Periods = 4

	var err error
	if c.device, err = malgo.InitDevice(
		audioContext.Context,
		c.config,
		malgo.DeviceCallbacks{Data: c.processAudio()},
	); err != nil {
		return fmt.Errorf("failed to initialize playback device: %w", err)
	}

	return nil
}

// Play acquires the output device for one piece of audio. Only one playback
// may be active at a time; the caller serializes items.
func (c *playbackClient) Play(_ context.Context, pcm []byte) (audio.Playback, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.device == nil {
		return nil, fmt.Errorf("device not initialized")
	}
	if c.current != nil {
		return nil, fmt.Errorf("another playback is still active")
	}

	if !c.device.IsStarted() {
		if err := c.device.Start(); err != nil {
			return nil, fmt.Errorf("failed to start playback device: %w", err)
		}
	}

	p := &playback{
		encodingInfo: c.encodingInfo,
		buf:          pcm,
		done:         make(chan struct{}),
	}
	c.current = p
	return p, nil
}

func (c *playbackClient) Uninit() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.device == nil {
		return fmt.Errorf("device not initialized")
	}

	if c.current != nil {
		c.current.Stop()
		c.current = nil
	}
	c.device.Uninit()
	c.device = nil

	return nil
}

func (c *playbackClient) processAudio() malgo.DataProc {
	return func(pOutput, _ []byte, _ uint32) {
		c.mu.Lock()
		p := c.current
		c.mu.Unlock()
		if p == nil {
			return
		}

		if finished := p.fill(pOutput); finished {
			c.mu.Lock()
			if c.current == p {
				c.current = nil
			}
			c.mu.Unlock()
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

// fill copies the next device period out of the buffer and reports whether
// this playback is finished.
func (p *playback) fill(out []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return true
	}

	n := copy(out, p.buf[p.offset:])
	p.offset += n
	if p.offset >= len(p.buf) {
		p.finishLocked()
		return true
	}
	return false
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
	defer p.mu.Unlock()

	p.stopped = true
	p.finishLocked()
}

func (p *playback) finishLocked() {
	p.doneOnce.Do(func() { close(p.done) })
}
