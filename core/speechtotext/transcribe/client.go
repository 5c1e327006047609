// Package transcribe streams microphone audio to the intake transcription
// gateway over a presigned websocket and delivers recognized text through
// callbacks. URL signing is handled by an external signing service.
package transcribe

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/Virtual-Health-Hub/virtual-intake/core/audio"
	"github.com/Virtual-Health-Hub/virtual-intake/core/speechtotext"
	"github.com/gorilla/websocket"
)

const defaultLanguage = "en-US"

// URLSigner produces a presigned websocket URL for one transcription
// session. The signing algorithm itself lives in the signing service.
type URLSigner func(ctx context.Context) (string, error)

type TranscriptionClient struct {
	signURL URLSigner

	connMu sync.Mutex
	conn   *websocket.Conn

	closed atomic.Bool
}

func NewTranscriptionClient(signURL URLSigner) (*TranscriptionClient, error) {
	if signURL == nil {
		return nil, fmt.Errorf("url signer is required")
	}

	return &TranscriptionClient{signURL: signURL}, nil
}

// Transcribe opens the websocket session and starts delivering transcripts
// through the configured callbacks. It does not block.
func (c *TranscriptionClient) Transcribe(ctx context.Context, opts ...speechtotext.TranscriptionOption) error {
	options := &speechtotext.TranscriptionOptions{
		Language:     defaultLanguage,
		EncodingInfo: audio.GetDefaultEncodingInfo(),
	}
	for _, opt := range opts {
		opt(options)
	}

	signedURL, err := c.signURL(ctx)
	if err != nil {
		return fmt.Errorf("failed to sign transcription url: %w", err)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, signedURL, nil)
	if err != nil {
		return fmt.Errorf("failed to open socket connection to transcription gateway: %w", err)
	}

	if err := conn.WriteJSON(sessionStartMessage{
		Type:       "start",
		Language:   options.Language,
		Encoding:   options.EncodingInfo.Format.Name(),
		SampleRate: strconv.Itoa(options.EncodingInfo.SampleRate),
	}); err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to start transcription session: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	go c.readAndProcessMessages(ctx, conn, *options)

	return nil
}

// SendAudio forwards one captured audio chunk to the gateway.
func (c *TranscriptionClient) SendAudio(audio []byte) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("transcription session not open")
	}
	if err := c.conn.WriteMessage(websocket.BinaryMessage, audio); err != nil {
		return fmt.Errorf("failed to write to transcription gateway: %w", err)
	}
	return nil
}

// Close ends the session. Safe to call more than once.
func (c *TranscriptionClient) Close(_ context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn == nil {
		return nil
	}
	if err := c.conn.WriteJSON(sessionEndMessage{Type: "end"}); err != nil {
		_ = c.conn.Close()
		return fmt.Errorf("failed to end transcription session: %w", err)
	}
	return c.conn.Close()
}

type sessionStartMessage struct {
	Type       string `json:"type"`
	Language   string `json:"language"`
	Encoding   string `json:"encoding"`
	SampleRate string `json:"sampleRate"`
}

type sessionEndMessage struct {
	Type string `json:"type"`
}

type transcriptMessage struct {
	Type       string `json:"type"`
	Transcript string `json:"transcript"`
	IsFinal    bool   `json:"isFinal"`
	Message    string `json:"message"`
}

func (c *TranscriptionClient) readAndProcessMessages(ctx context.Context, conn *websocket.Conn, options speechtotext.TranscriptionOptions) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if c.closed.Load() || ctx.Err() != nil {
				return
			}
			if options.ErrorCallback != nil {
				options.ErrorCallback(fmt.Errorf("failed to read from transcription gateway: %w", err))
			}
			return
		}

		var message transcriptMessage
		if err := json.Unmarshal(payload, &message); err != nil {
			// Unparseable messages are skipped, like malformed stream frames.
			continue
		}

		switch message.Type {
		case "transcript":
			if message.Transcript == "" {
				continue
			}
			if message.IsFinal {
				if options.TranscriptionCallback != nil {
					options.TranscriptionCallback(message.Transcript)
				}
			} else if options.PartialTranscriptionCallback != nil {
				options.PartialTranscriptionCallback(message.Transcript)
			}

		case "error":
			if options.ErrorCallback != nil {
				options.ErrorCallback(fmt.Errorf("transcription gateway error: %s", message.Message))
			}
		}
	}
}
