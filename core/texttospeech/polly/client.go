// Package polly synthesizes speech through the intake synthesis service, a
// Polly-backed endpoint that returns audio together with viseme and word
// speech marks.
package polly

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/Virtual-Health-Hub/virtual-intake/core/texttospeech"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	DefaultVoiceID = "Joanna"

	endpointEnvVar = "INTAKE_TTS_ENDPOINT"
)

type Client struct {
	endpoint   string
	voiceID    string
	httpClient *http.Client
}

type ClientOption func(*Client)

// WithHTTPClient replaces the default instrumented HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// WithDefaultVoice sets the voice used when a synthesis call does not pick
// one explicitly.
func WithDefaultVoice(voiceID string) ClientOption {
	return func(c *Client) {
		if voiceID != "" {
			c.voiceID = voiceID
		}
	}
}

// NewClient creates a synthesis client against the given service endpoint.
// An empty endpoint falls back to the INTAKE_TTS_ENDPOINT environment
// variable.
func NewClient(endpoint string, opts ...ClientOption) (*Client, error) {
	if endpoint == "" {
		var ok bool
		if endpoint, ok = os.LookupEnv(endpointEnvVar); !ok {
			return nil, fmt.Errorf("synthesis endpoint not configured")
		}
	}

	client := &Client{
		endpoint: endpoint,
		voiceID:  DefaultVoiceID,
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		opt(client)
	}

	return client, nil
}

type requestBody struct {
	Text    string `json:"text"`
	VoiceID string `json:"voiceId"`
}

type responseBody struct {
	AudioBase64 string              `json:"audioBase64"`
	SpeechMarks []texttospeech.Mark `json:"speechMarks"`
}

// Synthesize turns one sentence into audio plus timed speech marks. Calls
// may run concurrently for different sentences.
func (c *Client) Synthesize(ctx context.Context, text string, opts ...texttospeech.SynthesisOption) (*texttospeech.Speech, error) {
	ctx, span := tracer.Start(ctx, "synthesize speech")
	defer span.End()
	span.SetAttributes(attribute.Int("request.text_length", len(text)))

	options := texttospeech.SynthesisOptions{VoiceID: c.voiceID}
	for _, opt := range opts {
		opt(&options)
	}

	requestBodyBytes, err := json.Marshal(requestBody{Text: text, VoiceID: options.VoiceID})
	if err != nil {
		return nil, fmt.Errorf("error marshalling JSON: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewBuffer(requestBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("error creating HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error sending synthesis request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("synthesis request failed: %s", resp.Status)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	var body responseBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("error decoding synthesis response: %w", err)
	}

	audio, err := base64.StdEncoding.DecodeString(body.AudioBase64)
	if err != nil {
		return nil, fmt.Errorf("error decoding synthesized audio: %w", err)
	}
	if len(audio) == 0 {
		logger.Warn("synthesis returned empty audio", "voice", options.VoiceID)
	}

	span.SetAttributes(
		attribute.Int("response.audio_bytes", len(audio)),
		attribute.Int("response.speech_marks", len(body.SpeechMarks)),
	)

	return &texttospeech.Speech{Audio: audio, Marks: body.SpeechMarks}, nil
}
