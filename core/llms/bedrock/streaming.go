// Package bedrock streams assistant tokens from the intake token gateway,
// a thin HTTP front over Bedrock's response-stream API.
package bedrock

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/Virtual-Health-Hub/virtual-intake/core/llms"
	"github.com/Virtual-Health-Hub/virtual-intake/core/llms/eventstream"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
)

const (
	// DefaultModelID is used when no model is requested explicitly.
	DefaultModelID = "anthropic.claude-3-5-sonnet-20240620-v1:0"

	endpointEnvVar = "INTAKE_STREAM_ENDPOINT"

	readBufferSize = 4096
)

type Client struct {
	endpoint   string
	httpClient *http.Client
	headers    http.Header
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

// WithHeader attaches an extra header (e.g. auth) to every stream request.
func WithHeader(key, value string) ClientOption {
	return func(c *Client) { c.headers.Set(key, value) }
}

// NewClient creates a token stream client against the given gateway
// endpoint. An empty endpoint falls back to the INTAKE_STREAM_ENDPOINT
// environment variable.
func NewClient(endpoint string, opts ...ClientOption) (*Client, error) {
	if endpoint == "" {
		var ok bool
		if endpoint, ok = os.LookupEnv(endpointEnvVar); !ok {
			return nil, fmt.Errorf("token stream endpoint not configured")
		}
	}

	client := &Client{
		endpoint: endpoint,
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		headers: http.Header{},
	}
	for _, opt := range opts {
		opt(client)
	}

	return client, nil
}

// PromptWithStream prepares a token stream for the given prompt. The
// request is not sent until the stream's Chunks iterator is consumed.
func (c *Client) PromptWithStream(_ context.Context, prompt string, opts ...llms.StreamingPromptOption) llms.Stream {
	options := llms.StreamingPromptOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	return &Stream{
		client:  c,
		prompt:  prompt,
		options: options,
	}
}

type Stream struct {
	client  *Client
	prompt  string
	options llms.StreamingPromptOptions
}

type requestBody struct {
	Prompt      string   `json:"prompt"`
	ModelID     *string  `json:"modelId,omitempty"`
	MaxTokens   *int     `json:"maxTokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

type upstreamErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Status  int    `json:"status"`
}

func (s *Stream) Chunks(ctx context.Context) func(func(llms.StreamChunk, error) bool) {
	return func(yield func(llms.StreamChunk, error) bool) {
		ctx, span := tracer.Start(ctx, "stream intake tokens")
		defer span.End()
		if s.options.ModelID != nil {
			span.SetAttributes(attribute.String("request.model", *s.options.ModelID))
		}

		requestBodyBytes, err := json.Marshal(requestBody{
			Prompt:      s.prompt,
			ModelID:     s.options.ModelID,
			MaxTokens:   s.options.MaxTokens,
			Temperature: s.options.Temperature,
		})
		if err != nil {
			yield(nil, fmt.Errorf("error marshalling JSON: %w", err))
			return
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.client.endpoint, bytes.NewBuffer(requestBodyBytes))
		if err != nil {
			yield(nil, fmt.Errorf("error creating HTTP request: %w", err))
			return
		}
		req.Header.Set("Content-Type", "application/json")
		for key, values := range s.client.headers {
			for _, value := range values {
				req.Header.Add(key, value)
			}
		}

		resp, err := s.client.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				// Cancellation ends the stream cleanly.
				return
			}
			yield(nil, fmt.Errorf("error sending request: %w", err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			span.SetAttributes(attribute.Int("response.status_code", resp.StatusCode))
			yield(nil, fmt.Errorf("non-OK HTTP status: %s", resp.Status))
			return
		}

		decoder := eventstream.NewDecoder()
		buf := make([]byte, readBufferSize)
		for {
			n, readErr := resp.Body.Read(buf)
			if n > 0 {
				for _, frame := range decoder.Write(buf[:n]) {
					if !s.yieldFrame(frame, yield) {
						return
					}
				}
				if decoder.Done() {
					span.AddEvent("received done event")
					return
				}
			}

			if readErr == nil {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			if errors.Is(readErr, io.EOF) {
				if decoder.Buffered() {
					yield(nil, fmt.Errorf("stream closed mid-frame before done event"))
				}
				return
			}
			yield(nil, fmt.Errorf("error reading streamed response: %w", readErr))
			return
		}
	}
}

// yieldFrame maps one decoded frame onto the iterator. It reports false
// when the consumer stopped the iteration.
func (s *Stream) yieldFrame(frame eventstream.Frame, yield func(llms.StreamChunk, error) bool) bool {
	switch frame.Event {
	case "":
		if frame.Data == "" {
			return true
		}
		return yield(StreamContentChunk{content: frame.Data}, nil)

	case eventstream.EventError:
		var body upstreamErrorBody
		if err := json.Unmarshal([]byte(frame.Data), &body); err != nil {
			logger.Warn("unparseable upstream error frame", "payload", frame.Data)
			return yield(nil, &llms.UpstreamError{Code: "unknown", Message: frame.Data})
		}
		return yield(nil, &llms.UpstreamError{Code: body.Error, Message: body.Message, Status: body.Status})

	case eventstream.EventDone:
		return true

	default:
		// Unrecognized event types are skipped.
		return true
	}
}

type StreamContentChunk struct {
	finishReason *string
	content      string
}

func (s StreamContentChunk) FinishReason() *string {
	return s.finishReason
}

func (s StreamContentChunk) Content() string {
	return s.content
}
