package llms

import "github.com/Virtual-Health-Hub/virtual-intake/internal/utils"

// StreamingPromptOptions carries the optional generation parameters for a
// streamed prompt. Unset fields are omitted from the gateway request.
type StreamingPromptOptions struct {
	ModelID     *string
	MaxTokens   *int
	Temperature *float64
}

type StreamingPromptOption func(*StreamingPromptOptions)

func WithModelID(modelID string) StreamingPromptOption {
	return func(o *StreamingPromptOptions) { o.ModelID = utils.Ptr(modelID) }
}

func WithMaxTokens(maxTokens int) StreamingPromptOption {
	return func(o *StreamingPromptOptions) { o.MaxTokens = utils.Ptr(maxTokens) }
}

func WithTemperature(temperature float64) StreamingPromptOption {
	return func(o *StreamingPromptOptions) { o.Temperature = utils.Ptr(temperature) }
}
