package llms

// Turn is one user-input-to-assistant-response cycle of a conversation.
type Turn struct {
	ID     string
	Prompt string
	// Response is the full assistant transcript accumulated from the token
	// stream. For cancelled turns it holds whatever had streamed before
	// cancellation took effect.
	Response  string
	Cancelled bool
}
