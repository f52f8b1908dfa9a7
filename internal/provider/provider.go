package provider

import (
	"context"
)

type Request struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature float64
	Stream      bool
	// Metadata for routing decisions
	UserID    string
	RequestID string
}

type Message struct {
	Role    string // "user", "assistant", "system"
	Content string
}

// Usage is the token accounting a provider reports for one call. It is
// the only thing the metering layer needs from any provider.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

type Response struct {
	ID        string
	Content   string
	Usage     Usage
	Model     string
	Provider  string
	LatencyMs int64
}

// Chunk is one streamed delta. The terminal chunk (Done or Err) may
// carry the Usage observed so far, so partial streams still meter.
type Chunk struct {
	Delta string
	Done  bool
	Usage *Usage
	Err   error
}

type Provider interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
	CompleteStream(ctx context.Context, req *Request) (<-chan *Chunk, error)
	Name() string
	DefaultModel() string
	SupportedModels() []string
}
