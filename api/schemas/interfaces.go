package schemas

import "context"

// GenerationRequest encapsulates one request to the external language model.
// The perception engine only ever uses this for advisory summaries; decoy
// and trap content generation belongs to the out-of-process agents.
type GenerationRequest struct {
	SystemPrompt string  `json:"system_prompt"`
	UserPrompt   string  `json:"user_prompt"`
	Temperature  float64 `json:"temperature,omitempty"`
	JSONOutput   bool    `json:"json_output,omitempty"`
}

// LLMClient is the minimal contract with a generative backend.
type LLMClient interface {
	Generate(ctx context.Context, req GenerationRequest) (string, error)
}

// EventSink receives session engine events. The NDJSON log writer is the
// canonical implementation; the optional SQL archive wraps another sink.
type EventSink interface {
	Append(ctx context.Context, ev Event) error
}
