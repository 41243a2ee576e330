package llmclient

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/111bobmoin/myLLMhoneynet/api/schemas"
	"github.com/111bobmoin/myLLMhoneynet/internal/llmutil"
)

// summaryWindowTail bounds how many trailing events reach the prompt.
const summaryWindowTail = 20

const summarySystemPrompt = `You are an intrusion analyst for a deception
platform. Given a staged assessment of one attacking host and its recent
session events, write a concise operator-facing summary (3 sentences max)
of what the attacker did and what the stage transition means. Do not
invent details absent from the events.`

// StageSummarizer renders stage transitions into operator-facing prose via
// the generative backend. It satisfies the perception engine's summarizer
// contract; failures are the caller's to drop.
type StageSummarizer struct {
	client schemas.LLMClient
	logger *zap.Logger
}

// NewStageSummarizer wraps an LLM client.
func NewStageSummarizer(client schemas.LLMClient, logger *zap.Logger) *StageSummarizer {
	return &StageSummarizer{
		client: client,
		logger: logger.Named("stage_summarizer"),
	}
}

// Summarize produces the advisory text for one finalized stage transition.
func (s *StageSummarizer) Summarize(ctx context.Context, decision schemas.StageDecision, window []schemas.Event) (string, error) {
	req := schemas.GenerationRequest{
		SystemPrompt: summarySystemPrompt,
		UserPrompt:   buildSummaryPrompt(decision, window),
		Temperature:  0.3,
	}
	text, err := s.client.Generate(ctx, req)
	if err != nil {
		return "", fmt.Errorf("summarize %s: %w", decision.Host, err)
	}
	return llmutil.CleanResponse(text), nil
}

func buildSummaryPrompt(decision schemas.StageDecision, window []schemas.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Host %s advanced from %s to %s (rule %s, %d events in window).\n",
		decision.Host, decision.PrevStage, decision.Stage, decision.RuleID, decision.EventCount)
	if decision.Evidence != nil {
		fmt.Fprintf(&b, "Deciding evidence: %s on %s", decision.Evidence.Kind, decision.Evidence.Service)
		if cmd := decision.Evidence.PayloadString("command"); cmd != "" {
			fmt.Fprintf(&b, " (%q)", cmd)
		}
		b.WriteString("\n")
	}

	tail := window
	if len(tail) > summaryWindowTail {
		tail = tail[len(tail)-summaryWindowTail:]
	}
	b.WriteString("Recent events:\n")
	for _, ev := range tail {
		fmt.Fprintf(&b, "- %s %s/%s", ev.Timestamp.Format("15:04:05"), ev.Service, ev.Kind)
		if cmd := ev.PayloadString("command"); cmd != "" {
			fmt.Fprintf(&b, " %q", cmd)
		} else if path := ev.PayloadString("path"); path != "" {
			fmt.Fprintf(&b, " %s", path)
		}
		b.WriteString("\n")
	}
	return b.String()
}
