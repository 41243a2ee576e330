package llmclient

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/111bobmoin/myLLMhoneynet/api/schemas"
	"github.com/111bobmoin/myLLMhoneynet/internal/config"
)

// NewClient builds an LLMClient from configuration. An empty or "none"
// provider disables summarization and returns a nil client.
func NewClient(cfg config.LLMConfig, logger *zap.Logger) (schemas.LLMClient, error) {
	switch cfg.Provider {
	case "", "none":
		return nil, nil
	case "gemini":
		return NewGeminiClient(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown or unsupported LLM provider configured: %q. Supported: [gemini none]", cfg.Provider)
	}
}
