package factory

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/mikey/mail-triage/internal/adapters/bedrock"
	"github.com/mikey/mail-triage/internal/adapters/gemini"
	"github.com/mikey/mail-triage/internal/adapters/openai"
	"github.com/mikey/mail-triage/internal/config"
	"github.com/mikey/mail-triage/internal/core"
	"github.com/mikey/mail-triage/internal/utils"
)

// LLMFactory creates classifiers
type LLMFactory struct {
	cfg    *config.Config
	logger *zap.Logger
	text   *utils.TextProcessor
}

// NewLLMFactory creates a new LLM factory
func NewLLMFactory(cfg *config.Config, logger *zap.Logger, text *utils.TextProcessor) *LLMFactory {
	return &LLMFactory{
		cfg:    cfg,
		logger: logger,
		text:   text,
	}
}

// CreateClassifier creates a classifier based on the configuration. An API key
// passed explicitly (per-user settings) overrides the configured one.
func (f *LLMFactory) CreateClassifier(apiKey string) (core.Classifier, error) {
	switch f.cfg.GetLLM().Provider {
	case "gemini":
		c := f.cfg.GetGemini()
		if apiKey == "" {
			apiKey = c.APIKey
		}
		return gemini.NewFactory(apiKey, c.ModelName, c.MaxTokens, c.Temperature, c.TopP, c.MaxBodySize, f.logger).CreateClassifier()
	case "openai":
		c := f.cfg.GetOpenAI()
		if apiKey == "" {
			apiKey = c.APIKey
		}
		return openai.NewFactory(apiKey, c.ModelName, c.MaxTokens, c.Temperature, c.TopP, c.MaxBodySize, f.logger).CreateClassifier()
	case "bedrock":
		return bedrock.NewFactory(f.cfg.GetBedrock(), f.logger, f.text).CreateClassifier()
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", f.cfg.GetLLM().Provider)
	}
}
