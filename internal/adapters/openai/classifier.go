package openai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/mikey/mail-triage/internal/core"
	"github.com/mikey/mail-triage/internal/prompt"
	"github.com/mikey/mail-triage/internal/utils"
)

// Classifier is an implementation of the core.Classifier interface using
// OpenAI.
type Classifier struct {
	client      *openai.Client
	modelName   string
	maxTokens   int
	temperature float32
	topP        float32
	maxBodySize int
	text        *utils.TextProcessor
	logger      *zap.Logger
}

// NewClassifier creates a new OpenAI classifier
func NewClassifier(
	apiKey string,
	modelName string,
	maxTokens int,
	temperature float32,
	topP float32,
	maxBodySize int,
	logger *zap.Logger,
) (*Classifier, error) {
	if apiKey == "" {
		return nil, &core.ConfigurationError{Field: "openai.api_key"}
	}
	return &Classifier{
		client:      openai.NewClient(apiKey),
		modelName:   modelName,
		maxTokens:   maxTokens,
		temperature: temperature,
		topP:        topP,
		maxBodySize: maxBodySize,
		text:        utils.NewTextProcessor(logger),
		logger:      logger,
	}, nil
}

// Classify sends the triage request to OpenAI and parses its verdict.
func (c *Classifier) Classify(ctx context.Context, req *core.ClassifyRequest) (*core.ClassificationResult, error) {
	requestText := prompt.BuildTruncated(req, c.text, c.maxBodySize)

	message := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser}
	if img := req.Message.Image; img != nil && len(img.Data) > 0 {
		// Vision requests use the multi-part content format with an inline
		// data URL.
		message.MultiContent = []openai.ChatMessagePart{
			{Type: openai.ChatMessagePartTypeText, Text: requestText},
			{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL: fmt.Sprintf("data:%s;base64,%s",
						img.MIMEType, base64.StdEncoding.EncodeToString(img.Data)),
				},
			},
		}
	} else {
		message.Content = requestText
	}

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.modelName,
		Messages:    []openai.ChatCompletionMessage{message},
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
		TopP:        c.topP,
	})
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) && (apiErr.HTTPStatusCode == 401 || apiErr.HTTPStatusCode == 403) {
			return nil, &core.AuthError{System: "openai", Message: apiErr.Message}
		}
		return nil, &core.TransportError{Op: "openai chat completion", Err: err}
	}
	if len(resp.Choices) == 0 {
		c.logger.Warn("empty response from OpenAI", zap.String("model", c.modelName))
		return prompt.ParseResult(""), nil
	}

	return prompt.ParseResult(resp.Choices[0].Message.Content), nil
}
