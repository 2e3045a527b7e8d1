package gemini

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"go.uber.org/zap"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/mikey/mail-triage/internal/core"
	"github.com/mikey/mail-triage/internal/prompt"
	"github.com/mikey/mail-triage/internal/utils"
)

// Classifier is an implementation of the core.Classifier interface using
// Google Gemini.
type Classifier struct {
	client      *genai.Client
	model       *genai.GenerativeModel
	modelName   string
	maxBodySize int
	text        *utils.TextProcessor
	logger      *zap.Logger
}

// NewClassifier creates a new Gemini classifier
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
		return nil, &core.ConfigurationError{Field: "gemini.api_key"}
	}
	client, err := genai.NewClient(context.Background(), option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	model := client.GenerativeModel(modelName)
	model.SetTemperature(temperature)
	model.SetTopP(topP)
	model.SetMaxOutputTokens(int32(maxTokens))

	return &Classifier{
		client:      client,
		model:       model,
		modelName:   modelName,
		maxBodySize: maxBodySize,
		text:        utils.NewTextProcessor(logger),
		logger:      logger,
	}, nil
}

// Close closes the Gemini client
func (c *Classifier) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// Classify sends the triage request to Gemini and parses its verdict. A
// syntactically broken reply becomes a safe no-action result, not an error.
func (c *Classifier) Classify(ctx context.Context, req *core.ClassifyRequest) (*core.ClassificationResult, error) {
	parts := []genai.Part{genai.Text(prompt.BuildTruncated(req, c.text, c.maxBodySize))}
	if img := req.Message.Image; img != nil && len(img.Data) > 0 {
		parts = append(parts, genai.Blob{MIMEType: img.MIMEType, Data: img.Data})
	}

	resp, err := c.model.GenerateContent(ctx, parts...)
	if err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && (apiErr.Code == 401 || apiErr.Code == 403) {
			return nil, &core.AuthError{System: "gemini", Message: apiErr.Message}
		}
		return nil, &core.TransportError{Op: "gemini generate", Err: err}
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		c.logger.Warn("empty response from Gemini", zap.String("model", c.modelName))
		return prompt.ParseResult(""), nil
	}

	responseText := fmt.Sprintf("%v", resp.Candidates[0].Content.Parts[0])
	return prompt.ParseResult(responseText), nil
}
