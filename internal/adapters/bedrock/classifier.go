package bedrock

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"go.uber.org/zap"

	"github.com/mikey/mail-triage/internal/core"
	"github.com/mikey/mail-triage/internal/prompt"
	"github.com/mikey/mail-triage/internal/utils"
)

// Classifier is an implementation of the core.Classifier interface using
// Amazon Bedrock with Anthropic models.
type Classifier struct {
	client      *bedrockruntime.Client
	modelID     string
	maxTokens   int
	temperature float32
	topP        float32
	maxBodySize int
	text        *utils.TextProcessor
	logger      *zap.Logger
}

// NewClassifier creates a new Bedrock classifier
func NewClassifier(
	client *bedrockruntime.Client,
	modelID string,
	maxTokens int,
	temperature float32,
	topP float32,
	maxBodySize int,
	logger *zap.Logger,
	text *utils.TextProcessor,
) *Classifier {
	return &Classifier{
		client:      client,
		modelID:     modelID,
		maxTokens:   maxTokens,
		temperature: temperature,
		topP:        topP,
		maxBodySize: maxBodySize,
		text:        text,
		logger:      logger,
	}
}

// anthropicResponse is the shape of the Anthropic messages API reply body.
type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// Classify sends the triage request through Bedrock's InvokeModel using the
// Anthropic messages payload.
func (c *Classifier) Classify(ctx context.Context, req *core.ClassifyRequest) (*core.ClassificationResult, error) {
	content := []map[string]interface{}{
		{"type": "text", "text": prompt.BuildTruncated(req, c.text, c.maxBodySize)},
	}
	if img := req.Message.Image; img != nil && len(img.Data) > 0 {
		content = append(content, map[string]interface{}{
			"type": "image",
			"source": map[string]interface{}{
				"type":       "base64",
				"media_type": img.MIMEType,
				"data":       base64.StdEncoding.EncodeToString(img.Data),
			},
		})
	}

	payload, err := json.Marshal(map[string]interface{}{
		"anthropic_version": "bedrock-2023-05-31",
		"max_tokens":        c.maxTokens,
		"temperature":       c.temperature,
		"top_p":             c.topP,
		"messages": []map[string]interface{}{
			{"role": "user", "content": content},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request payload: %w", err)
	}

	resp, err := c.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     &c.modelID,
		Body:        payload,
		Accept:      aws.String("application/json"),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		if isAccessDenied(err) {
			return nil, &core.AuthError{System: "bedrock", Message: err.Error()}
		}
		return nil, &core.TransportError{Op: "bedrock invoke model", Err: err}
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(resp.Body, &parsed); err != nil {
		c.logger.Warn("unreadable response envelope from Bedrock", zap.Error(err))
		return prompt.ParseResult(""), nil
	}
	var b strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return prompt.ParseResult(b.String()), nil
}

func isAccessDenied(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "AccessDeniedException") ||
		strings.Contains(msg, "UnrecognizedClientException") ||
		strings.Contains(msg, "ExpiredTokenException")
}
