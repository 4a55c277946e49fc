// Package creative generates marketing assets for registered restaurants
// using the Anthropic API: taglines, listing descriptions, social copy, and
// a brief for the photo shoot.
package creative

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Client defines the asset generation operations.
type Client interface {
	GenerateBundle(ctx context.Context, req BundleRequest) (*Bundle, error)
}

// BundleRequest describes the restaurant to generate assets for.
type BundleRequest struct {
	Name       string
	Cuisine    string
	Address    string
	Highlights []string
}

// Bundle is the generated asset set for one restaurant.
type Bundle struct {
	Tagline     string   `json:"tagline"`
	Description string   `json:"description"`
	SocialPosts []string `json:"social_posts"`
	PhotoBrief  string   `json:"photo_brief"`
	Usage       TokenUsage
}

// TokenUsage tracks token consumption for cost attribution.
type TokenUsage struct {
	InputTokens  int64
	OutputTokens int64
}

// LogCost logs token usage with structured zap fields.
func (u TokenUsage) LogCost(model string) {
	zap.L().Info("asset generation usage",
		zap.String("model", model),
		zap.Int64("input_tokens", u.InputTokens),
		zap.Int64("output_tokens", u.OutputTokens),
	)
}

const systemPrompt = `You are a copywriter for a restaurant delivery platform.
Given a restaurant's details, produce marketing assets as a single JSON object
with exactly these keys:
  "tagline": a short punchy tagline (max 10 words)
  "description": a listing description (2-3 sentences)
  "social_posts": an array of 3 social media post texts
  "photo_brief": guidance for the listing photo shoot (1 paragraph)
Respond with only the JSON object, no surrounding prose.`

// sdkClient implements Client using the official anthropic-sdk-go.
type sdkClient struct {
	client    sdk.Client
	model     string
	maxTokens int64
}

// NewClient creates a new creative client backed by the SDK.
func NewClient(apiKey, model string, maxTokens int64) Client {
	return &sdkClient{
		client: sdk.NewClient(
			option.WithAPIKey(apiKey),
		),
		model:     model,
		maxTokens: maxTokens,
	}
}

func (c *sdkClient) GenerateBundle(ctx context.Context, req BundleRequest) (*Bundle, error) {
	msg, err := c.client.Messages.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(c.model),
		MaxTokens: c.maxTokens,
		System:    []sdk.TextBlockParam{{Text: systemPrompt}},
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(buildPrompt(req))),
		},
	})
	if err != nil {
		return nil, eris.Wrap(err, "creative: generate bundle")
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	bundle, err := parseBundle(text.String())
	if err != nil {
		return nil, eris.Wrapf(err, "creative: parse bundle for %s", req.Name)
	}
	bundle.Usage = TokenUsage{
		InputTokens:  msg.Usage.InputTokens,
		OutputTokens: msg.Usage.OutputTokens,
	}
	bundle.Usage.LogCost(string(msg.Model))
	return bundle, nil
}

// buildPrompt renders the restaurant details into the user message.
func buildPrompt(req BundleRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Restaurant: %s\n", req.Name)
	if req.Cuisine != "" {
		fmt.Fprintf(&b, "Cuisine: %s\n", req.Cuisine)
	}
	if req.Address != "" {
		fmt.Fprintf(&b, "Address: %s\n", req.Address)
	}
	if len(req.Highlights) > 0 {
		fmt.Fprintf(&b, "Highlights: %s\n", strings.Join(req.Highlights, "; "))
	}
	return b.String()
}

// parseBundle extracts the JSON object from the model's response, tolerating
// markdown code fences around it.
func parseBundle(text string) (*Bundle, error) {
	text = strings.TrimSpace(text)
	if start := strings.Index(text, "{"); start >= 0 {
		if end := strings.LastIndex(text, "}"); end > start {
			text = text[start : end+1]
		}
	}

	var bundle Bundle
	if err := json.Unmarshal([]byte(text), &bundle); err != nil {
		return nil, eris.Wrap(err, "decode asset JSON")
	}
	if bundle.Tagline == "" && bundle.Description == "" {
		return nil, eris.New("asset JSON missing tagline and description")
	}
	return &bundle, nil
}
