package connector

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/forkline/ops-cli/internal/resilience"
	"github.com/forkline/ops-cli/pkg/creative"
)

// creativeResource is the rate-limit and circuit-breaker key for asset
// generation.
const creativeResource = "creative"

// classifyCreativeErr maps Anthropic API errors onto the transient/terminal
// taxonomy. Overload and rate-limit responses are retryable; a rejected
// prompt is not.
func classifyCreativeErr(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return resilience.ClassifyHTTPStatus(err, apiErr.StatusCode)
	}
	return err
}

// GenerateAssets produces the marketing asset bundle for a registered
// restaurant and emits it as an item for human approval.
type GenerateAssets struct {
	client  creative.Client
	adapter *Adapter
}

// NewGenerateAssets creates the generate-assets handler.
func NewGenerateAssets(client creative.Client, adapter *Adapter) *GenerateAssets {
	return &GenerateAssets{client: client, adapter: adapter}
}

func (h *GenerateAssets) Name() string { return "generate-assets" }

func (h *GenerateAssets) Run(ctx context.Context, in Input) (*Result, error) {
	subject := in.Job.Subject

	var highlights []string
	if raw := subject.Field("highlights"); raw != "" {
		for _, part := range strings.Split(raw, ";") {
			if p := strings.TrimSpace(part); p != "" {
				highlights = append(highlights, p)
			}
		}
	}

	bundle, err := Invoke(ctx, h.adapter, creativeResource, "generate-bundle", in.Config,
		func(ctx context.Context) (*creative.Bundle, error) {
			b, err := h.client.GenerateBundle(ctx, creative.BundleRequest{
				Name:       subject.Field("name"),
				Cuisine:    subject.Field("cuisine"),
				Address:    subject.Field("address"),
				Highlights: highlights,
			})
			if err != nil {
				return nil, classifyCreativeErr(err)
			}
			return b, nil
		})
	if err != nil {
		return nil, eris.Wrapf(err, "connector: generate assets for job %s", in.Job.ID)
	}

	payload, err := json.Marshal(bundle)
	if err != nil {
		return nil, eris.Wrap(err, "connector: marshal asset bundle")
	}

	zap.L().Info("assets generated",
		zap.String("job_id", in.Job.ID),
		zap.Int("social_posts", len(bundle.SocialPosts)),
	)

	return &Result{
		Summary: map[string]any{
			"tagline":      bundle.Tagline,
			"social_posts": len(bundle.SocialPosts),
		},
		Items: []NewItem{{
			DedupKey: "assets|" + strings.ToLower(subject.Field("name")),
			Payload:  payload,
		}},
	}, nil
}
