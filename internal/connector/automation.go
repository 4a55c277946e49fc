package connector

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/forkline/ops-cli/internal/model"
	"github.com/forkline/ops-cli/internal/resilience"
	"github.com/forkline/ops-cli/pkg/automation"
)

// automationResource is the rate-limit and circuit-breaker key for the
// platform automation service.
const automationResource = "automation"

func classifyAutomationErr(err error) error {
	var apiErr *automation.APIError
	if errors.As(err, &apiErr) {
		return resilience.ClassifyHTTPStatus(err, apiErr.StatusCode)
	}
	return err
}

// profileFields are the subject fields a registration needs.
var profileFields = []string{"name", "address", "phone"}

// PlatformMatch searches the delivery platform for listings matching the
// restaurant and emits each candidate as an item for human confirmation.
type PlatformMatch struct {
	client  automation.Client
	adapter *Adapter
	limit   int
}

// NewPlatformMatch creates the platform-match handler.
func NewPlatformMatch(client automation.Client, adapter *Adapter) *PlatformMatch {
	return &PlatformMatch{client: client, adapter: adapter, limit: 5}
}

func (h *PlatformMatch) Name() string { return "platform-match" }

func (h *PlatformMatch) Run(ctx context.Context, in Input) (*Result, error) {
	subject := in.Job.Subject

	resp, err := Invoke(ctx, h.adapter, automationResource, "search-listings", in.Config,
		func(ctx context.Context) (*automation.SearchResponse, error) {
			r, err := h.client.SearchListings(ctx, automation.SearchRequest{
				Name:    subject.Field("name"),
				Address: subject.Field("address"),
				Phone:   subject.Field("phone"),
				Limit:   h.limit,
			})
			if err != nil {
				return nil, classifyAutomationErr(err)
			}
			return r, nil
		})
	if err != nil {
		return nil, eris.Wrapf(err, "connector: platform match for job %s", in.Job.ID)
	}

	items := make([]NewItem, 0, len(resp.Listings))
	for _, listing := range resp.Listings {
		payload, err := json.Marshal(listing)
		if err != nil {
			return nil, eris.Wrap(err, "connector: marshal listing")
		}
		items = append(items, NewItem{
			DedupKey: "listing|" + strings.ToLower(listing.PlatformID),
			Payload:  payload,
		})
	}

	zap.L().Info("platform listings matched",
		zap.String("job_id", in.Job.ID),
		zap.Int("candidates", len(items)),
	)

	return &Result{
		Summary: map[string]any{"candidates": len(items)},
		Items:   items,
	}, nil
}

// SubmitRegistration submits the registration run on the platform and polls
// it to completion. If the human confirmed an existing listing, that item is
// passed in and its platform id is claimed; otherwise a fresh listing is
// created.
type SubmitRegistration struct {
	client       automation.Client
	adapter      *Adapter
	pollInterval time.Duration
	pollTimeout  time.Duration
}

// SubmitRegistrationConfig tunes the registration handler.
type SubmitRegistrationConfig struct {
	PollInterval time.Duration
	PollTimeout  time.Duration
}

// NewSubmitRegistration creates the submit-registration handler.
func NewSubmitRegistration(client automation.Client, adapter *Adapter, cfg SubmitRegistrationConfig) *SubmitRegistration {
	return &SubmitRegistration{
		client:       client,
		adapter:      adapter,
		pollInterval: cfg.PollInterval,
		pollTimeout:  cfg.PollTimeout,
	}
}

func (h *SubmitRegistration) Name() string { return "submit-registration" }

func (h *SubmitRegistration) Run(ctx context.Context, in Input) (*Result, error) {
	subject := in.Job.Subject
	if missing := subject.MissingFields(profileFields); len(missing) > 0 {
		return nil, resilience.NewTerminalError(
			eris.Errorf("connector: registration missing fields: %s", strings.Join(missing, ", ")), 0)
	}

	// At most one confirmed listing arrives from the confirm-match step.
	platformID := ""
	var confirmed *model.Item
	if len(in.Items) > 0 {
		confirmed = &in.Items[0]
		var listing automation.Listing
		if err := json.Unmarshal(confirmed.Payload, &listing); err != nil {
			return nil, resilience.NewTerminalError(
				eris.Wrap(err, "connector: malformed confirmed listing"), 0)
		}
		platformID = listing.PlatformID
	}

	status, err := Invoke(ctx, h.adapter, automationResource, "submit-registration", in.Config,
		func(ctx context.Context) (*automation.RunStatusResponse, error) {
			run, err := h.client.SubmitRegistration(ctx, automation.RegistrationRequest{
				PlatformID: platformID,
				Name:       subject.Field("name"),
				Address:    subject.Field("address"),
				Phone:      subject.Field("phone"),
				Cuisine:    subject.Field("cuisine"),
			})
			if err != nil {
				return nil, classifyAutomationErr(err)
			}

			opts := []automation.PollOption{}
			if h.pollInterval > 0 {
				opts = append(opts, automation.WithPollInterval(h.pollInterval))
			}
			if h.pollTimeout > 0 {
				opts = append(opts, automation.WithPollTimeout(h.pollTimeout))
			}
			st, err := automation.PollRun(ctx, h.client, run.RunID, opts...)
			if err != nil {
				return nil, classifyAutomationErr(err)
			}
			return st, nil
		})
	if err != nil {
		return nil, eris.Wrapf(err, "connector: submit registration for job %s", in.Job.ID)
	}

	zap.L().Info("registration submitted",
		zap.String("job_id", in.Job.ID),
		zap.String("confirmation_id", status.ConfirmationID),
	)

	result := &Result{
		Summary: map[string]any{
			"confirmation_id": status.ConfirmationID,
			"platform_id":     platformID,
		},
	}
	if confirmed != nil {
		result.Updates = []ItemUpdate{{
			ItemID: confirmed.ID,
			Status: model.ItemStatusProcessed,
		}}
	}
	return result, nil
}
