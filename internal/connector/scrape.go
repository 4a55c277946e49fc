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
	"github.com/forkline/ops-cli/pkg/webscrape"
)

// webscrapeResource is the rate-limit and circuit-breaker key for the
// extractor service.
const webscrapeResource = "webscrape"

// classifyWebscrapeErr maps extractor API errors onto the transient/terminal
// taxonomy using their HTTP status.
func classifyWebscrapeErr(err error) error {
	var apiErr *webscrape.APIError
	if errors.As(err, &apiErr) {
		return resilience.ClassifyHTTPStatus(err, apiErr.StatusCode)
	}
	return err
}

// ExtractLeads runs the first step of lead acquisition: submit an extraction
// query and poll until the lead set is ready.
type ExtractLeads struct {
	client       webscrape.Client
	adapter      *Adapter
	pollInterval time.Duration
	pollTimeout  time.Duration
	maxLeads     int
}

// ExtractLeadsConfig tunes the extraction handler.
type ExtractLeadsConfig struct {
	PollInterval time.Duration
	PollTimeout  time.Duration
	MaxLeads     int
}

// NewExtractLeads creates the extract-leads handler.
func NewExtractLeads(client webscrape.Client, adapter *Adapter, cfg ExtractLeadsConfig) *ExtractLeads {
	if cfg.MaxLeads <= 0 {
		cfg.MaxLeads = 50
	}
	return &ExtractLeads{
		client:       client,
		adapter:      adapter,
		pollInterval: cfg.PollInterval,
		pollTimeout:  cfg.PollTimeout,
		maxLeads:     cfg.MaxLeads,
	}
}

func (h *ExtractLeads) Name() string { return "extract-leads" }

func (h *ExtractLeads) Run(ctx context.Context, in Input) (*Result, error) {
	subject := in.Job.Subject
	if subject.Field("query") == "" || subject.Field("location") == "" {
		return nil, resilience.NewTerminalError(
			eris.New("connector: extract-leads requires query and location"), 0)
	}

	status, err := Invoke(ctx, h.adapter, webscrapeResource, "extract", in.Config,
		func(ctx context.Context) (*webscrape.ExtractStatusResponse, error) {
			resp, err := h.client.Extract(ctx, webscrape.ExtractRequest{
				Query:    subject.Field("query"),
				Location: subject.Field("location"),
				Cuisine:  subject.Field("cuisine"),
				Limit:    h.maxLeads,
			})
			if err != nil {
				return nil, classifyWebscrapeErr(err)
			}

			opts := []webscrape.PollOption{}
			if h.pollInterval > 0 {
				opts = append(opts, webscrape.WithPollInterval(h.pollInterval))
			}
			if h.pollTimeout > 0 {
				opts = append(opts, webscrape.WithPollTimeout(h.pollTimeout))
			}
			st, err := webscrape.PollExtract(ctx, h.client, resp.ID, opts...)
			if err != nil {
				return nil, classifyWebscrapeErr(err)
			}
			return st, nil
		})
	if err != nil {
		return nil, eris.Wrapf(err, "connector: extract leads for job %s", in.Job.ID)
	}

	items := make([]NewItem, 0, len(status.Leads))
	invalid := 0
	for _, lead := range status.Leads {
		payload, err := json.Marshal(lead)
		if err != nil {
			return nil, eris.Wrap(err, "connector: marshal lead")
		}

		validation := model.ItemValid
		if strings.TrimSpace(lead.Name) == "" {
			validation = model.ItemInvalid
			invalid++
		}
		items = append(items, NewItem{
			DedupKey:   leadDedupKey(lead),
			Validation: validation,
			Payload:    payload,
		})
	}

	zap.L().Info("leads extracted",
		zap.String("job_id", in.Job.ID),
		zap.Int("total", len(items)),
		zap.Int("invalid", invalid),
	)

	return &Result{
		Summary: map[string]any{
			"total":   len(items),
			"invalid": invalid,
		},
		Items: items,
	}, nil
}

// leadDedupKey normalizes a lead into a dedup key: lowercased name plus the
// phone number's digits.
func leadDedupKey(lead webscrape.Lead) string {
	var digits strings.Builder
	for _, r := range lead.Phone {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	return strings.ToLower(strings.TrimSpace(lead.Name)) + "|" + digits.String()
}

// EnrichContacts fills in contact details for each curated lead. Lead
// failures are isolated: one unreachable website does not fail the step.
type EnrichContacts struct {
	client  webscrape.Client
	adapter *Adapter
}

// NewEnrichContacts creates the enrich-contacts handler.
func NewEnrichContacts(client webscrape.Client, adapter *Adapter) *EnrichContacts {
	return &EnrichContacts{client: client, adapter: adapter}
}

func (h *EnrichContacts) Name() string { return "enrich-contacts" }

func (h *EnrichContacts) Run(ctx context.Context, in Input) (*Result, error) {
	enriched := 0
	failed := 0
	updates := make([]ItemUpdate, 0, len(in.Items))

	for _, item := range in.Items {
		var lead webscrape.Lead
		if err := json.Unmarshal(item.Payload, &lead); err != nil {
			failed++
			updates = append(updates, ItemUpdate{
				ItemID: item.ID,
				Status: model.ItemStatusFailed,
				Error:  "malformed lead payload",
			})
			continue
		}

		resp, err := Invoke(ctx, h.adapter, webscrapeResource, "enrich", in.Config,
			func(ctx context.Context) (*webscrape.EnrichResponse, error) {
				r, err := h.client.Enrich(ctx, webscrape.EnrichRequest{
					Name:    lead.Name,
					Website: lead.Website,
					Phone:   lead.Phone,
				})
				if err != nil {
					return nil, classifyWebscrapeErr(err)
				}
				return r, nil
			})
		if err != nil {
			if ctx.Err() != nil {
				return nil, eris.Wrapf(err, "connector: enrich contacts for job %s", in.Job.ID)
			}
			failed++
			updates = append(updates, ItemUpdate{
				ItemID: item.ID,
				Status: model.ItemStatusFailed,
				Error:  err.Error(),
			})
			continue
		}

		payload, err := json.Marshal(struct {
			webscrape.Lead
			Contact webscrape.Contact `json:"contact"`
		}{Lead: lead, Contact: resp.Contact})
		if err != nil {
			return nil, eris.Wrap(err, "connector: marshal enriched lead")
		}

		enriched++
		updates = append(updates, ItemUpdate{
			ItemID:  item.ID,
			Status:  model.ItemStatusProcessed,
			Payload: payload,
		})
	}

	zap.L().Info("contacts enriched",
		zap.String("job_id", in.Job.ID),
		zap.Int("enriched", enriched),
		zap.Int("failed", failed),
	)

	return &Result{
		Summary: map[string]any{
			"enriched": enriched,
			"failed":   failed,
		},
		Updates: updates,
	}, nil
}
