package connector

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/forkline/ops-cli/internal/model"
	"github.com/forkline/ops-cli/internal/resilience"
	"github.com/forkline/ops-cli/pkg/automation"
)

func registrationJob() *model.Job {
	return &model.Job{
		ID:             "job-2",
		OrganizationID: "org-1",
		Pipeline:       "restaurant-registration",
		Subject: model.Subject{
			Kind: model.SubjectRestaurant,
			Fields: map[string]string{
				"name":    "Sal's Pizzeria",
				"address": "1 Main St, Brooklyn, NY",
				"phone":   "5551234567",
				"cuisine": "pizza",
			},
		},
	}
}

func TestPlatformMatch_Run(t *testing.T) {
	client := &mockAutomationClient{}
	client.On("SearchListings", mock.Anything, mock.MatchedBy(func(req automation.SearchRequest) bool {
		return req.Name == "Sal's Pizzeria" && req.Limit == 5
	})).Return(&automation.SearchResponse{
		Success: true,
		Listings: []automation.Listing{
			{PlatformID: "PLAT-1", Name: "Sal's Pizzeria", Score: 0.97},
			{PlatformID: "PLAT-2", Name: "Sal's Pizza & Subs", Score: 0.61},
		},
	}, nil)

	h := NewPlatformMatch(client, newTestAdapter())
	result, err := h.Run(context.Background(), Input{Job: registrationJob(), Step: &model.Step{Number: 2}})
	require.NoError(t, err)

	require.Len(t, result.Items, 2)
	assert.Equal(t, "listing|plat-1", result.Items[0].DedupKey)
	assert.Contains(t, string(result.Items[0].Payload), "PLAT-1")
	client.AssertExpectations(t)
}

func TestPlatformMatch_NoCandidates(t *testing.T) {
	client := &mockAutomationClient{}
	client.On("SearchListings", mock.Anything, mock.Anything).
		Return(&automation.SearchResponse{Success: true}, nil)

	h := NewPlatformMatch(client, newTestAdapter())
	result, err := h.Run(context.Background(), Input{Job: registrationJob(), Step: &model.Step{Number: 2}})
	require.NoError(t, err)
	assert.Empty(t, result.Items)
}

func TestSubmitRegistration_WithConfirmedListing(t *testing.T) {
	listing, _ := json.Marshal(automation.Listing{PlatformID: "PLAT-1", Name: "Sal's Pizzeria"})

	client := &mockAutomationClient{}
	client.On("SubmitRegistration", mock.Anything, mock.MatchedBy(func(req automation.RegistrationRequest) bool {
		return req.PlatformID == "PLAT-1" && req.Name == "Sal's Pizzeria"
	})).Return(&automation.RunResponse{Success: true, RunID: "run-1"}, nil)
	client.On("GetRunStatus", mock.Anything, "run-1").
		Return(&automation.RunStatusResponse{Status: "completed", ConfirmationID: "conf-9"}, nil)

	h := NewSubmitRegistration(client, newTestAdapter(), SubmitRegistrationConfig{})
	result, err := h.Run(context.Background(), Input{
		Job:   registrationJob(),
		Step:  &model.Step{Number: 4},
		Items: []model.Item{{ID: "item-listing", Payload: listing}},
	})
	require.NoError(t, err)

	summary, err := json.Marshal(result.Summary)
	require.NoError(t, err)
	assert.JSONEq(t, `{"confirmation_id":"conf-9","platform_id":"PLAT-1"}`, string(summary))
	require.Len(t, result.Updates, 1)
	assert.Equal(t, model.ItemStatusProcessed, result.Updates[0].Status)
	client.AssertExpectations(t)
}

func TestSubmitRegistration_FreshListing(t *testing.T) {
	client := &mockAutomationClient{}
	client.On("SubmitRegistration", mock.Anything, mock.MatchedBy(func(req automation.RegistrationRequest) bool {
		return req.PlatformID == ""
	})).Return(&automation.RunResponse{Success: true, RunID: "run-2"}, nil)
	client.On("GetRunStatus", mock.Anything, "run-2").
		Return(&automation.RunStatusResponse{Status: "completed", ConfirmationID: "conf-10"}, nil)

	h := NewSubmitRegistration(client, newTestAdapter(), SubmitRegistrationConfig{})
	result, err := h.Run(context.Background(), Input{Job: registrationJob(), Step: &model.Step{Number: 4}})
	require.NoError(t, err)
	assert.Empty(t, result.Updates)
}

func TestSubmitRegistration_MissingProfileFields(t *testing.T) {
	job := registrationJob()
	job.Subject.Fields = map[string]string{"name": "Sal's Pizzeria"}

	h := NewSubmitRegistration(&mockAutomationClient{}, newTestAdapter(), SubmitRegistrationConfig{})
	_, err := h.Run(context.Background(), Input{Job: job, Step: &model.Step{Number: 4}})
	require.Error(t, err)
	assert.True(t, resilience.IsTerminal(err))
	assert.Contains(t, err.Error(), "address")
	assert.Contains(t, err.Error(), "phone")
}

func TestSubmitRegistration_TransientRunFailureRetries(t *testing.T) {
	client := &mockAutomationClient{}
	client.On("SubmitRegistration", mock.Anything, mock.Anything).
		Return(nil, &automation.APIError{StatusCode: 503, Body: "browser pool exhausted"}).Once()
	client.On("SubmitRegistration", mock.Anything, mock.Anything).
		Return(&automation.RunResponse{Success: true, RunID: "run-3"}, nil).Once()
	client.On("GetRunStatus", mock.Anything, "run-3").
		Return(&automation.RunStatusResponse{Status: "completed", ConfirmationID: "conf-11"}, nil)

	h := NewSubmitRegistration(client, newTestAdapter(), SubmitRegistrationConfig{})
	_, err := h.Run(context.Background(), Input{Job: registrationJob(), Step: &model.Step{Number: 4}})
	require.NoError(t, err)
	client.AssertExpectations(t)
}
