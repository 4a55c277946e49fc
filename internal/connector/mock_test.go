package connector

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/forkline/ops-cli/internal/ratelimit"
	"github.com/forkline/ops-cli/internal/resilience"
	"github.com/forkline/ops-cli/pkg/automation"
	"github.com/forkline/ops-cli/pkg/creative"
	"github.com/forkline/ops-cli/pkg/webscrape"
)

// newTestAdapter builds an adapter with generous limits and millisecond
// backoff so retry paths run fast.
func newTestAdapter() *Adapter {
	limiter := ratelimit.New(ratelimit.Config{
		Concurrency:    8,
		AcquireTimeout: time.Second,
	}, nil)
	breakers := resilience.NewResourceBreakers(resilience.CircuitConfig{FailureThreshold: 100})
	return NewAdapter(limiter, breakers, resilience.RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
	})
}

// --- Webscrape Mock ---

type mockWebscrapeClient struct {
	mock.Mock
}

func (m *mockWebscrapeClient) Extract(ctx context.Context, req webscrape.ExtractRequest) (*webscrape.ExtractResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*webscrape.ExtractResponse), args.Error(1)
}

func (m *mockWebscrapeClient) GetExtractStatus(ctx context.Context, id string) (*webscrape.ExtractStatusResponse, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*webscrape.ExtractStatusResponse), args.Error(1)
}

func (m *mockWebscrapeClient) Enrich(ctx context.Context, req webscrape.EnrichRequest) (*webscrape.EnrichResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*webscrape.EnrichResponse), args.Error(1)
}

// --- Automation Mock ---

type mockAutomationClient struct {
	mock.Mock
}

func (m *mockAutomationClient) SearchListings(ctx context.Context, req automation.SearchRequest) (*automation.SearchResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*automation.SearchResponse), args.Error(1)
}

func (m *mockAutomationClient) SubmitRegistration(ctx context.Context, req automation.RegistrationRequest) (*automation.RunResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*automation.RunResponse), args.Error(1)
}

func (m *mockAutomationClient) GetRunStatus(ctx context.Context, runID string) (*automation.RunStatusResponse, error) {
	args := m.Called(ctx, runID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*automation.RunStatusResponse), args.Error(1)
}

// --- Creative Mock ---

type mockCreativeClient struct {
	mock.Mock
}

func (m *mockCreativeClient) GenerateBundle(ctx context.Context, req creative.BundleRequest) (*creative.Bundle, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*creative.Bundle), args.Error(1)
}
