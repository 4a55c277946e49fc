// Package automation wraps the delivery-platform automation API: listing
// search for platform matching and asynchronous registration runs.
package automation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
)

// Default base URL for the automation API.
const defaultBaseURL = "https://automation.forkline.dev/v1"

// Client defines the automation API operations.
type Client interface {
	SearchListings(ctx context.Context, req SearchRequest) (*SearchResponse, error)
	SubmitRegistration(ctx context.Context, req RegistrationRequest) (*RunResponse, error)
	GetRunStatus(ctx context.Context, runID string) (*RunStatusResponse, error)
}

// SearchRequest is the body for POST /listings/search.
type SearchRequest struct {
	Name    string `json:"name"`
	Address string `json:"address,omitempty"`
	Phone   string `json:"phone,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

// SearchResponse is the response from POST /listings/search.
type SearchResponse struct {
	Success  bool      `json:"success"`
	Listings []Listing `json:"listings"`
}

// Listing is one candidate platform listing for a restaurant.
type Listing struct {
	PlatformID string  `json:"platformId"`
	Name       string  `json:"name"`
	Address    string  `json:"address"`
	Phone      string  `json:"phone"`
	Score      float64 `json:"score"`
	Claimed    bool    `json:"claimed"`
}

// RegistrationRequest is the body for POST /registrations.
type RegistrationRequest struct {
	PlatformID string            `json:"platformId,omitempty"`
	Name       string            `json:"name"`
	Address    string            `json:"address"`
	Phone      string            `json:"phone"`
	Cuisine    string            `json:"cuisine,omitempty"`
	Extra      map[string]string `json:"extra,omitempty"`
}

// RunResponse is the response from POST /registrations.
type RunResponse struct {
	Success bool   `json:"success"`
	RunID   string `json:"runId"`
}

// RunStatusResponse is the response from GET /registrations/{id}.
type RunStatusResponse struct {
	Status         string `json:"status"`
	ConfirmationID string `json:"confirmationId,omitempty"`
	Error          string `json:"error,omitempty"`
}

// APIError is returned when the automation API responds with a non-2xx status.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("automation: HTTP %d: %s", e.StatusCode, e.Body)
}

// Option configures the httpClient.
type Option func(*httpClient)

// WithBaseURL overrides the default base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient sets a custom *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// httpClient implements Client using net/http.
type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewClient creates a new automation client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) SearchListings(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	var resp SearchResponse
	if err := c.post(ctx, "/listings/search", req, &resp); err != nil {
		return nil, eris.Wrap(err, "automation: search listings")
	}
	return &resp, nil
}

func (c *httpClient) SubmitRegistration(ctx context.Context, req RegistrationRequest) (*RunResponse, error) {
	var resp RunResponse
	if err := c.post(ctx, "/registrations", req, &resp); err != nil {
		return nil, eris.Wrap(err, "automation: submit registration")
	}
	return &resp, nil
}

func (c *httpClient) GetRunStatus(ctx context.Context, runID string) (*RunStatusResponse, error) {
	var resp RunStatusResponse
	if err := c.get(ctx, fmt.Sprintf("/registrations/%s", runID), &resp); err != nil {
		return nil, eris.Wrap(err, fmt.Sprintf("automation: get run status %s", runID))
	}
	return &resp, nil
}

func (c *httpClient) post(ctx context.Context, path string, body any, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return eris.Wrap(err, "marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return eris.Wrap(err, "create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	return c.do(req, out)
}

func (c *httpClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return eris.Wrap(err, "create request")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	return c.do(req, out)
}

func (c *httpClient) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return eris.Wrap(err, "execute request")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return eris.Wrap(err, "read response body")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{
			StatusCode: resp.StatusCode,
			Body:       string(data),
		}
	}

	if err := json.Unmarshal(data, out); err != nil {
		return eris.Wrap(err, "decode response")
	}

	return nil
}
