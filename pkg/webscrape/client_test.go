package webscrape

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, Client) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient("test-api-key", WithBaseURL(srv.URL))
	return srv, c
}

func TestExtract(t *testing.T) {
	tests := []struct {
		name       string
		handler    http.HandlerFunc
		wantID     string
		wantErr    bool
		wantAPIErr bool
		wantStatus int
	}{
		{
			name: "happy path",
			handler: func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "/extract", r.URL.Path)
				assert.Equal(t, "Bearer test-api-key", r.Header.Get("Authorization"))
				assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

				var req ExtractRequest
				require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
				assert.Equal(t, "pizza", req.Query)
				assert.Equal(t, "Brooklyn, NY", req.Location)

				w.WriteHeader(http.StatusOK)
				json.NewEncoder(w).Encode(ExtractResponse{Success: true, ID: "extract-123"})
			},
			wantID: "extract-123",
		},
		{
			name: "auth error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(`{"error":"Unauthorized"}`))
			},
			wantErr:    true,
			wantAPIErr: true,
			wantStatus: 401,
		},
		{
			name: "rate limited",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte(`{"error":"rate limit exceeded"}`))
			},
			wantErr:    true,
			wantAPIErr: true,
			wantStatus: 429,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, c := newTestServer(t, tt.handler)
			resp, err := c.Extract(context.Background(), ExtractRequest{
				Query: "pizza", Location: "Brooklyn, NY", Limit: 50,
			})

			if tt.wantErr {
				require.Error(t, err)
				if tt.wantAPIErr {
					var apiErr *APIError
					require.ErrorAs(t, err, &apiErr)
					assert.Equal(t, tt.wantStatus, apiErr.StatusCode)
				}
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, resp.ID)
			assert.True(t, resp.Success)
		})
	}
}

func TestGetExtractStatus(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/extract/extract-123", r.URL.Path)
		assert.Equal(t, "Bearer test-api-key", r.Header.Get("Authorization"))

		json.NewEncoder(w).Encode(ExtractStatusResponse{
			Status: "completed",
			Total:  2,
			Leads: []Lead{
				{Name: "Sal's Pizzeria", Address: "1 Main St", Phone: "5551234", Cuisine: "pizza", SourceURL: "https://maps.example.com/sals"},
				{Name: "Mario's", Address: "2 Main St", Phone: "5555678", Cuisine: "pizza", SourceURL: "https://maps.example.com/marios"},
			},
		})
	})

	resp, err := c.GetExtractStatus(context.Background(), "extract-123")
	require.NoError(t, err)
	assert.Equal(t, "completed", resp.Status)
	assert.Equal(t, 2, resp.Total)
	require.Len(t, resp.Leads, 2)
	assert.Equal(t, "Sal's Pizzeria", resp.Leads[0].Name)
}

func TestEnrich(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/enrich", r.URL.Path)

		var req EnrichRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "Sal's Pizzeria", req.Name)

		json.NewEncoder(w).Encode(EnrichResponse{
			Success: true,
			Contact: Contact{Email: "owner@sals.example", OwnerName: "Sal Romano"},
		})
	})

	resp, err := c.Enrich(context.Background(), EnrichRequest{
		Name: "Sal's Pizzeria", Website: "https://sals.example",
	})
	require.NoError(t, err)
	assert.Equal(t, "owner@sals.example", resp.Contact.Email)
	assert.Equal(t, "Sal Romano", resp.Contact.OwnerName)
}

func TestPollExtract(t *testing.T) {
	calls := 0
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		status := "processing"
		var leads []Lead
		if calls >= 3 {
			status = "completed"
			leads = []Lead{{Name: "Sal's Pizzeria", SourceURL: "https://maps.example.com/sals"}}
		}
		json.NewEncoder(w).Encode(ExtractStatusResponse{Status: status, Total: len(leads), Leads: leads})
	})

	resp, err := PollExtract(context.Background(), c, "extract-123",
		WithPollInterval(time.Millisecond), WithPollCap(2*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, "completed", resp.Status)
	assert.Equal(t, 3, calls)
	require.Len(t, resp.Leads, 1)
}

func TestPollExtract_Failed(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ExtractStatusResponse{Status: "failed"})
	})

	_, err := PollExtract(context.Background(), c, "extract-456",
		WithPollInterval(time.Millisecond))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed")
}

func TestPollExtract_Timeout(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ExtractStatusResponse{Status: "processing"})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := PollExtract(ctx, c, "extract-789", WithPollInterval(10*time.Millisecond))
	require.Error(t, err)
}
