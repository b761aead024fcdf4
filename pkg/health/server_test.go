package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/speedrun-hq/speedrun-relayer/pkg/circuitbreaker"
	"github.com/speedrun-hq/speedrun-relayer/pkg/orchestrator"
	"github.com/speedrun-hq/speedrun-relayer/pkg/runner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	ready  bool
	status []runner.Status
	reset  []string
}

func (p *fakeProvider) Ready() bool             { return p.ready }
func (p *fakeProvider) Status() []runner.Status { return p.status }
func (p *fakeProvider) ResetBreaker(endpoint string) bool {
	p.reset = append(p.reset, endpoint)
	return endpoint == "rpc-0(node)"
}

func serve(t *testing.T, s *Server, method, target string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthAndReady(t *testing.T) {
	provider := &fakeProvider{}
	s := NewServer("0", provider)

	rec := serve(t, s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	rec = serve(t, s, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	provider.ready = true
	rec = serve(t, s, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatus(t *testing.T) {
	provider := &fakeProvider{
		ready: true,
		status: []runner.Status{{
			Progress: orchestrator.Progress{RunID: "run-1", Profile: "corn-sei", Total: 3, Done: 1},
			Breakers: []circuitbreaker.Snapshot{{Name: "rpc-0(node)", State: circuitbreaker.StateOpen}},
		}},
	}
	s := NewServer("0", provider)

	rec := serve(t, s, http.MethodGet, "/status", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body struct {
		Ready bool `json:"ready"`
		Runs  []struct {
			RunID    string `json:"run_id"`
			Profile  string `json:"profile"`
			Done     int    `json:"done"`
			Breakers []struct {
				Name  string `json:"name"`
				State string `json:"state"`
			} `json:"breakers"`
		} `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Ready)
	require.Len(t, body.Runs, 1)
	assert.Equal(t, "run-1", body.Runs[0].RunID)
	assert.Equal(t, 1, body.Runs[0].Done)
	require.Len(t, body.Runs[0].Breakers, 1)
	assert.Equal(t, "open", body.Runs[0].Breakers[0].State)
}

func TestCircuitReset(t *testing.T) {
	tests := []struct {
		name   string
		method string
		target string
		want   int
	}{
		{"wrong method", http.MethodGet, "/circuit/reset?endpoint=rpc-0(node)", http.StatusMethodNotAllowed},
		{"missing endpoint", http.MethodPost, "/circuit/reset", http.StatusBadRequest},
		{"unknown endpoint", http.MethodPost, "/circuit/reset?endpoint=other", http.StatusNotFound},
		{"reset", http.MethodPost, "/circuit/reset?endpoint=rpc-0(node)", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer("0", &fakeProvider{})
			rec := serve(t, s, tt.method, tt.target, nil)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestMetricsAuth(t *testing.T) {
	t.Setenv("METRICS_API_KEY", "secret")
	s := NewServer("0", &fakeProvider{})

	tests := []struct {
		name   string
		header map[string]string
		want   int
	}{
		{"missing header", nil, http.StatusUnauthorized},
		{"wrong scheme", map[string]string{"Authorization": "Basic secret"}, http.StatusUnauthorized},
		{"wrong key", map[string]string{"Authorization": "Bearer nope"}, http.StatusUnauthorized},
		{"valid key", map[string]string{"Authorization": "Bearer secret"}, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(t, s, http.MethodGet, "/metrics", tt.header)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestMetricsOpenWithoutKey(t *testing.T) {
	t.Setenv("METRICS_API_KEY", "")
	s := NewServer("0", &fakeProvider{})

	rec := serve(t, s, http.MethodGet, "/metrics", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
