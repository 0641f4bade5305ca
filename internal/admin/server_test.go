package admin

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SteelMorgan/projector/internal/domain"
	"github.com/SteelMorgan/projector/internal/offset"
	"github.com/SteelMorgan/projector/internal/projection"
	"github.com/SteelMorgan/projector/internal/storage/memstore"
)

type fakeRunner struct {
	mu    sync.Mutex
	id    domain.ProjectionID
	state projection.State
}

func (f *fakeRunner) ID() domain.ProjectionID { return f.id }

func (f *fakeRunner) State() projection.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeRunner) Status() projection.Status {
	return projection.Status{ID: f.id, State: f.State(), Offset: offset.Sequence(7), Envelopes: 7}
}

func (f *fakeRunner) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = projection.StateStopped
	return nil
}

func (f *fakeRunner) Resume() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = projection.StateRunning
}

type harness struct {
	srv      *Server
	registry *projection.Registry
	http     *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := memstore.New()
	offsets := memstore.NewOffsetStore(db)
	require.NoError(t, offsets.CreateIfNotExists(context.Background()))

	registry := projection.NewRegistry()
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "projector_test_total", Help: "test"}))

	srv := NewServer(Config{}, projection.NewManagement(offsets, db.Sessions(), registry), registry, reg)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &harness{srv: srv, registry: registry, http: ts}
}

func (h *harness) do(t *testing.T, method, path, body string) (int, string) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, h.http.URL+path, rd)
	require.NoError(t, err)
	resp, err := h.http.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(data)
}

func TestOffsetLifecycle(t *testing.T) {
	h := newHarness(t)
	const path = "/projections/documents/2/offset"

	code, _ := h.do(t, http.MethodGet, path, "")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = h.do(t, http.MethodPut, path, `{"value":"41","manifest":"SEQ"}`)
	require.Equal(t, http.StatusNoContent, code)

	code, body := h.do(t, http.MethodGet, path, "")
	require.Equal(t, http.StatusOK, code)
	var got offsetBody
	require.NoError(t, json.Unmarshal([]byte(body), &got))
	assert.Equal(t, offsetBody{Value: "41", Manifest: offset.ManifestSequence}, got)

	code, _ = h.do(t, http.MethodDelete, path, "")
	require.Equal(t, http.StatusNoContent, code)
	code, _ = h.do(t, http.MethodGet, path, "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestOffsetWritesRequireStoppedRunner(t *testing.T) {
	h := newHarness(t)
	r := &fakeRunner{id: domain.ProjectionID{Name: "documents", Key: "0"}, state: projection.StateRunning}
	h.registry.Register(r)
	const path = "/projections/documents/0/offset"

	code, body := h.do(t, http.MethodPut, path, `{"value":"3","manifest":"SEQ"}`)
	assert.Equal(t, http.StatusConflict, code, body)
	code, _ = h.do(t, http.MethodDelete, path, "")
	assert.Equal(t, http.StatusConflict, code)

	code, body = h.do(t, http.MethodPost, "/projections/documents/0/stop", "")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"state":"stopped"`)

	code, _ = h.do(t, http.MethodPut, path, `{"value":"3","manifest":"SEQ"}`)
	assert.Equal(t, http.StatusNoContent, code)

	code, body = h.do(t, http.MethodPost, "/projections/documents/0/start", "")
	require.Equal(t, http.StatusAccepted, code)
	assert.Contains(t, body, `"state":"running"`)
	assert.Equal(t, projection.StateRunning, r.State())
}

func TestBadRequests(t *testing.T) {
	h := newHarness(t)
	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"malformed json", http.MethodPut, "/projections/documents/0/offset", `{"value":`, http.StatusBadRequest},
		{"unknown manifest", http.MethodPut, "/projections/documents/0/offset", `{"value":"1","manifest":"XYZ"}`, http.StatusBadRequest},
		{"bad sequence", http.MethodPut, "/projections/documents/0/offset", `{"value":"one","manifest":"SEQ"}`, http.StatusBadRequest},
		{"stop unknown runner", http.MethodPost, "/projections/documents/9/stop", "", http.StatusNotFound},
		{"status unknown runner", http.MethodGet, "/projections/documents/9/", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := h.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, code, body)
		})
	}
}

func TestListRunners(t *testing.T) {
	h := newHarness(t)
	h.registry.Register(&fakeRunner{id: domain.ProjectionID{Name: "documents", Key: "1"}, state: projection.StateRunning})
	h.registry.Register(&fakeRunner{id: domain.ProjectionID{Name: "documents", Key: "0"}, state: projection.StateFailed})

	code, body := h.do(t, http.MethodGet, "/projections/", "")
	require.Equal(t, http.StatusOK, code)

	var got []statusBody
	require.NoError(t, json.Unmarshal([]byte(body), &got))
	require.Len(t, got, 2)
	assert.Equal(t, "0", got[0].Key)
	assert.Equal(t, "failed", got[0].State)
	assert.Equal(t, &offsetBody{Value: "7", Manifest: "SEQ"}, got[1].Offset)
}

func TestHealthAndMetrics(t *testing.T) {
	h := newHarness(t)

	code, body := h.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"status":"ok"`)

	h.srv.AddHealthCheck("mirror", func(context.Context) error { return errors.New("breaker open") })
	code, body = h.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, body, "breaker open")

	code, body = h.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "projector_test_total")
}

func TestStartServesUntilCanceled(t *testing.T) {
	srv := NewServer(Config{Addr: "127.0.0.1:0"}, nil, projection.NewRegistry(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()
	cancel()
	require.NoError(t, <-done)
}
