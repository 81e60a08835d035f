package server_test

import (
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/attemptengine/worker/internal/server"
)

type fakeReporter struct {
	capacity, active int
}

func (f fakeReporter) Capacity() int    { return f.capacity }
func (f fakeReporter) ActiveCount() int { return f.active }

func TestHealthzReportsHealthyWhenNoCheckerFails(t *testing.T) {
	s := server.New(":0", fakeReporter{})

	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, 200, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestHealthzReportsUnhealthyOnFailingChecker(t *testing.T) {
	s := server.New(":0", fakeReporter{}, server.CheckerFunc(func() error {
		return errors.New("broken")
	}))

	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, 500, rec.Code)
	assert.Equal(t, "unhealthy", rec.Body.String())
}

func TestHealthzFailsIfAnyOfSeveralCheckersFails(t *testing.T) {
	s := server.New(":0", fakeReporter{},
		server.CheckerFunc(func() error { return nil }),
		server.CheckerFunc(func() error { return errors.New("second checker broken") }),
	)

	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, 500, rec.Code)
}

func TestCapacityEndpointReportsEngineFigures(t *testing.T) {
	s := server.New(":0", fakeReporter{capacity: 5, active: 2})

	req := httptest.NewRequest("GET", "/capacity", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp struct {
		Capacity  int `json:"capacity"`
		Active    int `json:"active"`
		Available int `json:"available"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 5, resp.Capacity)
	assert.Equal(t, 2, resp.Active)
	assert.Equal(t, 3, resp.Available)
}

func TestCapacityEndpointClampsAvailableToZeroWhenOverCapacity(t *testing.T) {
	s := server.New(":0", fakeReporter{capacity: 2, active: 5})

	req := httptest.NewRequest("GET", "/capacity", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	var resp struct {
		Available int `json:"available"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 0, resp.Available)
}

func TestMetricsEndpointExposesGaugesAfterCapacityScrape(t *testing.T) {
	s := server.New(":0", fakeReporter{capacity: 5, active: 2})

	capReq := httptest.NewRequest("GET", "/capacity", nil)
	s.Handler().ServeHTTP(httptest.NewRecorder(), capReq)

	metricsReq := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, metricsReq)

	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "worker_active_attempts 2")
	assert.Contains(t, rec.Body.String(), "worker_capacity 5")
}
