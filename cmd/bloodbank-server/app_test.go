package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bloodbank/bloodbank/internal/config"
	"github.com/bloodbank/bloodbank/internal/platform/auth"
)

var (
	testFacility = uuid.MustParse("0b8e7a34-5d9c-4c3e-8f0e-2a1d3c4b5e6f")
	testDonor    = uuid.MustParse("9d2e4f60-7a1b-4c2d-8e3f-4a5b6c7d8e9f")
)

func memoryConfig() *config.Config {
	return &config.Config{
		Env:                   "development",
		Storage:               config.StorageMemory,
		AuthIssuer:            "bloodbank",
		NotifyDriver:          config.NotifyLog,
		StaleSweepInterval:    time.Minute,
		ExpirySweepInterval:   time.Minute,
		ReminderSweepInterval: time.Minute,
		ReconcileInterval:     time.Hour,
	}
}

func writeSeed(t *testing.T) string {
	t.Helper()
	seed := fmt.Sprintf(`{
		"staff": [{"id": %q, "facility_id": %q, "position": "lab_technician", "name": "Dev"}],
		"donors": [{"id": %q, "name": "Minh", "gender": "male", "blood_group": "A+"}]
	}`, auth.DevActorID, testFacility, testDonor)
	path := filepath.Join(t.TempDir(), "seed.json")
	require.NoError(t, os.WriteFile(path, []byte(seed), 0o600))
	return path
}

func newTestServer(t *testing.T) (*echo.Echo, *app) {
	t.Helper()
	cfg := memoryConfig()
	a, err := buildApp(context.Background(), cfg, zerolog.Nop(), writeSeed(t))
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return newEcho(cfg, zerolog.Nop(), a), a
}

func do(t *testing.T, e *echo.Echo, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func TestBuildApp_RegistersSweeps(t *testing.T) {
	_, a := newTestServer(t)
	assert.Equal(t, []string{jobExpired, jobReconcile, jobReminders, jobStale}, a.scheduler.Names())

	n, err := a.scheduler.RunOnce(context.Background(), jobExpired)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestBuildApp_ZeroIntervalDisablesJob(t *testing.T) {
	cfg := memoryConfig()
	cfg.ReconcileInterval = 0
	a, err := buildApp(context.Background(), cfg, zerolog.Nop(), "")
	require.NoError(t, err)
	defer a.Close()
	assert.NotContains(t, a.scheduler.Names(), jobReconcile)
}

func TestBuildApp_BadSeed(t *testing.T) {
	_, err := buildApp(context.Background(), memoryConfig(), zerolog.Nop(), filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestServer_HealthAndMetrics(t *testing.T) {
	e, _ := newTestServer(t)

	rec := do(t, e, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), config.StorageMemory)

	rec = do(t, e, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

// A collected donation is split, tested, approved and then reserved.
func TestServer_DonationToReservation(t *testing.T) {
	e, _ := newTestServer(t)

	rec := do(t, e, http.MethodPost, "/api/v1/donations", map[string]any{"donor_id": testDonor, "quantity": 450})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var donation struct {
		ID uuid.UUID `json:"id"`
	}
	decode(t, rec, &donation)

	rec = do(t, e, http.MethodPost, "/api/v1/donations/"+donation.ID.String()+"/complete", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, e, http.MethodPost, "/api/v1/donations/"+donation.ID.String()+"/fractionate", map[string]any{
		"units": []map[string]any{{"component": "red_cells", "quantity": 250}, {"component": "plasma", "quantity": 200}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var units []struct {
		ID     uuid.UUID `json:"id"`
		Status string    `json:"status"`
	}
	decode(t, rec, &units)
	require.Len(t, units, 2)
	assert.Equal(t, "testing", units[0].Status)

	negative := map[string]string{"hiv": "negative", "hepatitis_b": "negative", "hepatitis_c": "negative", "syphilis": "negative"}
	rec = do(t, e, http.MethodPatch, "/api/v1/blood-units/"+units[0].ID.String(), map[string]any{
		"test_results": negative,
		"status":       "available",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, e, http.MethodGet, "/api/v1/inventory?blood_group=A%2B", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var records []struct {
		Component string `json:"component"`
		Total     int    `json:"total_quantity"`
	}
	decode(t, rec, &records)
	require.Len(t, records, 1)
	assert.Equal(t, "red_cells", records[0].Component)
	assert.Equal(t, 250, records[0].Total)

	rec = do(t, e, http.MethodPost, "/api/v1/inventory/reservations", map[string]any{
		"facility_id": testFacility,
		"blood_group": "A+",
		"component":   "red_cells",
		"quantity":    500,
		"request_id":  "REQ-1",
	})
	assert.Equal(t, http.StatusConflict, rec.Code, "only 250 ml is on hand")
	assert.True(t, strings.Contains(rec.Body.String(), `"reserved":250`), rec.Body.String())

	rec = do(t, e, http.MethodGet, "/api/v1/notifications/stats", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
