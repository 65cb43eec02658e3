package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthHandler(t *testing.T) {
	cases := map[string]struct {
		method string
		body   string
	}{
		"get returns status body": {method: http.MethodGet, body: healthResponse},
		"head omits body":         {method: http.MethodHead, body: ""},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			healthHandler(rec, httptest.NewRequest(tc.method, "/healthz", nil))

			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			assert.Equal(t, tc.body, rec.Body.String())
		})
	}
}

func TestReadinessHandler(t *testing.T) {
	ok := ReadinessCheck{Name: "db", Check: func(context.Context) error { return nil }}
	down := ReadinessCheck{Name: "redis", Check: func(context.Context) error { return errors.New("connection refused") }}

	t.Run("all checks pass", func(t *testing.T) {
		rec := httptest.NewRecorder()
		readinessHandler([]ReadinessCheck{ok, {Name: "skipped"}})(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("failing check reports 503", func(t *testing.T) {
		rec := httptest.NewRecorder()
		readinessHandler([]ReadinessCheck{ok, down})(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)

		var body struct {
			Status string            `json:"status"`
			Checks map[string]string `json:"checks"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "unavailable", body.Status)
		assert.Equal(t, map[string]string{"redis": "connection refused"}, body.Checks)
	})
}

func TestParseLimitOffset(t *testing.T) {
	cases := []struct {
		query       string
		limit, offs int
	}{
		{"", 20, 0},
		{"limit=5&offset=10", 5, 10},
		{"limit=0", 1, 0},
		{"limit=1000", 100, 0},
		{"limit=abc&offset=-3", 20, 0},
	}
	for _, tc := range cases {
		t.Run(tc.query, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/api/jobs?"+tc.query, nil)
			limit, offset := ParseLimitOffset(r, 20, 100)
			assert.Equal(t, tc.limit, limit)
			assert.Equal(t, tc.offs, offset)
		})
	}
}
