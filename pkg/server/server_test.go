package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"patchwatch/pkg/logger"

	"github.com/stretchr/testify/assert"
)

func get(s *Server, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthAndMetrics(t *testing.T) {
	s := New(":0", logger.NewNop(), nil)

	assert.Equal(t, http.StatusOK, get(s, "/health").Code)
	assert.Equal(t, http.StatusOK, get(s, "/ready").Code)

	rec := get(s, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestReadyReportsFailingCheck(t *testing.T) {
	healthy := true
	s := New(":0", logger.NewNop(), map[string]Check{
		"postgres": func(context.Context) error {
			if healthy {
				return nil
			}
			return errors.New("connection refused")
		},
	})

	assert.Equal(t, http.StatusOK, get(s, "/ready").Code)

	healthy = false
	rec := get(s, "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "postgres")
}
