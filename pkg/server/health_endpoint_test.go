package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
)

// mockHealthChecker возвращает заранее заданное состояние зависимостей
type mockHealthChecker struct {
	pgHealthy    bool
	redisHealthy bool
}

func (m *mockHealthChecker) IsDatabaseHealthy(ctx context.Context) bool { return m.pgHealthy }

func (m *mockHealthChecker) IsRedisHealthy(ctx context.Context) bool { return m.redisHealthy }

func serve(h *HealthCheck, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestHealthCheck_LivenessAlwaysUp(t *testing.T) {
	h := NewHealthCheck(&mockHealthChecker{}, zap.NewNop(), "1.0.0")
	h.CheckNow()

	w := serve(h, "/health/live")
	if w.Code != http.StatusOK {
		t.Errorf("Expected liveness to be 200 even when dependencies are down, got %d", w.Code)
	}
}

func TestHealthCheck_ReadinessRequiresPostgresAndRedis(t *testing.T) {
	cases := []struct {
		name     string
		checker  *mockHealthChecker
		expected int
	}{
		{"all up", &mockHealthChecker{pgHealthy: true, redisHealthy: true}, http.StatusOK},
		{"postgres down", &mockHealthChecker{pgHealthy: false, redisHealthy: true}, http.StatusServiceUnavailable},
		{"redis down", &mockHealthChecker{pgHealthy: true, redisHealthy: false}, http.StatusServiceUnavailable},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := NewHealthCheck(tc.checker, zap.NewNop(), "1.0.0")
			h.CheckNow()

			if w := serve(h, "/health/ready"); w.Code != tc.expected {
				t.Errorf("Expected %d, got %d", tc.expected, w.Code)
			}
		})
	}
}

func TestHealthCheck_HealthHandlerReportsServices(t *testing.T) {
	h := NewHealthCheck(&mockHealthChecker{pgHealthy: true, redisHealthy: false}, zap.NewNop(), "2.3.4")
	h.CheckNow()

	w := serve(h, "/health")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected 503, got %d", w.Code)
	}

	var response HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if response.Version != "2.3.4" {
		t.Errorf("Expected version 2.3.4, got %s", response.Version)
	}
	if response.Services["postgres"] != "up" || response.Services["redis"] != "down" {
		t.Errorf("Unexpected services: %v", response.Services)
	}
}

func TestHealthCheck_NotifiesReadinessListeners(t *testing.T) {
	checker := &mockHealthChecker{pgHealthy: true, redisHealthy: true}
	h := NewHealthCheck(checker, zap.NewNop(), "1.0.0")

	var seen []bool
	h.OnReadinessChange(func(ready bool) { seen = append(seen, ready) })

	h.CheckNow()
	checker.pgHealthy = false
	h.CheckNow()

	if len(seen) != 2 || !seen[0] || seen[1] {
		t.Errorf("Expected readiness notifications [true false], got %v", seen)
	}
}

func TestHealthCheck_StopWithoutServer(t *testing.T) {
	h := NewHealthCheck(&mockHealthChecker{}, zap.NewNop(), "1.0.0")
	if err := h.Stop(context.Background()); err != nil {
		t.Errorf("Expected nil error, got %v", err)
	}
	// Повторная остановка не должна паниковать
	if err := h.Stop(context.Background()); err != nil {
		t.Errorf("Expected nil error on second stop, got %v", err)
	}
}
