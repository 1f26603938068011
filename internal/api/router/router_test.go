package router

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wolfman30/groundguard/internal/guard"
	"github.com/wolfman30/groundguard/internal/http/handlers"
	httpmiddleware "github.com/wolfman30/groundguard/internal/http/middleware"
	"github.com/wolfman30/groundguard/internal/observability/metrics"
	"github.com/wolfman30/groundguard/pkg/logging"
)

const testSecret = "gateway-secret"

type stubAnswerer struct{}

func (stubAnswerer) Answer(ctx context.Context, req guard.AnswerRequest) (<-chan guard.Fragment, error) {
	out := make(chan guard.Fragment, 2)
	out <- guard.Fragment{Text: "Refer to the install guide. [Source: Carrier 58STA Install Guide]"}
	out <- guard.Fragment{Done: true, Outcome: guard.OutcomeReleased, AuditID: "audit-1"}
	close(out)
	return out, nil
}

func newTestRouter(t *testing.T, ready func(context.Context) error) http.Handler {
	t.Helper()

	logger := logging.Default()
	reg := prometheus.NewRegistry()
	m := metrics.NewGuardMetrics(reg)
	m.ObserveRequest(guard.OutcomeReleased)

	cfg := &Config{
		Logger:           logger,
		Answer:           handlers.NewAnswerHandler(stubAnswerer{}, logger),
		GatewayJWTSecret: testSecret,
		MetricsHandler:   promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Ready:            ready,
	}
	return New(cfg)
}

func TestRouterHealthEndpoint(t *testing.T) {
	router := newTestRouter(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()

	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}

	var resp map[string]string
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode health response: %v", err)
	}

	if resp["status"] != "ok" {
		t.Errorf("expected status 'ok', got %q", resp["status"])
	}
}

func TestRouterHealthDegraded(t *testing.T) {
	router := newTestRouter(t, func(context.Context) error { return errors.New("db down") })

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status %d, got %d", http.StatusServiceUnavailable, rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "degraded") {
		t.Fatalf("expected degraded body, got %q", rr.Body.String())
	}
}

func TestRouterMetricsEndpoint(t *testing.T) {
	router := newTestRouter(t, nil)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `groundguard_requests_total{outcome="released"} 1`) {
		t.Fatalf("expected request counter in metrics output")
	}
}

func TestRouterAnswerRequiresToken(t *testing.T) {
	router := newTestRouter(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/answer", strings.NewReader(`{}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, rr.Code)
	}
}

func TestRouterAnswerStreams(t *testing.T) {
	router := newTestRouter(t, nil)

	body := `{"conversation":[{"role":"user","content":"Manifold pressure?"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/answer", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+signedToken(t))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, rr.Code, rr.Body.String())
	}
	if got := rr.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("expected event stream, got %q", got)
	}
	if !strings.Contains(rr.Body.String(), "event: done\n") {
		t.Fatalf("expected done event, got %q", rr.Body.String())
	}
}

func TestRouterAnswerMissingWithoutHandler(t *testing.T) {
	router := New(&Config{Logger: logging.Default()})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/answer", nil))

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d", http.StatusNotFound, rr.Code)
	}
}

func signedToken(t *testing.T) string {
	t.Helper()
	claims := httpmiddleware.GatewayClaims{
		TenantID: "acme-hvac",
		Region:   "US",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "tech-7",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(5 * time.Minute)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}
