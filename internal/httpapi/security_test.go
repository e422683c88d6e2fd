package httpapi

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestMiddlewareSetsSecurityHeaders(t *testing.T) {
	api := newTestAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	res := httptest.NewRecorder()

	api.Handler().ServeHTTP(res, req)

	if got := res.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("expected X-Content-Type-Options nosniff, got %q", got)
	}
	if got := res.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Fatalf("expected X-Frame-Options DENY, got %q", got)
	}
	if got := res.Header().Get("Referrer-Policy"); got == "" {
		t.Fatalf("expected Referrer-Policy to be set")
	}
}

func TestRequestIDIsEchoed(t *testing.T) {
	api := newTestAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(requestIDHeader, "req-abc")
	res := httptest.NewRecorder()

	api.Handler().ServeHTTP(res, req)

	if got := res.Header().Get(requestIDHeader); got != "req-abc" {
		t.Fatalf("expected echoed request id, got %q", got)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/receipts", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	rec = doJSON(t, handler, http.MethodGet, "/api/v1/receipts", "not-a-jwt", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for garbage token, got %d", rec.Code)
	}
	rec = doJSON(t, handler, http.MethodGet, "/api/v1/audit-logs", mustToken(t, api, "kasir-ani", RoleCashier), nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for cashier on audit logs, got %d", rec.Code)
	}
	rec = doJSON(t, handler, http.MethodGet, "/api/v1/audit-logs", mustToken(t, api, "owner", RoleAdmin), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for admin on audit logs, got %d", rec.Code)
	}
}

func TestJobEndpointsRequireSyncSecret(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	post := func(secret string, remote string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs/delivery-sync", nil)
		req.RemoteAddr = remote
		if secret != "" {
			req.Header.Set(syncSecretHeader, secret)
		}
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, req)
		return res
	}

	if res := post("wrong-secret", "192.0.2.10:4000"); res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong secret, got %d", res.Code)
	}
	res := post(testSyncSecret, "192.0.2.11:4000")
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.Code, res.Body.String())
	}
	if !strings.Contains(res.Body.String(), `"updated":0`) {
		t.Fatalf("unexpected sync body %s", res.Body.String())
	}
}

func TestJobEndpointsAreRateLimited(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	var last int
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs/cash-movement-replay", nil)
		req.RemoteAddr = "198.51.100.7:5000"
		req.Header.Set(syncSecretHeader, testSyncSecret)
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, req)
		last = res.Code
		if i < 2 && res.Code != http.StatusOK {
			t.Fatalf("attempt %d expected 200 before limit, got %d", i+1, res.Code)
		}
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after burst, got %d", last)
	}
}

func TestInternalErrorsAreHidden(t *testing.T) {
	api := newTestAPI(t)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodGet, "/api/v1/receipts", nil)

	api.writeError(c, errors.New("dial tcp 10.0.0.5:5432: password=hunter2 rejected"))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "password=") {
		t.Fatalf("internal error text leaked: %s", rec.Body.String())
	}
}
