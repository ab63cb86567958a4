package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fedgate/fedgate/internal/authstate/memory"
	"github.com/fedgate/fedgate/internal/flow"
	"github.com/fedgate/fedgate/internal/identity"
	"github.com/fedgate/fedgate/internal/provider"
	"github.com/fedgate/fedgate/internal/rp"
)

func newTestRouter() http.Handler {
	svc := flow.New(flow.Deps{
		Providers: provider.NewStaticDirectory(nil),
		States:    memory.New(),
		Resolver:  identity.New(identity.Deps{}),
	})
	return New(Deps{Flow: svc})
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	rec := httptest.NewRecorder()
	newTestRouter().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status %d", rec.Code)
	}
}

func TestMetricsExposed(t *testing.T) {
	t.Parallel()
	rec := httptest.NewRecorder()
	newTestRouter().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status %d", rec.Code)
	}
}

func TestStart_UnknownProviderIs404(t *testing.T) {
	t.Parallel()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/auth/github/start?tenant=t1", nil)
	newTestRouter().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status %d, want 404", rec.Code)
	}
}

func TestCallback_UnknownStateIs400(t *testing.T) {
	t.Parallel()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/auth/github/callback?tenant=t1&state=bogus&code=c", nil)
	newTestRouter().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("body: %v", err)
	}
	if body["message"] == "" {
		t.Fatalf("missing message: %v", body)
	}
}

func TestCallback_ProviderErrorIs502(t *testing.T) {
	t.Parallel()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/auth/github/callback?tenant=t1&error=access_denied", nil)
	newTestRouter().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status %d, want 502", rec.Code)
	}
}

func TestWriteError_TokenValidationIs400(t *testing.T) {
	t.Parallel()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/auth/github/callback", nil)
	writeError(rec, req, &rp.ValidationError{Check: rp.CheckSignature, Reason: "signature not verifiable against provider keys"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("body: %v", err)
	}
	if body["message"] == "" || body["message"] == "internal error" {
		t.Fatalf("validation failure not sanitized: %v", body)
	}
}

func TestTenantFrom_HeaderWinsOverQuery(t *testing.T) {
	t.Parallel()
	req := httptest.NewRequest(http.MethodGet, "/auth/x/start?tenant=query-tenant", nil)
	req.Header.Set("X-Tenant-ID", "header-tenant")
	if got := tenantFrom(req); got != "header-tenant" {
		t.Fatalf("tenantFrom = %q", got)
	}
	req.Header.Del("X-Tenant-ID")
	if got := tenantFrom(req); got != "query-tenant" {
		t.Fatalf("tenantFrom = %q", got)
	}
}
