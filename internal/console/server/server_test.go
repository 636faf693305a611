package server

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"

	"github.com/xela07ax/sitepolicy-gateway/internal/audit"
	"github.com/xela07ax/sitepolicy-gateway/internal/connectors"
	"github.com/xela07ax/sitepolicy-gateway/internal/console/handler"
	"github.com/xela07ax/sitepolicy-gateway/internal/console/service"
	"github.com/xela07ax/sitepolicy-gateway/internal/domain"
	"github.com/xela07ax/sitepolicy-gateway/internal/engine"
	"github.com/xela07ax/sitepolicy-gateway/internal/infra"
	"github.com/xela07ax/sitepolicy-gateway/internal/infra/auth"
)

const siteURL = "https://contoso.example/sites/hr"

type recordingAuditor struct {
	events []audit.AuditEvent
}

func (a *recordingAuditor) Log(e audit.AuditEvent) { a.events = append(a.events, e) }

type stubAuditLogs struct {
	gotSite  string
	gotLimit int
}

func (s *stubAuditLogs) FetchLogs(ctx context.Context, siteURL string, limit int) ([]audit.AuditEvent, error) {
	s.gotSite, s.gotLimit = siteURL, limit
	return []audit.AuditEvent{{ID: "e1", SiteURL: siteURL, Action: domain.ActionClose}}, nil
}

// operatorDB: второй источник учеток, имитирует таблицу операторов
type operatorDB struct {
	err error
}

func (d *operatorDB) GetOperator(ctx context.Context, username string) (*domain.Operator, error) {
	return nil, d.err
}

type fixture struct {
	srv     *ConsoleServer
	auditor *recordingAuditor
	logs    *stubAuditLogs
	db      *operatorDB
}

func newFixture(t *testing.T, withAuth bool) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)

	store := connectors.NewMemoryPolicyStore(connectors.MemoryPolicy{
		SitePolicy:  domain.SitePolicy{Name: "Retain-1y"},
		ExpireAfter: 365 * 24 * time.Hour,
	})
	reg := prometheus.NewRegistry()
	metrics := engine.NewMetrics(reg)
	auditor := &recordingAuditor{}
	logs := &stubAuditLogs{}
	db := &operatorDB{}

	var (
		validator  auth.TokenValidator
		privateKey *rsa.PrivateKey
	)
	if withAuth {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			t.Fatal(err)
		}
		privateKey = key
		validator = auth.NewBaseValidator(&key.PublicKey)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	operators := service.NewConfigOperators([]infra.OperatorConfig{
		{Username: "reader", PasswordHash: string(hash), Scopes: []string{domain.ScopeRead}},
		{Username: "admin", PasswordHash: string(hash), Scopes: []string{domain.ScopeRead, domain.ScopeWrite}},
	})

	siteSvc := service.NewSiteService(store, auditor, nil, metrics, logger)
	srv := NewConsoleServer(
		logger,
		validator,
		reg,
		handler.NewAuthHandler(service.NewAuthService(service.ChainOperators{operators, db}, privateKey, time.Hour, "sitepolicy-console"), logger),
		handler.NewSiteHandler(siteSvc, logger),
		handler.NewAuditHandler(service.NewAuditService(logs)),
	)
	return &fixture{srv: srv, auditor: auditor, logs: logs, db: db}
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) login(t *testing.T, user string) string {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/auth/token", "", domain.LoginRequest{Username: user, Password: "secret"})
	if rec.Code != http.StatusOK {
		t.Fatalf("login %s: status %d", user, rec.Code)
	}
	var resp domain.TokenResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	return resp.AccessToken
}

func siteQuery(path string) string {
	return path + "?site=" + url.QueryEscape(siteURL)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, false)
	if rec := f.do(t, http.MethodGet, "/health", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("health: %d", rec.Code)
	}

	f.do(t, http.MethodGet, siteQuery("/v1/site/state"), "", nil)
	rec := f.do(t, http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK || !bytes.Contains(rec.Body.Bytes(), []byte("sitepolicy_operations_total")) {
		t.Fatalf("metrics: %d %s", rec.Code, rec.Body.String())
	}
}

func TestSiteLifecycleWithoutAuth(t *testing.T) {
	f := newFixture(t, false)

	rec := f.do(t, http.MethodPost, siteQuery("/v1/site/apply"), "", map[string]string{"name": "Retain-1y"})
	if rec.Code != http.StatusOK || !bytes.Contains(rec.Body.Bytes(), []byte(`"changed":true`)) {
		t.Fatalf("apply: %d %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodGet, siteQuery("/v1/site/state"), "", nil)
	var state domain.SiteState
	if err := json.NewDecoder(rec.Body).Decode(&state); err != nil {
		t.Fatal(err)
	}
	if !state.HasPolicy || state.Policy == nil || state.Policy.Name != "Retain-1y" || state.ExpirationDate == nil {
		t.Fatalf("unexpected state: %+v", state)
	}

	rec = f.do(t, http.MethodPost, siteQuery("/v1/site/open"), "", nil)
	if rec.Code != http.StatusOK || !bytes.Contains(rec.Body.Bytes(), []byte(`"changed":false`)) {
		t.Fatalf("open: %d %s", rec.Code, rec.Body.String())
	}

	if len(f.auditor.events) != 2 {
		t.Fatalf("audit events = %d, want 2", len(f.auditor.events))
	}
	if f.auditor.events[0].TraceID == "" {
		t.Fatal("request id was not propagated to audit")
	}
}

func TestSiteErrors(t *testing.T) {
	f := newFixture(t, false)

	if rec := f.do(t, http.MethodGet, "/v1/site/state?site=not-a-url", "", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad site: %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, siteQuery("/v1/site/policies/Nope"), "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown policy: %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, siteQuery("/v1/site/policies/Retain-1y"), "", nil); rec.Code != http.StatusOK {
		t.Fatalf("known policy: %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, siteQuery("/v1/site/apply"), "", map[string]string{}); rec.Code != http.StatusBadRequest {
		t.Fatalf("apply without name: %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/v1/audit?limit=abc", "", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit: %d", rec.Code)
	}
}

func TestAuditEndpoint(t *testing.T) {
	f := newFixture(t, false)
	rec := f.do(t, http.MethodGet, siteQuery("/v1/audit")+"&limit=10", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("audit: %d", rec.Code)
	}
	if f.logs.gotSite != siteURL || f.logs.gotLimit != 10 {
		t.Fatalf("filters not passed: %q %d", f.logs.gotSite, f.logs.gotLimit)
	}
}

func TestScopesEnforced(t *testing.T) {
	f := newFixture(t, true)

	if rec := f.do(t, http.MethodGet, siteQuery("/v1/site/state"), "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous: %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/auth/token", "", domain.LoginRequest{Username: "admin", Password: "wrong"}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong password: %d", rec.Code)
	}

	reader := f.login(t, "reader")
	if rec := f.do(t, http.MethodGet, siteQuery("/v1/site/policies"), reader, nil); rec.Code != http.StatusOK {
		t.Fatalf("reader list: %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, siteQuery("/v1/site/close"), reader, nil); rec.Code != http.StatusForbidden {
		t.Fatalf("reader close: %d", rec.Code)
	}

	admin := f.login(t, "admin")
	rec := f.do(t, http.MethodPost, siteQuery("/v1/site/apply"), admin, map[string]string{"name": "Retain-1y"})
	if rec.Code != http.StatusOK {
		t.Fatalf("admin apply: %d", rec.Code)
	}
	if len(f.auditor.events) != 1 || f.auditor.events[0].Operator != "admin" {
		t.Fatalf("unexpected audit: %+v", f.auditor.events)
	}
}

func TestLoginSeparatesBackendFailures(t *testing.T) {
	f := newFixture(t, true)

	if rec := f.do(t, http.MethodPost, "/auth/token", "", domain.LoginRequest{Username: "ghost", Password: "secret"}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("unknown operator: %d", rec.Code)
	}

	f.db.err = errors.New("connection refused")
	if rec := f.do(t, http.MethodPost, "/auth/token", "", domain.LoginRequest{Username: "ghost", Password: "secret"}); rec.Code != http.StatusInternalServerError {
		t.Fatalf("operator db down: %d", rec.Code)
	}
	// Учетки из конфига опрашиваются первыми и не зависят от БД
	f.login(t, "admin")
}

func TestLoginWithoutPrivateKey(t *testing.T) {
	f := newFixture(t, false)
	if rec := f.do(t, http.MethodPost, "/auth/token", "", domain.LoginRequest{Username: "admin", Password: "secret"}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("login without private key: %d", rec.Code)
	}
}
