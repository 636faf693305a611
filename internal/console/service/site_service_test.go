package service

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap/zaptest"

	"github.com/xela07ax/sitepolicy-gateway/internal/audit"
	"github.com/xela07ax/sitepolicy-gateway/internal/connectors"
	"github.com/xela07ax/sitepolicy-gateway/internal/domain"
	"github.com/xela07ax/sitepolicy-gateway/internal/infra"
	"github.com/xela07ax/sitepolicy-gateway/internal/infra/auth"
)

const siteURL = "https://contoso.example/sites/hr"

type fakePublisher struct {
	mu       sync.Mutex
	messages []string
	err      error
}

func (p *fakePublisher) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return redis.NewIntResult(0, p.err)
	}
	p.messages = append(p.messages, channel+"|"+message.(string))
	return redis.NewIntResult(1, nil)
}

type fakeAuditor struct {
	events []audit.AuditEvent
}

func (a *fakeAuditor) Log(e audit.AuditEvent) { a.events = append(a.events, e) }

type failingProvider struct{}

func (failingProvider) Call(ctx context.Context, siteURL string, payload []byte) ([]byte, error) {
	return nil, errors.New("connection refused")
}

func newSiteService(t *testing.T) (*SiteService, *fakePublisher, *fakeAuditor) {
	store := connectors.NewMemoryPolicyStore(connectors.MemoryPolicy{
		SitePolicy:  domain.SitePolicy{Name: "Retain-1y", Description: "Delete after a year"},
		CloseAfter:  30 * 24 * time.Hour,
		ExpireAfter: 365 * 24 * time.Hour,
	})
	pub := &fakePublisher{}
	aud := &fakeAuditor{}
	return NewSiteService(store, aud, pub, nil, zaptest.NewLogger(t)), pub, aud
}

func TestInvalidSiteURL(t *testing.T) {
	svc, _, aud := newSiteService(t)
	for _, u := range []string{"", "sites/hr", "ftp://contoso.example/sites/hr", "https://"} {
		if _, err := svc.Close(context.Background(), u); !errors.Is(err, ErrInvalidSiteURL) {
			t.Fatalf("%q: got %v, want ErrInvalidSiteURL", u, err)
		}
	}
	if len(aud.events) != 0 {
		t.Fatal("invalid url must not be audited")
	}
}

func TestApplyAndClosePublishSignals(t *testing.T) {
	svc, pub, aud := newSiteService(t)
	ctx := auth.WithClaims(context.Background(), &domain.CustomClaims{UserID: "alice"})

	changed, err := svc.Apply(ctx, siteURL, "Retain-1y")
	if err != nil || !changed {
		t.Fatalf("Apply: changed=%v err=%v", changed, err)
	}
	changed, err = svc.Close(ctx, siteURL)
	if err != nil || !changed {
		t.Fatalf("Close: changed=%v err=%v", changed, err)
	}

	want := []string{
		infra.RedisChanSiteState + "|APPLY:" + siteURL,
		infra.RedisChanSiteState + "|CLOSE:" + siteURL,
	}
	if len(pub.messages) != len(want) {
		t.Fatalf("messages = %v", pub.messages)
	}
	for i := range want {
		if pub.messages[i] != want[i] {
			t.Fatalf("message %d = %q, want %q", i, pub.messages[i], want[i])
		}
	}

	if len(aud.events) != 2 {
		t.Fatalf("audit events = %d, want 2", len(aud.events))
	}
	e := aud.events[0]
	if e.Action != domain.ActionApply || e.Status != domain.StatusChanged || e.PolicyName != "Retain-1y" {
		t.Fatalf("unexpected event: %+v", e)
	}
	if e.Operator != "alice" || e.ID == "" || e.TraceID == "" {
		t.Fatalf("event identity not filled: %+v", e)
	}
}

func TestSkippedMutationIsAuditedWithoutSignal(t *testing.T) {
	svc, pub, aud := newSiteService(t)
	ctx := context.Background()

	// Политика не применена: закрывать нечего
	changed, err := svc.Close(ctx, siteURL)
	if err != nil || changed {
		t.Fatalf("Close: changed=%v err=%v", changed, err)
	}
	changed, err = svc.Apply(ctx, siteURL, "retain-1y")
	if err != nil || changed {
		t.Fatalf("Apply with wrong case: changed=%v err=%v", changed, err)
	}

	if len(pub.messages) != 0 {
		t.Fatalf("unexpected signals: %v", pub.messages)
	}
	if len(aud.events) != 2 {
		t.Fatalf("audit events = %d, want 2", len(aud.events))
	}
	for _, e := range aud.events {
		if e.Status != domain.StatusSkipped || e.Operator != "anonymous" {
			t.Fatalf("unexpected event: %+v", e)
		}
	}
}

func TestRemoteFailureIsAuditedAsFailed(t *testing.T) {
	aud := &fakeAuditor{}
	pub := &fakePublisher{}
	svc := NewSiteService(failingProvider{}, aud, pub, nil, zaptest.NewLogger(t))

	if _, err := svc.Open(context.Background(), siteURL); err == nil {
		t.Fatal("expected error")
	}
	if len(aud.events) != 1 || aud.events[0].Status != domain.StatusFailed || aud.events[0].Error == "" {
		t.Fatalf("unexpected audit: %+v", aud.events)
	}
	if len(pub.messages) != 0 {
		t.Fatal("failed mutation must not publish")
	}
}

func TestSignalFailureDoesNotFailMutation(t *testing.T) {
	svc, pub, _ := newSiteService(t)
	pub.err = errors.New("redis down")

	changed, err := svc.Apply(context.Background(), siteURL, "Retain-1y")
	if err != nil || !changed {
		t.Fatalf("Apply: changed=%v err=%v", changed, err)
	}
}

func TestSnapshotAndGetPolicy(t *testing.T) {
	svc, _, _ := newSiteService(t)
	ctx := context.Background()

	if _, err := svc.Apply(ctx, siteURL, "Retain-1y"); err != nil {
		t.Fatal(err)
	}
	state, err := svc.Snapshot(ctx, siteURL)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if !state.HasPolicy || state.Policy == nil || state.Policy.Name != "Retain-1y" || state.CloseDate == nil {
		t.Fatalf("unexpected state: %+v", state)
	}

	p, err := svc.GetPolicy(ctx, siteURL, "missing")
	if err != nil || p != nil {
		t.Fatalf("GetPolicy(missing) = %v, %v", p, err)
	}
}

func TestSiteOutsideAllowedHostsIsRejected(t *testing.T) {
	var hits atomic.Int32
	var gotToken atomic.Value
	store := connectors.NewMemoryPolicyStore()
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		gotToken.Store(r.Header.Get("Authorization"))
		connectors.NewProcessQueryHandler(store, zaptest.NewLogger(t)).ServeHTTP(w, r)
	}))
	defer remote.Close()

	adapter := connectors.NewRESTAdapter(remote.Client(), "", "platform-secret", time.Second)
	aud := &fakeAuditor{}
	svc := NewSiteService(adapter, aud, nil, nil, zaptest.NewLogger(t)).
		WithAllowedHosts([]string{"contoso.example"})

	if _, err := svc.Snapshot(context.Background(), remote.URL+"/sites/x"); !errors.Is(err, ErrSiteNotAllowed) {
		t.Fatalf("Snapshot: err = %v, want ErrSiteNotAllowed", err)
	}
	if _, err := svc.Close(context.Background(), remote.URL+"/sites/x"); !errors.Is(err, ErrSiteNotAllowed) {
		t.Fatalf("Close: err = %v, want ErrSiteNotAllowed", err)
	}
	if hits.Load() != 0 {
		t.Fatalf("request with platform token reached a foreign host %d times", hits.Load())
	}
	if len(aud.events) != 0 {
		t.Fatal("rejected site must not be audited")
	}

	// Тот же хост в списке: запрос уходит, токен на месте
	svc.WithAllowedHosts([]string{"127.0.0.1"})
	if _, err := svc.Snapshot(context.Background(), remote.URL+"/sites/x"); err != nil {
		t.Fatalf("Snapshot on allowed host: %v", err)
	}
	if hits.Load() == 0 || gotToken.Load() != "Bearer platform-secret" {
		t.Fatalf("hits=%d token=%v", hits.Load(), gotToken.Load())
	}
}

func TestHostAllowed(t *testing.T) {
	svc := NewSiteService(nil, &fakeAuditor{}, nil, nil, zaptest.NewLogger(t)).
		WithAllowedHosts([]string{" Contoso.example ", "*.fabrikam.example"})

	cases := map[string]bool{
		"contoso.example":          true,
		"CONTOSO.EXAMPLE":          true,
		"hr.contoso.example":       false,
		"hr.fabrikam.example":      true,
		"fabrikam.example":         false,
		"evilfabrikam.example":     false,
		"contoso.example.evil.com": false,
	}
	for host, want := range cases {
		if got := svc.hostAllowed(host); got != want {
			t.Errorf("hostAllowed(%q) = %v, want %v", host, got, want)
		}
	}

	if !NewSiteService(nil, &fakeAuditor{}, nil, nil, zaptest.NewLogger(t)).hostAllowed("any.example") {
		t.Fatal("empty allow-list must allow any host")
	}
}
