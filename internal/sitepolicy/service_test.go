package sitepolicy

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/xela07ax/sitepolicy-gateway/internal/connectors"
	"github.com/xela07ax/sitepolicy-gateway/internal/domain"
	"github.com/xela07ax/sitepolicy-gateway/internal/engine"
)

const siteURL = "https://contoso.example/sites/hr"

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newStore(policies ...connectors.MemoryPolicy) *connectors.MemoryPolicyStore {
	if policies == nil {
		policies = []connectors.MemoryPolicy{
			{
				SitePolicy: domain.SitePolicy{
					Name:                     "Policy-A",
					Description:              "Close after 30 days, delete after a year",
					EmailSubject:             "Your site is about to expire",
					EmailBody:                "Please review the site content.",
					EmailBodyWithTeamMailbox: "Please review the site and mailbox content.",
				},
				CloseAfter:  30 * 24 * time.Hour,
				ExpireAfter: 365 * 24 * time.Hour,
			},
			{
				SitePolicy:  domain.SitePolicy{Name: "Policy-B", Description: "Expire after 90 days"},
				ExpireAfter: 90 * 24 * time.Hour,
			},
		}
	}
	store := connectors.NewMemoryPolicyStore(policies...)
	store.SetClock(func() time.Time { return fixedNow })
	return store
}

func newSite(t *testing.T, exec engine.ExecutionProvider) *engine.Site {
	t.Helper()
	return engine.NewClientContext(siteURL, exec, zaptest.NewLogger(t)).Site()
}

func TestNoPolicyApplied(t *testing.T) {
	ctx := context.Background()
	svc := NewService(zaptest.NewLogger(t))
	site := newSite(t, newStore())

	applied, err := svc.HasPolicyApplied(ctx, site)
	if err != nil {
		t.Fatalf("HasPolicyApplied: %v", err)
	}
	if applied {
		t.Fatal("expected no policy applied")
	}

	exp, err := svc.GetExpirationDate(ctx, site)
	if err != nil || exp != nil {
		t.Fatalf("GetExpirationDate = %v, %v; want nil, nil", exp, err)
	}
	closeDate, err := svc.GetCloseDate(ctx, site)
	if err != nil || closeDate != nil {
		t.Fatalf("GetCloseDate = %v, %v; want nil, nil", closeDate, err)
	}
	policy, err := svc.GetAppliedPolicy(ctx, site)
	if err != nil || policy != nil {
		t.Fatalf("GetAppliedPolicy = %v, %v; want nil, nil", policy, err)
	}
}

func TestExpirationDateOfAppliedPolicy(t *testing.T) {
	ctx := context.Background()
	svc := NewService(zaptest.NewLogger(t))
	site := newSite(t, newStore())

	if ok, err := svc.ApplyPolicy(ctx, site, "Policy-A"); err != nil || !ok {
		t.Fatalf("ApplyPolicy = %v, %v", ok, err)
	}

	exp, err := svc.GetExpirationDate(ctx, site)
	if err != nil {
		t.Fatalf("GetExpirationDate: %v", err)
	}
	want := fixedNow.Add(365 * 24 * time.Hour)
	if exp == nil || !exp.Equal(want) {
		t.Fatalf("expiration = %v, want %v", exp, want)
	}

	closeDate, err := svc.GetCloseDate(ctx, site)
	if err != nil {
		t.Fatalf("GetCloseDate: %v", err)
	}
	if wantClose := fixedNow.Add(30 * 24 * time.Hour); closeDate == nil || !closeDate.Equal(wantClose) {
		t.Fatalf("close date = %v, want %v", closeDate, wantClose)
	}
}

func TestMinimumDateIsReportedAsNoValue(t *testing.T) {
	ctx := context.Background()
	svc := NewService(zaptest.NewLogger(t))
	site := newSite(t, newStore())

	// Policy-B не закрывает сайт: платформа отдает минимальную дату
	if ok, err := svc.ApplyPolicy(ctx, site, "Policy-B"); err != nil || !ok {
		t.Fatalf("ApplyPolicy = %v, %v", ok, err)
	}
	closeDate, err := svc.GetCloseDate(ctx, site)
	if err != nil {
		t.Fatalf("GetCloseDate: %v", err)
	}
	if closeDate != nil {
		t.Fatalf("close date = %v, want nil", closeDate)
	}
}

func TestListPoliciesOnEmptyStore(t *testing.T) {
	svc := NewService(zaptest.NewLogger(t))
	site := newSite(t, connectors.NewMemoryPolicyStore())

	policies, err := svc.ListPolicies(context.Background(), site)
	if err != nil {
		t.Fatalf("ListPolicies: %v", err)
	}
	if policies == nil {
		t.Fatal("ListPolicies returned nil, want empty slice")
	}
	if len(policies) != 0 {
		t.Fatalf("got %d policies, want 0", len(policies))
	}
}

func TestListPoliciesMapsAllFields(t *testing.T) {
	svc := NewService(zaptest.NewLogger(t))
	site := newSite(t, newStore())

	policies, err := svc.ListPolicies(context.Background(), site)
	if err != nil {
		t.Fatalf("ListPolicies: %v", err)
	}
	if len(policies) != 2 {
		t.Fatalf("got %d policies, want 2", len(policies))
	}
	a := policies[0]
	if a.Name != "Policy-A" || a.EmailSubject != "Your site is about to expire" ||
		a.EmailBodyWithTeamMailbox != "Please review the site and mailbox content." {
		t.Errorf("unexpected mapping: %+v", a)
	}
}

func TestGetPolicyByNameNonexistent(t *testing.T) {
	svc := NewService(zaptest.NewLogger(t))
	for _, store := range []*connectors.MemoryPolicyStore{connectors.NewMemoryPolicyStore(), newStore()} {
		site := newSite(t, store)
		p, err := svc.GetPolicyByName(context.Background(), site, "Nonexistent")
		if err != nil {
			t.Fatalf("GetPolicyByName: %v", err)
		}
		if p != nil {
			t.Fatalf("got %+v, want nil", p)
		}
	}
}

func TestGetPolicyByNameIsCaseSensitive(t *testing.T) {
	svc := NewService(zaptest.NewLogger(t))
	site := newSite(t, newStore())

	p, err := svc.GetPolicyByName(context.Background(), site, "policy-a")
	if err != nil {
		t.Fatalf("GetPolicyByName: %v", err)
	}
	if p != nil {
		t.Fatalf("got %+v, want nil", p)
	}
}

func TestApplyPolicy(t *testing.T) {
	ctx := context.Background()
	svc := NewService(zaptest.NewLogger(t))
	store := newStore()
	site := newSite(t, store)

	ok, err := svc.ApplyPolicy(ctx, site, "Policy-B")
	if err != nil || !ok {
		t.Fatalf("ApplyPolicy = %v, %v; want true, nil", ok, err)
	}

	applied, err := svc.GetAppliedPolicy(ctx, site)
	if err != nil {
		t.Fatalf("GetAppliedPolicy: %v", err)
	}
	if applied == nil || applied.Name != "Policy-B" || applied.Description != "Expire after 90 days" {
		t.Fatalf("applied = %+v, want Policy-B", applied)
	}
}

func TestApplyUnknownPolicyIsNotAnError(t *testing.T) {
	ctx := context.Background()
	svc := NewService(zaptest.NewLogger(t))
	store := newStore()
	site := newSite(t, store)

	ok, err := svc.ApplyPolicy(ctx, site, "Nonexistent")
	if err != nil {
		t.Fatalf("ApplyPolicy: %v", err)
	}
	if ok {
		t.Fatal("ApplyPolicy returned true for a missing policy")
	}
	if n := store.Mutations(siteURL); n != 0 {
		t.Fatalf("mutations = %d, want 0", n)
	}
}

func TestCloseAndOpen(t *testing.T) {
	ctx := context.Background()
	svc := NewService(zaptest.NewLogger(t))
	store := newStore()
	site := newSite(t, store)

	// Без политики guard не пускает
	if ok, err := svc.Close(ctx, site); err != nil || ok {
		t.Fatalf("Close without policy = %v, %v; want false, nil", ok, err)
	}
	if n := store.Mutations(siteURL); n != 0 {
		t.Fatalf("mutations = %d, want 0", n)
	}

	if _, err := svc.ApplyPolicy(ctx, site, "Policy-A"); err != nil {
		t.Fatalf("ApplyPolicy: %v", err)
	}

	if ok, err := svc.Close(ctx, site); err != nil || !ok {
		t.Fatalf("Close = %v, %v; want true, nil", ok, err)
	}
	closed, err := svc.IsClosed(ctx, site)
	if err != nil || !closed {
		t.Fatalf("IsClosed = %v, %v; want true, nil", closed, err)
	}

	before := store.Mutations(siteURL)
	if ok, err := svc.Close(ctx, site); err != nil || ok {
		t.Fatalf("second Close = %v, %v; want false, nil", ok, err)
	}
	if after := store.Mutations(siteURL); after != before {
		t.Fatalf("already closed site got a mutating call: %d -> %d", before, after)
	}

	if ok, err := svc.Open(ctx, site); err != nil || !ok {
		t.Fatalf("Open = %v, %v; want true, nil", ok, err)
	}
	if ok, err := svc.Open(ctx, site); err != nil || ok {
		t.Fatalf("second Open = %v, %v; want false, nil", ok, err)
	}
	closed, err = svc.IsClosed(ctx, site)
	if err != nil || closed {
		t.Fatalf("IsClosed = %v, %v; want false, nil", closed, err)
	}
}

func TestCloseReadsGuardsInOneBatch(t *testing.T) {
	ctx := context.Background()
	svc := NewService(zaptest.NewLogger(t))
	store := newStore()
	site := newSite(t, store)

	before := store.Calls()
	if ok, err := svc.Close(ctx, site); err != nil || ok {
		t.Fatalf("Close = %v, %v", ok, err)
	}
	if got := store.Calls() - before; got != 1 {
		t.Fatalf("skipped Close made %d round trips, want 1", got)
	}
}

func TestSnapshot(t *testing.T) {
	ctx := context.Background()
	svc := NewService(zaptest.NewLogger(t))
	store := newStore()
	site := newSite(t, store)

	state, err := svc.Snapshot(ctx, site)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if state.HasPolicy || state.Closed || state.Policy != nil || state.ExpirationDate != nil || state.CloseDate != nil {
		t.Fatalf("unexpected empty-site state: %+v", state)
	}

	if _, err := svc.ApplyPolicy(ctx, site, "Policy-A"); err != nil {
		t.Fatalf("ApplyPolicy: %v", err)
	}

	before := store.Calls()
	state, err = svc.Snapshot(ctx, site)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if got := store.Calls() - before; got != 2 {
		t.Fatalf("Snapshot made %d round trips, want 2", got)
	}
	if !state.HasPolicy || state.Policy == nil || state.Policy.Name != "Policy-A" {
		t.Fatalf("unexpected state: %+v", state)
	}
	if state.ExpirationDate == nil || !state.ExpirationDate.Equal(fixedNow.Add(365*24*time.Hour)) {
		t.Fatalf("expiration = %v", state.ExpirationDate)
	}
	if state.SiteURL != siteURL {
		t.Fatalf("site url = %q", state.SiteURL)
	}
}

var errTransport = errors.New("connection reset")

type failingProvider struct{}

func (failingProvider) Call(ctx context.Context, siteURL string, payload []byte) ([]byte, error) {
	return nil, errTransport
}

func TestTransportErrorsPropagate(t *testing.T) {
	ctx := context.Background()
	svc := NewService(zaptest.NewLogger(t))
	site := newSite(t, failingProvider{})

	if _, err := svc.HasPolicyApplied(ctx, site); !errors.Is(err, errTransport) {
		t.Fatalf("HasPolicyApplied error = %v, want %v", err, errTransport)
	}
	if _, err := svc.ApplyPolicy(ctx, site, "Policy-A"); !errors.Is(err, errTransport) {
		t.Fatalf("ApplyPolicy error = %v, want %v", err, errTransport)
	}
	if _, err := svc.Close(ctx, site); !errors.Is(err, errTransport) {
		t.Fatalf("Close error = %v, want %v", err, errTransport)
	}
}
