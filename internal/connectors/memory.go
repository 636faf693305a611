package connectors

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/xela07ax/sitepolicy-gateway/internal/domain"
	"github.com/xela07ax/sitepolicy-gateway/internal/infra"
	pq "github.com/xela07ax/sitepolicy-gateway/pkg/api/processquery/v1"
)

// MemoryPolicy: политика симулятора. Даты закрытия и истечения отсчитываются от момента применения;
// нулевая длительность: даты нет.
type MemoryPolicy struct {
	domain.SitePolicy
	CloseAfter  time.Duration
	ExpireAfter time.Duration
}

// MemoryPoliciesFromConfig превращает remote.seed_policies в политики симулятора.
// Пустая секция: набор по умолчанию.
func MemoryPoliciesFromConfig(seed []infra.SeedPolicyConfig) []MemoryPolicy {
	if len(seed) == 0 {
		return defaultMemoryPolicies()
	}
	out := make([]MemoryPolicy, 0, len(seed))
	for _, c := range seed {
		out = append(out, MemoryPolicy{
			SitePolicy: domain.SitePolicy{
				Name:                     c.Name,
				Description:              c.Description,
				EmailSubject:             c.EmailSubject,
				EmailBody:                c.EmailBody,
				EmailBodyWithTeamMailbox: c.EmailBodyWithTeamMailbox,
			},
			CloseAfter:  c.CloseAfter,
			ExpireAfter: c.ExpireAfter,
		})
	}
	return out
}

func defaultMemoryPolicies() []MemoryPolicy {
	const day = 24 * time.Hour
	return []MemoryPolicy{
		{
			SitePolicy: domain.SitePolicy{
				Name:         "Close-90d-Delete-1y",
				Description:  "Closes the site after 90 days and deletes it after a year",
				EmailSubject: "Your site will be closed soon",
				EmailBody:    "The site will be closed on the close date. Extend it if you still need it.",
			},
			CloseAfter:  90 * day,
			ExpireAfter: 365 * day,
		},
		{
			SitePolicy: domain.SitePolicy{
				Name:        "Delete-2y",
				Description: "Deletes the site after two years",
			},
			ExpireAfter: 730 * day,
		},
	}
}

type memorySite struct {
	applied   *MemoryPolicy
	appliedAt time.Time
	closed    bool
	mutations int
}

// MemoryPolicyStore имитирует endpoint ProcessQuery удаленной платформы в памяти процесса.
// Набор политик общий для всех сайтов, сайты заводятся при первом обращении.
type MemoryPolicyStore struct {
	mu       sync.Mutex
	policies []MemoryPolicy
	sites    map[string]*memorySite
	calls    int
	now      func() time.Time
}

func NewMemoryPolicyStore(policies ...MemoryPolicy) *MemoryPolicyStore {
	return &MemoryPolicyStore{
		policies: append([]MemoryPolicy(nil), policies...),
		sites:    make(map[string]*memorySite),
		now:      time.Now,
	}
}

// SetClock подменяет часы (для детерминированных дат в тестах)
func (s *MemoryPolicyStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// Calls: сколько пачек обработал симулятор.
func (s *MemoryPolicyStore) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Mutations: сколько изменяющих вызовов получил сайт.
func (s *MemoryPolicyStore) Mutations(siteURL string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if site, ok := s.sites[siteKey(siteURL)]; ok {
		return site.mutations
	}
	return 0
}

// Call реализует интерфейс ExecutionProvider
func (s *MemoryPolicyStore) Call(ctx context.Context, siteURL string, payload []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var req pq.Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("memory store: failed to unmarshal batch: %w", err)
	}
	if req.Site == "" {
		req.Site = siteURL
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++

	site := s.site(req.Site)
	resp := pq.Response{Results: make([]pq.Result, 0, len(req.Queries))}

	for _, q := range req.Queries {
		value, f := s.execute(site, q)
		if f != nil {
			// Как и настоящий сервер: прерываем пачку, уже выполненные мутации остаются
			resp.Error = &pq.ErrorInfo{Code: f.code, Message: f.message, QueryID: q.ID}
			break
		}
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("memory store: failed to marshal result: %w", err)
		}
		resp.Results = append(resp.Results, pq.Result{ID: q.ID, Value: raw})
	}

	return json.Marshal(resp)
}

type fault struct {
	code    string
	message string
}

func (s *MemoryPolicyStore) site(url string) *memorySite {
	key := siteKey(url)
	site, ok := s.sites[key]
	if !ok {
		site = &memorySite{}
		s.sites[key] = site
	}
	return site
}

func (s *MemoryPolicyStore) execute(site *memorySite, q pq.Query) (any, *fault) {
	if q.Object != pq.ObjectProjectPolicy {
		return nil, &fault{"UnknownObject", fmt.Sprintf("object %s is not supported", q.Object)}
	}

	switch q.Method {
	case pq.MethodDoesProjectHavePolicy:
		return site.applied != nil, nil

	case pq.MethodGetProjectExpirationDate:
		if site.applied == nil {
			return time.Time{}, nil
		}
		return offset(site.appliedAt, site.applied.ExpireAfter), nil

	case pq.MethodGetProjectCloseDate:
		if site.applied == nil {
			return time.Time{}, nil
		}
		return offset(site.appliedAt, site.applied.CloseAfter), nil

	case pq.MethodGetProjectPolicies:
		out := make([]map[string]any, 0, len(s.policies))
		for i := range s.policies {
			obj, f := project(&s.policies[i].SitePolicy, q.Select)
			if f != nil {
				return nil, f
			}
			out = append(out, obj)
		}
		return out, nil

	case pq.MethodGetCurrentlyAppliedProjectPolicyOnWeb:
		if site.applied == nil {
			return nil, nil
		}
		return project(&site.applied.SitePolicy, q.Select)

	case pq.MethodApplyProjectPolicy:
		name, _ := q.Args[pq.ArgPolicyName].(string)
		if name == "" {
			return nil, &fault{"InvalidArgument", "policy name is required"}
		}
		for i := range s.policies {
			if s.policies[i].Name == name {
				p := s.policies[i]
				site.applied = &p
				site.appliedAt = s.now().UTC()
				site.closed = false
				site.mutations++
				return nil, nil
			}
		}
		return nil, &fault{"PolicyNotFound", fmt.Sprintf("policy %s does not exist", name)}

	case pq.MethodIsProjectClosed:
		return site.closed, nil

	case pq.MethodCloseProject, pq.MethodOpenProject:
		if site.applied == nil {
			return nil, &fault{"NoPolicyApplied", "site has no policy applied"}
		}
		site.closed = q.Method == pq.MethodCloseProject
		site.mutations++
		return nil, nil

	default:
		return nil, &fault{"UnknownMethod", fmt.Sprintf("method %s.%s is not supported", q.Object, q.Method)}
	}
}

// project отдает только запрошенные поля; пустой select: все скалярные поля.
func project(p *domain.SitePolicy, fields []string) (map[string]any, *fault) {
	all := map[string]any{
		pq.FieldName:                     p.Name,
		pq.FieldDescription:              p.Description,
		pq.FieldEmailSubject:             p.EmailSubject,
		pq.FieldEmailBody:                p.EmailBody,
		pq.FieldEmailBodyWithTeamMailbox: p.EmailBodyWithTeamMailbox,
	}
	if len(fields) == 0 {
		return all, nil
	}

	out := make(map[string]any, len(fields))
	for _, f := range fields {
		v, ok := all[f]
		if !ok {
			return nil, &fault{"InvalidField", fmt.Sprintf("field %s does not exist on ProjectPolicy", f)}
		}
		out[f] = v
	}
	return out, nil
}

// offset возвращает нулевое время (минимальная дата на проводе), если длительность не задана
func offset(from time.Time, d time.Duration) time.Time {
	if d <= 0 {
		return time.Time{}
	}
	return from.Add(d)
}

func siteKey(url string) string {
	return strings.TrimRight(strings.ToLower(url), "/")
}
