// Package sitepolicy: фасад над API политик сайта (retention / information management).
//
// Каждая операция ставит вызовы в ClientContext сайта, сбрасывает их через ExecuteQueryRetry
// и переводит удаленные объекты в domain.SitePolicy. Ретраи, таймауты и ошибки транспорта
// принадлежат контексту выполнения; фасад их только пробрасывает.
// "Политика не найдена" и "guard не пропустил": обычные результаты, а не ошибки.
package sitepolicy

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/sitepolicy-gateway/internal/domain"
	"github.com/xela07ax/sitepolicy-gateway/internal/engine"
	pq "github.com/xela07ax/sitepolicy-gateway/pkg/api/processquery/v1"
)

// policyFields: поля, которые выбираем для каждого объекта политики
var policyFields = []string{
	pq.FieldName,
	pq.FieldDescription,
	pq.FieldEmailSubject,
	pq.FieldEmailBody,
	pq.FieldEmailBodyWithTeamMailbox,
}

// remotePolicy: объект ProjectPolicy в том виде, в каком его отдает платформа
type remotePolicy struct {
	Name                     string `json:"Name"`
	Description              string `json:"Description"`
	EmailSubject             string `json:"EmailSubject"`
	EmailBody                string `json:"EmailBody"`
	EmailBodyWithTeamMailbox string `json:"EmailBodyWithTeamMailbox"`
}

func (p remotePolicy) toDomain() domain.SitePolicy {
	return domain.SitePolicy{
		Name:                     p.Name,
		Description:              p.Description,
		EmailSubject:             p.EmailSubject,
		EmailBody:                p.EmailBody,
		EmailBodyWithTeamMailbox: p.EmailBodyWithTeamMailbox,
	}
}

// Service не держит состояния: все, что нужно операции, приходит в site.
type Service struct {
	logger *zap.Logger
}

func NewService(logger *zap.Logger) *Service {
	return &Service{logger: logger.Named("sitepolicy")}
}

func invoke(site *engine.Site, method string, args map[string]any) *engine.ClientResult {
	return site.Context().Invoke(pq.ObjectProjectPolicy, method, args)
}

// HasPolicyApplied сообщает, применена ли к сайту какая-либо политика.
func (s *Service) HasPolicyApplied(ctx context.Context, site *engine.Site) (bool, error) {
	res := invoke(site, pq.MethodDoesProjectHavePolicy, nil)
	if err := site.Context().ExecuteQueryRetry(ctx); err != nil {
		return false, err
	}
	return res.Bool()
}

// GetExpirationDate возвращает дату истечения; nil, если политики нет.
func (s *Service) GetExpirationDate(ctx context.Context, site *engine.Site) (*time.Time, error) {
	return s.policyDate(ctx, site, pq.MethodGetProjectExpirationDate)
}

// GetCloseDate возвращает дату закрытия; nil, если политики нет.
func (s *Service) GetCloseDate(ctx context.Context, site *engine.Site) (*time.Time, error) {
	return s.policyDate(ctx, site, pq.MethodGetProjectCloseDate)
}

func (s *Service) policyDate(ctx context.Context, site *engine.Site, method string) (*time.Time, error) {
	applied, err := s.HasPolicyApplied(ctx, site)
	if err != nil || !applied {
		return nil, err
	}

	res := invoke(site, method, nil)
	if err := site.Context().ExecuteQueryRetry(ctx); err != nil {
		return nil, err
	}
	return res.Time()
}

// ListPolicies возвращает все политики, доступные сайту. Никогда не nil.
func (s *Service) ListPolicies(ctx context.Context, site *engine.Site) ([]domain.SitePolicy, error) {
	res := invoke(site, pq.MethodGetProjectPolicies, nil)
	site.Context().Load(res, policyFields...)
	if err := site.Context().ExecuteQueryRetry(ctx); err != nil {
		return nil, err
	}
	return decodePolicies(res)
}

// GetAppliedPolicy возвращает примененную политику или nil.
func (s *Service) GetAppliedPolicy(ctx context.Context, site *engine.Site) (*domain.SitePolicy, error) {
	applied, err := s.HasPolicyApplied(ctx, site)
	if err != nil || !applied {
		return nil, err
	}

	res := invoke(site, pq.MethodGetCurrentlyAppliedProjectPolicyOnWeb, nil)
	site.Context().Load(res, policyFields...)
	if err := site.Context().ExecuteQueryRetry(ctx); err != nil {
		return nil, err
	}
	return decodePolicy(res)
}

// GetPolicyByName ищет политику по точному совпадению имени.
func (s *Service) GetPolicyByName(ctx context.Context, site *engine.Site, name string) (*domain.SitePolicy, error) {
	policies, err := s.ListPolicies(ctx, site)
	if err != nil {
		return nil, err
	}
	for i := range policies {
		if policies[i].Name == name {
			p := policies[i]
			return &p, nil
		}
	}
	return nil, nil
}

// ApplyPolicy применяет политику по имени. false без ошибки: такой политики нет.
func (s *Service) ApplyPolicy(ctx context.Context, site *engine.Site, name string) (bool, error) {
	policy, err := s.GetPolicyByName(ctx, site, name)
	if err != nil {
		return false, err
	}
	if policy == nil {
		s.logger.Info("policy not found, nothing applied",
			zap.String("site", site.URL),
			zap.String("policy", name))
		return false, nil
	}

	invoke(site, pq.MethodApplyProjectPolicy, map[string]any{pq.ArgPolicyName: policy.Name})
	if err := site.Context().ExecuteQueryRetry(ctx); err != nil {
		return false, err
	}

	s.logger.Info("policy applied", zap.String("site", site.URL), zap.String("policy", policy.Name))
	return true, nil
}

// IsClosed сообщает, закрыт ли сайт политикой.
func (s *Service) IsClosed(ctx context.Context, site *engine.Site) (bool, error) {
	res := invoke(site, pq.MethodIsProjectClosed, nil)
	if err := site.Context().ExecuteQueryRetry(ctx); err != nil {
		return false, err
	}
	return res.Bool()
}

// Close закрывает сайт, только если политика применена и сайт открыт.
// Возвращает, была ли мутация.
func (s *Service) Close(ctx context.Context, site *engine.Site) (bool, error) {
	return s.setClosed(ctx, site, true)
}

// Open открывает сайт, только если политика применена и сайт закрыт.
func (s *Service) Open(ctx context.Context, site *engine.Site) (bool, error) {
	return s.setClosed(ctx, site, false)
}

func (s *Service) setClosed(ctx context.Context, site *engine.Site, closed bool) (bool, error) {
	// Оба флага: одной пачкой
	appliedRes := invoke(site, pq.MethodDoesProjectHavePolicy, nil)
	closedRes := invoke(site, pq.MethodIsProjectClosed, nil)
	if err := site.Context().ExecuteQueryRetry(ctx); err != nil {
		return false, err
	}

	applied, err := appliedRes.Bool()
	if err != nil {
		return false, err
	}
	isClosed, err := closedRes.Bool()
	if err != nil {
		return false, err
	}

	if !applied || isClosed == closed {
		s.logger.Debug("site state guard skipped mutation",
			zap.String("site", site.URL),
			zap.Bool("has_policy", applied),
			zap.Bool("closed", isClosed))
		return false, nil
	}

	method := pq.MethodOpenProject
	if closed {
		method = pq.MethodCloseProject
	}
	invoke(site, method, nil)
	if err := site.Context().ExecuteQueryRetry(ctx); err != nil {
		return false, err
	}

	s.logger.Info("site state changed", zap.String("site", site.URL), zap.Bool("closed", closed))
	return true, nil
}

// Snapshot собирает полную картину сайта максимум за две пачки.
func (s *Service) Snapshot(ctx context.Context, site *engine.Site) (*domain.SiteState, error) {
	appliedRes := invoke(site, pq.MethodDoesProjectHavePolicy, nil)
	closedRes := invoke(site, pq.MethodIsProjectClosed, nil)
	if err := site.Context().ExecuteQueryRetry(ctx); err != nil {
		return nil, err
	}

	state := &domain.SiteState{SiteURL: site.URL}
	var err error
	if state.HasPolicy, err = appliedRes.Bool(); err != nil {
		return nil, err
	}
	if state.Closed, err = closedRes.Bool(); err != nil {
		return nil, err
	}
	if !state.HasPolicy {
		return state, nil
	}

	policyRes := invoke(site, pq.MethodGetCurrentlyAppliedProjectPolicyOnWeb, nil)
	site.Context().Load(policyRes, policyFields...)
	expRes := invoke(site, pq.MethodGetProjectExpirationDate, nil)
	closeRes := invoke(site, pq.MethodGetProjectCloseDate, nil)
	if err := site.Context().ExecuteQueryRetry(ctx); err != nil {
		return nil, err
	}

	if state.Policy, err = decodePolicy(policyRes); err != nil {
		return nil, err
	}
	if state.ExpirationDate, err = expRes.Time(); err != nil {
		return nil, err
	}
	if state.CloseDate, err = closeRes.Time(); err != nil {
		return nil, err
	}
	return state, nil
}

func decodePolicies(res *engine.ClientResult) ([]domain.SitePolicy, error) {
	var raw []remotePolicy
	if err := res.Decode(&raw); err != nil {
		return nil, fmt.Errorf("sitepolicy: %w", err)
	}
	out := make([]domain.SitePolicy, 0, len(raw))
	for _, p := range raw {
		out = append(out, p.toDomain())
	}
	return out, nil
}

func decodePolicy(res *engine.ClientResult) (*domain.SitePolicy, error) {
	if res.Executed() && res.IsNull() {
		return nil, nil
	}
	var raw remotePolicy
	if err := res.Decode(&raw); err != nil {
		return nil, fmt.Errorf("sitepolicy: %w", err)
	}
	p := raw.toDomain()
	return &p, nil
}
