package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/sitepolicy-gateway/internal/audit"
	"github.com/xela07ax/sitepolicy-gateway/internal/domain"
	"github.com/xela07ax/sitepolicy-gateway/internal/engine"
	"github.com/xela07ax/sitepolicy-gateway/internal/infra"
	"github.com/xela07ax/sitepolicy-gateway/internal/infra/auth"
	"github.com/xela07ax/sitepolicy-gateway/internal/sitepolicy"
)

// ErrInvalidSiteURL: адрес сайта не абсолютный http(s) URL.
var ErrInvalidSiteURL = errors.New("site url must be an absolute http(s) url")

// ErrSiteNotAllowed: хост сайта не входит в remote.allowed_hosts.
var ErrSiteNotAllowed = errors.New("site host is not allowed")

// Publisher: то, что нужно от Redis для сигналов о смене состояния сайта
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

type SiteService struct {
	facade  *sitepolicy.Service
	exec    engine.ExecutionProvider
	auditor audit.Auditor
	rdb     Publisher // nil: сигналы выключены
	metrics *engine.Metrics
	logger  *zap.Logger
	ctxLog  *zap.Logger
	timeNow func() time.Time

	allowedHosts []string // Пусто: любой хост
}

func NewSiteService(
	exec engine.ExecutionProvider,
	auditor audit.Auditor,
	rdb Publisher,
	metrics *engine.Metrics,
	logger *zap.Logger,
) *SiteService {
	if metrics == nil {
		metrics = engine.NewMetrics(nil)
	}
	return &SiteService{
		facade:  sitepolicy.NewService(logger),
		exec:    exec,
		auditor: auditor,
		rdb:     rdb,
		metrics: metrics,
		logger:  logger.Named("site-service"),
		ctxLog:  logger,
		timeNow: time.Now,
	}
}

// WithAllowedHosts ограничивает сайты, с которыми работает сервис.
// Элемент "*.contoso.example" разрешает любой поддомен contoso.example.
func (s *SiteService) WithAllowedHosts(hosts []string) *SiteService {
	s.allowedHosts = make([]string, 0, len(hosts))
	for _, h := range hosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			s.allowedHosts = append(s.allowedHosts, h)
		}
	}
	return s
}

func (s *SiteService) hostAllowed(host string) bool {
	if len(s.allowedHosts) == 0 {
		return true
	}
	host = strings.ToLower(host)
	for _, allowed := range s.allowedHosts {
		if suffix, ok := strings.CutPrefix(allowed, "*."); ok {
			if strings.HasSuffix(host, "."+suffix) {
				return true
			}
			continue
		}
		if host == allowed {
			return true
		}
	}
	return false
}

// open создает новый ClientContext на каждый запрос оператора.
func (s *SiteService) open(siteURL string) (*engine.Site, error) {
	u, err := url.Parse(siteURL)
	if err != nil || !u.IsAbs() || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, ErrInvalidSiteURL
	}
	if !s.hostAllowed(u.Hostname()) {
		return nil, ErrSiteNotAllowed
	}
	return engine.NewClientContext(siteURL, s.exec, s.ctxLog).WithMetrics(s.metrics).Site(), nil
}

func (s *SiteService) count(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	s.metrics.OperationsTotal.WithLabelValues(op, result).Inc()
}

func (s *SiteService) Snapshot(ctx context.Context, siteURL string) (*domain.SiteState, error) {
	site, err := s.open(siteURL)
	if err != nil {
		return nil, err
	}
	state, err := s.facade.Snapshot(ctx, site)
	s.count("snapshot", err)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", siteURL, err)
	}
	return state, nil
}

func (s *SiteService) ListPolicies(ctx context.Context, siteURL string) ([]domain.SitePolicy, error) {
	site, err := s.open(siteURL)
	if err != nil {
		return nil, err
	}
	policies, err := s.facade.ListPolicies(ctx, site)
	s.count("list_policies", err)
	if err != nil {
		return nil, fmt.Errorf("list policies %s: %w", siteURL, err)
	}
	return policies, nil
}

// GetPolicy возвращает nil, nil, если политики с таким именем нет
func (s *SiteService) GetPolicy(ctx context.Context, siteURL, name string) (*domain.SitePolicy, error) {
	site, err := s.open(siteURL)
	if err != nil {
		return nil, err
	}
	policy, err := s.facade.GetPolicyByName(ctx, site, name)
	s.count("get_policy", err)
	if err != nil {
		return nil, fmt.Errorf("get policy %s: %w", siteURL, err)
	}
	return policy, nil
}

func (s *SiteService) Apply(ctx context.Context, siteURL, name string) (bool, error) {
	return s.mutate(ctx, siteURL, domain.ActionApply, name, func(site *engine.Site) (bool, error) {
		return s.facade.ApplyPolicy(ctx, site, name)
	})
}

func (s *SiteService) Close(ctx context.Context, siteURL string) (bool, error) {
	return s.mutate(ctx, siteURL, domain.ActionClose, "", func(site *engine.Site) (bool, error) {
		return s.facade.Close(ctx, site)
	})
}

func (s *SiteService) Open(ctx context.Context, siteURL string) (bool, error) {
	return s.mutate(ctx, siteURL, domain.ActionOpen, "", func(site *engine.Site) (bool, error) {
		return s.facade.Open(ctx, site)
	})
}

// mutate: общий путь для APPLY/CLOSE/OPEN.
// Пишет событие в журнал и, если состояние сайта изменилось, шлет сигнал в Redis.
func (s *SiteService) mutate(
	ctx context.Context,
	siteURL string,
	action domain.SiteAction,
	policyName string,
	do func(site *engine.Site) (bool, error),
) (bool, error) {
	site, err := s.open(siteURL)
	if err != nil {
		return false, err
	}

	start := s.timeNow()
	changed, err := do(site)
	s.count(string(action), err)

	event := audit.AuditEvent{
		ID:         uuid.NewString(),
		TraceID:    traceID(ctx),
		Operator:   auth.OperatorFromContext(ctx),
		SiteURL:    siteURL,
		Action:     action,
		PolicyName: policyName,
		Timestamp:  start,
		DurationMs: s.timeNow().Sub(start).Milliseconds(),
	}
	switch {
	case err != nil:
		event.Status = domain.StatusFailed
		event.Error = err.Error()
	case changed:
		event.Status = domain.StatusChanged
	default:
		event.Status = domain.StatusSkipped
	}
	s.auditor.Log(event)

	if err != nil {
		s.logger.Error("site mutation failed",
			zap.String("site", siteURL),
			zap.String("action", string(action)),
			zap.Error(err))
		return false, fmt.Errorf("%s %s: %w", action, siteURL, err)
	}
	if changed {
		s.signal(ctx, action, siteURL)
	}
	return changed, nil
}

// signal доставляет сигнал best effort: ошибка Redis не отменяет уже сделанную мутацию.
func (s *SiteService) signal(ctx context.Context, action domain.SiteAction, siteURL string) {
	if s.rdb == nil {
		return
	}
	payload := infra.SiteStateSignal(string(action), siteURL)
	if err := s.rdb.Publish(ctx, infra.RedisChanSiteState, payload).Err(); err != nil {
		s.logger.Warn("site state signal delivery failed",
			zap.String("channel", infra.RedisChanSiteState),
			zap.Error(err))
		return
	}
	s.logger.Info("site state updated",
		zap.String("site", siteURL),
		zap.String("action", string(action)))
}

// traceID берем из chi RequestID; вне HTTP генерируем свой.
func traceID(ctx context.Context) string {
	if id := middleware.GetReqID(ctx); id != "" {
		return id
	}
	return uuid.NewString()
}
