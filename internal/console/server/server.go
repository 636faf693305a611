package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/xela07ax/sitepolicy-gateway/internal/console/handler"
	"github.com/xela07ax/sitepolicy-gateway/internal/domain"
	"github.com/xela07ax/sitepolicy-gateway/internal/infra/auth"
)

type ConsoleServer struct {
	router *chi.Mux
	logger *zap.Logger

	// nil: аутентификация выключена (локальный запуск без ключей)
	authValidator auth.TokenValidator
	gatherer      prometheus.Gatherer

	authHandler  *handler.AuthHandler  // /auth/token
	siteHandler  *handler.SiteHandler  // /v1/site
	auditHandler *handler.AuditHandler // /v1/audit
}

// NewConsoleServer собирает роутер Console API
func NewConsoleServer(
	logger *zap.Logger,
	validator auth.TokenValidator,
	gatherer prometheus.Gatherer,
	authH *handler.AuthHandler,
	siteH *handler.SiteHandler,
	auditH *handler.AuditHandler,
) *ConsoleServer {
	s := &ConsoleServer{
		router:        chi.NewRouter(),
		logger:        logger.Named("console-api"),
		authValidator: validator,
		gatherer:      gatherer,
		authHandler:   authH,
		siteHandler:   siteH,
		auditHandler:  auditH,
	}
	if validator == nil {
		s.logger.Warn("auth public key is not configured: console API runs without authentication")
	}

	s.routes()
	return s
}

func (s *ConsoleServer) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware (для всех) ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	// --- 2. ПУБЛИЧНЫЕ РОУТЫ ---
	r.Group(func(r chi.Router) {
		r.Post("/auth/token", s.authHandler.Login)

		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		if s.gatherer != nil {
			r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
		}
	})

	// --- 3. ЗАЩИЩЕННЫЙ ПЕРИМЕТР (RS256 токен + scope) ---
	r.Group(func(r chi.Router) {
		if s.authValidator != nil {
			r.Use(auth.NewMiddleware(s.authValidator, s.logger))
		}

		// Чтение состояния сайтов и журнала
		r.Group(func(r chi.Router) {
			s.requireScope(r, domain.ScopeRead)
			r.Get("/v1/site/state", s.siteHandler.State)
			r.Get("/v1/site/policies", s.siteHandler.ListPolicies)
			r.Get("/v1/site/policies/{name}", s.siteHandler.GetPolicy)
			r.Get("/v1/audit", s.auditHandler.GetLogs)
		})

		// Мутации: apply / close / open
		r.Group(func(r chi.Router) {
			s.requireScope(r, domain.ScopeWrite)
			r.Post("/v1/site/apply", s.siteHandler.Apply)
			r.Post("/v1/site/close", s.siteHandler.Close)
			r.Post("/v1/site/open", s.siteHandler.Open)
		})
	})
}

func (s *ConsoleServer) requireScope(r chi.Router, scope string) {
	if s.authValidator != nil {
		r.Use(auth.RequireScope(scope))
	}
}

// requestLogger: access log через zap вместо стандартного middleware.Logger
func (s *ConsoleServer) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			s.logger.Info("http request",
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}

// ServeHTTP позволяет использовать ConsoleServer как стандартный http.Handler
func (s *ConsoleServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
