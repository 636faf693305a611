package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xela07ax/sitepolicy-gateway/internal/connectors"
	"github.com/xela07ax/sitepolicy-gateway/internal/infra"
)

const (
	connectorID             = "sitepolicy-remote"
	defaultFailureThreshold = 5
)

// ExecutionProvider отправляет пачку на платформу и возвращает сырой ответ.
type ExecutionProvider interface {
	Call(ctx context.Context, siteURL string, payload []byte) ([]byte, error)
}

// ReliabilityWrapper: та самая "Retry" часть ExecuteQueryRetry:
// лимитер -> предохранитель -> повторы с учетом Retry-After.
type ReliabilityWrapper struct {
	next    ExecutionProvider
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	cfg     infra.ReliabilityConfig
	metrics *Metrics
	logger  *zap.Logger
}

func NewReliabilityWrapper(next ExecutionProvider, cfg infra.ReliabilityConfig, metrics *Metrics, logger *zap.Logger) *ReliabilityWrapper {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if cfg.Attempts == 0 {
		cfg.Attempts = 1
	}
	threshold := cfg.CBFailureThreshold
	if threshold == 0 {
		threshold = defaultFailureThreshold
	}

	w := &ReliabilityWrapper{
		next:    next,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger.Named("reliability"),
	}

	// Настройка предохранителя
	w.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        connectorID,
		MaxRequests: cfg.CBMaxRequests,
		Interval:    cfg.CBInterval,
		Timeout:     cfg.CBTimeout, // Время, через которое CB попробует "закрыться"
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// Ошибки клиента (4xx) не говорят о здоровье платформы
		IsSuccessful: func(err error) bool {
			return err == nil || isPermanent(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			w.metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			w.logger.Warn("circuit breaker state changed",
				zap.String("connector", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	// Настройка лимитера; 0: без ограничения
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.RateBurst
	if burst < 1 {
		burst = 1
	}
	w.limiter = rate.NewLimiter(limit, burst)

	return w
}

func (w *ReliabilityWrapper) Call(ctx context.Context, siteURL string, payload []byte) ([]byte, error) {
	start := time.Now()

	// 1. Rate Limiter
	if err := w.limiter.Wait(ctx); err != nil {
		w.metrics.ErrorTotal.WithLabelValues("rate_limit").Inc()
		return nil, fmt.Errorf("rate limit exceeded: %w", err)
	}

	// 2. Circuit Breaker
	cbResult, err := w.cb.Execute(func() (interface{}, error) {
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(w.cfg.Attempts),
			retry.Delay(w.cfg.Delay),
			retry.MaxDelay(w.cfg.MaxDelay),
			retry.LastErrorOnly(true),
			retry.RetryIf(isRetryable),
			retry.OnRetry(func(n uint, err error) {
				w.metrics.RetryTotal.Inc()
				w.logger.Debug("retrying remote call",
					zap.String("site", siteURL),
					zap.Uint("attempt", n+1),
					zap.Error(err))
			}),
			// Умный расчет задержки
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				// Платформа сама сказала, сколько ждать (Retry-After)
				var tErr *connectors.ThrottleError
				if errors.As(err, &tErr) {
					return tErr.RetryAfter
				}
				// В остальных случаях (сетевой лаг, 500-ка): экспоненциальный бэкофф
				return retry.BackOffDelay(n, err, config)
			}),
		)

		var finalData []byte
		retryErr := r.Do(func() error {
			tCtx := ctx
			if w.cfg.CallTimeout > 0 {
				var cancel context.CancelFunc
				tCtx, cancel = context.WithTimeout(ctx, w.cfg.CallTimeout)
				defer cancel()
			}

			var callErr error
			finalData, callErr = w.next.Call(tCtx, siteURL, payload)
			return callErr
		})

		return finalData, retryErr
	})

	if err != nil {
		w.metrics.ErrorTotal.WithLabelValues(errorType(err)).Inc()
		w.metrics.RemoteCallDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		return nil, err
	}

	w.metrics.RemoteCallDuration.WithLabelValues("ok").Observe(time.Since(start).Seconds())
	return cbResult.([]byte), nil
}

// isPermanent: ошибка, которую повтор не исправит.
// Троттлинг всегда повторяем, какой бы статус ни лежал внутри.
func isPermanent(err error) bool {
	var tErr *connectors.ThrottleError
	if errors.As(err, &tErr) {
		return false
	}
	var sErr *connectors.StatusError
	if errors.As(err, &sErr) {
		return !sErr.Temporary()
	}
	return false
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	return !isPermanent(err)
}

func errorType(err error) string {
	var tErr *connectors.ThrottleError
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return "circuit_open"
	case errors.As(err, &tErr):
		return "throttled"
	case isPermanent(err):
		return "permanent"
	default:
		return "remote"
	}
}
