package connectors

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ProcessQueryPath: endpoint пакетных вызовов относительно URL сайта.
const ProcessQueryPath = "/_vti_bin/client.svc/ProcessQuery"

const (
	maxResponseBytes  = 8 << 20
	defaultRetryAfter = time.Second
)

// Provider: то же, что engine.ExecutionProvider; продублирован, чтобы connectors не зависел от engine.
type Provider interface {
	Call(ctx context.Context, siteURL string, payload []byte) ([]byte, error)
}

// RESTAdapter отправляет пачку как JSON POST на ProcessQuery.
type RESTAdapter struct {
	client  *http.Client
	baseURL string // Пусто: запрос уходит на URL самого сайта
	token   string
	timeout time.Duration
}

// NewRESTAdapter создает экземпляр адаптера
func NewRESTAdapter(client *http.Client, baseURL, token string, timeout time.Duration) *RESTAdapter {
	if client == nil {
		client = http.DefaultClient
	}
	return &RESTAdapter{
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		timeout: timeout,
	}
}

// Call реализует интерфейс ExecutionProvider
func (a *RESTAdapter) Call(ctx context.Context, siteURL string, payload []byte) ([]byte, error) {
	// Адаптер держит свой предел, даже если у ReliabilityWrapper есть таймаут попытки
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint(siteURL), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("remote call failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable:
		return nil, &ThrottleError{
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
			Cause:      &StatusError{StatusCode: resp.StatusCode, Body: string(body)},
		}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	return body, nil
}

func (a *RESTAdapter) endpoint(siteURL string) string {
	base := a.baseURL
	if base == "" {
		base = strings.TrimRight(siteURL, "/")
	}
	return base + ProcessQueryPath
}

// parseRetryAfter понимает оба формата заголовка: секунды и HTTP-дату.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return defaultRetryAfter
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
		return 0
	}
	return defaultRetryAfter
}

// NewProcessQueryHandler публикует любой Provider как HTTP endpoint ProcessQuery.
// Используется симулятором платформы и тестами RESTAdapter.
func NewProcessQueryHandler(next Provider, logger *zap.Logger) http.Handler {
	logger = logger.Named("processquery-http")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, ProcessQueryPath) {
			http.NotFound(w, r)
			return
		}
		if r.Method != http.MethodPost {
			http.Error(w, "Only POST allowed", http.StatusMethodNotAllowed)
			return
		}

		payload, err := io.ReadAll(io.LimitReader(r.Body, maxResponseBytes))
		if err != nil {
			http.Error(w, "Failed to read body", http.StatusBadRequest)
			return
		}

		var head struct {
			Site string `json:"site"`
		}
		if err := json.Unmarshal(payload, &head); err != nil {
			http.Error(w, "Invalid batch", http.StatusBadRequest)
			return
		}
		if head.Site == "" {
			head.Site = strings.TrimSuffix(r.URL.Path, ProcessQueryPath)
		}

		resp, err := next.Call(r.Context(), head.Site, payload)
		if err != nil {
			logger.Error("process query failed", zap.String("site", head.Site), zap.Error(err))
			var tErr *ThrottleError
			if errors.As(err, &tErr) {
				secs := int((tErr.RetryAfter + time.Second - 1) / time.Second)
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				http.Error(w, err.Error(), http.StatusTooManyRequests)
				return
			}
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write(resp)
	})
}
