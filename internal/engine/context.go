package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	pq "github.com/xela07ax/sitepolicy-gateway/pkg/api/processquery/v1"
)

// ErrNotExecuted: результат прочитан до ExecuteQueryRetry.
var ErrNotExecuted = errors.New("engine: result is not available until ExecuteQueryRetry")

// ServerError: платформа прервала пачку на одном из вызовов.
type ServerError struct {
	Code    string
	Message string
	Method  string
	QueryID int
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("remote %s failed [%s]: %s", e.Method, e.Code, e.Message)
}

// ClientContext копит удаленные вызовы и отправляет их одной пачкой.
// Один контекст = один логический конвейер запросов. Сбросы сериализуются мьютексом,
// чередовать вызовы из разных горутин не стоит.
type ClientContext struct {
	siteURL string
	exec    ExecutionProvider
	logger  *zap.Logger
	metrics *Metrics

	mu      sync.Mutex
	pending []*ClientResult
	nextID  int
}

func NewClientContext(siteURL string, exec ExecutionProvider, logger *zap.Logger) *ClientContext {
	return &ClientContext{
		siteURL: siteURL,
		exec:    exec,
		logger:  logger.Named("client-context").With(zap.String("site", siteURL)),
	}
}

// WithMetrics подключает гистограмму размера пачек.
func (c *ClientContext) WithMetrics(m *Metrics) *ClientContext {
	c.metrics = m
	return c
}

func (c *ClientContext) SiteURL() string { return c.siteURL }

// Site возвращает дескриптор сайта, связанный с этим контекстом.
func (c *ClientContext) Site() *Site {
	return &Site{URL: c.siteURL, ctx: c}
}

// Invoke ставит вызов метода в очередь. Результат доступен после ExecuteQueryRetry.
func (c *ClientContext) Invoke(object, method string, args map[string]any) *ClientResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	r := &ClientResult{
		query: pq.Query{
			ID:     c.nextID,
			Object: object,
			Method: method,
			Args:   args,
		},
	}
	c.pending = append(c.pending, r)
	return r
}

// Load помечает поля возвращаемых объектов для выборки.
func (c *ClientContext) Load(r *ClientResult, fields ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r.query.Select = append(r.query.Select, fields...)
}

// Pending: сколько вызовов ждут отправки.
func (c *ClientContext) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// ExecuteQueryRetry отправляет накопленную пачку через ExecutionProvider
// (ретраи и предохранитель живут в нем) и раскладывает ответы по ClientResult.
// Пустая очередь: сеть не трогаем.
func (c *ClientContext) ExecuteQueryRetry(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.pending) == 0 {
		return nil
	}

	// Очередь сбрасываем сразу: после ошибки пачку не переотправляем
	batch := c.pending
	c.pending = nil

	req := pq.Request{Site: c.siteURL, Queries: make([]pq.Query, 0, len(batch))}
	for _, r := range batch {
		req.Queries = append(req.Queries, r.query)
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("engine: failed to marshal batch: %w", err)
	}

	if c.metrics != nil {
		c.metrics.BatchSize.Observe(float64(len(batch)))
	}

	start := time.Now()
	raw, err := c.exec.Call(ctx, c.siteURL, payload)
	if err != nil {
		c.logger.Warn("batch failed", zap.Int("queries", len(batch)), zap.Error(err))
		return fmt.Errorf("engine: execute query: %w", err)
	}

	var resp pq.Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("engine: failed to decode response: %w", err)
	}

	if resp.Error != nil {
		sErr := &ServerError{Code: resp.Error.Code, Message: resp.Error.Message, QueryID: resp.Error.QueryID}
		for _, r := range batch {
			if r.query.ID == resp.Error.QueryID {
				sErr.Method = r.query.Method
			}
		}
		return sErr
	}

	byID := make(map[int]json.RawMessage, len(resp.Results))
	for _, res := range resp.Results {
		byID[res.ID] = res.Value
	}
	for _, r := range batch {
		value, ok := byID[r.query.ID]
		if !ok {
			return fmt.Errorf("engine: response has no result for %s (query %d)", r.query.Method, r.query.ID)
		}
		r.value = value
		r.executed = true
	}

	c.logger.Debug("batch executed",
		zap.Int("queries", len(batch)),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// ClientResult: значение отложенного вызова.
type ClientResult struct {
	query    pq.Query
	value    json.RawMessage
	executed bool
}

func (r *ClientResult) Method() string { return r.query.Method }

func (r *ClientResult) Executed() bool { return r.executed }

// IsNull: сервер вернул пустое значение.
func (r *ClientResult) IsNull() bool {
	v := bytes.TrimSpace(r.value)
	return len(v) == 0 || bytes.Equal(v, []byte("null"))
}

func (r *ClientResult) Decode(v any) error {
	if !r.executed {
		return ErrNotExecuted
	}
	if r.IsNull() {
		return nil
	}
	if err := json.Unmarshal(r.value, v); err != nil {
		return fmt.Errorf("engine: failed to decode %s result: %w", r.query.Method, err)
	}
	return nil
}

func (r *ClientResult) Bool() (bool, error) {
	var b bool
	err := r.Decode(&b)
	return b, err
}

// Time возвращает nil и для null, и для минимальной даты: так платформа говорит "даты нет".
func (r *ClientResult) Time() (*time.Time, error) {
	var t time.Time
	if err := r.Decode(&t); err != nil {
		return nil, err
	}
	if t.IsZero() {
		return nil, nil
	}
	return &t, nil
}

// Site: дескриптор удаленного сайта, принадлежит вызывающему.
type Site struct {
	URL string
	ctx *ClientContext
}

// Context возвращает контекст выполнения, через который идут вызовы сайта.
func (s *Site) Context() *ClientContext { return s.ctx }
