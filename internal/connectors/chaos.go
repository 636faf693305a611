package connectors

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"
)

// ChaosOptions: неидеальность платформы, которую разыгрывает симулятор.
type ChaosOptions struct {
	MinLatency    time.Duration
	MaxLatency    time.Duration
	ThrottleEvery int           // Каждый N-й вызов получает троттлинг; 0: никогда
	RetryAfter    time.Duration // Что сообщаем клиенту при троттлинге
}

// ChaosProvider добавляет к Provider случайную задержку и периодический троттлинг.
type ChaosProvider struct {
	next Provider
	opts ChaosOptions

	mu    sync.Mutex
	calls int
}

func NewChaosProvider(next Provider, opts ChaosOptions) *ChaosProvider {
	if opts.MaxLatency < opts.MinLatency {
		opts.MaxLatency = opts.MinLatency
	}
	if opts.RetryAfter <= 0 {
		opts.RetryAfter = defaultRetryAfter
	}
	return &ChaosProvider{next: next, opts: opts}
}

// Call реализует интерфейс ExecutionProvider
func (c *ChaosProvider) Call(ctx context.Context, siteURL string, payload []byte) ([]byte, error) {
	latency := c.opts.MinLatency
	if spread := c.opts.MaxLatency - c.opts.MinLatency; spread > 0 {
		latency += time.Duration(rand.Int64N(int64(spread)))
	}
	if latency > 0 {
		t := time.NewTimer(latency)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		}
	}

	c.mu.Lock()
	c.calls++
	throttle := c.opts.ThrottleEvery > 0 && c.calls%c.opts.ThrottleEvery == 0
	c.mu.Unlock()

	if throttle {
		return nil, &ThrottleError{RetryAfter: c.opts.RetryAfter, Cause: errors.New("simulated throttling")}
	}
	return c.next.Call(ctx, siteURL, payload)
}
