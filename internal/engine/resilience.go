package engine

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/sitepolicy-gateway/internal/infra"
)

// SiteStateHandler получает разобранный сигнал "ACTION:site_url"
type SiteStateHandler func(action, siteURL string)

// ListenSiteStateResilient: "живучая" подписка на сигналы о смене состояния сайтов.
// Переподключается после обрыва, пока не закрыт ctx. onReconnect может быть nil.
func ListenSiteStateResilient(
	ctx context.Context,
	rdb *redis.Client,
	logger *zap.Logger,
	onReconnect func() error,
	onMessage SiteStateHandler,
) {
	logger = logger.Named("site-state-listener")
	for {
		pubsub := rdb.Subscribe(ctx, infra.RedisChanSiteState)

		// Проверка успешности подписки
		if _, err := pubsub.Receive(ctx); err != nil {
			_ = pubsub.Close()
			logger.Error("failed to subscribe", zap.String("chan", infra.RedisChanSiteState), zap.Error(err))
			if !sleepCtx(ctx, 5*time.Second) {
				return
			}
			continue
		}

		// Синхронизация при каждом успешном коннекте: сигналы за время обрыва потеряны
		if onReconnect != nil {
			if err := onReconnect(); err != nil {
				logger.Error("sync failed on reconnect", zap.Error(err))
			}
		}

		ch := pubsub.Channel()

	loop:
		for {
			select {
			case <-ctx.Done():
				_ = pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break loop // Канал закрыт, идем на переподключение
				}
				dispatchSiteState(logger, msg.Payload, onMessage)
			}
		}

		_ = pubsub.Close()
		if !sleepCtx(ctx, time.Second) {
			return
		}
	}
}

func dispatchSiteState(logger *zap.Logger, payload string, onMessage SiteStateHandler) {
	action, siteURL, ok := infra.ParseSiteStateSignal(payload)
	if !ok {
		logger.Error("invalid signal format", zap.String("payload", payload))
		return
	}
	onMessage(action, siteURL)
}

// sleepCtx возвращает false, если ctx закрылся раньше
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
