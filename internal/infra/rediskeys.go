package infra

import (
	"fmt"
	"strings"
)

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "sitepolicy"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanSiteState: сюда уходит "ACTION:site_url" после каждой реальной мутации сайта.
	RedisChanSiteState = RedisNamespace + ":site-state"
)

// SiteStateSignal формирует payload сигнала о смене состояния сайта.
func SiteStateSignal(action, siteURL string) string {
	return fmt.Sprintf("%s:%s", action, siteURL)
}

// ParseSiteStateSignal разбирает "ACTION:site_url". URL сам содержит ':', режем по первому.
func ParseSiteStateSignal(payload string) (action, siteURL string, ok bool) {
	action, siteURL, ok = strings.Cut(payload, ":")
	if !ok || action == "" || siteURL == "" {
		return "", "", false
	}
	return action, siteURL, true
}
