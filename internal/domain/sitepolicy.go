package domain

import "time"

// SitePolicy: снимок именованной политики хранения на момент запроса.
// Своего жизненного цикла не имеет: создается на каждый запрос и нигде не кэшируется.
type SitePolicy struct {
	Name                     string `json:"name"`
	Description              string `json:"description"`
	EmailSubject             string `json:"email_subject"`
	EmailBody                string `json:"email_body"`
	EmailBodyWithTeamMailbox string `json:"email_body_with_team_mailbox"`
}

// SiteState: сводка по сайту для Console API.
// Даты и политика nil, если политика не применена.
type SiteState struct {
	SiteURL        string      `json:"site_url"`
	HasPolicy      bool        `json:"has_policy"`
	Closed         bool        `json:"closed"`
	Policy         *SitePolicy `json:"policy,omitempty"`
	ExpirationDate *time.Time  `json:"expiration_date,omitempty"`
	CloseDate      *time.Time  `json:"close_date,omitempty"`
}

// SiteAction: мутация, которую оператор выполняет над сайтом
type SiteAction string

const (
	ActionApply SiteAction = "APPLY"
	ActionClose SiteAction = "CLOSE"
	ActionOpen  SiteAction = "OPEN"
)

// ActionStatus: итог мутации для аудита
type ActionStatus string

const (
	StatusChanged ActionStatus = "CHANGED" // Удаленная мутация выполнена
	StatusSkipped ActionStatus = "SKIPPED" // Guard не пропустил (нет политики, уже закрыт и т.п.)
	StatusFailed  ActionStatus = "FAILED"
)
