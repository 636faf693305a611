// Package processqueryv1 описывает контракт пакетного вызова удаленной платформы:
// клиент копит вызовы, отправляет их одной пачкой и получает результаты по ID.
package processqueryv1

import "encoding/json"

// ObjectProjectPolicy: серверный объект, через который работают политики сайта.
const ObjectProjectPolicy = "ProjectPolicy"

// Методы объекта ProjectPolicy
const (
	MethodDoesProjectHavePolicy                 = "DoesProjectHavePolicy"
	MethodGetProjectExpirationDate              = "GetProjectExpirationDate"
	MethodGetProjectCloseDate                   = "GetProjectCloseDate"
	MethodGetProjectPolicies                    = "GetProjectPolicies"
	MethodGetCurrentlyAppliedProjectPolicyOnWeb = "GetCurrentlyAppliedProjectPolicyOnWeb"
	MethodApplyProjectPolicy                    = "ApplyProjectPolicy"
	MethodIsProjectClosed                       = "IsProjectClosed"
	MethodCloseProject                          = "CloseProject"
	MethodOpenProject                           = "OpenProject"
)

// Поля объекта политики на проводе
const (
	FieldName                     = "Name"
	FieldDescription              = "Description"
	FieldEmailSubject             = "EmailSubject"
	FieldEmailBody                = "EmailBody"
	FieldEmailBodyWithTeamMailbox = "EmailBodyWithTeamMailbox"
)

// ArgPolicyName: имя аргумента ApplyProjectPolicy.
const ArgPolicyName = "name"

// Request: одна пачка вызовов против одного сайта.
type Request struct {
	Site    string  `json:"site"`
	Queries []Query `json:"queries"`
}

// Query: отложенный вызов метода. Select ограничивает набор полей возвращаемых объектов.
type Query struct {
	ID     int            `json:"id"`
	Object string         `json:"object"`
	Method string         `json:"method"`
	Args   map[string]any `json:"args,omitempty"`
	Select []string       `json:"select,omitempty"`
}

// Response содержит результаты в порядке выполнения.
// Сервер прерывает пачку на первой ошибке, поэтому Error исключает частичный успех.
type Response struct {
	Results []Result   `json:"results"`
	Error   *ErrorInfo `json:"error,omitempty"`
}

type Result struct {
	ID    int             `json:"id"`
	Value json.RawMessage `json:"value"`
}

type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	QueryID int    `json:"queryId"`
}
