// Package apperr defines the error taxonomy shared by the chat pipeline and
// its mapping onto HTTP responses.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindInvalidInput       Kind = "invalid_input"
	KindUnauthenticated    Kind = "unauthenticated"
	KindForbidden          Kind = "forbidden"
	KindNotFound           Kind = "not_found"
	KindEntitlementDenied  Kind = "entitlement_denied"
	KindUnknownModel       Kind = "unknown_model"
	KindUnknownProvider    Kind = "unknown_provider"
	KindStorageUnavailable Kind = "storage_unavailable"
	KindProviderError      Kind = "provider_error"
	KindStreamTimeout      Kind = "stream_timeout"
	KindInternal           Kind = "internal"
)

// Denial reasons carried by KindEntitlementDenied.
const (
	ReasonModelNotEntitled    = "model_not_entitled"
	ReasonInsufficientBalance = "insufficient_balance"
)

var defaultMessages = map[Kind]string{
	KindInvalidInput:       "Некорректный запрос.",
	KindUnauthenticated:    "Необходимо войти в систему.",
	KindForbidden:          "Нет доступа к этому чату.",
	KindNotFound:           "Не найдено.",
	KindEntitlementDenied:  "Запрос отклонён.",
	KindUnknownModel:       "Неизвестная модель.",
	KindUnknownProvider:    "Модель временно недоступна.",
	KindStorageUnavailable: "Хранилище временно недоступно, попробуйте ещё раз.",
	KindProviderError:      "Не удалось сгенерировать ответ, попробуйте ещё раз.",
	KindStreamTimeout:      "Превышено время ожидания ответа, попробуйте ещё раз.",
	KindInternal:           "Внутренняя ошибка сервера.",
}

var reasonMessages = map[string]string{
	ReasonModelNotEntitled:    "Эта модель недоступна для вашего аккаунта.",
	ReasonInsufficientBalance: "Недостаточно монет на балансе.",
}

var statuses = map[Kind]int{
	KindInvalidInput:       http.StatusBadRequest,
	KindUnauthenticated:    http.StatusUnauthorized,
	KindForbidden:          http.StatusForbidden,
	KindNotFound:           http.StatusNotFound,
	KindEntitlementDenied:  http.StatusTooManyRequests,
	KindUnknownModel:       http.StatusBadRequest,
	KindUnknownProvider:    http.StatusInternalServerError,
	KindStorageUnavailable: http.StatusServiceUnavailable,
	KindProviderError:      http.StatusBadGateway,
	KindStreamTimeout:      http.StatusGatewayTimeout,
	KindInternal:           http.StatusInternalServerError,
}

type Error struct {
	Kind    Kind
	Reason  string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	label := string(e.Kind)
	if e.Reason != "" {
		label += "(" + e.Reason + ")"
	}
	if e.Err == nil {
		return label
	}
	return fmt.Sprintf("%s: %v", label, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches another *Error by Kind and, when the target names one, Reason.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Reason == "" || t.Reason == e.Reason
}

func New(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func InvalidInput(message string) *Error {
	return New(KindInvalidInput, message, nil)
}

func Unauthenticated() *Error {
	return New(KindUnauthenticated, "", nil)
}

func Forbidden(message string) *Error {
	return New(KindForbidden, message, nil)
}

func NotFound(message string) *Error {
	return New(KindNotFound, message, nil)
}

func Denied(reason string) *Error {
	return &Error{Kind: KindEntitlementDenied, Reason: reason}
}

func UnknownModel(modelID string) *Error {
	return New(KindUnknownModel, "", fmt.Errorf("model %q is not in the catalog", modelID))
}

func UnknownProvider(key string) *Error {
	return New(KindUnknownProvider, "", fmt.Errorf("no provider registered for %q", key))
}

func StorageUnavailable(err error) *Error {
	return New(KindStorageUnavailable, "", err)
}

func ProviderError(err error) *Error {
	return New(KindProviderError, "", err)
}

func StreamTimeout(err error) *Error {
	return New(KindStreamTimeout, "", err)
}

// Sentinels for errors.Is checks.
var (
	ErrUnknownModel        = &Error{Kind: KindUnknownModel}
	ErrUnknownProvider     = &Error{Kind: KindUnknownProvider}
	ErrForbidden           = &Error{Kind: KindForbidden}
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrStorageUnavailable  = &Error{Kind: KindStorageUnavailable}
	ErrProviderError       = &Error{Kind: KindProviderError}
	ErrStreamTimeout       = &Error{Kind: KindStreamTimeout}
	ErrDenied              = &Error{Kind: KindEntitlementDenied}
	ErrInsufficientBalance = &Error{Kind: KindEntitlementDenied, Reason: ReasonInsufficientBalance}
	ErrModelNotEntitled    = &Error{Kind: KindEntitlementDenied, Reason: ReasonModelNotEntitled}
)

func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

func Status(err error) int {
	return statuses[KindOf(err)]
}

// Code is the machine-readable code sent to clients. Entitlement denials
// report their reason.
func Code(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		if appErr.Kind == KindEntitlementDenied && appErr.Reason != "" {
			return appErr.Reason
		}
		return string(appErr.Kind)
	}
	return string(KindInternal)
}

// UserMessage is the localized human-readable message for err.
func UserMessage(err error) string {
	var appErr *Error
	if !errors.As(err, &appErr) {
		return defaultMessages[KindInternal]
	}
	if appErr.Message != "" {
		return appErr.Message
	}
	if msg, ok := reasonMessages[appErr.Reason]; ok {
		return msg
	}
	return defaultMessages[appErr.Kind]
}

// Expected reports whether err is a user-facing outcome that should not be
// logged as a failure.
func Expected(err error) bool {
	switch KindOf(err) {
	case KindInvalidInput, KindUnauthenticated, KindForbidden, KindNotFound, KindEntitlementDenied:
		return true
	}
	return false
}

// Retryable reports whether the client may retry the same request.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindStorageUnavailable, KindProviderError, KindStreamTimeout:
		return true
	}
	return false
}
