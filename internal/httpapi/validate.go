package httpapi

import (
	"net/url"
	"strings"
	"unicode/utf8"

	"coinchat/backend/internal/apperr"
	"coinchat/backend/internal/chatstore"

	"github.com/google/uuid"
)

const (
	maxUserTextRunes      = 2000
	maxAssistantTextRunes = 100_000
	maxPartsPerMessage    = 10
	maxMessageIDLength    = 128
)

var allowedImageTypes = map[string]struct{}{
	"image/jpeg": {},
	"image/png":  {},
}

type messagePayload struct {
	ID    string           `json:"id"`
	Role  string           `json:"role"`
	Parts []chatstore.Part `json:"parts"`
}

func validateConversationID(raw string) (string, error) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", apperr.InvalidInput("Некорректный идентификатор чата.")
	}
	return id.String(), nil
}

// validateMessage checks a client-supplied message and returns it in stored
// form. Only the listed roles are accepted.
func validateMessage(payload messagePayload, roles ...chatstore.Role) (chatstore.Message, error) {
	id := strings.TrimSpace(payload.ID)
	if id == "" || len(id) > maxMessageIDLength {
		return chatstore.Message{}, apperr.InvalidInput("Некорректный идентификатор сообщения.")
	}

	role := chatstore.Role(payload.Role)
	allowed := false
	for _, candidate := range roles {
		if role == candidate {
			allowed = true
		}
	}
	if !allowed {
		return chatstore.Message{}, apperr.InvalidInput("Недопустимая роль сообщения.")
	}

	limit := maxUserTextRunes
	if role == chatstore.RoleAssistant {
		limit = maxAssistantTextRunes
	}
	parts, err := validateParts(payload.Parts, limit)
	if err != nil {
		return chatstore.Message{}, err
	}
	return chatstore.Message{ID: id, Role: role, Parts: parts}, nil
}

func validateParts(parts []chatstore.Part, maxTextRunes int) ([]chatstore.Part, error) {
	if len(parts) == 0 {
		return nil, apperr.InvalidInput("Сообщение не может быть пустым.")
	}
	if len(parts) > maxPartsPerMessage {
		return nil, apperr.InvalidInput("Слишком много частей в сообщении.")
	}

	out := make([]chatstore.Part, 0, len(parts))
	for _, part := range parts {
		switch part.Type {
		case "text":
			n := utf8.RuneCountInString(part.Text)
			if n == 0 || n > maxTextRunes {
				return nil, apperr.InvalidInput("Текст сообщения должен содержать от 1 до 2000 символов.")
			}
			out = append(out, chatstore.Part{Type: "text", Text: part.Text})
		case "file":
			if _, ok := allowedImageTypes[part.MediaType]; !ok {
				return nil, apperr.InvalidInput("Поддерживаются только изображения JPEG и PNG.")
			}
			if !validPartURL(part.URL) || strings.TrimSpace(part.Name) == "" {
				return nil, apperr.InvalidInput("У вложения должны быть адрес и имя.")
			}
			out = append(out, chatstore.Part{Type: "file", MediaType: part.MediaType, URL: part.URL, Name: strings.TrimSpace(part.Name)})
		default:
			return nil, apperr.InvalidInput("Неизвестный тип части сообщения.")
		}
	}
	return out, nil
}

func validPartURL(raw string) bool {
	if strings.HasPrefix(raw, "/") && !strings.HasPrefix(raw, "//") {
		return true
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (parsed.Scheme == "https" || parsed.Scheme == "http") && parsed.Host != ""
}
