package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"coinchat/backend/internal/apperr"

	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func decodeJSON(r *http.Request, target any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		return err
	}
	if decoder.More() {
		return errors.New("request body must contain a single JSON object")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: errorBody{Code: code, Message: message}})
}

// writeAppError renders err as {error:{code,message}}. User-facing outcomes
// are not logged; configuration defects are errors, the rest warnings.
func (h Handler) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	if !apperr.Expected(err) {
		fields := []zap.Field{
			zap.String("request_id", chimw.GetReqID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.String("kind", string(apperr.KindOf(err))),
			zap.Error(err),
		}
		switch apperr.KindOf(err) {
		case apperr.KindUnknownModel, apperr.KindUnknownProvider, apperr.KindInternal:
			h.logger.Error("request failed", fields...)
		default:
			h.logger.Warn("request failed", fields...)
		}
	}
	writeError(w, apperr.Status(err), apperr.Code(err), apperr.UserMessage(err))
}
