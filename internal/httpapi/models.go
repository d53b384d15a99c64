package httpapi

import (
	"net/http"

	"coinchat/backend/internal/apperr"
)

type modelResponse struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Cost     int64  `json:"cost"`
	Provider string `json:"provider"`
	Entitled bool   `json:"entitled"`
}

func (h Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}

	catalogModels := h.catalog.Models()
	models := make([]modelResponse, 0, len(catalogModels))
	for _, m := range catalogModels {
		models = append(models, modelResponse{
			ID:       m.ID,
			Name:     m.Name,
			Cost:     m.Cost,
			Provider: m.Provider,
			Entitled: h.gate.Entitled(identity, m.ID),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": models, "defaultModelId": h.cfg.DefaultModelID})
}

func (h Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}
	if identity.Synthetic {
		writeJSON(w, http.StatusOK, map[string]any{"accountType": identity.Type, "balance": 0, "synthetic": true})
		return
	}
	account, err := h.accounts.Account(r.Context(), identity.AccountID)
	if err != nil {
		h.writeAppError(w, r, apperr.StorageUnavailable(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accountType": account.Type, "balance": account.Balance, "subscribed": account.Subscribed})
}
