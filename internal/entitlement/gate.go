// Package entitlement decides whether an identity may run a model and
// charges the model's cost when it may.
package entitlement

import (
	"context"

	"coinchat/backend/internal/apperr"
	"coinchat/backend/internal/catalog"
	"coinchat/backend/internal/session"
)

// Debiter performs the atomic decrement-if-balance-covers-amount.
type Debiter interface {
	DebitIfSufficient(ctx context.Context, accountID string, amount int64) (bool, error)
}

type Gate struct {
	catalog catalog.Catalog
	debiter Debiter
}

func NewGate(c catalog.Catalog, debiter Debiter) Gate {
	return Gate{catalog: c, debiter: debiter}
}

// Authorize returns nil when the request may proceed, after charging the
// model's cost. Denials are *apperr.Error values of kind EntitlementDenied
// and leave the balance untouched.
func (g Gate) Authorize(ctx context.Context, identity session.Identity, modelID string) error {
	model, err := g.catalog.Lookup(modelID)
	if err != nil {
		return err
	}

	if !g.catalog.Allowed(identity.Type, model.ID) {
		return apperr.Denied(apperr.ReasonModelNotEntitled)
	}

	if model.Cost == 0 {
		return nil
	}

	// Synthetic guests have no stored balance to draw from.
	if identity.Synthetic {
		return apperr.Denied(apperr.ReasonInsufficientBalance)
	}

	ok, err := g.debiter.DebitIfSufficient(ctx, identity.AccountID, model.Cost)
	if err != nil {
		return apperr.StorageUnavailable(err)
	}
	if !ok {
		return apperr.Denied(apperr.ReasonInsufficientBalance)
	}
	return nil
}

// Entitled reports whether identity's account type may use modelID at all,
// ignoring balance.
func (g Gate) Entitled(identity session.Identity, modelID string) bool {
	return g.catalog.Allowed(identity.Type, modelID)
}
