package session

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"coinchat/backend/internal/auth"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Identity is the resolved caller of a request.
type Identity struct {
	AccountID string      `json:"accountId"`
	Type      AccountType `json:"accountType"`
	// Synthetic identities were never persisted; they exist so a guest
	// request survives a provisioning failure.
	Synthetic bool `json:"synthetic,omitempty"`
}

type ResolverConfig struct {
	SessionCookieName   string
	GuestCookieName     string
	CookieSecure        bool
	GuestInitialBalance int64
}

type Resolver struct {
	store  Store
	guests auth.GuestTokens
	cfg    ResolverConfig
	logger *zap.Logger
}

func NewResolver(store Store, guests auth.GuestTokens, cfg ResolverConfig, logger *zap.Logger) Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return Resolver{store: store, guests: guests, cfg: cfg, logger: logger}
}

// Resolve identifies the caller from the session cookie, falling back to the
// guest cookie. Any failure is reported as unauthenticated.
func (r Resolver) Resolve(ctx context.Context, req *http.Request) (Identity, bool) {
	if rawToken, err := readCookie(req, r.cfg.SessionCookieName); err == nil {
		account, err := r.store.ResolveSession(ctx, rawToken)
		if err == nil {
			return Identity{AccountID: account.ID, Type: account.Type}, true
		}
		if !errors.Is(err, ErrNotFound) {
			r.logger.Warn("resolve session failed", zap.Error(err))
		}
	}

	anonID, ok := r.anonymousID(req)
	if !ok {
		return Identity{}, false
	}
	account, err := r.store.AccountByGuestKey(ctx, anonID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			r.logger.Warn("resolve guest failed", zap.Error(err))
		}
		return Identity{}, false
	}
	return Identity{AccountID: account.ID, Type: AccountGuest}, true
}

// EstablishGuest provisions the guest account keyed by the caller's anonymous
// id, minting a new id when the request carries none, and refreshes the guest
// cookie. It never fails: when storage is unavailable the caller gets a
// synthetic identity.
func (r Resolver) EstablishGuest(ctx context.Context, w http.ResponseWriter, req *http.Request) Identity {
	anonID, ok := r.anonymousID(req)
	if !ok {
		anonID = uuid.NewString()
	}

	identity := Identity{AccountID: "guest-" + anonID, Type: AccountGuest, Synthetic: true}
	account, err := r.store.ProvisionGuest(ctx, anonID, r.cfg.GuestInitialBalance)
	if err != nil {
		r.logger.Warn("provision guest failed; using synthetic identity", zap.String("anonymous_id", anonID), zap.Error(err))
	} else {
		identity = Identity{AccountID: account.ID, Type: AccountGuest}
	}

	token, expiresAt, err := r.guests.Issue(anonID)
	if err != nil {
		r.logger.Warn("issue guest token failed", zap.Error(err))
		return identity
	}
	http.SetCookie(w, &http.Cookie{
		Name:     r.cfg.GuestCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   r.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
		Expires:  expiresAt,
	})
	return identity
}

func (r Resolver) SetSessionCookie(w http.ResponseWriter, token string, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     r.cfg.SessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   r.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
		Expires:  expiresAt,
	})
}

func (r Resolver) ClearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     r.cfg.SessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   r.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
	})
}

func (r Resolver) SessionToken(req *http.Request) (string, bool) {
	token, err := readCookie(req, r.cfg.SessionCookieName)
	return token, err == nil
}

func (r Resolver) anonymousID(req *http.Request) (string, bool) {
	raw, err := readCookie(req, r.cfg.GuestCookieName)
	if err != nil {
		return "", false
	}
	anonID, err := r.guests.Parse(raw)
	if err != nil {
		return "", false
	}
	return anonID, true
}

func readCookie(r *http.Request, name string) (string, error) {
	cookie, err := r.Cookie(name)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(cookie.Value) == "" {
		return "", errors.New("empty cookie")
	}
	return cookie.Value, nil
}
