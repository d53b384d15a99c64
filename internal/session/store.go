package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound   = errors.New("session not found")
	ErrEmailTaken = errors.New("email already registered")
)

type AccountType string

const (
	AccountGuest   AccountType = "guest"
	AccountRegular AccountType = "regular"
)

type Account struct {
	ID         string      `json:"id"`
	Type       AccountType `json:"type"`
	Email      string      `json:"email,omitempty"`
	Name       string      `json:"name,omitempty"`
	Balance    int64       `json:"balance"`
	Subscribed bool        `json:"subscribed"`
	CreatedAt  string      `json:"createdAt"`
}

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) Store {
	return Store{db: db}
}

const accountColumns = `id, account_type, COALESCE(email, ''), COALESCE(display_name, ''), balance, is_subscribed, created_at`

func scanAccount(row interface{ Scan(...any) error }) (Account, error) {
	var out Account
	var subscribed int
	if err := row.Scan(&out.ID, &out.Type, &out.Email, &out.Name, &out.Balance, &subscribed, &out.CreatedAt); err != nil {
		return Account{}, err
	}
	out.Subscribed = subscribed != 0
	return out, nil
}

// ProvisionGuest returns the guest account bound to guestKey, creating it on
// first use. Concurrent calls with the same key converge on one row.
func (s Store) ProvisionGuest(ctx context.Context, guestKey string, initialBalance int64) (Account, error) {
	if strings.TrimSpace(guestKey) == "" {
		return Account{}, errors.New("guest key is required")
	}

	if _, err := s.db.ExecContext(ctx, `
INSERT INTO accounts (id, account_type, guest_key, balance)
VALUES (?, 'guest', ?, ?)
ON CONFLICT(guest_key) DO NOTHING;
`, uuid.NewString(), guestKey, initialBalance); err != nil {
		return Account{}, fmt.Errorf("provision guest: %w", err)
	}

	return s.AccountByGuestKey(ctx, guestKey)
}

func (s Store) AccountByGuestKey(ctx context.Context, guestKey string) (Account, error) {
	out, err := scanAccount(s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE guest_key = ? LIMIT 1;`, guestKey))
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, ErrNotFound
	}
	if err != nil {
		return Account{}, fmt.Errorf("read guest account: %w", err)
	}
	return out, nil
}

func (s Store) CreateRegular(ctx context.Context, email, passwordHash, name string, initialBalance int64) (Account, error) {
	row := s.db.QueryRowContext(ctx, `
INSERT INTO accounts (id, account_type, email, password_hash, display_name, balance)
VALUES (?, 'regular', ?, ?, ?, ?)
ON CONFLICT(email) DO NOTHING
RETURNING `+accountColumns+`;
`, uuid.NewString(), strings.ToLower(strings.TrimSpace(email)), passwordHash, strings.TrimSpace(name), initialBalance)

	out, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, ErrEmailTaken
	}
	if err != nil {
		return Account{}, fmt.Errorf("create account: %w", err)
	}
	return out, nil
}

// Credentials returns the account registered under email with its password
// hash.
func (s Store) Credentials(ctx context.Context, email string) (Account, string, error) {
	var hash string
	var subscribed int
	var out Account
	err := s.db.QueryRowContext(ctx, `
SELECT id, account_type, COALESCE(email, ''), COALESCE(display_name, ''), balance, is_subscribed, created_at, COALESCE(password_hash, '')
FROM accounts
WHERE email = ? AND account_type = 'regular'
LIMIT 1;
`, strings.ToLower(strings.TrimSpace(email))).Scan(&out.ID, &out.Type, &out.Email, &out.Name, &out.Balance, &subscribed, &out.CreatedAt, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, "", ErrNotFound
	}
	if err != nil {
		return Account{}, "", fmt.Errorf("read credentials: %w", err)
	}
	out.Subscribed = subscribed != 0
	return out, hash, nil
}

// UpsertGoogleAccount creates or refreshes the account keyed by googleSub.
// It returns ErrEmailTaken when email already belongs to a different account.
func (s Store) UpsertGoogleAccount(ctx context.Context, googleSub, email, name string, initialBalance int64) (Account, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	var owner string
	err := s.db.QueryRowContext(ctx, `
SELECT id FROM accounts
WHERE email = ? AND (google_sub IS NULL OR google_sub <> ?)
LIMIT 1;
`, email, googleSub).Scan(&owner)
	switch {
	case err == nil:
		return Account{}, ErrEmailTaken
	case !errors.Is(err, sql.ErrNoRows):
		return Account{}, fmt.Errorf("check google email: %w", err)
	}

	query := `
INSERT INTO accounts (id, account_type, google_sub, email, display_name, balance)
VALUES (?, 'regular', ?, ?, ?, ?)
ON CONFLICT(google_sub) DO UPDATE SET
  email = excluded.email,
  display_name = excluded.display_name,
  updated_at = CURRENT_TIMESTAMP
RETURNING ` + accountColumns + `;
`
	out, err := scanAccount(s.db.QueryRowContext(ctx, query, uuid.NewString(), googleSub, email, strings.TrimSpace(name), initialBalance))
	if err != nil {
		if strings.Contains(err.Error(), "accounts.email") {
			return Account{}, ErrEmailTaken
		}
		return Account{}, fmt.Errorf("upsert google account: %w", err)
	}
	return out, nil
}

func (s Store) Account(ctx context.Context, id string) (Account, error) {
	out, err := scanAccount(s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ? LIMIT 1;`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, ErrNotFound
	}
	if err != nil {
		return Account{}, fmt.Errorf("read account: %w", err)
	}
	return out, nil
}

// DebitIfSufficient subtracts amount from the balance in one conditional
// update. It reports false, leaving the row untouched, when the balance does
// not cover amount.
func (s Store) DebitIfSufficient(ctx context.Context, accountID string, amount int64) (bool, error) {
	if amount < 0 {
		return false, fmt.Errorf("negative debit %d", amount)
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE accounts
SET balance = balance - ?, updated_at = CURRENT_TIMESTAMP
WHERE id = ? AND balance >= ?;
`, amount, accountID, amount)
	if err != nil {
		return false, fmt.Errorf("debit balance: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("debit balance rows: %w", err)
	}
	return affected == 1, nil
}

func (s Store) CreateSession(ctx context.Context, accountID string, ttl time.Duration) (string, time.Time, error) {
	rawToken, err := randomToken(32)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("generate session token: %w", err)
	}

	expiresAt := time.Now().Add(ttl).UTC()
	query := `INSERT INTO sessions (id, account_id, token_hash, expires_at) VALUES (?, ?, ?, ?);`

	if _, err := s.db.ExecContext(ctx, query, uuid.NewString(), accountID, hashToken(rawToken), expiresAt.Format(time.DateTime)); err != nil {
		return "", time.Time{}, fmt.Errorf("create session: %w", err)
	}

	return rawToken, expiresAt, nil
}

func (s Store) ResolveSession(ctx context.Context, rawToken string) (Account, error) {
	query := `
SELECT a.id, a.account_type, COALESCE(a.email, ''), COALESCE(a.display_name, ''), a.balance, a.is_subscribed, a.created_at
FROM sessions s
JOIN accounts a ON a.id = s.account_id
WHERE s.token_hash = ? AND s.expires_at > CURRENT_TIMESTAMP
LIMIT 1;
`
	out, err := scanAccount(s.db.QueryRowContext(ctx, query, hashToken(rawToken)))
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, ErrNotFound
	}
	if err != nil {
		return Account{}, fmt.Errorf("resolve session: %w", err)
	}
	return out, nil
}

func (s Store) DeleteSession(ctx context.Context, rawToken string) error {
	if strings.TrimSpace(rawToken) == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE token_hash = ?;`, hashToken(rawToken))
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func hashToken(rawToken string) string {
	sum := sha256.Sum256([]byte(rawToken))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
