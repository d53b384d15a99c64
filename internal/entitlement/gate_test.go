package entitlement

import (
	"context"
	"errors"
	"sync"
	"testing"

	"coinchat/backend/internal/apperr"
	"coinchat/backend/internal/catalog"
	"coinchat/backend/internal/db/dbtest"
	"coinchat/backend/internal/session"

	"github.com/stretchr/testify/require"
)

const testCatalog = `
models:
  - {id: free, cost: 0, provider: stub}
  - {id: ten, cost: 10, provider: stub}
  - {id: twenty, cost: 20, provider: stub}
entitlements:
  guest: [free, ten]
  regular: [free, ten, twenty]
`

func newTestGate(t *testing.T) (Gate, session.Store) {
	t.Helper()
	c, err := catalog.Parse([]byte(testCatalog), []string{"stub"})
	require.NoError(t, err)
	store := session.NewStore(dbtest.Open(t))
	return NewGate(c, store), store
}

func regularWithBalance(t *testing.T, store session.Store, balance int64) session.Identity {
	t.Helper()
	account, err := store.CreateRegular(context.Background(), t.Name()+"@example.com", "hash", "", balance)
	require.NoError(t, err)
	return session.Identity{AccountID: account.ID, Type: session.AccountRegular}
}

func balanceOf(t *testing.T, store session.Store, id session.Identity) int64 {
	t.Helper()
	account, err := store.Account(context.Background(), id.AccountID)
	require.NoError(t, err)
	return account.Balance
}

func TestGuestZeroCostModelLeavesBalanceUnchanged(t *testing.T) {
	gate, store := newTestGate(t)
	account, err := store.ProvisionGuest(context.Background(), "anon", 4)
	require.NoError(t, err)
	guest := session.Identity{AccountID: account.ID, Type: session.AccountGuest}

	require.NoError(t, gate.Authorize(context.Background(), guest, "free"))
	require.EqualValues(t, 4, balanceOf(t, store, guest))
}

func TestInsufficientBalanceIsDenied(t *testing.T) {
	gate, store := newTestGate(t)
	user := regularWithBalance(t, store, 10)

	err := gate.Authorize(context.Background(), user, "twenty")
	require.ErrorIs(t, err, apperr.ErrInsufficientBalance)
	require.EqualValues(t, 10, balanceOf(t, store, user))
}

func TestModelOutsideAllowListIsDenied(t *testing.T) {
	gate, store := newTestGate(t)
	account, err := store.ProvisionGuest(context.Background(), "anon", 100)
	require.NoError(t, err)
	guest := session.Identity{AccountID: account.ID, Type: session.AccountGuest}

	err = gate.Authorize(context.Background(), guest, "twenty")
	require.ErrorIs(t, err, apperr.ErrModelNotEntitled)
	require.EqualValues(t, 100, balanceOf(t, store, guest))
}

func TestUnknownModelPerformsNoMutation(t *testing.T) {
	gate, store := newTestGate(t)
	user := regularWithBalance(t, store, 50)

	err := gate.Authorize(context.Background(), user, "missing")
	require.ErrorIs(t, err, apperr.ErrUnknownModel)
	require.EqualValues(t, 50, balanceOf(t, store, user))
}

func TestPaidModelDebitsCost(t *testing.T) {
	gate, store := newTestGate(t)
	user := regularWithBalance(t, store, 25)

	require.NoError(t, gate.Authorize(context.Background(), user, "twenty"))
	require.EqualValues(t, 5, balanceOf(t, store, user))
}

func TestRacingDebitsOnlyOneSucceeds(t *testing.T) {
	gate, store := newTestGate(t)
	user := regularWithBalance(t, store, 15)

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = gate.Authorize(context.Background(), user, "ten")
		}(i)
	}
	wg.Wait()

	succeeded, denied := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, apperr.ErrInsufficientBalance):
			denied++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, succeeded)
	require.Equal(t, 1, denied)
	require.EqualValues(t, 5, balanceOf(t, store, user))
}

func TestConcurrentDebitsNeverExceedFloorOfBalance(t *testing.T) {
	gate, store := newTestGate(t)
	user := regularWithBalance(t, store, 95)

	const attempts = 25
	results := make(chan error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- gate.Authorize(context.Background(), user, "ten")
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
		}
	}
	require.Equal(t, 9, succeeded)
	require.EqualValues(t, 5, balanceOf(t, store, user))
}

func TestSyntheticGuestCannotSpend(t *testing.T) {
	gate, _ := newTestGate(t)
	synthetic := session.Identity{AccountID: "guest-x", Type: session.AccountGuest, Synthetic: true}

	require.NoError(t, gate.Authorize(context.Background(), synthetic, "free"))
	require.ErrorIs(t, gate.Authorize(context.Background(), synthetic, "ten"), apperr.ErrInsufficientBalance)
}

type failingDebiter struct{}

func (failingDebiter) DebitIfSufficient(context.Context, string, int64) (bool, error) {
	return false, errors.New("connection reset")
}

func TestDebitFailureIsStorageUnavailable(t *testing.T) {
	c, err := catalog.Parse([]byte(testCatalog), []string{"stub"})
	require.NoError(t, err)
	gate := NewGate(c, failingDebiter{})

	err = gate.Authorize(context.Background(), session.Identity{AccountID: "a", Type: session.AccountRegular}, "ten")
	require.ErrorIs(t, err, apperr.ErrStorageUnavailable)
}
