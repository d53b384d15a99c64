package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"coinchat/backend/internal/apperr"
	"coinchat/backend/internal/session"

	"github.com/stretchr/testify/require"
)

var bothProviders = []string{"openrouter", "openai"}

func TestDefaultCatalogLoads(t *testing.T) {
	c, err := Default(bothProviders)
	require.NoError(t, err)

	free, err := c.Lookup("openrouter/free")
	require.NoError(t, err)
	require.Zero(t, free.Cost)
	require.Equal(t, "openrouter", free.Provider)

	gpt, err := c.Lookup("openai/gpt-4o")
	require.NoError(t, err)
	require.Equal(t, "gpt-4o", gpt.UpstreamID())

	require.True(t, c.Allowed(session.AccountGuest, "openrouter/free"))
	require.False(t, c.Allowed(session.AccountGuest, "openai/gpt-4o"))
	require.True(t, c.Allowed(session.AccountRegular, "openai/gpt-4o"))
	require.Equal(t, "openrouter/free", c.Models()[0].ID)
}

func TestLookupUnknownModel(t *testing.T) {
	c, err := Default(bothProviders)
	require.NoError(t, err)

	_, err = c.Lookup("nope/none")
	require.ErrorIs(t, err, apperr.ErrUnknownModel)
}

func TestParseRejectsUnregisteredProvider(t *testing.T) {
	_, err := Default([]string{"openrouter"})
	require.ErrorContains(t, err, `unregistered provider "openai"`)
}

func TestParseRejectsGuestModelsOutsideRegular(t *testing.T) {
	raw := []byte(`
models:
  - {id: a, cost: 0, provider: openrouter}
  - {id: b, cost: 3, provider: openrouter}
entitlements:
  guest: [a, b]
  regular: [a]
`)
	_, err := Parse(raw, bothProviders)
	require.ErrorContains(t, err, `guest model "b"`)
}

func TestParseRejectsInvalidModels(t *testing.T) {
	cases := map[string]string{
		"negative cost": `
models:
  - {id: a, cost: -1, provider: openrouter}
entitlements: {guest: [], regular: [a]}
`,
		"duplicate id": `
models:
  - {id: a, cost: 1, provider: openrouter}
  - {id: a, cost: 2, provider: openrouter}
entitlements: {guest: [], regular: [a]}
`,
		"unknown entitlement": `
models:
  - {id: a, cost: 1, provider: openrouter}
entitlements: {guest: [], regular: [a, z]}
`,
		"missing guest list": `
models:
  - {id: a, cost: 1, provider: openrouter}
entitlements: {regular: [a]}
`,
		"unknown field": `
models:
  - {id: a, cost: 1, provider: openrouter, price: 3}
entitlements: {guest: [], regular: [a]}
`,
	}

	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(raw), bothProviders)
			require.Error(t, err)
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
models:
  - {id: only, name: Only, cost: 7, provider: openai}
entitlements: {guest: [], regular: [only]}
`), 0o600))

	c, err := Load(path, bothProviders)
	require.NoError(t, err)
	m, err := c.Lookup("only")
	require.NoError(t, err)
	require.EqualValues(t, 7, m.Cost)
	require.Equal(t, "Only", m.Name)
}
