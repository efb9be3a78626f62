package telegram_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"labelops/internal/config"
	"labelops/internal/telegram"
)

const clientsYAML = `client_01:
  display_name: "Acme Retail"
  defaults:
    service: "Standard"
    weight_kg: 1.5
  services:
    - name: "Standard"
      trigger: {type: default}
  template:
    column_mapping:
      full_name: 1
      address_line_1: 2
      address_line_2: 3
      town_city: 4
      county: 5
      postcode: 6
      country: 7
      service: 8
      weight_kg: 9
`

func snapshot(t *testing.T) *config.Snapshot {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clients.yaml")
	require.NoError(t, os.WriteFile(path, []byte(clientsYAML), 0o644))
	snap, err := config.NewStore(path, t.TempDir(), nil).Load()
	require.NoError(t, err)
	return snap
}

func TestRouteExplicitClientLine(t *testing.T) {
	snap := snapshot(t)
	clientID, body, err := telegram.Route("client_01\nJane Doe\n1 The Green\nLS1 4AP", "", snap)
	require.NoError(t, err)
	assert.Equal(t, "client_01", clientID)
	assert.Equal(t, "Jane Doe\n1 The Green\nLS1 4AP", body)
}

func TestRouteClientLineIsCaseInsensitive(t *testing.T) {
	snap := snapshot(t)
	clientID, _, err := telegram.Route("CLIENT_01\nJane Doe\n1 The Green", "", snap)
	require.NoError(t, err)
	assert.Equal(t, "client_01", clientID)
}

func TestRouteFallsBackToChatDefault(t *testing.T) {
	snap := snapshot(t)
	clientID, body, err := telegram.Route("Jane Doe\n1 The Green\nLS1 4AP", "client_01", snap)
	require.NoError(t, err)
	assert.Equal(t, "client_01", clientID)
	assert.Equal(t, "Jane Doe\n1 The Green\nLS1 4AP", body)
}

func TestRouteNoDefaultNoClientLine(t *testing.T) {
	snap := snapshot(t)
	_, _, err := telegram.Route("Jane Doe\n1 The Green", "", snap)
	assert.ErrorIs(t, err, telegram.ErrNoClientRoute)
}

func TestRouteUnknownClientLineRejected(t *testing.T) {
	snap := snapshot(t)
	_, _, err := telegram.Route("client_99\nJane Doe\n1 The Green", "", snap)
	assert.ErrorIs(t, err, telegram.ErrNoClientRoute)
}

func TestRouteUnknownChatDefaultRejected(t *testing.T) {
	snap := snapshot(t)
	_, _, err := telegram.Route("Jane Doe\n1 The Green", "client_99", snap)
	assert.ErrorIs(t, err, telegram.ErrNoClientRoute)
}

func TestRouteClientLineWithEmptyBody(t *testing.T) {
	snap := snapshot(t)
	_, _, err := telegram.Route("client_01\n\n   ", "", snap)
	assert.ErrorIs(t, err, telegram.ErrEmptyMessage)
}

func TestAllowlistStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "allowlist.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"allowed_chat_ids": [42],
		"default_client_by_chat": {"42": "client_01"}
	}`), 0o644))

	store, err := telegram.LoadAllowlist(path)
	require.NoError(t, err)
	assert.True(t, store.Allowed(42))
	assert.False(t, store.Allowed(43))
	assert.Equal(t, "client_01", store.DefaultClient(42))
	assert.Empty(t, store.DefaultClient(43))

	require.NoError(t, store.SetDefaultClient(43, "client_01"))
	assert.Equal(t, "client_01", store.DefaultClient(43))

	// Persisted: a fresh load sees the update.
	reloaded, err := telegram.LoadAllowlist(path)
	require.NoError(t, err)
	assert.Equal(t, "client_01", reloaded.DefaultClient(43))
}

func TestAllowlistMissingFileDeniesAll(t *testing.T) {
	store, err := telegram.LoadAllowlist(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.False(t, store.Allowed(1))
	assert.Empty(t, store.DefaultClient(1))
}
