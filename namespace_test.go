package sealbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func namespaceOf(t *testing.T, s *Storage, name string) *Namespace {
	t.Helper()
	ns, err := s.Namespace(name)
	require.NoError(t, err)
	return ns
}

func TestNamespaceIsolation(t *testing.T) {
	s, _, _ := newTestStorage(t)
	users := namespaceOf(t, s, "users")
	orders := namespaceOf(t, s, "orders")

	require.NoError(t, users.SetItem("x", "user value"))
	require.NoError(t, orders.SetItem("x", "order value"))
	require.NoError(t, users.SetItem("y", "second"))

	got, found, err := users.GetItem("x")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "user value", got)

	got, found, err = orders.GetItem("x")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "order value", got)

	_, found, err = s.Get("x")
	require.NoError(t, err)
	assert.False(t, found)

	got, found, err = s.Get("ns_users_x")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "user value", got)

	ok, err := orders.HasItem("y")
	require.NoError(t, err)
	assert.False(t, ok)

	keys, err := users.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y"}, keys)

	removed, err := users.ClearNamespace()
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	keys, err = users.Keys()
	require.NoError(t, err)
	assert.Empty(t, keys)

	got, found, err = orders.GetItem("x")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "order value", got)
}

func TestNamespaceKeysIncludePlainEntries(t *testing.T) {
	s, store, _ := newTestStorage(t)
	ns := namespaceOf(t, s, "cfg")

	require.NoError(t, store.SetItem("ns_cfg_plain", []byte("p")))
	require.NoError(t, ns.SetItem("sealed", "s"))
	require.NoError(t, s.Set("ns_other_z", "z"))

	keys, err := ns.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"plain", "sealed"}, keys)
}

func TestNamespaceExpiry(t *testing.T) {
	s, _, clock := newTestStorage(t)
	ns := namespaceOf(t, s, "tokens")

	require.NoError(t, ns.SetItemWithExpiry("t", "v", ExpiryOptions{ExpiresIn: time.Minute}))
	keys, err := ns.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"t"}, keys)

	clock.Advance(time.Hour)
	keys, err = ns.Keys()
	require.NoError(t, err)
	assert.Empty(t, keys)

	_, found, err := ns.GetItem("t")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestNamespaceRejectsEmptyKey(t *testing.T) {
	s, _, _ := newTestStorage(t)
	ns := namespaceOf(t, s, "n")

	assert.ErrorIs(t, ns.SetItem("", "v"), ErrInvalidKey)
	_, _, err := ns.GetItem("")
	assert.ErrorIs(t, err, ErrInvalidKey)
	assert.ErrorIs(t, ns.RemoveItem(""), ErrInvalidKey)
	assert.Equal(t, "n", ns.Name())
}

func TestNamespaceNamesCannotOverlap(t *testing.T) {
	s, _, _ := newTestStorage(t)

	for _, name := range []string{"", "a_b", "_", "team_"} {
		_, err := s.Namespace(name)
		assert.ErrorIs(t, err, ErrInvalidNamespace, "name %q", name)
	}

	a := namespaceOf(t, s, "a")
	ab := namespaceOf(t, s, "ab")
	require.NoError(t, a.SetItem("b_x", "mine"))
	require.NoError(t, ab.SetItem("x", "kept"))

	keys, err := a.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"b_x"}, keys)

	removed, err := a.ClearNamespace()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	got, found, err := ab.GetItem("x")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "kept", got)
}
