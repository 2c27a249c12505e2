// ABOUTME: Unit tests for the per-device, per-role token store
// ABOUTME: Covers upsert, role isolation on clear, and concurrent writers

package identity

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenSaveAndLoad(t *testing.T) {
	store := NewTokenStore(t.TempDir(), nil)

	require.NoError(t, store.Save("device-a", "operator", "tok-1", []string{"chat", "admin"}))

	rec, ok, err := store.Load("device-a", "operator")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "tok-1", rec.Token)
	assert.Equal(t, "operator", rec.Role)
	assert.Equal(t, []string{"chat", "admin"}, rec.Scopes)
	assert.NotZero(t, rec.UpdatedAtMs)
}

func TestTokenLoadMissing(t *testing.T) {
	store := NewTokenStore(t.TempDir(), nil)

	_, ok, err := store.Load("device-a", "operator")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTokenRotationReplaces(t *testing.T) {
	store := NewTokenStore(t.TempDir(), nil)

	require.NoError(t, store.Save("device-a", "operator", "tok-old", nil))
	require.NoError(t, store.Save("device-a", "operator", "tok-new", nil))

	rec, ok, err := store.Load("device-a", "operator")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "tok-new", rec.Token)
}

func TestClearDeletesOnlyThatRole(t *testing.T) {
	store := NewTokenStore(t.TempDir(), nil)

	require.NoError(t, store.Save("device-a", "operator", "tok-op", nil))
	require.NoError(t, store.Save("device-a", "viewer", "tok-view", nil))
	require.NoError(t, store.Save("device-b", "operator", "tok-other-device", nil))

	require.NoError(t, store.Clear("device-a", "operator"))

	_, ok, err := store.Load("device-a", "operator")
	require.NoError(t, err)
	assert.False(t, ok, "cleared role must be gone")

	rec, ok, err := store.Load("device-a", "viewer")
	require.NoError(t, err)
	require.True(t, ok, "other role on same device must survive")
	assert.Equal(t, "tok-view", rec.Token)

	rec, ok, err = store.Load("device-b", "operator")
	require.NoError(t, err)
	require.True(t, ok, "other device must survive")
	assert.Equal(t, "tok-other-device", rec.Token)
}

func TestClearMissingIsNoop(t *testing.T) {
	store := NewTokenStore(t.TempDir(), nil)
	require.NoError(t, store.Clear("device-a", "operator"))
}

func TestListOrdersByRole(t *testing.T) {
	store := NewTokenStore(t.TempDir(), nil)

	require.NoError(t, store.Save("device-a", "viewer", "tok-v", nil))
	require.NoError(t, store.Save("device-a", "admin", "tok-a", nil))
	require.NoError(t, store.Save("device-a", "operator", "tok-o", nil))

	records, err := store.List("device-a")
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "admin", records[0].Role)
	assert.Equal(t, "operator", records[1].Role)
	assert.Equal(t, "viewer", records[2].Role)
}

func TestConcurrentWritersPreserveAllRoles(t *testing.T) {
	store := NewTokenStore(t.TempDir(), nil)

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			role := fmt.Sprintf("role-%d", n)
			assert.NoError(t, store.Save("device-a", role, fmt.Sprintf("tok-%d", n), nil))
		}(i)
	}
	wg.Wait()

	records, err := store.List("device-a")
	require.NoError(t, err)
	assert.Len(t, records, writers, "no writer may clobber another role")
}
