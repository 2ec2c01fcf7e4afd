// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

// openTestStores returns one store of each implementation, both empty.
func openTestStores(t *testing.T) map[string]AdminIdentityStore {
	t.Helper()

	sqlite, err := OpenSQLite(filepath.Join(t.TempDir(), "identity.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	return map[string]AdminIdentityStore{
		"sqlite": sqlite,
		"memory": NewMemoryStore(),
	}
}

func TestStore_CreateThenGet(t *testing.T) {
	for name, s := range openTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			registered, err := s.Registered(ctx)
			require.NoError(t, err)
			require.False(t, registered)

			_, err = s.Get(ctx)
			require.ErrorIs(t, err, ErrNotRegistered)

			require.NoError(t, s.Create(ctx, "JBSWY3DPEHPK3PXP"))

			registered, err = s.Registered(ctx)
			require.NoError(t, err)
			require.True(t, registered)

			identity, err := s.Get(ctx)
			require.NoError(t, err)
			require.Equal(t, "JBSWY3DPEHPK3PXP", identity.Secret)
			require.True(t, identity.Registered)
			require.False(t, identity.CreatedAt.IsZero())
		})
	}
}

func TestStore_SecondCreateFails(t *testing.T) {
	for name, s := range openTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, s.Create(ctx, "FIRSTSECRET"))
			err := s.Create(ctx, "SECONDSECRET")
			require.ErrorIs(t, err, ErrAlreadyRegistered)

			// The winning secret is untouched.
			identity, err := s.Get(ctx)
			require.NoError(t, err)
			require.Equal(t, "FIRSTSECRET", identity.Secret)
		})
	}
}

// TestStore_ConcurrentCreate verifies the first-registration race: many
// concurrent Create calls, exactly one winner.
func TestStore_ConcurrentCreate(t *testing.T) {
	for name, s := range openTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			var wins, losses atomic.Int64
			var wg sync.WaitGroup
			for i := 0; i < 32; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					err := s.Create(ctx, "RACESECRET")
					switch {
					case err == nil:
						wins.Add(1)
					case errors.Is(err, ErrAlreadyRegistered):
						losses.Add(1)
					default:
						t.Errorf("unexpected create error: %v", err)
					}
				}()
			}
			wg.Wait()

			require.Equal(t, int64(1), wins.Load(), "exactly one create must win")
			require.Equal(t, int64(31), losses.Load())
		})
	}
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "identity.db")

	s, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s.Create(ctx, "DURABLESECRET"))
	require.NoError(t, s.Close())

	reopened, err := OpenSQLite(path)
	require.NoError(t, err)
	defer reopened.Close()

	identity, err := reopened.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, "DURABLESECRET", identity.Secret)
}
