package approval

import (
	"context"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/adham90/agentrun/types"
)

// storeUnderTest runs the same contract suite against every Store
// implementation, since they must be interchangeable.
func storeUnderTest(t *testing.T, newStore func(t *testing.T) Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("save and find", func(t *testing.T) {
		store := newStore(t)
		a := New("wf_1", "deploy", "release-gate")
		require.NoError(t, store.Save(ctx, a))

		found, err := store.Find(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, a.ID, found.ID)
		assert.Equal(t, StatusPending, found.Status)
	})

	t.Run("find missing", func(t *testing.T) {
		store := newStore(t)
		_, err := store.Find(ctx, "apr_missing")
		var notFound *ErrNotFound
		require.ErrorAs(t, err, &notFound)
	})

	t.Run("find by gate name", func(t *testing.T) {
		store := newStore(t)
		a := New("wf_1", "deploy", "release-gate")
		require.NoError(t, store.Save(ctx, a))

		found, err := store.FindByName(ctx, "wf_1", "release-gate")
		require.NoError(t, err)
		assert.Equal(t, a.ID, found.ID)

		_, err = store.FindByName(ctx, "wf_1", "other-gate")
		var notFound *ErrNotFound
		require.ErrorAs(t, err, &notFound)
	})

	t.Run("all pending excludes decided", func(t *testing.T) {
		store := newStore(t)

		pending := New("wf_1", "deploy", "gate-a")
		require.NoError(t, store.Save(ctx, pending))

		decided := New("wf_2", "deploy", "gate-b")
		require.NoError(t, decided.Approve("alice"))
		require.NoError(t, store.Save(ctx, decided))

		all, err := store.AllPending(ctx)
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.Equal(t, pending.ID, all[0].ID)
	})

	t.Run("update transitions atomically", func(t *testing.T) {
		store := newStore(t)
		a := New("wf_1", "deploy", "release-gate")
		require.NoError(t, store.Save(ctx, a))

		updated, err := store.Update(ctx, a.ID, func(rec *Approval) error {
			return rec.Approve("alice")
		})
		require.NoError(t, err)
		assert.Equal(t, StatusApproved, updated.Status)

		// A second decision must fail and leave the record untouched.
		_, err = store.Update(ctx, a.ID, func(rec *Approval) error {
			return rec.Reject("bob", "too late")
		})
		var stateErr *types.InvalidApprovalStateError
		require.ErrorAs(t, err, &stateErr)

		found, err := store.Find(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusApproved, found.Status)
		assert.Equal(t, "alice", found.ApprovedBy)
	})

	t.Run("concurrent deciders produce exactly one transition", func(t *testing.T) {
		store := newStore(t)
		a := New("wf_1", "deploy", "release-gate")
		require.NoError(t, store.Save(ctx, a))

		var wg sync.WaitGroup
		errs := make([]error, 10)
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = store.Update(ctx, a.ID, func(rec *Approval) error {
					return rec.Approve("alice")
				})
			}(i)
		}
		wg.Wait()

		succeeded := 0
		for _, err := range errs {
			if err == nil {
				succeeded++
			}
		}
		assert.Equal(t, 1, succeeded)
	})
}

func TestMemoryStore(t *testing.T) {
	storeUnderTest(t, func(t *testing.T) Store {
		return NewMemoryStore()
	})
}

func TestRedisStore(t *testing.T) {
	storeUnderTest(t, func(t *testing.T) Store {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		return NewRedisStoreFromClient(client, "test:")
	})
}

func TestGormStore(t *testing.T) {
	storeUnderTest(t, func(t *testing.T) Store {
		db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
		require.NoError(t, err)
		sqlDB, err := db.DB()
		require.NoError(t, err)
		// Serialize access: in-memory SQLite has a single writer.
		sqlDB.SetMaxOpenConns(1)
		store, err := NewGormStore(db)
		require.NoError(t, err)
		return store
	})
}
