package history

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/adham90/agentrun/reliability"
)

func attempt(agent, model string, n int, success bool, at time.Time) reliability.AttemptRecord {
	record := reliability.AttemptRecord{
		Agent:     agent,
		Model:     model,
		Attempt:   n,
		Success:   success,
		Duration:  50 * time.Millisecond,
		Timestamp: at,
	}
	if !success {
		record.ErrorClass = "RATE_LIMIT"
	}
	return record
}

// storeUnderTest runs the Store contract against one implementation.
func storeUnderTest(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	base := time.Now().Add(-time.Hour).Truncate(time.Second)

	store.RecordAttempt(ctx, attempt("writer", "gpt-4o", 1, false, base))
	store.RecordAttempt(ctx, attempt("writer", "gpt-4o", 2, true, base.Add(time.Minute)))
	store.RecordAttempt(ctx, attempt("writer", "claude-3", 1, false, base.Add(2*time.Minute)))
	store.RecordAttempt(ctx, attempt("reviewer", "gpt-4o", 1, true, base.Add(3*time.Minute)))

	t.Run("by agent newest first", func(t *testing.T) {
		records, err := store.ByAgent(ctx, "writer", 0)
		require.NoError(t, err)
		require.Len(t, records, 3)
		assert.Equal(t, "claude-3", records[0].Model)
		assert.Equal(t, 2, records[1].Attempt)
	})

	t.Run("by agent with limit", func(t *testing.T) {
		records, err := store.ByAgent(ctx, "writer", 1)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, "claude-3", records[0].Model)
	})

	t.Run("by time range", func(t *testing.T) {
		records, err := store.ByTimeRange(ctx, base.Add(30*time.Second), base.Add(150*time.Second))
		require.NoError(t, err)
		require.Len(t, records, 2)
		assert.Equal(t, 2, records[0].Attempt)
	})

	t.Run("failure count", func(t *testing.T) {
		count, err := store.FailureCount(ctx, "writer", "gpt-4o", base.Add(-time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 1, count)

		count, err = store.FailureCount(ctx, "writer", "gpt-4o", base.Add(30*time.Second))
		require.NoError(t, err)
		assert.Zero(t, count, "since filter excludes the earlier failure")
	})

	t.Run("error class persisted", func(t *testing.T) {
		records, err := store.ByAgent(ctx, "writer", 0)
		require.NoError(t, err)
		assert.Equal(t, "RATE_LIMIT", records[0].ErrorClass)
	})
}

func TestMemoryStore(t *testing.T) {
	storeUnderTest(t, NewMemoryStore(100))
}

func TestGormStore(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	store, err := NewGormStore(db, zap.NewNop())
	require.NoError(t, err)
	storeUnderTest(t, store)
}

func TestMemoryStore_EvictsOldest(t *testing.T) {
	store := NewMemoryStore(3)
	ctx := context.Background()
	now := time.Now()

	for i := 1; i <= 5; i++ {
		store.RecordAttempt(ctx, attempt("writer", fmt.Sprintf("model-%d", i), i, true, now.Add(time.Duration(i)*time.Second)))
	}

	assert.Equal(t, 3, store.Len())
	records, err := store.ByAgent(ctx, "writer", 0)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "model-5", records[0].Model)
	assert.Equal(t, "model-3", records[2].Model, "oldest two evicted")
}
