package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a Redis-backed Store suitable for distributed deployments
// where the approver UI and the polling workflow run in different processes.
// Records are stored as JSON values, with set indexes for pending status and
// (workflow, name) gate lookup.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// RedisStoreConfig configures a RedisStore.
type RedisStoreConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// NewRedisStore creates a Redis-backed approval store and verifies the
// connection.
func NewRedisStore(config RedisStoreConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	keyPrefix := config.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "agentrun:"
	}

	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix + "approval:",
	}, nil
}

// NewRedisStoreFromClient wraps an existing client (used in tests).
func NewRedisStoreFromClient(client *redis.Client, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "agentrun:"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix + "approval:"}
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) dataKey(id string) string {
	return s.keyPrefix + "data:" + id
}

func (s *RedisStore) pendingKey() string {
	return s.keyPrefix + "pending"
}

func (s *RedisStore) nameKey(workflowID, name string) string {
	return s.keyPrefix + "gate:" + workflowID + ":" + name
}

func (s *RedisStore) Save(ctx context.Context, a *Approval) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal approval: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.dataKey(a.ID), data, 0)
	pipe.Set(ctx, s.nameKey(a.WorkflowID, a.Name), a.ID, 0)
	if a.Status == StatusPending {
		pipe.SAdd(ctx, s.pendingKey(), a.ID)
	} else {
		pipe.SRem(ctx, s.pendingKey(), a.ID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Find(ctx context.Context, id string) (*Approval, error) {
	data, err := s.client.Get(ctx, s.dataKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, &ErrNotFound{ID: id}
	}
	if err != nil {
		return nil, err
	}

	var a Approval
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("failed to unmarshal approval %s: %w", id, err)
	}
	return &a, nil
}

func (s *RedisStore) FindByName(ctx context.Context, workflowID, name string) (*Approval, error) {
	id, err := s.client.Get(ctx, s.nameKey(workflowID, name)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, &ErrNotFound{ID: workflowID + "/" + name}
	}
	if err != nil {
		return nil, err
	}
	return s.Find(ctx, id)
}

func (s *RedisStore) AllPending(ctx context.Context) ([]*Approval, error) {
	ids, err := s.client.SMembers(ctx, s.pendingKey()).Result()
	if err != nil {
		return nil, err
	}

	var pending []*Approval
	for _, id := range ids {
		a, err := s.Find(ctx, id)
		if err != nil {
			if _, missing := err.(*ErrNotFound); missing {
				continue
			}
			return nil, err
		}
		if a.Status == StatusPending {
			pending = append(pending, a)
		}
	}
	return pending, nil
}

// Update applies fn under an optimistic WATCH transaction so two concurrent
// deciders cannot both transition the same record.
func (s *RedisStore) Update(ctx context.Context, id string, fn func(*Approval) error) (*Approval, error) {
	var updated *Approval

	key := s.dataKey(id)
	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return &ErrNotFound{ID: id}
		}
		if err != nil {
			return err
		}

		var a Approval
		if err := json.Unmarshal(data, &a); err != nil {
			return fmt.Errorf("failed to unmarshal approval %s: %w", id, err)
		}
		if err := fn(&a); err != nil {
			return err
		}

		out, err := json.Marshal(&a)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, 0)
			if a.Status == StatusPending {
				pipe.SAdd(ctx, s.pendingKey(), a.ID)
			} else {
				pipe.SRem(ctx, s.pendingKey(), a.ID)
			}
			return nil
		})
		if err != nil {
			return err
		}

		updated = &a
		return nil
	}

	// Retry a bounded number of times on WATCH conflicts.
	for i := 0; i < 5; i++ {
		err := s.client.Watch(ctx, txn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, fmt.Errorf("approval %s: too many concurrent update conflicts", id)
}
