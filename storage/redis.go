package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/stagecoach-io/stagecoach/types"
)

const (
	recordPrefix       = "record:"
	recordKeyIndex     = "recordkey:"
	approvalPrefix     = "approval:"
	pendingGuardPrefix = "approval:pending:"
	pendingSetKey      = "approvals:pending"
)

// RedisStorage is a Redis-backed implementation of the Storage interface.
// The per-record version check runs inside a WATCH/MULTI transaction, so two
// writers racing on the same workflow ID cannot both advance it.
type RedisStorage struct {
	client *redis.Client
}

// RedisOptions extends redis.Options with additional configuration.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
}

// NewRedisStorage creates a new RedisStorage instance with configurable options.
func NewRedisStorage(opts RedisOptions) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %v", err)
	}

	return &RedisStorage{client: client}, nil
}

// SaveRecord saves a workflow record, enforcing the version check
// transactionally.
func (s *RedisStorage) SaveRecord(ctx context.Context, rec types.WorkflowRecord) error {
	key := recordPrefix + rec.ID
	idxKey := ""
	if rec.IdempotencyKey != "" {
		idxKey = recordKeyIndex + rec.IdempotencyKey
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %v", key, err)
	}

	txn := func(tx *redis.Tx) error {
		stored, err := tx.Get(ctx, key).Bytes()
		switch {
		case err == redis.Nil:
			if rec.Version != 1 {
				return fmt.Errorf("%w: id=%s", ErrRecordNotFound, rec.ID)
			}
		case err != nil:
			return fmt.Errorf("failed to get %s from Redis: %v", key, err)
		default:
			var current types.WorkflowRecord
			if err := json.Unmarshal(stored, &current); err != nil {
				return fmt.Errorf("failed to unmarshal %s: %v", key, err)
			}
			if current.Version != rec.Version-1 {
				return fmt.Errorf("%w: id=%s stored=%d save=%d", ErrConflict, rec.ID, current.Version, rec.Version)
			}
		}

		if idxKey != "" {
			bound, err := tx.Get(ctx, idxKey).Result()
			if err != nil && err != redis.Nil {
				return fmt.Errorf("failed to get %s from Redis: %v", idxKey, err)
			}
			if err == nil && bound != rec.ID {
				return fmt.Errorf("%w: key %s already bound to %s", ErrConflict, rec.IdempotencyKey, bound)
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			if idxKey != "" {
				pipe.Set(ctx, idxKey, rec.ID, 0)
			}
			return nil
		})
		return err
	}

	watched := []string{key}
	if idxKey != "" {
		watched = append(watched, idxKey)
	}
	err = s.client.Watch(ctx, txn, watched...)
	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("%w: id=%s", ErrConflict, rec.ID)
	}
	return err
}

// GetRecord retrieves a workflow record from Redis.
func (s *RedisStorage) GetRecord(ctx context.Context, id string) (types.WorkflowRecord, error) {
	return getFromRedis[types.WorkflowRecord](ctx, s.client, recordPrefix+id, ErrRecordNotFound)
}

// FindRecordByKey retrieves a workflow record by idempotency key.
func (s *RedisStorage) FindRecordByKey(ctx context.Context, key string) (types.WorkflowRecord, error) {
	id, err := s.client.Get(ctx, recordKeyIndex+key).Result()
	if err == redis.Nil {
		return types.WorkflowRecord{}, fmt.Errorf("%w: key=%s", ErrRecordNotFound, key)
	} else if err != nil {
		return types.WorkflowRecord{}, fmt.Errorf("failed to resolve idempotency key %s: %v", key, err)
	}
	return s.GetRecord(ctx, id)
}

// SaveApproval saves an approval request, keeping the pending set and the
// one-pending-per-workflow guard consistent.
func (s *RedisStorage) SaveApproval(ctx context.Context, ar types.ApprovalRequest) error {
	key := approvalPrefix + ar.ID
	guard := pendingGuardPrefix + ar.WorkflowID
	data, err := json.Marshal(ar)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %v", key, err)
	}

	txn := func(tx *redis.Tx) error {
		_, err := tx.Get(ctx, key).Bytes()
		isNew := err == redis.Nil
		if err != nil && err != redis.Nil {
			return fmt.Errorf("failed to get %s from Redis: %v", key, err)
		}

		if isNew && ar.Status == types.ApprovalPending {
			open, err := tx.Get(ctx, guard).Result()
			if err != nil && err != redis.Nil {
				return fmt.Errorf("failed to get %s from Redis: %v", guard, err)
			}
			if err == nil && open != ar.ID {
				return fmt.Errorf("%w: workflow=%s open=%s", ErrDuplicateApproval, ar.WorkflowID, open)
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			if ar.Status == types.ApprovalPending {
				pipe.Set(ctx, guard, ar.ID, 0)
				pipe.SAdd(ctx, pendingSetKey, ar.ID)
			} else {
				pipe.Del(ctx, guard)
				pipe.SRem(ctx, pendingSetKey, ar.ID)
			}
			return nil
		})
		return err
	}

	err = s.client.Watch(ctx, txn, key, guard)
	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("%w: id=%s", ErrConflict, ar.ID)
	}
	return err
}

// GetApproval retrieves an approval request from Redis.
func (s *RedisStorage) GetApproval(ctx context.Context, id string) (types.ApprovalRequest, error) {
	return getFromRedis[types.ApprovalRequest](ctx, s.client, approvalPrefix+id, ErrApprovalNotFound)
}

// FindPendingApproval retrieves a workflow's open approval request.
func (s *RedisStorage) FindPendingApproval(ctx context.Context, workflowID string) (types.ApprovalRequest, error) {
	id, err := s.client.Get(ctx, pendingGuardPrefix+workflowID).Result()
	if err == redis.Nil {
		return types.ApprovalRequest{}, fmt.Errorf("%w: workflow=%s", ErrApprovalNotFound, workflowID)
	} else if err != nil {
		return types.ApprovalRequest{}, fmt.Errorf("failed to resolve pending approval for %s: %v", workflowID, err)
	}
	return s.GetApproval(ctx, id)
}

// ListPendingApprovals returns all approval requests still stored as pending.
func (s *RedisStorage) ListPendingApprovals(ctx context.Context) ([]types.ApprovalRequest, error) {
	ids, err := s.client.SMembers(ctx, pendingSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read pending approval set: %v", err)
	}

	out := make([]types.ApprovalRequest, 0, len(ids))
	for _, id := range ids {
		ar, err := s.GetApproval(ctx, id)
		if errors.Is(err, ErrApprovalNotFound) {
			continue
		} else if err != nil {
			return nil, err
		}
		out = append(out, ar)
	}
	return out, nil
}

// getFromRedis retrieves and unmarshals a value from Redis.
func getFromRedis[T any](ctx context.Context, client *redis.Client, key string, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		var zero T
		data, err := client.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return zero, fmt.Errorf("%w: key=%s", errNotFound, key)
		} else if err != nil {
			return zero, fmt.Errorf("failed to get %s from Redis: %v", key, err)
		}

		var result T
		if err := json.Unmarshal(data, &result); err != nil {
			return zero, fmt.Errorf("failed to unmarshal %s: %v", key, err)
		}
		return result, nil
	})
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}
