package data

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultAssignmentPrefix = "theia:assignment:"

// refreshScript extends a key's TTL only when it still holds the caller's worker id.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// releaseScript deletes a key only when it still holds the caller's worker id.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisAssignmentRegistry records job ownership as TTL'd Redis keys so
// workers on different hosts can be observed without touching Postgres.
type RedisAssignmentRegistry struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisAssignmentRegistry creates a registry; an empty prefix uses "theia:assignment:".
func NewRedisAssignmentRegistry(client redis.UniversalClient, prefix string) *RedisAssignmentRegistry {
	if prefix == "" {
		prefix = defaultAssignmentPrefix
	}
	return &RedisAssignmentRegistry{client: client, prefix: prefix}
}

func (r *RedisAssignmentRegistry) key(jobID string) string {
	return r.prefix + jobID
}

func validateAssignment(jobID, workerID string) error {
	if jobID == "" {
		return ErrJobIDRequired
	}
	if workerID == "" {
		return ErrWorkerIDRequired
	}
	return nil
}

func normalizeTTL(ttl time.Duration) time.Duration {
	if ttl < time.Second {
		return time.Second
	}
	return ttl
}

// Claim takes ownership when the job is unassigned or already owned by workerID.
func (r *RedisAssignmentRegistry) Claim(ctx context.Context, jobID, workerID string, ttl time.Duration) (bool, error) {
	if err := validateAssignment(jobID, workerID); err != nil {
		return false, err
	}
	ttl = normalizeTTL(ttl)

	_, err := r.client.SetArgs(ctx, r.key(jobID), workerID, redis.SetArgs{Mode: "NX", TTL: ttl}).Result()
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("redis SET NX: %w", err)
	}
	// Key exists: succeed only if it is ours.
	return r.Refresh(ctx, jobID, workerID, ttl)
}

// Refresh extends the TTL when workerID still owns the job.
func (r *RedisAssignmentRegistry) Refresh(ctx context.Context, jobID, workerID string, ttl time.Duration) (bool, error) {
	if err := validateAssignment(jobID, workerID); err != nil {
		return false, err
	}
	n, err := refreshScript.Run(ctx, r.client, []string{r.key(jobID)}, workerID, normalizeTTL(ttl).Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("redis refresh assignment: %w", err)
	}
	return n == 1, nil
}

// Release drops the assignment if workerID still owns it.
func (r *RedisAssignmentRegistry) Release(ctx context.Context, jobID, workerID string) error {
	if err := validateAssignment(jobID, workerID); err != nil {
		return err
	}
	if err := releaseScript.Run(ctx, r.client, []string{r.key(jobID)}, workerID).Err(); err != nil {
		return fmt.Errorf("redis release assignment: %w", err)
	}
	return nil
}

// Active returns the live owners among jobIDs.
func (r *RedisAssignmentRegistry) Active(ctx context.Context, jobIDs []string) (map[string]string, error) {
	out := make(map[string]string, len(jobIDs))
	if len(jobIDs) == 0 {
		return out, nil
	}
	keys := make([]string, len(jobIDs))
	for i, id := range jobIDs {
		keys[i] = r.key(id)
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}
	for i, v := range vals {
		if s, ok := v.(string); ok && s != "" {
			out[jobIDs[i]] = s
		}
	}
	return out, nil
}
