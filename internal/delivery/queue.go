package delivery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// Redis keys for the delivery scheduler. Pending and delayed are sorted
// sets of job refs; locks are plain keys with a worker id value and a TTL.
const (
	pendingKey    = "delivery:queue:pending"
	delayedKey    = "delivery:queue:delayed"
	lockKeyPrefix = "delivery:lock:"
)

// promoteBatch bounds one promotion sweep so a large backlog of due
// retries cannot stall the promoter loop.
const promoteBatch = 100

// JobRef names one notification job across process boundaries. Jobs are
// tenant-scoped rows, so the ref carries the tenant the worker must assume
// before touching storage.
type JobRef struct {
	TenantID string
	JobID    string
}

func (r JobRef) String() string {
	return r.TenantID + "/" + r.JobID
}

func parseJobRef(member string) (JobRef, bool) {
	tenant, job, ok := strings.Cut(member, "/")
	if !ok || tenant == "" || job == "" {
		return JobRef{}, false
	}
	return JobRef{TenantID: tenant, JobID: job}, true
}

// releaseLockScript deletes a lock only when the caller still owns it, so a
// worker that stalled past its TTL cannot release a successor's lock.
const releaseLockScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`

// Queue schedules delivery work in Redis. The pending set orders refs by
// routing-rule priority (lower value first) and FIFO within a priority; the
// delayed set holds refs until their next attempt time; per-ref locks keep
// two workers off the same job.
//
// Dequeue peeks without removing. A ref leaves the pending set through
// Remove (terminal outcome) or Delay (retry), so a worker crash mid-job
// leaves the ref visible and the next lock holder picks it up.
type Queue struct {
	client redis.Cmdable
}

// NewQueue builds a queue over the shared Redis client.
func NewQueue(client redis.Cmdable) *Queue {
	return &Queue{client: client}
}

// pendingScore orders the pending set. The priority term dominates the
// timestamp term, so all priority-10 work drains before any priority-20
// work, and within a priority older entries score lower and dequeue first.
func pendingScore(priority int, now time.Time) float64 {
	return float64(priority)*1e19 + float64(now.UnixNano())
}

// Enqueue stages a ref for immediate processing.
func (q *Queue) Enqueue(ctx context.Context, ref JobRef, priority int) error {
	err := q.client.ZAdd(ctx, pendingKey, &redis.Z{
		Score:  pendingScore(priority, time.Now()),
		Member: ref.String(),
	}).Err()
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", ref, err)
	}
	return nil
}

// Dequeue returns up to limit refs in processing order without removing
// them. Members that do not parse as refs are dropped from the set.
func (q *Queue) Dequeue(ctx context.Context, limit int) ([]JobRef, error) {
	members, err := q.client.ZRange(ctx, pendingKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}

	refs := make([]JobRef, 0, len(members))
	for _, m := range members {
		ref, ok := parseJobRef(m)
		if !ok {
			q.client.ZRem(ctx, pendingKey, m)
			continue
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// Delay moves a ref from the pending set to the delayed set, scored by its
// next attempt time in Unix seconds.
func (q *Queue) Delay(ctx context.Context, ref JobRef, nextAttemptAt time.Time) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, pendingKey, ref.String())
	pipe.ZAdd(ctx, delayedKey, &redis.Z{
		Score:  float64(nextAttemptAt.Unix()),
		Member: ref.String(),
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delay %s: %w", ref, err)
	}
	return nil
}

// PromoteDelayed moves refs whose attempt time has passed back onto the
// pending set and returns how many moved. Promoted retries carry priority
// zero: a due retry outranks newly routed work.
func (q *Queue) PromoteDelayed(ctx context.Context, now time.Time) (int, error) {
	members, err := q.client.ZRangeByScore(ctx, delayedKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.Unix()),
		Count: promoteBatch,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scan delayed set: %w", err)
	}
	if len(members) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, m := range members {
		pipe.ZRem(ctx, delayedKey, m)
		pipe.ZAdd(ctx, pendingKey, &redis.Z{
			Score:  pendingScore(0, now),
			Member: m,
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("promote delayed refs: %w", err)
	}
	return len(members), nil
}

// Remove drops a ref from both sets after a terminal outcome.
func (q *Queue) Remove(ctx context.Context, ref JobRef) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, pendingKey, ref.String())
	pipe.ZRem(ctx, delayedKey, ref.String())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remove %s: %w", ref, err)
	}
	return nil
}

func lockKey(ref JobRef) string {
	return lockKeyPrefix + ref.String()
}

// AcquireLock claims a ref for one worker. The TTL bounds how long a
// crashed worker can hold a job invisible.
func (q *Queue) AcquireLock(ctx context.Context, ref JobRef, workerID string, ttl time.Duration) (bool, error) {
	ok, err := q.client.SetNX(ctx, lockKey(ref), workerID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", ref, err)
	}
	return ok, nil
}

// ReleaseLock frees a ref if this worker still holds it.
func (q *Queue) ReleaseLock(ctx context.Context, ref JobRef, workerID string) error {
	if err := q.client.Eval(ctx, releaseLockScript, []string{lockKey(ref)}, workerID).Err(); err != nil {
		return fmt.Errorf("release lock %s: %w", ref, err)
	}
	return nil
}

// QueueStats is a point-in-time size snapshot of the scheduling sets.
type QueueStats struct {
	Pending int64 `json:"pending"`
	Delayed int64 `json:"delayed"`
}

// Stats reads both set sizes in one round trip.
func (q *Queue) Stats(ctx context.Context) (*QueueStats, error) {
	pipe := q.client.Pipeline()
	pending := pipe.ZCard(ctx, pendingKey)
	delayed := pipe.ZCard(ctx, delayedKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	return &QueueStats{
		Pending: pending.Val(),
		Delayed: delayed.Val(),
	}, nil
}
