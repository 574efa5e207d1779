// Package queue implements the shared priority job queue with per-category
// deduplication of pending jobs.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"dealbot/internal/filter"
	"dealbot/internal/metrics"
	"dealbot/internal/model"
)

const (
	jobTTL       = 24 * time.Hour
	maxTxRetries = 100
)

// ErrPending is returned when a category already has a pending job.
var ErrPending = errors.New("category already has a pending job")

// Options configures queue behaviour.
type Options struct {
	// MarkerTTL bounds how long a category stays claimed by a job that is
	// never completed.
	MarkerTTL    time.Duration
	RetryPenalty float64
	// JobCost is the estimated token cost recorded on new jobs.
	JobCost int
}

// Stats holds cumulative queue counters.
type Stats struct {
	Created           int64
	Attached          int64
	Completed         int64
	Requeued          int64
	Discarded         int64
	PrefetchCreated   int64
	PrefetchConverted int64
	PrefetchCompleted int64
}

// Queue is a Redis-backed priority queue of category fetch jobs.
type Queue struct {
	client *redis.Client
	prefix string
	opts   Options
	log    *slog.Logger
	now    func() time.Time
}

// New creates a Queue storing its state under prefix.
func New(client *redis.Client, prefix string, opts Options, log *slog.Logger) *Queue {
	return &Queue{
		client: client,
		prefix: prefix,
		opts:   opts,
		log:    log,
		now:    time.Now,
	}
}

func (q *Queue) queueKey() string { return q.prefix + ":queue" }
func (q *Queue) statsKey() string { return q.prefix + ":queue:stats" }

func (q *Queue) jobKey(id string) string { return q.prefix + ":job:" + id }

func (q *Queue) markerKey(categoryID int64) string {
	return fmt.Sprintf("%s:pending:%d", q.prefix, categoryID)
}

// EnqueueOrAttach attaches rule to the pending job of its category, or
// creates a new job when none exists. It returns the job id.
func (q *Queue) EnqueueOrAttach(ctx context.Context, cat model.Category, rule model.WaitingRule) (string, error) {
	rule.Lookahead = false
	var jobID string

	err := q.withRetry(ctx, func() error {
		marker := q.markerKey(cat.ID)
		return q.client.Watch(ctx, func(tx *redis.Tx) error {
			job, err := q.pendingJob(ctx, tx, marker)
			if err != nil {
				return err
			}
			if job == nil {
				job = q.newJob(cat, []model.WaitingRule{rule}, false)
				jobID = job.ID
				return q.create(ctx, tx, marker, job)
			}

			jobID = job.ID
			changed, converted := attach(job, rule)
			if !changed {
				return nil
			}
			job.Priority = ComputePriority(job, q.now(), q.opts.RetryPenalty)
			raw, err := json.Marshal(job)
			if err != nil {
				return fmt.Errorf("marshal job: %w", err)
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, q.jobKey(job.ID), raw, jobTTL)
				pipe.ZAddXX(ctx, q.queueKey(), redis.Z{Score: job.Priority, Member: job.ID})
				pipe.Expire(ctx, marker, q.opts.MarkerTTL)
				pipe.HIncrBy(ctx, q.statsKey(), "attached", 1)
				if converted {
					pipe.HIncrBy(ctx, q.statsKey(), "prefetch_converted", 1)
				}
				return nil
			})
			if err != nil {
				return err
			}

			metrics.RecordJob("attached")
			if converted {
				metrics.RecordPrefetch("converted")
				q.log.Info("prefetch job converted", "job_id", job.ID, "category", cat.Name, "rule_id", rule.RuleID)
			}
			return nil
		}, marker)
	})
	if err != nil {
		return "", fmt.Errorf("enqueue rule %d: %w", rule.RuleID, err)
	}
	return jobID, nil
}

// CreatePrefetchJob creates a speculative job carrying rules as lookahead
// entries. It fails with ErrPending when the category already has a job.
func (q *Queue) CreatePrefetchJob(ctx context.Context, cat model.Category, rules []model.WaitingRule) (string, error) {
	carried := make([]model.WaitingRule, len(rules))
	for i, r := range rules {
		r.Lookahead = true
		carried[i] = r
	}

	var jobID string
	err := q.withRetry(ctx, func() error {
		marker := q.markerKey(cat.ID)
		return q.client.Watch(ctx, func(tx *redis.Tx) error {
			existing, err := q.pendingJob(ctx, tx, marker)
			if err != nil {
				return err
			}
			if existing != nil {
				return ErrPending
			}
			job := q.newJob(cat, carried, true)
			jobID = job.ID
			return q.create(ctx, tx, marker, job)
		}, marker)
	})
	if err != nil {
		return "", fmt.Errorf("create prefetch job for %s: %w", cat.Name, err)
	}
	return jobID, nil
}

// Peek returns the highest-priority queued job without removing it.
// It returns nil when the queue is empty.
func (q *Queue) Peek(ctx context.Context) (*model.QueueJob, error) {
	for {
		ids, err := q.client.ZRange(ctx, q.queueKey(), 0, 0).Result()
		if err != nil {
			return nil, fmt.Errorf("peek queue: %w", err)
		}
		if len(ids) == 0 {
			return nil, nil
		}
		job, err := q.load(ctx, q.client, ids[0])
		if err != nil {
			return nil, err
		}
		if job != nil {
			return job, nil
		}
		if err := q.client.ZRem(ctx, q.queueKey(), ids[0]).Err(); err != nil {
			return nil, fmt.Errorf("drop orphan queue entry %s: %w", ids[0], err)
		}
		q.log.Warn("dropping queue entry without job record", "job_id", ids[0])
	}
}

// Dequeue removes the highest-priority job and marks it running. The
// category stays claimed until CompleteJob. It returns nil when empty.
func (q *Queue) Dequeue(ctx context.Context) (*model.QueueJob, error) {
	for {
		popped, err := q.client.ZPopMin(ctx, q.queueKey(), 1).Result()
		if err != nil {
			return nil, fmt.Errorf("dequeue: %w", err)
		}
		if len(popped) == 0 {
			return nil, nil
		}
		id, _ := popped[0].Member.(string)

		job, err := q.markRunning(ctx, id)
		if err != nil {
			return nil, err
		}
		if job != nil {
			return job, nil
		}
	}
}

// Claim removes the job with the given id from the queue and marks it
// running. It returns nil when the job is no longer queued.
func (q *Queue) Claim(ctx context.Context, id string) (*model.QueueJob, error) {
	removed, err := q.client.ZRem(ctx, q.queueKey(), id).Result()
	if err != nil {
		return nil, fmt.Errorf("claim %s: %w", id, err)
	}
	if removed == 0 {
		return nil, nil
	}
	return q.markRunning(ctx, id)
}

func (q *Queue) markRunning(ctx context.Context, id string) (*model.QueueJob, error) {
	var job *model.QueueJob
	err := q.withRetry(ctx, func() error {
		return q.client.Watch(ctx, func(tx *redis.Tx) error {
			var err error
			job, err = q.load(ctx, tx, id)
			if err != nil || job == nil {
				return err
			}
			job.State = model.JobRunning
			return q.save(ctx, tx, job)
		}, q.jobKey(id))
	})
	if err != nil {
		return nil, fmt.Errorf("dequeue %s: %w", id, err)
	}
	if job == nil {
		q.log.Warn("dropping queue entry without job record", "job_id", id)
	}
	return job, nil
}

// Requeue puts a failed job back with one more attempt counted against its
// priority. Rules attached while it ran are kept.
func (q *Queue) Requeue(ctx context.Context, job *model.QueueJob) (*model.QueueJob, error) {
	var out *model.QueueJob
	err := q.withRetry(ctx, func() error {
		return q.client.Watch(ctx, func(tx *redis.Tx) error {
			stored, err := q.load(ctx, tx, job.ID)
			if err != nil {
				return err
			}
			if stored == nil {
				copied := *job
				stored = &copied
			}
			stored.Attempts = job.Attempts + 1
			stored.State = model.JobQueued
			stored.Filters = unionFilters(stored.Rules)
			stored.Priority = ComputePriority(stored, q.now(), q.opts.RetryPenalty)
			raw, err := json.Marshal(stored)
			if err != nil {
				return fmt.Errorf("marshal job: %w", err)
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, q.jobKey(stored.ID), raw, jobTTL)
				pipe.ZAdd(ctx, q.queueKey(), redis.Z{Score: stored.Priority, Member: stored.ID})
				pipe.Set(ctx, q.markerKey(stored.Category.ID), stored.ID, q.opts.MarkerTTL)
				pipe.HIncrBy(ctx, q.statsKey(), "requeued", 1)
				return nil
			})
			out = stored
			return err
		}, q.jobKey(job.ID))
	})
	if err != nil {
		return nil, fmt.Errorf("requeue %s: %w", job.ID, err)
	}
	metrics.RecordJob("requeued")
	return out, nil
}

// CompleteJob finishes an executed job and releases its category. Rules
// that became due after the job was dequeued are moved into a fresh
// queued job; in that case the new job id is returned.
func (q *Queue) CompleteJob(ctx context.Context, job *model.QueueJob) (string, error) {
	var nextID string
	marker := q.markerKey(job.Category.ID)

	err := q.withRetry(ctx, func() error {
		nextID = ""
		return q.client.Watch(ctx, func(tx *redis.Tx) error {
			stored, err := q.load(ctx, tx, job.ID)
			if err != nil {
				return err
			}
			var late []model.WaitingRule
			if stored != nil {
				late = lateRules(job, stored)
			}

			if len(late) > 0 {
				next := q.newJob(job.Category, late, false)
				raw, err := json.Marshal(next)
				if err != nil {
					return fmt.Errorf("marshal job: %w", err)
				}
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, q.jobKey(job.ID))
					pipe.Set(ctx, q.jobKey(next.ID), raw, jobTTL)
					pipe.ZAdd(ctx, q.queueKey(), redis.Z{Score: next.Priority, Member: next.ID})
					pipe.Set(ctx, marker, next.ID, q.opts.MarkerTTL)
					pipe.HIncrBy(ctx, q.statsKey(), "completed", 1)
					pipe.HIncrBy(ctx, q.statsKey(), "created", 1)
					return nil
				})
				if err == nil {
					nextID = next.ID
				}
				return err
			}

			owner, err := tx.Get(ctx, marker).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return fmt.Errorf("get pending marker: %w", err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, q.jobKey(job.ID))
				pipe.ZRem(ctx, q.queueKey(), job.ID)
				if owner == job.ID {
					pipe.Del(ctx, marker)
				}
				pipe.HIncrBy(ctx, q.statsKey(), "completed", 1)
				if job.IsPrefetch {
					pipe.HIncrBy(ctx, q.statsKey(), "prefetch_completed", 1)
				}
				return nil
			})
			return err
		}, q.jobKey(job.ID), marker)
	})
	if err != nil {
		return "", fmt.Errorf("complete %s: %w", job.ID, err)
	}

	metrics.RecordJob("completed")
	if job.IsPrefetch {
		metrics.RecordPrefetch("completed")
	}
	if nextID != "" {
		metrics.RecordJob("created")
		q.log.Info("late rules moved to new job", "job_id", job.ID, "next_job_id", nextID, "category", job.Category.Name)
	}
	return nextID, nil
}

// Discard drops a prefetch job without executing it and releases its
// category. A job converted by real demand in the meantime is kept and
// false is returned.
func (q *Queue) Discard(ctx context.Context, job *model.QueueJob) (bool, error) {
	marker := q.markerKey(job.Category.ID)
	var discarded bool
	err := q.withRetry(ctx, func() error {
		discarded = false
		return q.client.Watch(ctx, func(tx *redis.Tx) error {
			stored, err := q.load(ctx, tx, job.ID)
			if err != nil {
				return err
			}
			if stored != nil && stored.Converted && !job.Converted {
				return nil
			}
			owner, err := tx.Get(ctx, marker).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return fmt.Errorf("get pending marker: %w", err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.ZRem(ctx, q.queueKey(), job.ID)
				pipe.Del(ctx, q.jobKey(job.ID))
				if owner == job.ID {
					pipe.Del(ctx, marker)
				}
				pipe.HIncrBy(ctx, q.statsKey(), "discarded", 1)
				return nil
			})
			discarded = err == nil
			return err
		}, q.jobKey(job.ID), marker)
	})
	if err != nil {
		return false, fmt.Errorf("discard %s: %w", job.ID, err)
	}
	if discarded {
		metrics.RecordJob("discarded")
	}
	return discarded, nil
}

// Depth returns the number of queued jobs.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	n, err := q.client.ZCard(ctx, q.queueKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	metrics.QueueDepth.Set(float64(n))
	return n, nil
}

// HasPending reports whether a category has a queued or running job.
func (q *Queue) HasPending(ctx context.Context, categoryID int64) (bool, error) {
	job, err := q.pendingJob(ctx, q.client, q.markerKey(categoryID))
	if err != nil {
		return false, err
	}
	return job != nil, nil
}

// List returns up to limit queued jobs in priority order.
func (q *Queue) List(ctx context.Context, limit int) ([]model.QueueJob, error) {
	if limit <= 0 {
		return nil, nil
	}
	ids, err := q.client.ZRange(ctx, q.queueKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	jobs := make([]model.QueueJob, 0, len(ids))
	for _, id := range ids {
		job, err := q.load(ctx, q.client, id)
		if err != nil {
			return nil, err
		}
		if job != nil {
			jobs = append(jobs, *job)
		}
	}
	return jobs, nil
}

// Stats returns the cumulative queue counters.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	vals, err := q.client.HGetAll(ctx, q.statsKey()).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("read queue stats: %w", err)
	}
	get := func(name string) int64 {
		var n int64
		fmt.Sscan(vals[name], &n)
		return n
	}
	return Stats{
		Created:           get("created"),
		Attached:          get("attached"),
		Completed:         get("completed"),
		Requeued:          get("requeued"),
		Discarded:         get("discarded"),
		PrefetchCreated:   get("prefetch_created"),
		PrefetchConverted: get("prefetch_converted"),
		PrefetchCompleted: get("prefetch_completed"),
	}, nil
}

func (q *Queue) newJob(cat model.Category, rules []model.WaitingRule, prefetch bool) *model.QueueJob {
	job := &model.QueueJob{
		ID:            uuid.Must(uuid.NewV7()).String(),
		Category:      cat,
		Type:          model.JobDealSearch,
		EstimatedCost: q.opts.JobCost,
		CreatedAt:     q.now(),
		Filters:       unionFilters(rules),
		Rules:         rules,
		IsPrefetch:    prefetch,
		State:         model.JobQueued,
	}
	job.Priority = ComputePriority(job, q.now(), q.opts.RetryPenalty)
	return job
}

// create stores a new job, claims the category and queues it.
func (q *Queue) create(ctx context.Context, tx *redis.Tx, marker string, job *model.QueueJob) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, marker, job.ID, q.opts.MarkerTTL)
		pipe.Set(ctx, q.jobKey(job.ID), raw, jobTTL)
		pipe.ZAdd(ctx, q.queueKey(), redis.Z{Score: job.Priority, Member: job.ID})
		if job.IsPrefetch {
			pipe.HIncrBy(ctx, q.statsKey(), "prefetch_created", 1)
		} else {
			pipe.HIncrBy(ctx, q.statsKey(), "created", 1)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if job.IsPrefetch {
		metrics.RecordPrefetch("created")
	} else {
		metrics.RecordJob("created")
	}
	q.log.Debug("job created", "job_id", job.ID, "category", job.Category.Name, "prefetch", job.IsPrefetch, "priority", job.Priority)
	return nil
}

// pendingJob returns the job a category marker points at, or nil when the
// marker is absent or its job record is gone. Inside a transaction the job
// key is watched too.
func (q *Queue) pendingJob(ctx context.Context, c getter, marker string) (*model.QueueJob, error) {
	id, err := c.Get(ctx, marker).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pending marker: %w", err)
	}
	if tx, ok := c.(*redis.Tx); ok {
		if err := tx.Watch(ctx, q.jobKey(id)).Err(); err != nil {
			return nil, fmt.Errorf("watch job: %w", err)
		}
	}
	return q.load(ctx, c, id)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (q *Queue) load(ctx context.Context, c getter, id string) (*model.QueueJob, error) {
	raw, err := c.Get(ctx, q.jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	var job model.QueueJob
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("unmarshal job %s: %w", id, err)
	}
	return &job, nil
}

func (q *Queue) save(ctx context.Context, tx *redis.Tx, job *model.QueueJob) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, q.jobKey(job.ID), raw, jobTTL)
		return nil
	})
	return err
}

// withRetry reruns fn while its optimistic transaction loses a race.
func (q *Queue) withRetry(ctx context.Context, fn func() error) error {
	for range maxTxRetries {
		err := fn()
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return redis.TxFailedErr
}

// attach adds rule to job. A rule already waiting is not added twice; a
// lookahead entry for the same rule is upgraded. Real demand converts a
// prefetch job.
func attach(job *model.QueueJob, rule model.WaitingRule) (changed, converted bool) {
	found := false
	for i, r := range job.Rules {
		if r.RuleID != rule.RuleID {
			continue
		}
		if !r.Lookahead {
			return false, false
		}
		job.Rules[i] = rule
		found = true
		break
	}
	if !found {
		job.Rules = append(job.Rules, rule)
	}
	job.Filters = unionFilters(job.Rules)

	if job.IsPrefetch {
		job.IsPrefetch = false
		job.Converted = true
		converted = true
	}
	return true, converted
}

// lateRules returns due rules present in stored but not due in executed.
func lateRules(executed, stored *model.QueueJob) []model.WaitingRule {
	served := make(map[int64]bool, len(executed.Rules))
	for _, r := range executed.Rules {
		if !r.Lookahead {
			served[r.RuleID] = true
		}
	}
	var late []model.WaitingRule
	for _, r := range stored.Rules {
		if !r.Lookahead && !served[r.RuleID] {
			late = append(late, r)
		}
	}
	return late
}

func unionFilters(rules []model.WaitingRule) model.Filters {
	fs := make([]model.Filters, len(rules))
	for i, r := range rules {
		fs[i] = r.Filters
	}
	return filter.Union(fs...)
}
