package cache

import (
	"container/heap"
	"context"
	"sync"

	"github.com/ste-bah/rollup-engine/infrastructure/logging"
	"github.com/ste-bah/rollup-engine/infrastructure/ratelimit"
)

// WarmPriority mirrors §4.H's warming-queue priority weights.
type WarmPriority string

const (
	PriorityHigh   WarmPriority = "high"
	PriorityNormal WarmPriority = "normal"
	PriorityLow    WarmPriority = "low"
)

var priorityWeight = map[WarmPriority]int{PriorityHigh: 10, PriorityNormal: 5, PriorityLow: 1}

// WarmJob is one warming request (§4.H).
type WarmJob struct {
	Tenant       string
	RollupIDs    []string
	TargetTypes  []Keyspace
	Priority     WarmPriority
	ForceRefresh bool
	MaxItems     int
}

// WarmItemResult reports the outcome of warming a single cache entry.
type WarmItemResult struct {
	Keyspace Keyspace
	RollupID string
	Err      error
}

// Loader produces the value to cache for one (keyspace, tenant, rollupId)
// warming target; the warming processor never knows how a value is built.
type Loader func(ctx context.Context, keyspace Keyspace, tenant, rollupID string) ([]byte, []string, error)

type warmQueueItem struct {
	job      WarmJob
	priority int
	seq      int
	index    int
}

type warmQueue []*warmQueueItem

func (q warmQueue) Len() int { return len(q) }
func (q warmQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}
func (q warmQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index, q[j].index = i, j
}
func (q *warmQueue) Push(x interface{}) {
	item := x.(*warmQueueItem)
	item.index = len(*q)
	*q = append(*q, item)
}
func (q *warmQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

// WarmingProcessor drains a priority queue of WarmJobs, loading each target
// through Loader and populating the cache, throttled per-priority against
// L2 (§4.H).
type WarmingProcessor struct {
	cache  *Cache
	loader Loader
	logger *logging.Logger

	mu       sync.Mutex
	queue    warmQueue
	seq      int
	limiters map[WarmPriority]*ratelimit.RateLimiter
}

func NewWarmingProcessor(cache *Cache, loader Loader, logger *logging.Logger, rlCfg ratelimit.Config) *WarmingProcessor {
	limiters := make(map[WarmPriority]*ratelimit.RateLimiter, 3)
	for _, p := range []WarmPriority{PriorityHigh, PriorityNormal, PriorityLow} {
		limiters[p] = ratelimit.ForPriority(rlCfg, string(p))
	}
	wp := &WarmingProcessor{cache: cache, loader: loader, logger: logger, limiters: limiters}
	heap.Init(&wp.queue)
	return wp
}

// Enqueue schedules job for warming, ordered by its priority weight and
// submission order within that weight.
func (wp *WarmingProcessor) Enqueue(job WarmJob) {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	weight, ok := priorityWeight[job.Priority]
	if !ok {
		weight = priorityWeight[PriorityNormal]
	}
	wp.seq++
	heap.Push(&wp.queue, &warmQueueItem{job: job, priority: weight, seq: wp.seq})
}

func (wp *WarmingProcessor) dequeue() (WarmJob, bool) {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if wp.queue.Len() == 0 {
		return WarmJob{}, false
	}
	item := heap.Pop(&wp.queue).(*warmQueueItem)
	return item.job, true
}

// Run drains the queue until it is empty or ctx is cancelled, invoking
// onProgress after each warmed item. A single item's failure is logged and
// counted but never aborts the job (§4.H).
func (wp *WarmingProcessor) Run(ctx context.Context, onProgress func(WarmItemResult)) error {
	for {
		job, ok := wp.dequeue()
		if !ok {
			return nil
		}
		if err := wp.runJob(ctx, job, onProgress); err != nil {
			return err
		}
	}
}

func (wp *WarmingProcessor) runJob(ctx context.Context, job WarmJob, onProgress func(WarmItemResult)) error {
	limiter := wp.limiters[job.Priority]
	if limiter == nil {
		limiter = wp.limiters[PriorityNormal]
	}

	warmed := 0
	for _, keyspace := range job.TargetTypes {
		for _, rollupID := range job.RollupIDs {
			if job.MaxItems > 0 && warmed >= job.MaxItems {
				return nil
			}
			if err := limiter.Wait(ctx); err != nil {
				return err
			}

			key, err := Key(keyspace, job.Tenant, rollupID)
			if err != nil {
				wp.report(onProgress, WarmItemResult{Keyspace: keyspace, RollupID: rollupID, Err: err})
				continue
			}
			if !job.ForceRefresh {
				if _, found := wp.cache.Get(ctx, keyspace, job.Tenant, key); found {
					warmed++
					wp.report(onProgress, WarmItemResult{Keyspace: keyspace, RollupID: rollupID})
					continue
				}
			}

			value, tags, err := wp.loader(ctx, keyspace, job.Tenant, rollupID)
			if err != nil {
				wp.logger.WithError(err).Warn("warming load failed")
				wp.report(onProgress, WarmItemResult{Keyspace: keyspace, RollupID: rollupID, Err: err})
				continue
			}
			wp.cache.Set(ctx, keyspace, job.Tenant, key, value, wp.cache.cfg.DefaultTTL, tags)
			warmed++
			wp.report(onProgress, WarmItemResult{Keyspace: keyspace, RollupID: rollupID})
		}
	}
	return nil
}

func (wp *WarmingProcessor) report(onProgress func(WarmItemResult), result WarmItemResult) {
	if onProgress != nil {
		onProgress(result)
	}
}
