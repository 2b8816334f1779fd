// Package notify keeps the short-lived "saved" notifications. Each entry
// loses progress linearly on every tick and disappears when it reaches zero
// or when dismissed.
package notify

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"
)

type Notification struct {
	ID        uuid.UUID `json:"id"`
	FileName  string    `json:"file_name"`
	FilePath  string    `json:"file_path"`
	CreatedAt time.Time `json:"created_at"`
	// Progress runs from 100 down to 0.
	Progress float64 `json:"progress"`
}

type Queue struct {
	mu       sync.Mutex
	cache    *ttlcache.Cache[uuid.UUID, *Notification]
	duration time.Duration
	tick     time.Duration
	step     float64
	log      *zap.Logger
}

// NewQueue builds a queue whose entries live for duration, decaying once per
// tick. The cache TTL backs the ticker up: an entry never outlives duration
// even if Run is not called.
func NewQueue(duration, tick time.Duration, log *zap.Logger) *Queue {
	cache := ttlcache.New[uuid.UUID, *Notification](
		ttlcache.WithTTL[uuid.UUID, *Notification](duration),
		ttlcache.WithDisableTouchOnHit[uuid.UUID, *Notification](),
	)
	cache.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[uuid.UUID, *Notification]) {
		log.Debug("notification removed",
			zap.String("id", item.Key().String()),
			zap.Int("reason", int(reason)))
	})
	return &Queue{
		cache:    cache,
		duration: duration,
		tick:     tick,
		step:     float64(tick) / float64(duration) * 100,
		log:      log,
	}
}

func (q *Queue) Add(fileName, filePath string) Notification {
	n := &Notification{
		ID:        uuid.New(),
		FileName:  fileName,
		FilePath:  filePath,
		CreatedAt: time.Now(),
		Progress:  100,
	}
	q.mu.Lock()
	q.cache.Set(n.ID, n, ttlcache.DefaultTTL)
	q.mu.Unlock()
	return *n
}

// Dismiss removes the entry at once. It reports whether the entry existed.
func (q *Queue) Dismiss(id uuid.UUID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.cache.Has(id) {
		return false
	}
	q.cache.Delete(id)
	return true
}

func (q *Queue) Get(id uuid.UUID) (Notification, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	item := q.cache.Get(id)
	if item == nil {
		return Notification{}, false
	}
	return *item.Value(), true
}

// List returns the live entries, oldest first.
func (q *Queue) List() []Notification {
	q.mu.Lock()
	out := make([]Notification, 0, q.cache.Len())
	for _, item := range q.cache.Items() {
		out = append(out, *item.Value())
	}
	q.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Tick decays every entry by one step and drops those that reach zero.
func (q *Queue) Tick() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for id, item := range q.cache.Items() {
		n := item.Value()
		n.Progress = max(0, n.Progress-q.step)
		if n.Progress <= 0 {
			q.cache.Delete(id)
		}
	}
	q.cache.DeleteExpired()
}

// Run ticks until ctx is done.
func (q *Queue) Run(ctx context.Context) {
	t := time.NewTicker(q.tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			q.Tick()
		}
	}
}
