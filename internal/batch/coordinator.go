// Package batch owns the in-memory item collection and drives items through
// the transform executor.
//
// Every item lives in its own mutex-guarded cell. A dispatch bumps the cell's
// generation and a completion is applied only if the generation is still the
// one it was dispatched with, so a removed item, or a completion racing a
// newer dispatch, can never overwrite newer state. Status gating under the
// same mutex keeps a batch run and a manual reprocess from both claiming one
// item.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"imgbuild/internal/events"
	"imgbuild/internal/intake"
	"imgbuild/internal/models"
	"imgbuild/internal/transform"
)

var (
	ErrNotFound         = errors.New("image not found")
	ErrNotReprocessable = errors.New("image has no processed output to reprocess")
	ErrStaleRevision    = errors.New("processed output changed since it was read")
)

type Transformer interface {
	Transform(ctx context.Context, input []byte, fileName string, policy transform.Policy) models.TransformResult
}

type Previewer interface {
	Build(payload []byte, savings *int) (string, error)
}

// Report summarises one RunBatch call.
type Report struct {
	Selected int `json:"selected"`
	Done     int `json:"done"`
	Failed   int `json:"failed"`
	// Discarded counts completions dropped because the item was removed
	// meanwhile.
	Discarded int `json:"discarded"`
}

type cell struct {
	mu      sync.Mutex
	item    *models.ImageItem
	gen     uint64
	removed bool
}

type job struct {
	cell         *cell
	gen          uint64
	id           uuid.UUID
	name         string
	source       models.Source
	payload      []byte
	originalSize int64
}

type Coordinator struct {
	mu    sync.RWMutex
	cells map[uuid.UUID]*cell
	order []uuid.UUID

	exec      Transformer
	previews  Previewer
	publisher events.Publisher
	limit     int
	log       *zap.Logger
}

type Option func(*Coordinator)

// WithConcurrency caps simultaneous transforms. Zero means no cap.
func WithConcurrency(n int) Option {
	return func(c *Coordinator) { c.limit = n }
}

func WithPreviews(p Previewer) Option {
	return func(c *Coordinator) { c.previews = p }
}

func WithPublisher(p events.Publisher) Option {
	return func(c *Coordinator) { c.publisher = p }
}

func NewCoordinator(exec Transformer, log *zap.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		cells:     make(map[uuid.UUID]*cell),
		exec:      exec,
		publisher: events.Nop{},
		log:       log,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Add appends one pending item per entry and returns their snapshots.
func (c *Coordinator) Add(entries ...intake.Entry) []models.ImageItem {
	out := make([]models.ImageItem, 0, len(entries))
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range entries {
		item := models.NewImageItem(e.Name, e.Source(), e.Size)
		c.cells[item.ID] = &cell{item: item}
		c.order = append(c.order, item.ID)
		out = append(out, item.Snapshot())
	}
	return out
}

// RunBatch processes every pending item with policy and returns once all of
// them have settled. Items are claimed in one sweep before any transform
// starts, so a concurrent RunBatch finds nothing left to take. Cancelling ctx
// does not cut dispatched transforms short; only the executor's own timeout
// does.
func (c *Coordinator) RunBatch(ctx context.Context, policy transform.Policy) Report {
	ctx = context.WithoutCancel(ctx)
	jobs := c.claimPending()
	report := Report{Selected: len(jobs)}
	if len(jobs) == 0 {
		return report
	}
	c.log.Info("batch started", zap.Int("items", len(jobs)), zap.String("mode", modeOf(policy)))

	var done, failed, discarded atomic.Int64
	g := new(errgroup.Group)
	if c.limit > 0 {
		g.SetLimit(c.limit)
	}
	for _, j := range jobs {
		g.Go(func() error {
			switch c.execute(ctx, j, policy) {
			case models.StatusDone:
				done.Add(1)
			case models.StatusError:
				failed.Add(1)
			default:
				discarded.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	report.Done = int(done.Load())
	report.Failed = int(failed.Load())
	report.Discarded = int(discarded.Load())
	c.log.Info("batch finished",
		zap.Int("done", report.Done),
		zap.Int("failed", report.Failed),
		zap.Int("discarded", report.Discarded))
	return report
}

func (c *Coordinator) claimPending() []job {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var jobs []job
	for _, id := range c.order {
		cl := c.cells[id]
		cl.mu.Lock()
		if cl.item.Status == models.StatusPending {
			if err := cl.item.Transition(models.StatusProcessing); err == nil {
				cl.gen++
				jobs = append(jobs, job{
					cell:         cl,
					gen:          cl.gen,
					id:           cl.item.ID,
					name:         cl.item.Name,
					source:       cl.item.Source,
					originalSize: cl.item.OriginalSize,
				})
			}
		}
		cl.mu.Unlock()
	}
	for _, j := range jobs {
		c.publish(context.Background(), events.Event{Kind: events.KindProcessing, ItemID: j.id, Name: j.name})
	}
	return jobs
}

// Reprocess runs policy again over a done item's processed output, naming
// the result after the previous output. Like RunBatch it ignores
// cancellation of ctx once the item is claimed.
func (c *Coordinator) Reprocess(ctx context.Context, id uuid.UUID, policy transform.Policy) (models.ImageItem, error) {
	const op = "batch.Reprocess"

	ctx = context.WithoutCancel(ctx)

	cl, err := c.cell(id)
	if err != nil {
		return models.ImageItem{}, fmt.Errorf("%s: %w", op, err)
	}

	cl.mu.Lock()
	if !cl.item.Reprocessable() {
		status := cl.item.Status
		cl.mu.Unlock()
		return models.ImageItem{}, fmt.Errorf("%s: %s is %s: %w", op, id, status, ErrNotReprocessable)
	}
	if err := cl.item.Transition(models.StatusProcessing); err != nil {
		cl.mu.Unlock()
		return models.ImageItem{}, fmt.Errorf("%s: %w", op, err)
	}
	cl.gen++
	j := job{
		cell:         cl,
		gen:          cl.gen,
		id:           cl.item.ID,
		name:         cl.item.LastResult.SuggestedName,
		payload:      cl.item.ProcessedPayload,
		originalSize: cl.item.OriginalSize,
	}
	cl.mu.Unlock()

	c.publish(ctx, events.Event{Kind: events.KindProcessing, ItemID: id, Name: j.name})
	c.execute(ctx, j, policy)

	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.removed {
		return models.ImageItem{}, fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return cl.item.Snapshot(), nil
}

// execute transforms one claimed job and applies the outcome. It returns the
// status written, or "" when the completion was discarded.
func (c *Coordinator) execute(ctx context.Context, j job, policy transform.Policy) models.Status {
	input := j.payload
	var res models.TransformResult
	if input == nil {
		var err error
		input, err = j.source.Bytes()
		if err != nil {
			res = models.TransformResult{Error: err.Error()}
		}
	}
	if input != nil {
		res = c.exec.Transform(ctx, input, j.name, policy)
	}

	var preview string
	if res.Success && c.previews != nil {
		savings := models.SavingsPercent(j.originalSize, res.FinalSize)
		p, err := c.previews.Build(res.Output, &savings)
		if err != nil {
			c.log.Debug("preview failed", zap.String("item", j.id.String()), zap.Error(err))
		}
		preview = p
	}

	j.cell.mu.Lock()
	if j.cell.removed || j.cell.gen != j.gen {
		j.cell.mu.Unlock()
		c.log.Info("discarding stale completion", zap.String("item", j.id.String()))
		return ""
	}
	if err := j.cell.item.Complete(res, preview); err != nil {
		j.cell.mu.Unlock()
		c.log.Error("completion rejected", zap.String("item", j.id.String()), zap.Error(err))
		return ""
	}
	snap := j.cell.item.Snapshot()
	j.cell.mu.Unlock()

	ev := events.Event{Kind: events.KindDone, ItemID: snap.ID, Name: snap.Name, Size: snap.ProcessedSize, Savings: snap.CumulativeSavings}
	if snap.Status == models.StatusError {
		ev = events.Event{Kind: events.KindError, ItemID: snap.ID, Name: snap.Name, Error: res.Error}
		c.log.Warn("transform failed", zap.String("item", snap.ID.String()), zap.String("name", snap.Name), zap.String("error", res.Error))
	}
	c.publish(ctx, ev)
	return snap.Status
}

// Reset reverts a done item to its original, unprocessed state.
func (c *Coordinator) Reset(id uuid.UUID) (models.ImageItem, error) {
	const op = "batch.Reset"

	cl, err := c.cell(id)
	if err != nil {
		return models.ImageItem{}, fmt.Errorf("%s: %w", op, err)
	}
	cl.mu.Lock()
	if err := cl.item.Reset(); err != nil {
		cl.mu.Unlock()
		return models.ImageItem{}, fmt.Errorf("%s: %w", op, err)
	}
	cl.gen++
	snap := cl.item.Snapshot()
	cl.mu.Unlock()

	c.publish(context.Background(), events.Event{Kind: events.KindReset, ItemID: id, Name: snap.Name})
	return snap, nil
}

// Remove drops an item in any state. An in-flight transform for it finishes
// but its result is discarded.
func (c *Coordinator) Remove(id uuid.UUID) error {
	const op = "batch.Remove"

	c.mu.Lock()
	cl, ok := c.cells[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	delete(c.cells, id)
	for i, oid := range c.order {
		if oid == id {
			c.order = append(c.order[:i:i], c.order[i+1:]...)
			break
		}
	}
	c.mu.Unlock()

	cl.mu.Lock()
	cl.removed = true
	name := cl.item.Name
	cl.mu.Unlock()

	c.publish(context.Background(), events.Event{Kind: events.KindRemoved, ItemID: id, Name: name})
	return nil
}

// Clear removes every item, publishing a removal for each in insertion
// order.
func (c *Coordinator) Clear() int {
	c.mu.Lock()
	cells, order := c.cells, c.order
	c.cells = make(map[uuid.UUID]*cell)
	c.order = nil
	c.mu.Unlock()

	for _, id := range order {
		cl := cells[id]
		cl.mu.Lock()
		cl.removed = true
		name := cl.item.Name
		cl.mu.Unlock()

		c.publish(context.Background(), events.Event{Kind: events.KindRemoved, ItemID: id, Name: name})
	}
	return len(order)
}

func (c *Coordinator) Get(id uuid.UUID) (models.ImageItem, error) {
	cl, err := c.cell(id)
	if err != nil {
		return models.ImageItem{}, fmt.Errorf("batch.Get: %w", err)
	}
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.item.Snapshot(), nil
}

// List returns snapshots in insertion order.
func (c *Coordinator) List() []models.ImageItem {
	return c.filter(func(*models.ImageItem) bool { return true })
}

// Unsaved lists done items whose current output has not been written.
func (c *Coordinator) Unsaved() []models.ImageItem {
	return c.filter(func(it *models.ImageItem) bool {
		return it.Status == models.StatusDone && !it.Saved
	})
}

// Counts returns the number of items per status.
func (c *Coordinator) Counts() map[models.Status]int {
	counts := map[models.Status]int{
		models.StatusPending:    0,
		models.StatusProcessing: 0,
		models.StatusDone:       0,
		models.StatusError:      0,
	}
	for _, it := range c.List() {
		counts[it.Status]++
	}
	return counts
}

// MarkSaved flags the item saved if its output is still the given revision.
func (c *Coordinator) MarkSaved(id uuid.UUID, revision uint64) error {
	const op = "batch.MarkSaved"

	cl, err := c.cell(id)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.item.Status != models.StatusDone || cl.item.Revision != revision {
		return fmt.Errorf("%s: %w", op, ErrStaleRevision)
	}
	cl.item.Saved = true
	return nil
}

func (c *Coordinator) cell(id uuid.UUID) (*cell, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cl, ok := c.cells[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cl, nil
}

func (c *Coordinator) filter(keep func(*models.ImageItem) bool) []models.ImageItem {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.ImageItem, 0, len(c.order))
	for _, id := range c.order {
		cl := c.cells[id]
		cl.mu.Lock()
		if keep(cl.item) {
			out = append(out, cl.item.Snapshot())
		}
		cl.mu.Unlock()
	}
	return out
}

func (c *Coordinator) publish(ctx context.Context, ev events.Event) {
	if err := c.publisher.Publish(ctx, ev); err != nil {
		c.log.Warn("publish event", zap.String("kind", string(ev.Kind)), zap.Error(err))
	}
}


func modeOf(p transform.Policy) string {
	if p == nil {
		return "none"
	}
	return string(p.Mode())
}
