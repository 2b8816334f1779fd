package batch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"imgbuild/internal/codec"
	"imgbuild/internal/events"
	"imgbuild/internal/intake"
	"imgbuild/internal/models"
	"imgbuild/internal/transform"
)

// fakeTransformer halves the input and fails any name containing "bad".
type fakeTransformer struct {
	calls   atomic.Int64
	active  atomic.Int64
	peak    atomic.Int64
	block   chan struct{}
	started chan string
	mu      sync.Mutex
	names   []string
}

func (f *fakeTransformer) Transform(ctx context.Context, input []byte, name string, _ transform.Policy) models.TransformResult {
	f.calls.Add(1)
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	f.mu.Lock()
	f.names = append(f.names, name)
	f.mu.Unlock()
	if f.started != nil {
		f.started <- name
	}
	if f.block != nil {
		<-f.block
	}
	if strings.Contains(name, "bad") {
		return models.TransformResult{Error: "decode failed", OriginalSize: int64(len(input))}
	}
	out := input[:len(input)/2]
	return models.TransformResult{
		Success:       true,
		Output:        out,
		Format:        "webp",
		SuggestedName: strings.TrimSuffix(name, filepath.Ext(name)) + ".webp",
		OriginalSize:  int64(len(input)),
		FinalSize:     int64(len(out)),
	}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) kinds() []events.Kind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Kind, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Kind)
	}
	return out
}

type stubPreviewer struct{ err error }

func (s stubPreviewer) Build(payload []byte, _ *int) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return "data:preview", nil
}

func entry(name string, size int) intake.Entry {
	return intake.Entry{Name: name, Size: int64(size), Data: make([]byte, size)}
}

func newCoordinator(exec Transformer, opts ...Option) *Coordinator {
	return NewCoordinator(exec, zap.NewNop(), opts...)
}

func TestRunBatch_MixedOutcomes(t *testing.T) {
	exec := &fakeTransformer{}
	pub := &recordingPublisher{}
	c := newCoordinator(exec, WithPublisher(pub), WithPreviews(stubPreviewer{}))

	c.Add(entry("a.png", 100), entry("bad.png", 100), entry("c.jpg", 100), entry("bad2.jpg", 100))

	report := c.RunBatch(context.Background(), transform.ConvertToWebP{Quality: 85})
	assert.Equal(t, Report{Selected: 4, Done: 2, Failed: 2}, report)

	counts := c.Counts()
	assert.Equal(t, 2, counts[models.StatusDone])
	assert.Equal(t, 2, counts[models.StatusError])
	assert.Zero(t, counts[models.StatusProcessing])
	assert.Zero(t, counts[models.StatusPending])

	for _, it := range c.List() {
		if strings.Contains(it.Name, "bad") {
			require.NotNil(t, it.LastResult)
			assert.Equal(t, "decode failed", it.LastResult.Error)
			assert.Nil(t, it.ProcessedPayload)
			continue
		}
		assert.Equal(t, models.StatusDone, it.Status)
		assert.Equal(t, int64(50), it.ProcessedSize)
		require.NotNil(t, it.CumulativeSavings)
		assert.Equal(t, 50, *it.CumulativeSavings)
		assert.Equal(t, "data:preview", it.ProcessedPreview)
		assert.False(t, it.Saved)
	}

	kinds := pub.kinds()
	assert.Len(t, kinds, 8)
	assert.Equal(t, 4, countKind(kinds, events.KindProcessing))
	assert.Equal(t, 2, countKind(kinds, events.KindDone))
	assert.Equal(t, 2, countKind(kinds, events.KindError))
}

func TestRunBatch_SecondRunIsNoop(t *testing.T) {
	exec := &fakeTransformer{}
	c := newCoordinator(exec)
	c.Add(entry("a.png", 10), entry("bad.png", 10))

	c.RunBatch(context.Background(), transform.Compress{Quality: 80})
	report := c.RunBatch(context.Background(), transform.Compress{Quality: 80})

	assert.Equal(t, Report{}, report)
	assert.Equal(t, int64(2), exec.calls.Load())
}

func TestRunBatch_EmptyCollection(t *testing.T) {
	c := newCoordinator(&fakeTransformer{})
	assert.Equal(t, Report{}, c.RunBatch(context.Background(), transform.Compress{}))
}

func TestRunBatch_OnlyPendingItemsAreSelected(t *testing.T) {
	exec := &fakeTransformer{}
	c := newCoordinator(exec)
	c.Add(entry("a.png", 10))
	c.RunBatch(context.Background(), transform.Compress{})

	c.Add(entry("b.png", 10))
	report := c.RunBatch(context.Background(), transform.Compress{})

	assert.Equal(t, 1, report.Selected)
	assert.Equal(t, []string{"a.png", "b.png"}, exec.names)
}

func TestRunBatch_RespectsConcurrencyLimit(t *testing.T) {
	exec := &fakeTransformer{block: make(chan struct{}), started: make(chan string, 8)}
	c := newCoordinator(exec, WithConcurrency(2))
	for i := 0; i < 6; i++ {
		c.Add(entry("img.png", 10))
	}

	done := make(chan Report)
	go func() { done <- c.RunBatch(context.Background(), transform.Compress{}) }()

	<-exec.started
	<-exec.started
	select {
	case name := <-exec.started:
		t.Fatalf("third transform %q started above the limit", name)
	case <-time.After(50 * time.Millisecond):
	}
	close(exec.block)

	report := <-done
	assert.Equal(t, 6, report.Done)
	assert.LessOrEqual(t, exec.peak.Load(), int64(2))
}

func TestRunBatch_ReadsSourceFromDisk(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "disk.png")
	require.NoError(t, os.WriteFile(path, make([]byte, 40), 0o644))

	c := newCoordinator(&fakeTransformer{})
	items := c.Add(intake.Entry{Name: "disk.png", Path: path, Size: 40})
	c.Add(intake.Entry{Name: "gone.png", Path: filepath.Join(dir, "gone.png"), Size: 40})

	report := c.RunBatch(context.Background(), transform.Compress{})
	assert.Equal(t, 1, report.Done)
	assert.Equal(t, 1, report.Failed)

	it, err := c.Get(items[0].ID)
	require.NoError(t, err)
	assert.Equal(t, int64(20), it.ProcessedSize)
}

func TestRunBatch_PreviewFailureKeepsResult(t *testing.T) {
	c := newCoordinator(&fakeTransformer{}, WithPreviews(stubPreviewer{err: errors.New("boom")}))
	items := c.Add(entry("a.png", 10))

	c.RunBatch(context.Background(), transform.Compress{})

	it, err := c.Get(items[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDone, it.Status)
	assert.Empty(t, it.ProcessedPreview)
}

func TestReprocess(t *testing.T) {
	exec := &fakeTransformer{}
	c := newCoordinator(exec)
	items := c.Add(entry("photo.png", 400))
	c.RunBatch(context.Background(), transform.ConvertToWebP{})

	first, err := c.Get(items[0].ID)
	require.NoError(t, err)

	it, err := c.Reprocess(context.Background(), items[0].ID, transform.Compress{})
	require.NoError(t, err)

	assert.Equal(t, models.StatusDone, it.Status)
	assert.Equal(t, int64(100), it.ProcessedSize)
	assert.Equal(t, int64(400), it.OriginalSize)
	require.NotNil(t, it.CumulativeSavings)
	assert.Equal(t, 75, *it.CumulativeSavings)
	assert.NotEqual(t, first.Revision, it.Revision)
	assert.Equal(t, "photo.webp", exec.names[1])
}

func TestReprocess_Rejected(t *testing.T) {
	c := newCoordinator(&fakeTransformer{})
	items := c.Add(entry("a.png", 10), entry("bad.png", 10))

	_, err := c.Reprocess(context.Background(), items[0].ID, transform.Compress{})
	assert.ErrorIs(t, err, ErrNotReprocessable)

	c.RunBatch(context.Background(), transform.Compress{})
	_, err = c.Reprocess(context.Background(), items[1].ID, transform.Compress{})
	assert.ErrorIs(t, err, ErrNotReprocessable)

	_, err = c.Reprocess(context.Background(), uuid.New(), transform.Compress{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReprocess_NotClaimedByConcurrentBatch(t *testing.T) {
	exec := &fakeTransformer{}
	c := newCoordinator(exec)
	items := c.Add(entry("a.png", 100))
	c.RunBatch(context.Background(), transform.Compress{})

	exec.block = make(chan struct{})
	exec.started = make(chan string, 2)

	reprocessed := make(chan error)
	go func() {
		_, err := c.Reprocess(context.Background(), items[0].ID, transform.Compress{})
		reprocessed <- err
	}()
	<-exec.started

	report := c.RunBatch(context.Background(), transform.Compress{})
	assert.Zero(t, report.Selected)

	_, err := c.Reprocess(context.Background(), items[0].ID, transform.Compress{})
	assert.ErrorIs(t, err, ErrNotReprocessable)

	close(exec.block)
	require.NoError(t, <-reprocessed)
	assert.Equal(t, int64(2), exec.calls.Load())
}

func TestReset(t *testing.T) {
	pub := &recordingPublisher{}
	c := newCoordinator(&fakeTransformer{}, WithPublisher(pub))
	items := c.Add(entry("a.png", 100))

	_, err := c.Reset(items[0].ID)
	assert.ErrorIs(t, err, models.ErrIllegalTransition)

	c.RunBatch(context.Background(), transform.Compress{})
	it, err := c.Reset(items[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, it.Status)
	assert.Nil(t, it.ProcessedPayload)
	assert.Nil(t, it.CumulativeSavings)
	assert.Equal(t, int64(100), it.OriginalSize)

	_, err = c.Reset(items[0].ID)
	assert.ErrorIs(t, err, models.ErrIllegalTransition)

	report := c.RunBatch(context.Background(), transform.Compress{})
	assert.Equal(t, 1, report.Done)
	assert.Contains(t, pub.kinds(), events.KindReset)
}

func TestRemove_DiscardsInFlightCompletion(t *testing.T) {
	exec := &fakeTransformer{block: make(chan struct{}), started: make(chan string, 1)}
	c := newCoordinator(exec)
	items := c.Add(entry("a.png", 10))

	done := make(chan Report)
	go func() { done <- c.RunBatch(context.Background(), transform.Compress{}) }()
	<-exec.started

	require.NoError(t, c.Remove(items[0].ID))
	close(exec.block)

	report := <-done
	assert.Equal(t, Report{Selected: 1, Discarded: 1}, report)
	assert.Empty(t, c.List())

	_, err := c.Get(items[0].ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, c.Remove(items[0].ID), ErrNotFound)
}

func TestRemove_KeepsOrder(t *testing.T) {
	c := newCoordinator(&fakeTransformer{})
	items := c.Add(entry("a.png", 1), entry("b.png", 1), entry("c.png", 1))

	require.NoError(t, c.Remove(items[1].ID))

	var names []string
	for _, it := range c.List() {
		names = append(names, it.Name)
	}
	assert.Equal(t, []string{"a.png", "c.png"}, names)
}

func TestClear(t *testing.T) {
	pub := &recordingPublisher{}
	c := newCoordinator(&fakeTransformer{}, WithPublisher(pub))
	items := c.Add(entry("a.png", 1), entry("b.png", 1))

	assert.Equal(t, 2, c.Clear())
	assert.Empty(t, c.List())
	assert.Equal(t, 0, c.Clear())

	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Len(t, pub.events, 2)
	for i, ev := range pub.events {
		assert.Equal(t, events.KindRemoved, ev.Kind)
		assert.Equal(t, items[i].ID, ev.ItemID)
		assert.Equal(t, items[i].Name, ev.Name)
	}
}

func TestMarkSaved(t *testing.T) {
	c := newCoordinator(&fakeTransformer{})
	items := c.Add(entry("a.png", 100), entry("b.png", 100))
	c.RunBatch(context.Background(), transform.Compress{})
	assert.Len(t, c.Unsaved(), 2)

	it, err := c.Get(items[0].ID)
	require.NoError(t, err)
	require.NoError(t, c.MarkSaved(it.ID, it.Revision))
	assert.Len(t, c.Unsaved(), 1)

	_, err = c.Reprocess(context.Background(), it.ID, transform.Compress{})
	require.NoError(t, err)
	assert.Len(t, c.Unsaved(), 2)

	assert.ErrorIs(t, c.MarkSaved(it.ID, it.Revision), ErrStaleRevision)
	assert.ErrorIs(t, c.MarkSaved(uuid.New(), 1), ErrNotFound)
}

func countKind(kinds []events.Kind, k events.Kind) int {
	n := 0
	for _, got := range kinds {
		if got == k {
			n++
		}
	}
	return n
}

// slowImager halves its input after a delay, standing in for a heavy encode.
type slowImager struct{ delay time.Duration }

func (s slowImager) Encode(src []byte, _ codec.Format, _ codec.Options) ([]byte, error) {
	time.Sleep(s.delay)
	return append([]byte(nil), src[:len(src)/2]...), nil
}

func (s slowImager) Resize(src []byte, _ codec.Format, _ codec.Box) ([]byte, error) {
	time.Sleep(s.delay)
	return append([]byte(nil), src...), nil
}

func (slowImager) Metadata([]byte) (codec.Metadata, error) {
	return codec.Metadata{Width: 1, Height: 1, Format: codec.PNG}, nil
}

func TestRunBatch_CallerCancellationDoesNotFailItems(t *testing.T) {
	exec := transform.NewExecutor(slowImager{delay: 200 * time.Millisecond}, 5*time.Second, zap.NewNop())
	c := newCoordinator(exec)
	items := c.Add(entry("a.png", 100), entry("b.png", 100))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	report := c.RunBatch(ctx, transform.ConvertToWebP{Quality: 85})
	assert.Equal(t, Report{Selected: 2, Done: 2}, report)

	for _, it := range c.List() {
		assert.Equal(t, models.StatusDone, it.Status, it.Name)
	}

	cancelled, stop := context.WithCancel(context.Background())
	stop()
	it, err := c.Reprocess(cancelled, items[0].ID, transform.ConvertToWebP{Quality: 85})
	require.NoError(t, err)
	assert.Equal(t, models.StatusDone, it.Status)
	assert.Equal(t, int64(25), it.ProcessedSize)
}

func TestRunBatch_ExecutorTimeoutStillApplies(t *testing.T) {
	exec := transform.NewExecutor(slowImager{delay: 200 * time.Millisecond}, 20*time.Millisecond, zap.NewNop())
	c := newCoordinator(exec)
	items := c.Add(entry("a.png", 100))

	report := c.RunBatch(context.Background(), transform.ConvertToWebP{Quality: 85})
	assert.Equal(t, 1, report.Failed)

	it, err := c.Get(items[0].ID)
	require.NoError(t, err)
	require.NotNil(t, it.LastResult)
	assert.Equal(t, transform.ErrTimeout.Error(), it.LastResult.Error)
}

func TestAdd_KeepsSniffedType(t *testing.T) {
	c := newCoordinator(&fakeTransformer{})
	items := c.Add(intake.Entry{Name: "a.png", Size: 3, Data: []byte{1, 2, 3}, MIME: "image/png"})

	it, err := c.Get(items[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "image/png", it.Source.MIME)
	assert.Equal(t, models.StatusPending, it.Status)
}
