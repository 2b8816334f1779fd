// Package persist writes processed payloads where the user asks: a path
// picked through a save prompt, a directory picked once for a bulk save, or
// an s3:// prefix. Failures come back as values; a failed write never marks
// an item saved.
package persist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"imgbuild/internal/events"
	"imgbuild/internal/models"
	"imgbuild/internal/notify"
)

var ErrNothingToSave = errors.New("item has no processed output")

// ItemStore is the part of the batch coordinator the gateway needs.
type ItemStore interface {
	Get(id uuid.UUID) (models.ImageItem, error)
	Unsaved() []models.ImageItem
	MarkSaved(id uuid.UUID, revision uint64) error
}

type Notifier interface {
	Add(fileName, filePath string) notify.Notification
}

// Recorder keeps a durable history of writes.
type Recorder interface {
	RecordSave(ctx context.Context, rec models.SaveRecord) error
}

// Outcome of a prompted save. Cancelled is not an error.
type Outcome struct {
	Path      string `json:"path,omitempty"`
	Cancelled bool   `json:"cancelled"`
	Err       error  `json:"-"`
}

type SaveAllReport struct {
	Cancelled bool     `json:"cancelled"`
	Attempted int      `json:"attempted"`
	Saved     int      `json:"saved"`
	Paths     []string `json:"paths"`
	Err       error    `json:"-"`
}

type Gateway struct {
	files     Sink
	objects   Sink
	notifier  Notifier
	recorder  Recorder
	publisher events.Publisher
	log       *zap.Logger
}

type Option func(*Gateway)

// WithObjectStore enables s3:// destinations.
func WithObjectStore(s Sink) Option {
	return func(g *Gateway) { g.objects = s }
}

func WithRecorder(r Recorder) Option {
	return func(g *Gateway) { g.recorder = r }
}

func WithPublisher(p events.Publisher) Option {
	return func(g *Gateway) { g.publisher = p }
}

func NewGateway(files Sink, notifier Notifier, log *zap.Logger, opts ...Option) *Gateway {
	g := &Gateway{
		files:     files,
		notifier:  notifier,
		publisher: events.Nop{},
		log:       log,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// SaveOne prompts for a destination and writes payload there.
func (g *Gateway) SaveOne(ctx context.Context, prompter Prompter, payload []byte, suggestedName, format string) Outcome {
	const op = "persist.SaveOne"

	dest, ok := prompter.SaveLocation(ctx, suggestedName, FiltersFor(format))
	if !ok {
		return Outcome{Cancelled: true}
	}
	written, err := g.put(ctx, dest, payload)
	if err != nil {
		return Outcome{Err: fmt.Errorf("%s: %w", op, err)}
	}
	return Outcome{Path: written}
}

// SaveDirect writes without prompting.
func (g *Gateway) SaveDirect(ctx context.Context, payload []byte, directory, fileName string) (string, error) {
	const op = "persist.SaveDirect"

	written, err := g.put(ctx, JoinLocation(directory, fileName), payload)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return written, nil
}

// SaveItem runs SaveOne for a done item and, on success, marks it saved and
// emits a notification.
func (g *Gateway) SaveItem(ctx context.Context, prompter Prompter, store ItemStore, id uuid.UUID) Outcome {
	const op = "persist.SaveItem"

	item, err := store.Get(id)
	if err != nil {
		return Outcome{Err: fmt.Errorf("%s: %w", op, err)}
	}
	if item.ProcessedPayload == nil || item.LastResult == nil {
		return Outcome{Err: fmt.Errorf("%s: %w", op, ErrNothingToSave)}
	}

	out := g.SaveOne(ctx, prompter, item.ProcessedPayload, item.LastResult.SuggestedName, item.LastResult.Format)
	if out.Cancelled || out.Err != nil {
		return out
	}
	g.afterWrite(ctx, store, item, out.Path)
	return out
}

// SaveAll asks for one directory and writes every done, unsaved item into
// it. One item failing does not stop the others; failures are aggregated in
// the report's Err.
func (g *Gateway) SaveAll(ctx context.Context, prompter Prompter, store ItemStore) SaveAllReport {
	items := store.Unsaved()
	if len(items) == 0 {
		return SaveAllReport{}
	}

	dir, ok := prompter.Directory(ctx)
	if !ok {
		return SaveAllReport{Cancelled: true}
	}

	report := SaveAllReport{Attempted: len(items)}
	var errs *multierror.Error
	for _, item := range items {
		written, err := g.SaveDirect(ctx, item.ProcessedPayload, dir, item.LastResult.SuggestedName)
		if err != nil {
			g.log.Warn("save failed", zap.String("item", item.ID.String()), zap.Error(err))
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", item.Name, err))
			continue
		}
		g.afterWrite(ctx, store, item, written)
		report.Saved++
		report.Paths = append(report.Paths, written)
	}
	report.Err = errs.ErrorOrNil()

	g.log.Info("bulk save finished",
		zap.String("directory", dir),
		zap.Int("saved", report.Saved),
		zap.Int("failed", report.Attempted-report.Saved))
	return report
}

func (g *Gateway) put(ctx context.Context, location string, payload []byte) (string, error) {
	if IsObjectLocation(location) {
		if g.objects == nil {
			return "", ErrNoObjectStore
		}
		return g.objects.Put(ctx, location, payload)
	}
	return g.files.Put(ctx, location, payload)
}

func (g *Gateway) afterWrite(ctx context.Context, store ItemStore, item models.ImageItem, written string) {
	if err := store.MarkSaved(item.ID, item.Revision); err != nil {
		// the payload changed while it was being written; the new one is unsaved
		g.log.Info("saved a superseded payload", zap.String("item", item.ID.String()), zap.Error(err))
	}
	g.notifier.Add(item.LastResult.SuggestedName, written)

	savings := 0
	if item.CumulativeSavings != nil {
		savings = *item.CumulativeSavings
	}
	if g.recorder != nil {
		rec := models.SaveRecord{
			ID:           uuid.New(),
			ItemID:       item.ID,
			FileName:     item.LastResult.SuggestedName,
			FilePath:     written,
			Format:       item.LastResult.Format,
			OriginalSize: item.OriginalSize,
			FinalSize:    item.ProcessedSize,
			Savings:      savings,
			SavedAt:      time.Now(),
		}
		if err := g.recorder.RecordSave(ctx, rec); err != nil {
			g.log.Warn("save history write failed", zap.Error(err))
		}
	}
	if err := g.publisher.Publish(ctx, events.Event{
		Kind:    events.KindSaved,
		ItemID:  item.ID,
		Name:    item.LastResult.SuggestedName,
		Path:    written,
		Size:    item.ProcessedSize,
		Savings: &savings,
	}); err != nil {
		g.log.Warn("publish saved event", zap.Error(err))
	}
}
