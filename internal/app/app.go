// Package app wires the components into one application context. Nothing in
// the tree holds package-level state; everything hangs off an App.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"imgbuild/internal/batch"
	"imgbuild/internal/codec"
	"imgbuild/internal/events"
	"imgbuild/internal/intake"
	"imgbuild/internal/models"
	"imgbuild/internal/notify"
	"imgbuild/internal/persist"
	"imgbuild/internal/preview"
	"imgbuild/internal/server"
	"imgbuild/internal/storage"
	"imgbuild/internal/transform"
)

type App struct {
	Config        *models.Config
	Log           *zap.Logger
	Coordinator   *batch.Coordinator
	Gateway       *persist.Gateway
	Notifications *notify.Queue
	Publisher     events.Publisher
	Storage       *storage.Storage
	Server        *server.Server

	watcher  *intake.Watcher
	consumer *events.Consumer

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Init builds every component cfg asks for. Kafka, Postgres and the drop
// folder are optional and stay off while their settings are empty.
func Init(ctx context.Context, cfg *models.Config, log *zap.Logger) (*App, error) {
	const op = "app.Init"

	a := &App{Config: cfg, Log: log, Publisher: events.Nop{}}

	if cfg.KafkaBroker != "" {
		a.Publisher = events.NewKafkaPublisher(cfg.KafkaBroker, cfg.KafkaTopic, log.Named("events"))
	}

	previews, err := preview.NewBuilder(cfg.PreviewSize, cfg.PreviewBadge)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	exec := transform.NewExecutor(codec.NewImaging(), cfg.TransformTimeout, log.Named("transform"))
	a.Coordinator = batch.NewCoordinator(exec, log.Named("batch"),
		batch.WithConcurrency(cfg.MaxConcurrency),
		batch.WithPreviews(previews),
		batch.WithPublisher(a.Publisher),
	)

	a.Notifications = notify.NewQueue(cfg.NotificationTTL, cfg.NotificationTick, log.Named("notify"))

	gwOpts := []persist.Option{persist.WithPublisher(a.Publisher)}
	objects, err := persist.NewS3Sink(ctx, cfg.S3)
	if err != nil {
		log.Warn("object storage disabled", zap.Error(err))
	} else {
		gwOpts = append(gwOpts, persist.WithObjectStore(objects))
	}

	if cfg.DatabaseURL != "" {
		a.Storage, err = storage.NewStorage(ctx, cfg.DatabaseURL, log.Named("storage"))
		if err != nil {
			a.closeAll()
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		gwOpts = append(gwOpts, persist.WithRecorder(a.Storage))
	}
	a.Gateway = persist.NewGateway(persist.FSSink{}, a.Notifications, log.Named("persist"), gwOpts...)

	if cfg.WatchDir != "" {
		a.watcher, err = intake.NewWatcher(cfg.WatchDir, a.addEntry, log.Named("watcher"))
		if err != nil {
			a.closeAll()
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}
	if cfg.KafkaBroker != "" && cfg.IntakeTopic != "" {
		a.consumer = events.NewConsumer(cfg.KafkaBroker, cfg.IntakeTopic, a.addRequest, log.Named("intake"))
	}

	deps := server.Deps{
		Coordinator:   a.Coordinator,
		Gateway:       a.Gateway,
		Notifications: a.Notifications,
		Revealer:      persist.OSRevealer{},
	}
	if a.Storage != nil {
		deps.History = a.Storage
	}
	a.Server = server.NewServer(cfg, deps, log.Named("server"))

	return a, nil
}

// Start launches the background loops: notification decay, the drop-folder
// watcher and the intake consumer.
func (a *App) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)

	a.goRun(func() { a.Notifications.Run(ctx) })
	if a.watcher != nil {
		a.goRun(func() {
			if err := a.watcher.Run(ctx); err != nil {
				a.Log.Error("watcher stopped", zap.Error(err))
			}
		})
	}
	if a.consumer != nil {
		a.goRun(func() {
			if err := a.consumer.Run(ctx); err != nil {
				a.Log.Error("intake consumer stopped", zap.Error(err))
			}
		})
	}
}

func (a *App) goRun(fn func()) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		fn()
	}()
}

// Shutdown stops the HTTP server and the background loops, then releases
// every connection. It is safe to call when Start was never called.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	if err := a.Server.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("server: %w", err))
	}
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	if err := a.closeAll(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *App) closeAll() error {
	var errs []error
	if a.consumer != nil {
		if err := a.consumer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("consumer: %w", err))
		}
	}
	if a.watcher != nil {
		if err := a.watcher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("watcher: %w", err))
		}
	}
	if err := a.Publisher.Close(); err != nil {
		errs = append(errs, fmt.Errorf("publisher: %w", err))
	}
	if a.Storage != nil {
		a.Storage.Close()
	}
	return errors.Join(errs...)
}

func (a *App) addEntry(e intake.Entry) {
	items := a.Coordinator.Add(e)
	a.Log.Info("image picked up", zap.String("name", e.Name), zap.String("id", items[0].ID.String()))
}

func (a *App) addRequest(req events.IntakeRequest) error {
	e, err := intake.FromPath(req.Path)
	if err != nil {
		return err
	}
	if req.Name != "" {
		e.Name = req.Name
	}
	a.addEntry(e)
	return nil
}
