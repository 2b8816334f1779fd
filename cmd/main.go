package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"imgbuild/internal/app"
	"imgbuild/internal/intake"
	"imgbuild/internal/models"
	"imgbuild/internal/persist"
	"imgbuild/internal/transform"
	"imgbuild/pkg/logger"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "imgbuild",
		Short:        "Batch image optimizer",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the yaml config")

	root.AddCommand(newServeCmd(&configPath), newOptimizeCmd(&configPath))
	return root
}

func setup(configPath string) (*models.Config, *zap.Logger, error) {
	cfg, err := models.LoadConfig(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to init logger: %w", err)
	}
	return cfg, log, nil
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, drop-folder watcher and intake consumer",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := setup(*configPath)
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.Init(ctx, cfg, log)
			if err != nil {
				return err
			}
			a.Start(ctx)

			errCh := make(chan error, 1)
			go func() { errCh <- a.Server.Start() }()

			select {
			case <-ctx.Done():
				log.Info("shutdown signal received")
			case err = <-errCh:
				if err != nil {
					log.Error("server failed", zap.Error(err))
				}
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return errors.Join(err, a.Shutdown(shutdownCtx))
		},
	}
}

type optimizeFlags struct {
	mode     string
	lossless bool
	width    int
	height   int
	out      string
}

func newOptimizeCmd(configPath *string) *cobra.Command {
	var f optimizeFlags

	cmd := &cobra.Command{
		Use:   "optimize FILES...",
		Short: "Process files once and write the results to a directory",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(*configPath)
			if err != nil {
				return err
			}
			defer log.Sync()
			if !cmd.Flags().Changed("lossless") {
				f.lossless = cfg.Lossless
			}
			if f.out == "" {
				f.out = cfg.StoragePath
			}
			return runOptimize(cmd, cfg, log, f, args)
		},
	}
	cmd.Flags().StringVarP(&f.mode, "mode", "m", string(transform.ModeSmart), "smart, webp, compress or resize")
	cmd.Flags().BoolVar(&f.lossless, "lossless", false, "encode at quality 100")
	cmd.Flags().IntVar(&f.width, "width", 0, "resize: maximum width")
	cmd.Flags().IntVar(&f.height, "height", 0, "resize: maximum height")
	cmd.Flags().StringVarP(&f.out, "out", "o", "", "output directory or s3://bucket/prefix (default storage_path)")
	return cmd
}

func runOptimize(cmd *cobra.Command, cfg *models.Config, log *zap.Logger, f optimizeFlags, files []string) error {
	policy, err := transform.NewPolicy(transform.Mode(f.mode), f.lossless, f.width, f.height)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	a, err := app.Init(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Shutdown(context.Background())

	out := cmd.OutOrStdout()
	var entries []intake.Entry
	for _, path := range files {
		e, err := intake.FromPath(path)
		if err != nil {
			fmt.Fprintf(out, "skip  %s: %v\n", path, err)
			continue
		}
		entries = append(entries, e)
	}
	if len(entries) == 0 {
		return errors.New("no images to process")
	}
	a.Coordinator.Add(entries...)

	report := a.Coordinator.RunBatch(ctx, policy)
	for _, it := range a.Coordinator.List() {
		switch {
		case it.Status == models.StatusDone:
			fmt.Fprintf(out, "ok    %s -> %s (%d -> %d bytes, %d%%)\n",
				it.Name, it.LastResult.SuggestedName, it.OriginalSize, it.ProcessedSize, *it.CumulativeSavings)
		case it.LastResult != nil:
			fmt.Fprintf(out, "fail  %s: %s\n", it.Name, it.LastResult.Error)
		}
	}

	saved := a.Gateway.SaveAll(ctx, persist.StaticPrompter{Location: f.out, IsDir: true}, a.Coordinator)
	fmt.Fprintf(out, "%d processed, %d failed, %d written to %s\n", report.Done, report.Failed, saved.Saved, f.out)
	if saved.Err != nil {
		return saved.Err
	}
	if report.Failed > 0 {
		return fmt.Errorf("%d of %d images failed", report.Failed, report.Selected)
	}
	return nil
}
