package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kanto-luna/FEISHU-table-script-pdf2md/internal/domain"
	"github.com/kanto-luna/FEISHU-table-script-pdf2md/internal/repositories"
	"github.com/kanto-luna/FEISHU-table-script-pdf2md/pkg/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP service",
	RunE: func(cmd *cobra.Command, args []string) error {
		app := NewApp(configPath)
		if err := app.Start(); err != nil {
			return err
		}

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case <-quit:
		case <-app.Done():
		}
		return app.Shutdown()
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Translate every eligible record once and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		app := NewApp(configPath)
		if err := app.Initialize(); err != nil {
			return err
		}
		defer func() { _ = app.Shutdown() }()

		return runBatch(ctx, app)
	},
}

var recordCmd = &cobra.Command{
	Use:   "record <record_id>",
	Short: "Translate a single record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app := NewApp(configPath)
		if err := app.Initialize(); err != nil {
			return err
		}
		defer func() { _ = app.Shutdown() }()

		id := args[0]
		if _, err := app.usecase.TranslateRecord(cmd.Context(), id); err != nil {
			return fmt.Errorf("record %s: %w", id, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Record %s processed successfully\n", id)
		return nil
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check that the Bitable table is reachable",
	RunE: func(cmd *cobra.Command, args []string) error {
		app := NewApp(configPath)
		if err := app.loadConfig(); err != nil {
			return err
		}
		if err := logger.Init(app.config.Log.Level, app.config.Log.Development); err != nil {
			return err
		}

		repo, err := repositories.NewBitableRepository(repositories.BitableConfig{
			AppID:             app.config.Store.AppID,
			AppSecret:         app.config.Store.AppSecret,
			AppToken:          app.config.Store.AppToken,
			PersonalBaseToken: app.config.Store.PersonalBaseToken,
			TableID:           app.config.Store.TableID,
			NameColumn:        app.config.Columns.Name,
			PageSize:          app.config.Store.PageSize,
			BaseURL:           app.config.Store.BaseURL,
			RequestTimeout:    app.config.Store.RequestTimeout,
		}, logger.Get())
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		if err := repo.CheckConnection(ctx); err != nil {
			return fmt.Errorf("store unreachable: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "healthy")
		return nil
	},
}

var errListing = errors.New("listing failed")

// runBatch drives one streaming batch and renders progress on stderr.
func runBatch(ctx context.Context, app *App) error {
	var bar *progressbar.ProgressBar
	var summary domain.BatchSummary

	for ev := range app.usecase.RunStreaming(ctx) {
		switch e := ev.(type) {
		case domain.PageLoadedEvent:
			app.logger.Info(e.Message)
		case domain.ProcessingStartEvent:
			bar = newProgressBar(e.Total)
		case domain.ProgressEvent:
			if bar != nil {
				bar.Describe(e.RecordName)
				_ = bar.Set(e.Processed + e.Failed)
			}
			if e.Status != domain.OutcomeSuccess {
				app.logger.Warn(e.Message, zap.String("record_id", e.RecordID))
			}
		case domain.CompleteEvent:
			summary = e.BatchSummary
			if bar != nil {
				_ = bar.Finish()
			}
		case domain.ErrorEvent:
			if e.Message == domain.MsgNoEligibleRecords {
				fmt.Fprintln(os.Stderr, e.Message)
				return nil
			}
			return fmt.Errorf("%w: %s", errListing, e.Message)
		}
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}

	fmt.Fprintf(os.Stderr, "Processed %d out of %d records, %d failed\n", summary.Processed, summary.Total, summary.Failed)
	for _, id := range summary.FailedRecords {
		fmt.Fprintf(os.Stderr, "  failed: %s\n", id)
	}
	return nil
}

func newProgressBar(total int) *progressbar.ProgressBar {
	return progressbar.NewOptions(
		total,
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetDescription("translating"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionSetItsString("records"),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprint(os.Stderr, "\n")
		}),
		progressbar.OptionSetRenderBlankState(true),
	)
}
