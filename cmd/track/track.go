// Package track implements the command that runs the tracking daemon.
package track

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/serieswatch/serieswatch-go/internal/catalog"
	"github.com/serieswatch/serieswatch-go/internal/conf"
	"github.com/serieswatch/serieswatch-go/internal/datastore"
	"github.com/serieswatch/serieswatch-go/internal/logging"
	"github.com/serieswatch/serieswatch-go/internal/notify"
	"github.com/serieswatch/serieswatch-go/internal/observability"
	"github.com/serieswatch/serieswatch-go/internal/tracker"
)

// Command creates the track command, the long-running daemon mode.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "track",
		Short: "Run the series tracking daemon",
		Long:  "Runs the job worker, notification sweeps and the refresh scheduler until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(settings)
		},
	}

	if err := setupFlags(cmd, settings); err != nil {
		cobra.CheckErr(err)
	}

	return cmd
}

// setupFlags defines the daemon specific flags.
func setupFlags(cmd *cobra.Command, settings *conf.Settings) error {
	cmd.Flags().BoolVar(&settings.Refresh.AutoEnabled, "autorefresh", viper.GetBool("refresh.autoenabled"), "Enable the automatic refresh scheduler")
	cmd.Flags().IntVar(&settings.Refresh.BatchSize, "batchsize", viper.GetInt("refresh.batchsize"), "Maximum probes enqueued per scheduler tick")

	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("error binding flags: %w", err)
	}

	return nil
}

func runDaemon(settings *conf.Settings) error {
	logger := logging.ForService("daemon")

	store := datastore.New(settings)
	if store == nil {
		return fmt.Errorf("no database output enabled")
	}
	if err := store.Open(); err != nil {
		return fmt.Errorf("failed to open datastore: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("failed to close datastore", "error", err)
		}
	}()

	// Subscriber counts can drift if a previous process died mid-update.
	if err := store.RebuildSeriesUserCounts(); err != nil {
		logger.Warn("failed to rebuild series user counts", "error", err)
	}

	client, err := catalog.NewClient(&settings.Catalog)
	if err != nil {
		return fmt.Errorf("failed to create catalog client: %w", err)
	}

	sender := notify.NewShoutrrrSender(settings.Notify.SendTimeout)
	metrics := observability.NewMetrics()

	tr := tracker.New(settings, store, client, sender, metrics)
	tr.Start()
	logger.Info("tracker started",
		"autorefresh", settings.Refresh.AutoEnabled,
		"cycle_seconds", settings.Refresh.CycleSeconds)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("shutting down", "signal", sig.String())

	tr.Stop()
	return nil
}
