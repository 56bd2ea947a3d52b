// Package probe implements a one-shot diagnostic probe of a single series.
package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/serieswatch/serieswatch-go/internal/catalog"
	"github.com/serieswatch/serieswatch-go/internal/conf"
	"github.com/serieswatch/serieswatch-go/internal/datastore"
	"github.com/serieswatch/serieswatch-go/internal/logging"
	"github.com/serieswatch/serieswatch-go/internal/notify"
	"github.com/serieswatch/serieswatch-go/internal/observability"
	"github.com/serieswatch/serieswatch-go/internal/tracker"
)

// Command creates the probe command. It runs a single change probe
// synchronously, bypassing the job queue, and prints the result.
func Command(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "probe <asin>",
		Short: "Probe one series for changes and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProbe(cmd.Context(), settings, args[0])
		},
	}
}

func runProbe(ctx context.Context, settings *conf.Settings, asin string) error {
	logger := logging.ForService("probe")

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

	client, err := catalog.NewClient(&settings.Catalog)
	if err != nil {
		return fmt.Errorf("failed to create catalog client: %w", err)
	}

	tr := tracker.New(settings, store, client,
		notify.NewShoutrrrSender(settings.Notify.SendTimeout),
		observability.NewMetrics())

	result, err := tr.ProbeOnce(ctx, asin)
	if err != nil {
		return fmt.Errorf("probe of %s failed: %w", asin, err)
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	fmt.Fprintln(os.Stdout, string(out))
	return nil
}
