// followupctl runs the follow-up reminder pass by hand.
//
// Usage:
//
//	followupctl [--json] tick
//	followupctl [--json] preview [--at RFC3339] [--clinician ID]
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/wolfman30/clinic-followups/internal/app/bootstrap"
	appconfig "github.com/wolfman30/clinic-followups/internal/config"
	"github.com/wolfman30/clinic-followups/internal/followup"
	"github.com/wolfman30/clinic-followups/pkg/logging"

	_ "time/tzdata"
)

func main() {
	_ = godotenv.Load()

	var jsonOutput bool
	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	build := func(ctx context.Context) (runner, error) {
		cfg := appconfig.Load()
		logger := logging.NewWithFormat(cfg.LogLevel, "text")

		pool, err := bootstrap.BuildDBPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		cleanup = append(cleanup, pool.Close)

		gateway, closeGateway, err := bootstrap.BuildPushGateway(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		cleanup = append(cleanup, closeGateway)

		redisClient := bootstrap.BuildRedisClient(ctx, cfg, logger, true)
		if redisClient != nil {
			cleanup = append(cleanup, func() { _ = redisClient.Close() })
		}

		return bootstrap.BuildScheduler(cfg, bootstrap.SchedulerDeps{
			Store:    followup.NewPostgresStore(pool),
			Gateway:  gateway,
			Lease:    bootstrap.BuildTickLease(redisClient, cfg),
			Registry: prometheus.NewRegistry(),
			Logger:   logger,
		})
	}

	rootCmd := &cobra.Command{
		Use:           "followupctl",
		Short:         "Operate the clinician follow-up reminder pass",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	jsonFn := func() bool { return jsonOutput }
	rootCmd.AddCommand(
		newTickCmd(build, jsonFn),
		newPreviewCmd(build, jsonFn),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
