package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	"github.com/nestwatch/nestwatch/pkg/config"
	"github.com/nestwatch/nestwatch/pkg/log"
	"github.com/nestwatch/nestwatch/pkg/worker"
)

var (
	workerRegistrationURL string
	workerOwnerEmail      string
	workerRegion          string
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a probe worker agent",
	Long: `Run a worker ant: enroll with the platform, wait for approval, then
consume the assigned command queue, execute probes, publish results,
and send signed heartbeats.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		agent, err := worker.NewAgent(worker.DefaultAgentConfig(
			cfg, workerRegistrationURL, workerOwnerEmail, workerRegion, Version,
		), clockwork.NewRealClock())
		if err != nil {
			return err
		}
		return agent.Run(ctx)
	},
}

func init() {
	workerCmd.Flags().StringVar(&workerRegistrationURL, "registration-url", "http://localhost:8090", "registration API base URL")
	workerCmd.Flags().StringVar(&workerOwnerEmail, "owner-email", "", "email of the worker's owner (required)")
	workerCmd.Flags().StringVar(&workerRegion, "region", "auto", "region this worker probes from")
	_ = workerCmd.MarkFlagRequired("owner-email")
}
