package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	"github.com/nestwatch/nestwatch/pkg/bus"
	"github.com/nestwatch/nestwatch/pkg/config"
	"github.com/nestwatch/nestwatch/pkg/log"
	"github.com/nestwatch/nestwatch/pkg/metrics"
	"github.com/nestwatch/nestwatch/pkg/pipeline"
	"github.com/nestwatch/nestwatch/pkg/scheduler"
	"github.com/nestwatch/nestwatch/pkg/storage"
)

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Run the scheduler, heartbeat listener, and result pipeline",
	Long: `Run the central monitoring process: the tick loop dispatching probe
commands, the heartbeat listener with anti-fraud verification, the
janitor, and the result pipeline feeding status, incidents, rollups,
and live updates.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})
		logger := log.WithComponent("main")

		store := storage.NewRedisStore(cfg.Redis)
		defer store.Close()

		b, err := bus.Connect(cfg.RabbitMQ.URL)
		if err != nil {
			return err
		}
		defer b.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		m := metrics.New()
		clock := clockwork.NewRealClock()

		sched := scheduler.New(store, b, cfg, m, clock)
		if err := sched.LoadState(ctx); err != nil {
			return err
		}
		sched.Start(ctx)
		defer sched.Stop()

		// Scheduling commands from external producers: monitor_service
		// and stop_monitoring on the worker_commands exchange
		go func() {
			if err := sched.RunControl(ctx, b); err != nil {
				logger.Error().Err(err).Msg("control consumer stopped")
			}
		}()

		pipe := pipeline.New(store, sched, m, clock)
		go func() {
			if err := pipe.Run(ctx, b); err != nil {
				logger.Error().Err(err).Msg("result pipeline stopped")
			}
		}()

		// Heartbeats arrive on the fanout exchange; each scheduler
		// process gets its own broker-named queue
		go func() {
			err := b.Consume(ctx, bus.ConsumeSpec{
				Exchange: bus.ExchangeWorkerHeartbeat,
			}, func(body []byte) error {
				return sched.HandleHeartbeat(ctx, body)
			})
			if err != nil {
				logger.Error().Err(err).Msg("heartbeat consumer stopped")
			}
		}()

		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		mux.Handle("/", pipe.Router())
		srv := &http.Server{Addr: cfg.Metrics.Listen, Handler: mux}
		go func() {
			<-ctx.Done()
			_ = srv.Close()
		}()

		logger.Info().
			Str("version", Version).
			Str("listen", cfg.Metrics.Listen).
			Msg("scheduler process started")
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	},
}
