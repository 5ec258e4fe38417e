package main

import (
	"context"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	"github.com/nestwatch/nestwatch/pkg/bus"
	"github.com/nestwatch/nestwatch/pkg/config"
	"github.com/nestwatch/nestwatch/pkg/log"
	"github.com/nestwatch/nestwatch/pkg/metrics"
	"github.com/nestwatch/nestwatch/pkg/registry"
	"github.com/nestwatch/nestwatch/pkg/storage"
)

var registrationCmd = &cobra.Command{
	Use:   "registration-api",
	Short: "Run the worker registration API",
	Long: `Run the enrollment service: worker registration with per-IP rate
limiting, approval that provisions scoped broker accounts, and
revocation.`,
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

		adminUser, adminPass := brokerAdminCredentials(cfg.RabbitMQ.URL)
		broker := registry.NewManagementClient(cfg.RabbitMQ.ManagementURL, adminUser, adminPass)

		var vault registry.CredentialVault
		if cfg.Vault.Addr != "" {
			vault, err = registry.NewVaultCredentials(cfg.Vault.Addr, cfg.Vault.Token)
			if err != nil {
				return err
			}
		}

		reg := registry.New(store, broker, b, vault, cfg, metrics.New(), clockwork.NewRealClock())

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		srv := &http.Server{Addr: cfg.Registration.Listen, Handler: reg.Router()}
		go func() {
			<-ctx.Done()
			_ = srv.Close()
		}()

		logger.Info().
			Str("version", Version).
			Str("listen", cfg.Registration.Listen).
			Msg("registration api started")
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	},
}

// brokerAdminCredentials pulls the admin user from the AMQP URL so the
// management API reuses the same account
func brokerAdminCredentials(amqpURL string) (string, string) {
	u, err := url.Parse(amqpURL)
	if err != nil || u.User == nil {
		return "guest", "guest"
	}
	pass, _ := u.User.Password()
	return u.User.Username(), pass
}
