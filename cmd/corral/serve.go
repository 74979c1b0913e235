package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/corralhq/corral/pkg/agent"
	"github.com/corralhq/corral/pkg/broker"
	"github.com/corralhq/corral/pkg/config"
	"github.com/corralhq/corral/pkg/gateway"
	"github.com/corralhq/corral/pkg/log"
	"github.com/corralhq/corral/pkg/mailer"
	"github.com/corralhq/corral/pkg/maintenance"
	"github.com/corralhq/corral/pkg/security"
	"github.com/corralhq/corral/pkg/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway: portal API, tenant proxy and webhook",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		applyFlagOverrides(cmd, cfg)
		initLogging(cfg)

		store, err := storage.NewBoltStore(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		defer store.Close()

		b, err := broker.New(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to connect broker: %w", err)
		}
		defer b.Close()

		roles, err := agent.LoadRegistry(cfg.AgentRolesFile)
		if err != nil {
			return fmt.Errorf("failed to load agent roles: %w", err)
		}

		certs, acme, err := buildCertIssuer(cfg)
		if err != nil {
			return err
		}

		jobs, err := maintenance.New(store, certs)
		if err != nil {
			return err
		}
		jobs.Start()
		defer jobs.Stop()

		g := gateway.New(cfg, gateway.Deps{
			Store:  store,
			Broker: b,
			Roles:  roles,
			Mailer: buildMailer(cfg),
			ACME:   acme,
		})

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return g.Run(ctx)
	},
}

func initLogging(cfg *config.Config) {
	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})
}

// buildCertIssuer picks self-signed certificates in development and ACME
// in production. The HTTP-01 provider is non-nil only for ACME.
func buildCertIssuer(cfg *config.Config) (security.CertIssuer, *security.HTTP01Provider, error) {
	certDir := cfg.DataDir + "/certs"
	if cfg.Mode == config.ModeProduction {
		issuer, provider, err := security.NewACMEIssuer(certDir, cfg.ACMEEmail, "")
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize acme: %w", err)
		}
		return issuer, provider, nil
	}
	return security.NewSelfSignedIssuer(certDir), nil, nil
}

// buildMailer wires the configured transports, primary first.
func buildMailer(cfg *config.Config) *mailer.Mailer {
	var transports []mailer.Transport
	if cfg.EmailPrimaryURL != "" {
		transports = append(transports,
			mailer.NewHTTPTransport("primary", cfg.EmailPrimaryURL, cfg.EmailPrimaryKey, cfg.HTTPTimeout))
	}
	if cfg.EmailFallbackURL != "" {
		transports = append(transports,
			mailer.NewHTTPTransport("fallback", cfg.EmailFallbackURL, cfg.EmailFallbackKey, cfg.HTTPTimeout))
	}
	if len(transports) == 0 {
		return nil
	}
	return mailer.New(cfg.EmailFrom, transports...)
}
