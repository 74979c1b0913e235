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
	"github.com/corralhq/corral/pkg/dbclone"
	"github.com/corralhq/corral/pkg/dnszone"
	"github.com/corralhq/corral/pkg/identity"
	"github.com/corralhq/corral/pkg/orchestrator"
	"github.com/corralhq/corral/pkg/repohost"
	"github.com/corralhq/corral/pkg/runtime"
	"github.com/corralhq/corral/pkg/security"
	"github.com/corralhq/corral/pkg/storage"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a provisioning worker consuming the task queues",
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

		rt, err := runtime.NewContainerdRuntime(cfg.ContainerdSocket, cfg.DataDir+"/logs/containers")
		if err != nil {
			return fmt.Errorf("failed to connect container runtime: %w", err)
		}
		defer rt.Close()

		certs, _, err := buildCertIssuer(cfg)
		if err != nil {
			return err
		}

		cipher, err := security.NewCipherFromPassword(cfg.SecretKey)
		if err != nil {
			return fmt.Errorf("failed to build cipher: %w", err)
		}

		roles, err := agent.LoadRegistry(cfg.AgentRolesFile)
		if err != nil {
			return fmt.Errorf("failed to load agent roles: %w", err)
		}

		driver, err := buildAgentDriver(cfg)
		if err != nil {
			return err
		}

		o := orchestrator.New(cfg, orchestrator.Deps{
			Store:   store,
			Broker:  b,
			Runtime: rt,
			DNS:     dnszone.New(cfg.ZoneFile, cfg.Mode == config.ModeProduction),
			Certs:   certs,
			DB:      dbclone.New(rt, cfg.AppDBContainer),
			IdP: identity.NewHTTPClient(identity.Config{
				BaseURL:      cfg.IdPBaseURL,
				TokenURL:     cfg.IdPTokenURL,
				Authority:    cfg.IdPAuthority,
				TenantID:     cfg.IdPTenant,
				ClientID:     cfg.IdPClientID,
				ClientSecret: cfg.IdPClientSecret,
				Timeout:      cfg.HTTPTimeout,
			}),
			Repo:   repohost.NewHTTPClient(cfg.RepoHostURL, cfg.RepoHostToken, cfg.HTTPTimeout),
			Cipher: cipher,
			Roles:  roles,
			Driver: driver,
		})

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		if err := o.Run(ctx); err != nil && err != context.Canceled {
			return err
		}
		return nil
	},
}

// buildAgentDriver selects the subprocess driver variant.
func buildAgentDriver(cfg *config.Config) (agent.Driver, error) {
	switch cfg.AgentDriver {
	case "local":
		return agent.NewLocalCLIDriver(cfg.AgentCommand), nil
	case "ssh":
		if cfg.AgentSSHHost == "" {
			return nil, fmt.Errorf("CORRAL_AGENT_SSH_HOST is required for the ssh driver")
		}
		return agent.NewSSHCLIDriver(cfg.AgentSSHHost, cfg.AgentCommand), nil
	case "http":
		if cfg.AgentEndpoint == "" {
			return nil, fmt.Errorf("CORRAL_AGENT_ENDPOINT is required for the http driver")
		}
		return agent.NewHTTPDriver(cfg.AgentEndpoint, cfg.AgentEndpointKey), nil
	default:
		return nil, fmt.Errorf("unknown agent driver %q", cfg.AgentDriver)
	}
}
