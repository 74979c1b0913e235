// Package gateway is the public HTTP surface: portal REST API, tenant
// reverse proxy with on-demand resume, and the tenant webhook that feeds
// the agent dispatch pipeline.
package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/corralhq/corral/pkg/agent"
	"github.com/corralhq/corral/pkg/broker"
	"github.com/corralhq/corral/pkg/config"
	"github.com/corralhq/corral/pkg/log"
	"github.com/corralhq/corral/pkg/mailer"
	"github.com/corralhq/corral/pkg/metrics"
	"github.com/corralhq/corral/pkg/security"
	"github.com/corralhq/corral/pkg/storage"
)

// Deps bundles what the gateway needs from the rest of the control plane.
type Deps struct {
	Store  storage.Store
	Broker broker.Broker
	Roles  *agent.Registry
	Mailer *mailer.Mailer

	// ACME serves HTTP-01 challenges during certificate issuance;
	// nil in development.
	ACME *security.HTTP01Provider
}

// Gateway serves the portal API and tenant traffic.
type Gateway struct {
	cfg *config.Config
	Deps

	proxy   *tenantProxy
	limiter *ipLimiter

	// Auto-start polling cadence; shortened in tests.
	autoStartPoll time.Duration
	autoStartWait time.Duration

	// backendAddr derives the tenant backend address from a slug;
	// swapped in tests.
	backendAddr func(slug string) string
}

// New creates a gateway.
func New(cfg *config.Config, deps Deps) *Gateway {
	return &Gateway{
		cfg:           cfg,
		Deps:          deps,
		proxy:         newTenantProxy(cfg.HTTPTimeout),
		limiter:       newIPLimiter(defaultRateLimit, defaultRateBurst),
		autoStartPoll: autoStartPoll,
		autoStartWait: autoStartDeadline,
		backendAddr: func(slug string) string {
			return "kanban-team-" + slug + "-api-1:8000"
		},
	}
}

// Router builds the full route tree.
func (g *Gateway) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*." + g.cfg.Domain, "https://" + g.cfg.Domain},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Webhook-Signature"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", metrics.Handler())

	if g.ACME != nil {
		r.Get("/.well-known/acme-challenge/{token}", g.handleACMEChallenge)
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/login", g.handleLogin)
		r.Get("/auth/callback", g.handleCallback)
		r.Post("/auth/exchange", g.handleExchange)
		r.Post("/webhook", g.handleWebhook)

		r.Group(func(r chi.Router) {
			r.Use(g.authenticate)

			r.With(requireJWT).Get("/users/me", g.handleGetMe)
			r.With(requireJWT).Put("/users/me", g.handleUpdateMe)

			r.With(g.requireScope("workspaces:read")).Get("/workspaces", g.handleListWorkspaces)
			r.With(g.requireScope("workspaces:write")).Post("/workspaces", g.handleCreateWorkspace)
			r.With(g.requireScope("workspaces:read")).Get("/workspaces/{slug}", g.handleGetWorkspace)
			r.With(g.requireScope("workspaces:write")).Delete("/workspaces/{slug}", g.handleDeleteWorkspace)
			r.With(g.requireScope("workspaces:read")).Get("/workspaces/{slug}/status", g.handleWorkspaceStatus)
			r.With(g.requireScope("workspaces:write")).Post("/workspaces/{slug}/restart", g.handleRestartWorkspace)

			r.With(g.requireScope("sandboxes:read")).Get("/workspaces/{slug}/sandboxes", g.handleListSandboxes)
			r.With(g.requireScope("sandboxes:write")).Post("/workspaces/{slug}/sandboxes", g.handleCreateSandbox)
			r.With(g.requireScope("sandboxes:read")).Get("/workspaces/{slug}/sandboxes/{sandbox}", g.handleGetSandbox)
			r.With(g.requireScope("sandboxes:write")).Delete("/workspaces/{slug}/sandboxes/{sandbox}", g.handleDeleteSandbox)

			r.With(g.requireScope("teams:read")).Get("/teams", g.handleListTeams)
			r.With(g.requireScope("teams:write")).Post("/teams", g.handleCreateTeam)
			r.With(g.requireScope("teams:read")).Get("/teams/{slug}", g.handleGetTeam)
			r.With(g.requireScope("teams:read")).Get("/teams/{slug}/members", g.handleListMembers)
			r.With(g.requireScope("teams:write")).Post("/teams/{slug}/members", g.handleInviteMember)
			r.With(g.requireScope("teams:write")).Delete("/teams/{slug}/members/{userID}", g.handleRemoveMember)
			r.With(requireJWT).Post("/teams/{slug}/restart", g.handleRestartTeam)

			r.With(requireJWT).Get("/portal/tokens", g.handleListTokens)
			r.With(requireJWT).Post("/portal/tokens", g.handleCreateToken)
			r.With(requireJWT).Delete("/portal/tokens/{id}", g.handleDeleteToken)

			r.With(requireJWT).Get("/tasks/{id}", g.handleGetTask)
			r.With(requireJWT).Post("/tasks/{id}/cancel", g.handleCancelTask)
			r.With(requireJWT).Post("/tasks/{id}/retry", g.handleRetryTask)
			r.With(requireJWT).Get("/tasks/ws", g.handleTaskStream)
		})
	})

	// Everything else is tenant traffic: {slug}.{domain} routed by Host.
	r.With(g.authenticate).NotFound(g.handleTenantRequest)

	return r
}

// Run serves until the context is cancelled, then drains. The status
// listener runs for the server's lifetime.
func (g *Gateway) Run(ctx context.Context) error {
	go g.runStatusListener(ctx)

	srv := &http.Server{
		Addr:              g.cfg.ListenAddr,
		Handler:           g.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info("Gateway listening on " + g.cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		log.Info("Gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (g *Gateway) handleACMEChallenge(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	keyAuth, ok := g.ACME.GetKeyAuth(r.Host, token)
	if !ok {
		writeDetail(w, http.StatusNotFound, "unknown challenge")
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte(keyAuth))
}
