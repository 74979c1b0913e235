package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Mode selects development or production behavior for the TLS and DNS
// adapters.
type Mode string

const (
	ModeDevelopment Mode = "development"
	ModeProduction  Mode = "production"
)

// defaultReservedSlugs mirrors the platform blocklist; override with
// CORRAL_RESERVED_SLUGS.
var defaultReservedSlugs = []string{
	"app", "api", "www", "mail", "admin", "portal", "static", "assets", "sandbox",
}

// Config is the process configuration, read from environment variables.
type Config struct {
	Mode    Mode
	Domain  string // base domain, e.g. "corral.dev"
	HostIP  string // address written into DNS A records
	DataDir string // root for tenant layouts, zone file, certs
	Network string // shared container network name

	ListenAddr   string
	RedisURL     string
	PortalSecret string // HS256 secret for portal session JWTs
	SecretKey    string // AES key material for encrypting stored secrets

	LogLevel string
	LogJSON  bool

	ContainerdSocket string

	ReservedSlugs []string

	ZoneFile string // defaults to {DataDir}/zone/corral.zone

	// Identity provider (client-credentials flow).
	IdPTenant       string
	IdPClientID     string
	IdPClientSecret string
	IdPAuthority    string
	IdPBaseURL      string
	IdPTokenURL     string

	// Repository hosting.
	RepoHostURL   string
	RepoHostOrg   string
	RepoHostToken string

	// Email: primary provider with fallback.
	EmailFrom        string
	EmailPrimaryURL  string
	EmailPrimaryKey  string
	EmailFallbackURL string
	EmailFallbackKey string

	// Database containers used by the cloner.
	AppDBContainer string

	// Tenant container images. Workspace app images are tagged per slug
	// under ImageRegistry.
	TeamAPIImage  string
	TeamWebImage  string
	ImageRegistry string

	// Agent dispatch. AgentDriver selects local, ssh or http.
	AgentDriver          string
	AgentCommand         string
	AgentSSHHost         string
	AgentEndpoint        string
	AgentEndpointKey     string
	AgentImage           string
	AgentRolesFile       string // YAML role definitions; empty = built-in defaults
	AgentCredentialsPath string // host credentials mounted read-only when present
	HostProjectPath      string // host path mounted into agent containers
	LLMProvider          string
	LLMModel             string

	ACMEEmail string

	// HTTP client timeout applied to outbound adapter calls.
	HTTPTimeout time.Duration
}

// Load reads configuration from the environment, applying defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Mode:            Mode(envOr("CORRAL_MODE", string(ModeDevelopment))),
		Domain:          envOr("CORRAL_DOMAIN", "corral.local"),
		HostIP:          envOr("CORRAL_HOST_IP", "127.0.0.1"),
		DataDir:         envOr("CORRAL_DATA_DIR", "/data"),
		Network:         envOr("CORRAL_NETWORK", "corral-internal"),
		ListenAddr:      envOr("CORRAL_LISTEN_ADDR", ":8080"),
		RedisURL:        envOr("CORRAL_REDIS_URL", "redis://localhost:6379/0"),
		PortalSecret:    os.Getenv("CORRAL_PORTAL_SECRET"),
		SecretKey:       os.Getenv("CORRAL_SECRET_KEY"),
		LogLevel:        envOr("CORRAL_LOG_LEVEL", "info"),
		LogJSON:         os.Getenv("CORRAL_LOG_JSON") == "true",
		ContainerdSocket: os.Getenv("CORRAL_CONTAINERD_SOCKET"),
		ZoneFile:        os.Getenv("CORRAL_ZONE_FILE"),
		IdPTenant:       os.Getenv("CORRAL_IDP_TENANT"),
		IdPClientID:     os.Getenv("CORRAL_IDP_CLIENT_ID"),
		IdPClientSecret: os.Getenv("CORRAL_IDP_CLIENT_SECRET"),
		IdPAuthority:    os.Getenv("CORRAL_IDP_AUTHORITY"),
		IdPBaseURL:      envOr("CORRAL_IDP_BASE_URL", "https://graph.microsoft.com/v1.0"),
		IdPTokenURL:     os.Getenv("CORRAL_IDP_TOKEN_URL"),
		RepoHostURL:     envOr("CORRAL_REPO_URL", "https://api.github.com"),
		RepoHostOrg:     os.Getenv("CORRAL_REPO_ORG"),
		RepoHostToken:   os.Getenv("CORRAL_REPO_TOKEN"),
		EmailFrom:       envOr("CORRAL_EMAIL_FROM", "noreply@corral.local"),
		EmailPrimaryURL: os.Getenv("CORRAL_EMAIL_PRIMARY_URL"),
		EmailPrimaryKey: os.Getenv("CORRAL_EMAIL_PRIMARY_KEY"),
		EmailFallbackURL: os.Getenv("CORRAL_EMAIL_FALLBACK_URL"),
		EmailFallbackKey: os.Getenv("CORRAL_EMAIL_FALLBACK_KEY"),
		AgentDriver:     envOr("CORRAL_AGENT_DRIVER", "local"),
		AgentCommand:    envOr("CORRAL_AGENT_COMMAND", "llm-agent"),
		AgentSSHHost:    os.Getenv("CORRAL_AGENT_SSH_HOST"),
		AgentEndpoint:   os.Getenv("CORRAL_AGENT_ENDPOINT"),
		AgentEndpointKey: os.Getenv("CORRAL_AGENT_ENDPOINT_KEY"),
		AppDBContainer:  envOr("CORRAL_APP_DB_CONTAINER", "corral-postgres"),
		TeamAPIImage:    envOr("CORRAL_TEAM_API_IMAGE", "corral/kanban-api:latest"),
		TeamWebImage:    envOr("CORRAL_TEAM_WEB_IMAGE", "corral/kanban-web:latest"),
		ImageRegistry:   envOr("CORRAL_IMAGE_REGISTRY", "registry.corral.local"),
		AgentImage:      envOr("CORRAL_AGENT_IMAGE", "corral/agent:latest"),
		AgentRolesFile:  os.Getenv("CORRAL_AGENT_ROLES_FILE"),
		AgentCredentialsPath: os.Getenv("CORRAL_AGENT_CREDENTIALS"),
		HostProjectPath: os.Getenv("CORRAL_HOST_PROJECT_PATH"),
		LLMProvider:     envOr("CORRAL_LLM_PROVIDER", "local"),
		LLMModel:        os.Getenv("CORRAL_LLM_MODEL"),
		ACMEEmail:       os.Getenv("CORRAL_ACME_EMAIL"),
		HTTPTimeout:     30 * time.Second,
	}

	if cfg.Mode != ModeDevelopment && cfg.Mode != ModeProduction {
		return nil, fmt.Errorf("invalid CORRAL_MODE %q", cfg.Mode)
	}

	if raw := os.Getenv("CORRAL_RESERVED_SLUGS"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				cfg.ReservedSlugs = append(cfg.ReservedSlugs, strings.ToLower(s))
			}
		}
	} else {
		cfg.ReservedSlugs = append(cfg.ReservedSlugs, defaultReservedSlugs...)
	}

	if cfg.ZoneFile == "" {
		cfg.ZoneFile = cfg.DataDir + "/zone/corral.zone"
	}

	if cfg.IdPAuthority == "" && cfg.IdPTenant != "" {
		cfg.IdPAuthority = "https://login.microsoftonline.com/" + cfg.IdPTenant
	}
	if cfg.IdPTokenURL == "" && cfg.IdPAuthority != "" {
		cfg.IdPTokenURL = cfg.IdPAuthority + "/oauth2/v2.0/token"
	}

	return cfg, nil
}

// SlugReserved reports whether slug is on the reserved blocklist.
func (c *Config) SlugReserved(slug string) bool {
	for _, r := range c.ReservedSlugs {
		if r == strings.ToLower(slug) {
			return true
		}
	}
	return false
}

// TeamDir returns the on-disk layout root for a tenant.
func (c *Config) TeamDir(slug string) string {
	return c.DataDir + "/teams/" + slug
}

// TeamFQDN returns the tenant's public name, "{slug}.{domain}".
func (c *Config) TeamFQDN(slug string) string {
	return slug + "." + c.Domain
}

// AppFQDN returns the workspace app name, "{slug}.app.{domain}".
func (c *Config) AppFQDN(slug string) string {
	return slug + ".app." + c.Domain
}

// SandboxFQDN returns the sandbox name, "{full_slug}.sandbox.{domain}".
func (c *Config) SandboxFQDN(fullSlug string) string {
	return fullSlug + ".sandbox." + c.Domain
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
