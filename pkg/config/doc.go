/*
Package config reads process configuration from CORRAL_-prefixed
environment variables, applies defaults, and derives paths and FQDNs.

Mode is development or production; it selects self-signed versus ACME
certificates and whether zone-file writes are live. The reserved slug
blocklist defaults to the platform names (app, api, www, ...) and is
overridable with CORRAL_RESERVED_SLUGS.
*/
package config
