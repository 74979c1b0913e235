/*
Package types defines the entities shared across the control plane:
users, workspaces, app templates, sandboxes, teams, memberships, API
tokens and invitations, plus the task envelope, typed task payloads and
the event shapes published over the broker.

Workspaces are kanban-only or app-backed; the app_* fields are all-null
or all-set outside of provisioning transitions. Sandboxes are named
externally by their full slug, "{workspace}-{sandbox}". Slug validation
enforces DNS-label rules (3-63 chars, lowercase alphanumerics and
interior hyphens).
*/
package types
