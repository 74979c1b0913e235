/*
Package storage provides BoltDB-backed state persistence for the control
plane's tenant data.

The package implements the Store interface using bbolt, giving the control
plane ACID transactions with zero external dependencies. All entities are
serialized as JSON into per-entity buckets:

	users          keyed by user id
	workspaces     keyed by workspace id, unique on slug
	app_templates  keyed by template id, unique on slug
	sandboxes      keyed by sandbox id, unique on full slug
	teams          keyed by team id, unique on slug
	memberships    keyed by "{teamID}/{userID}"
	api_tokens     keyed by token id, looked up by SHA-256 hash
	invitations    keyed by invitation id

# Conventions

Callers assign entity ids (uuid); the store stamps CreatedAt/UpdatedAt.
Uniqueness violations return ErrConflict and missing rows return
ErrNotFound, both wrapped so callers test with errors.Is. Bolt serializes
writers, which satisfies the single-exclusive-writer assumption: the
gateway and the worker share one database file through one process each,
never two writers at once.

# Cascades

Deleting a team removes its memberships. Deleting a user revokes the API
tokens they created. Removing the last owner of a team is refused with
ErrConflict.
*/
package storage
