/*
Package runtime drives containerd for tenant containers: kanban api/web
pairs, workspace app containers, database exec sessions and agent
containers.

The Runtime interface covers create/start/stop/remove, status inspection
and in-container exec. Operations are idempotent: creating an existing
container or removing an absent one is not an error, which lets
provisioning pipelines re-run safely after a crash.
*/
package runtime
