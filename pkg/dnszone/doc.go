/*
Package dnszone maintains the authoritative zone file for tenant names.

Records are A records pointing team, app and sandbox FQDNs at the host
address; add and remove are idempotent on the (name, address) pair. In
production mode WaitPropagation polls an external resolver until the
record is visible; development settles for a short pause, since the
local resolver serves the zone file directly.
*/
package dnszone
