/*
Package log wraps zerolog with a process-global logger and context
helpers.

Init configures level and output once at startup. Components derive
scoped loggers via WithComponent, WithTaskID, WithWorkspace and WithTeam
so every line carries its correlation fields. Package-level Info/Debug/
Warn/Error helpers cover the common case of a one-off message.
*/
package log
