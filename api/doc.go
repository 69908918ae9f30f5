/*
Package api holds the HTTP transport of the threshold vault.

The only subpackage, vaulthandler, maps vault, recovery and group quorum
operations onto chi routes and provides a Go client for the group
administrator endpoints. Server lifecycle (health probes, draining, metrics,
pprof) lives in the httpserver package.

# Authentication

Identity is established upstream: the caller's user id arrives in the
X-User-ID header set by the gateway in front of this service. Vault access
additionally requires either the password or a vault session token
(X-Vault-Session); group vault access requires the group session key
(X-Group-Session-Key).

Every credential failure (wrong password, backup key or recovery phrase,
unknown user) produces the same 401 response so that callers cannot tell
which part was wrong.
*/
package api
