// Package vaulthandler exposes the vault, recovery and group quorum services
// over HTTP.
//
// Callers are authenticated upstream; the authenticated user id arrives in the
// X-User-ID header. A vault session token travels in X-Vault-Session and a
// group session key, base64 encoded, in X-Group-Session-Key.
//
// Every wrong password, backup key or recovery phrase yields the same
// 401 {"error":"authentication failed"} response. Structural failures such as
// an expired or already decided request are reported as they are.
package vaulthandler
