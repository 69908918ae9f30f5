// Package main (cmd/vaultserver) runs the vault API server.
//
// Configuration comes from an optional YAML file (--config), a .env file in the
// working directory and finally command line flags or their environment
// variables. Outside --dev mode a keyring and a PostgreSQL database are
// required:
//
//	VAULT_KEYRING=k1:<64 hex chars> DATABASE_URL=postgres://... vaultserver --config=vault.yaml
//
// At startup the server migrates the database, restores group vaults that were
// unlocked before a restart, and begins the periodic expiry sweeps.
package main
