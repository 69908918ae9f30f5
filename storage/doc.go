// Package storage persists vault, recovery and group records and replicates
// exported vault backups to content-addressed backends.
//
// # Record stores
//
// MemoryStore and PostgresStore implement interfaces.VaultStore,
// interfaces.RecoveryStore and interfaces.GroupStore. Records are replaced
// whole; status changes on recovery and unlock requests are conditional on the
// expected prior status, so two processes racing on one request cannot both
// win. PostgresStore creates its schema with Migrate from the embedded
// migrations directory.
//
// # Backup backends
//
// Exported vault blobs are stored by content id (the SHA-256 of the blob) in
// one or more backends, selected by URI:
//
//	[scheme]://[auth@]host[:port][/path][?params]
//
// Supported URI schemes:
//
//   - file:///var/lib/vault-backups
//   - s3://[ACCESS_KEY:SECRET_KEY@]bucket/prefix?region=us-east-1&endpoint=minio:9000
//   - ipfs://ipfs.example.com:5001/?timeout=30s
//   - vault://vault.example.com:8200/secret/vault-backups?token=...
//
// The vault scheme stores blobs in a HashiCorp Vault KV v2 mount under
// {mount}/data/{path}/{type}/{content_id}.
//
// Backups are already sealed under the user's password-derived key, so no
// backend ever sees vault plaintext.
//
// # Multi-Backend Example
//
//	locations, _ := storage.ParseLocations([]string{
//	    "file:///var/lib/vault-backups",
//	    "s3://vault-backups/prod?region=eu-west-1",
//	})
//	backend, err := storage.NewStorageBackendFactory(logger).CreateMultiBackend(locations)
//
// Store writes to every available backend and succeeds if any write does;
// Fetch returns the first copy whose hash matches the requested id.
package storage
