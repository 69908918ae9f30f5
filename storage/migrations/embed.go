// Package migrations embeds the PostgreSQL schema of the record store.
package migrations

import "embed"

// FS contains the ordered schema migrations.
//
//go:embed *.sql
var FS embed.FS
