// Package migrations embeds the Postgres schema of the market store.
package migrations

import "embed"

// FS holds sql/NNNN_name.up.sql and matching .down.sql files.
//
//go:embed sql/*.sql
var FS embed.FS
