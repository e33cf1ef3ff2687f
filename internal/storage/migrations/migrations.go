// Package migrations embeds the SQL migration files applied by internal/storage via goose.
package migrations

import "embed"

// FS holds the embedded numbered migration files, served to goose as its migration source.
//
//go:embed *.sql
var FS embed.FS
