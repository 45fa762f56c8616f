package migrations

import "embed"

// FS contains embedded SQLite migrations for series storage.
//
//go:embed *.sql
var FS embed.FS
