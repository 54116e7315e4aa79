package migrations

import "embed"

// FS contains embedded SQLite migrations for chat room storage.
//
//go:embed *.sql
var FS embed.FS
