// Package migrations embeds the goose SQL migration files so a single
// binary can bring any database up to the current schema.
package migrations

import "embed"

// FS contains the embedded SQL migration files.
//
//go:embed *.sql
var FS embed.FS
