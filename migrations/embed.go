// Package migrations holds the SQL schema migrations applied by cmd/migrate.
package migrations

import "embed"

// FS contains every *.sql migration file in this directory.
//
//go:embed *.sql
var FS embed.FS
