// Package dbmigrations exposes the copier schema migrations embedded into binaries.
package dbmigrations

import "embed"

// Files holds the *.up.sql / *.down.sql pairs applied by golang-migrate.
//
//go:embed *.sql
var Files embed.FS
