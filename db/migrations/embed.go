// Package dbmigrations exposes embedded SQL migrations for trade store binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into trade store binaries.
//
//go:embed *.sql
var Files embed.FS
