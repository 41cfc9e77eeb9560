// Package dbmigrations exposes embedded SQL migrations for fleetbus binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into fleetbus binaries.
//
//go:embed *.sql
var Files embed.FS
