// Package dbmigrations exposes the embedded journal schema migrations.
package dbmigrations

import "embed"

// Files holds the SQL migrations compiled into the trader and migrate binaries.
//
//go:embed *.sql
var Files embed.FS
