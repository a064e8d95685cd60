// Package migrations embeds the SQL schema applied by cmd/migrator.
package migrations

import "embed"

// FS holds the *.up.sql and *.down.sql files in lexical order of application.
//
//go:embed *.sql
var FS embed.FS
