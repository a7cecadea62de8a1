// Package migrations embeds the SQL that defines the reporting schema.
package migrations

import "embed"

// FS holds the golang-migrate style up/down scripts.
//
//go:embed *.sql
var FS embed.FS

const (
	InitUp   = "000001_init.up.sql"
	InitDown = "000001_init.down.sql"
)
