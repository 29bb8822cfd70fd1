// Package migrations holds the Postgres schema as numbered SQL files.
package migrations

import "embed"

// FS contains every {version}_{name}.up.sql / .down.sql file.
//
//go:embed *.sql
var FS embed.FS
