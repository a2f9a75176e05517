// Package migrations embeds the SQL migration files into the binary.
//
// The orchestrator passes FS to database.DB.Migrate at startup, so the
// SQL files do not need to be present on the filesystem.
package migrations

import "embed"

// FS holds every *.sql file of this directory at its root.
//
//go:embed *.sql
var FS embed.FS
