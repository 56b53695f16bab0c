// Package migrations embeds the SQL schema of every supported dialect.
package migrations

import "embed"

// FS holds one directory of numbered *.up.sql files per driver.
//
//go:embed postgres/*.sql sqlite/*.sql
var FS embed.FS
