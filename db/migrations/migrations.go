// Package migrations embeds the schema migration files so a deployed binary
// needs no migrations directory on disk.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
