// Package migrations embeds the SQL migration files for the reference
// remote store, applied via goose at startup.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
