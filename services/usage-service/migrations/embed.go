// Package migrations embeds the usage-service schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
