// Package migrations embeds the trip-service schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
