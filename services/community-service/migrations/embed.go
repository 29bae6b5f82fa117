// Package migrations embeds the community-service schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
