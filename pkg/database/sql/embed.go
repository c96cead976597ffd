// Package sql embeds the schema files ApplySchema runs at boot.
package sql

import (
	"embed"
)

//go:embed schema/*.sql
var Content embed.FS
