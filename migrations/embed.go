// Package migrations holds the forward-only schema applied by "kairos migrate"
// and at startup.
package migrations

import "embed"

// FS contains every NNN_name.sql file, applied in lexical order.
//
//go:embed *.sql
var FS embed.FS
