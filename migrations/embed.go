// Package migrations embeds the SQL schema files applied by
// "referral-server migrate up".
package migrations

import "embed"

//go:embed *.sql
var Files embed.FS
