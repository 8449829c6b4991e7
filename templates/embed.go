// Package templates embeds the default configuration and instruction files
// written by `shogun setup`.
package templates

import "embed"

//go:embed config.yaml dashboard.md shogun.md instructions
var FS embed.FS
