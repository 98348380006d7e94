// Package templates embeds the default configuration written by voxrun setup.
package templates

import "embed"

//go:embed config.yaml
var FS embed.FS
