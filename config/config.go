// Package config holds the default configuration files, compiled into the binaries.
package config

import _ "embed"

//go:embed spearmint/config.yaml
var Spearmint []byte
