// Package configs embeds the commented configuration template that
// `knowpipe config init` writes. Keep it in step with config.NewConfig.
package configs

import _ "embed"

// ConfigTemplate is written to the user config path or to .knowpipe.yaml.
// It lists every key with its default value.
//
//go:embed config.example.yaml
var ConfigTemplate string
