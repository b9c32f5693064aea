// Package configs holds configuration templates embedded at build time.
//
// The project template is written by `shardex init` as .shardex.yaml. Its
// values mirror config.NewConfig, so an untouched template changes nothing.
package configs

import _ "embed"

// ProjectConfigTemplate is the commented .shardex.yaml written by `shardex init`.
//
//go:embed project.yaml
var ProjectConfigTemplate string
