// Package defaults embeds the files that atrium init writes into a
// fresh data directory. Edit the sources of truth in examples/, then
// run go generate here to refresh the copies.
package defaults

import _ "embed"

//go:generate cp ../../examples/config.example.yaml .
//go:generate cp ../../examples/persona.example.md .

// ConfigYAML seeds <data-dir>/config.yaml.
//
//go:embed config.example.yaml
var ConfigYAML []byte

// PersonaMD seeds <data-dir>/persona.md.
//
//go:embed persona.example.md
var PersonaMD []byte
