package embedded

import (
	_ "embed"
)

//go:embed canboot.yaml
var defaultConfig []byte

// DefaultConfig returns the embedded default configuration file.
func DefaultConfig() []byte {
	return defaultConfig
}
