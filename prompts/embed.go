// Package prompts bundles the default LLM prompts. Files in the configured
// prompts directory take precedence over these.
package prompts

import "embed"

// FS contains every *.txt prompt in this directory.
//
//go:embed *.txt
var FS embed.FS
