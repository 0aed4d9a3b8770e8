// Package sym defines canonical glyph markers used in log output.
// Symbols are stable across the CLI, the service and documentation so that
// subsystem activity stays scannable in a terminal.
package sym

// System infrastructure symbols.
const (
	DB       = "⊔" // database/storage layer
	Export   = "⇣" // export pipeline (fetch/parse/serialize)
	Resource = "⬡" // media resource downloads and health checks
	Pulse    = "꩜" // scheduler ticks and scheduled executions
	Bridge   = "⇌" // upstream chat bridge RPC
	WS       = "⟐" // websocket fan-out
)
