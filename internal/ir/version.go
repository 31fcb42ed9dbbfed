package ir

// Version constants for the persisted layout and the engine.
const (
	// SchemaVersion is the version of the persisted audit layout consumed by
	// operational tooling.
	SchemaVersion = "1"

	// EngineVersion is the provsync engine version.
	EngineVersion = "0.1.0"
)
