package bridge

import "time"

// Status represents the connection status of one tool server.
type Status string

const (
	// StatusUnreached means no connection attempt has been made yet.
	StatusUnreached Status = "unreached"

	// StatusConnecting means a handshake is in progress.
	StatusConnecting Status = "connecting"

	// StatusReady means the server is connected and its tools discovered.
	StatusReady Status = "ready"

	// StatusFailed means the handshake failed or timed out.
	StatusFailed Status = "failed"
)

// State is a point-in-time snapshot of one server connection.
type State struct {
	// Name is the unique identifier for this tool server.
	Name string

	// Status is the current connection status.
	Status Status

	// LastError is the last error encountered, if any.
	LastError error

	// LastAttempt is the timestamp of the last connection attempt.
	LastAttempt time.Time

	// ToolCount is the number of tools the server contributed. Zero
	// unless Status is StatusReady.
	ToolCount int
}
