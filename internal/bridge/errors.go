package bridge

import "fmt"

// ErrorKind classifies a tool invocation failure.
type ErrorKind string

const (
	// KindUnreachable means the server connection was lost or never ready.
	KindUnreachable ErrorKind = "unreachable"

	// KindTimeout means no response arrived within the per-call deadline.
	KindTimeout ErrorKind = "timeout"

	// KindRejected means the server returned a protocol-level error, for
	// example invalid arguments or permission denied.
	KindRejected ErrorKind = "rejected"

	// KindMalformed means the response did not match the expected shape.
	KindMalformed ErrorKind = "malformed"
)

// ToolError reports one failed tool invocation. Failures are isolated per
// call; a ToolError never implies the bridge or other invocations are broken.
type ToolError struct {
	Kind       ErrorKind
	Capability string
	Message    string
	Err        error
}

func (e *ToolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("tool %q %s: %s: %v", e.Capability, e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("tool %q %s: %s", e.Capability, e.Kind, e.Message)
}

func (e *ToolError) Unwrap() error {
	return e.Err
}
