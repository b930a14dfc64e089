// Package approval routes tool permission requests from agent
// subprocesses to the orchestrator over a per-session unix socket.
//
// The wire protocol is newline-delimited JSON. Every message carries a
// version field and a request ID; responses are paired to requests by
// ID, never by arrival order. The gateway holds no state across
// restarts: a request in flight when the orchestrator dies is simply
// denied by the client's read error.
package approval

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ProtocolVersion is the current wire protocol version.
const ProtocolVersion = 1

// Message types.
const (
	TypePermissionRequest  = "permission_request"
	TypePermissionResponse = "permission_response"
)

// Behavior values for a Decision.
const (
	BehaviorAllow = "allow"
	BehaviorDeny  = "deny"
)

// Envelope is the single message shape on the socket.
type Envelope struct {
	V         int             `json:"v"`
	Type      string          `json:"type"`
	RequestID string          `json:"requestId"`
	SessionID string          `json:"sessionId,omitempty"`
	ToolName  string          `json:"toolName,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	Response  *Decision       `json:"response,omitempty"`
}

// Decision is the orchestrator's answer to a permission request.
type Decision struct {
	// Behavior is "allow" or "deny".
	Behavior string `json:"behavior"`
	// UpdatedInput optionally replaces the tool's input on allow.
	UpdatedInput json.RawMessage `json:"updatedInput,omitempty"`
	// Message explains a denial to the agent.
	Message string `json:"message,omitempty"`
}

// Deny builds a denial with the given explanation.
func Deny(message string) Decision {
	return Decision{Behavior: BehaviorDeny, Message: message}
}

// Allow builds an approval, optionally with rewritten input.
func Allow(updatedInput json.RawMessage) Decision {
	return Decision{Behavior: BehaviorAllow, UpdatedInput: updatedInput}
}

// SocketPath returns the unix socket path for a session. The session ID
// is abbreviated to 12 characters because unix socket paths cap out
// around 104 bytes.
func SocketPath(sessionID string) string {
	shortID := sessionID
	if len(shortID) > 12 {
		shortID = shortID[:12]
	}
	return filepath.Join(os.TempDir(), "drover-"+shortID+".sock")
}

func validateEnvelope(env *Envelope) error {
	if env.V != ProtocolVersion {
		return fmt.Errorf("unsupported protocol version %d (want %d)", env.V, ProtocolVersion)
	}
	if env.RequestID == "" {
		return fmt.Errorf("missing requestId")
	}
	return nil
}
