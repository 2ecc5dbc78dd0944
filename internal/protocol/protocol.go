package protocol

import "encoding/json"

// Message types for the hub WebSocket protocol.
const (
	// Client → Core
	TypeGenerateBridgeID      = "generate_bridge_id"
	TypeStart                 = "start"
	TypeStop                  = "stop"
	TypeCommand               = "command"
	TypeGetBridgeStatus       = "get_bridge_status"
	TypeGetConnectedSandboxes = "get_connected_sandboxes"

	// Core → Client
	TypeBridgeIDGenerated        = "bridge_id_generated"
	TypeConnectionsUpdate        = "connections_update"
	TypeBridgeStatusUpdate       = "bridge_status_update"
	TypeBridgeValidationUpdate   = "bridge_validation_update"
	TypeBridgeAssignmentsUpdate  = "bridge_assignments_update"
	TypeSandboxUpdated           = "sandbox_updated"
	TypeStdout                   = "stdout"
	TypeStderr                   = "stderr"
	TypeCommandSent              = "command_sent"
	TypeConnectedSandboxesUpdate = "connected_sandboxes_update"
	TypeError                    = "error"

	// Portal / sandbox-bridge-client → Core
	TypeBridgeRegister           = "bridge_register"
	TypeBridgeCapabilitiesReport = "bridge_capabilities_report"
	TypeBridgeResponseFromPortal = "bridge_response_from_portal"

	// Core → Portal / sandbox-bridge-client
	TypeBridgeRegistered = "bridge_registered"
	TypeBridgeResponse   = "bridge_response"
)

// Registration origins carried in bridge_register.
const (
	OriginPortal       = "flutter_bridge_portal"
	OriginBridgeClient = "sandbox_bridge_client"
)

// Forwardable effect types. This set is closed: anything else arriving
// from a sandbox-bridge-client is a protocol error.
const (
	TypeFSRead      = "fs_read"
	TypeFSWrite     = "fs_write"
	TypeFSStat      = "fs_stat"
	TypeFSList      = "fs_list"
	TypeFSMkdir     = "fs_mkdir"
	TypeFSRmdir     = "fs_rmdir"
	TypeFSUnlink    = "fs_unlink"
	TypeHTTPRequest = "http_request"
)

var forwardable = map[string]bool{
	TypeFSRead:      true,
	TypeFSWrite:     true,
	TypeFSStat:      true,
	TypeFSList:      true,
	TypeFSMkdir:     true,
	TypeFSRmdir:     true,
	TypeFSUnlink:    true,
	TypeHTTPRequest: true,
}

// IsForwardable reports whether msgType is an intercepted-call type the
// hub routes to a portal.
func IsForwardable(msgType string) bool {
	return forwardable[msgType]
}

// Envelope wraps every WebSocket message with a type field for routing.
type Envelope struct {
	Type string `json:"type"`
}

// GenerateBridgeID asks the hub to mint a portal admission token.
type GenerateBridgeID struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
}

// BridgeIDGenerated returns a freshly minted admission token.
// ExpiresAt is Unix milliseconds.
type BridgeIDGenerated struct {
	Type      string `json:"type"`
	BridgeID  string `json:"bridgeId"`
	ExpiresAt int64  `json:"expiresAt"`
	RequestID string `json:"requestId"`
}

// StartConfig carries the sandbox launch parameters inside start.
type StartConfig struct {
	ScriptPath            string            `json:"scriptPath"`
	Env                   map[string]string `json:"env,omitempty"`
	TargetFlutterBridgeID string            `json:"targetFlutterBridgeId,omitempty"`
}

// Start launches a sandbox for a script.
type Start struct {
	Type      string      `json:"type"`
	Config    StartConfig `json:"config"`
	SandboxID string      `json:"sandboxId"`
}

// Stop tears down a sandbox and its process tree.
type Stop struct {
	Type      string `json:"type"`
	SandboxID string `json:"sandboxId"`
}

// Command carries a JSON-RPC 2.0 request for a sandbox child. The command
// is either a JSON object or a string containing one.
type Command struct {
	Type      string          `json:"type"`
	SandboxID string          `json:"sandboxId"`
	Command   json.RawMessage `json:"command"`
}

// GetBridgeStatus requests a bridge_status_update snapshot.
type GetBridgeStatus struct {
	Type string `json:"type"`
}

// GetConnectedSandboxes requests the sandboxes assigned to one portal.
type GetConnectedSandboxes struct {
	Type     string `json:"type"`
	BridgeID string `json:"bridgeId"`
}

// BridgeRegister classifies an unclassified connection. Portals send
// origin "flutter_bridge_portal" with a consumable bridgeId; sandbox
// bridge clients send origin "sandbox_bridge_client" with their routing
// tuple.
type BridgeRegister struct {
	Type             string          `json:"type"`
	Origin           string          `json:"origin"`
	BridgeID         string          `json:"bridgeId"`
	Platform         string          `json:"platform,omitempty"`
	Capabilities     json.RawMessage `json:"capabilities,omitempty"`
	SandboxSessionID string          `json:"sandboxSessionId,omitempty"`
	ActualSandboxID  string          `json:"actualSandboxId,omitempty"`
	InstanceID       string          `json:"instanceId,omitempty"`
}

// BridgeRegistered acknowledges a successful registration.
type BridgeRegistered struct {
	Type       string `json:"type"`
	BridgeID   string `json:"bridgeId"`
	InstanceID string `json:"instanceId,omitempty"`
}

// BridgeCapabilitiesReport updates the capability set stored on a portal.
type BridgeCapabilitiesReport struct {
	Type         string          `json:"type"`
	BridgeID     string          `json:"bridgeId"`
	Capabilities json.RawMessage `json:"capabilities"`
}

// Response is the payload of a portal reply: data on success, error text
// on failure.
type Response struct {
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// InterceptedCall is any forwardable message from a sandbox-bridge-client.
// RequestID is sandbox-local; the hub assigns its own forwarded id.
type InterceptedCall struct {
	Type                  string          `json:"type"`
	TargetFlutterBridgeID string          `json:"targetFlutterBridgeId"`
	SandboxSessionID      string          `json:"sandboxSessionId"`
	ActualSandboxID       string          `json:"actualSandboxId"`
	RequestID             string          `json:"requestId"`
	Payload               json.RawMessage `json:"payload,omitempty"`
}

// RoutingInfo tells the portal where a forwarded call came from.
type RoutingInfo struct {
	TargetFlutterBridgeID string `json:"targetFlutterBridgeId"`
	SandboxSessionID      string `json:"sandboxSessionId"`
	ActualSandboxID       string `json:"actualSandboxId"`
}

// ForwardedCall is an intercepted call on its way to a portal, re-keyed
// by the hub's forwarded id.
type ForwardedCall struct {
	Type        string          `json:"type"`
	RequestID   string          `json:"requestId"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	RoutingInfo RoutingInfo     `json:"routingInfo"`
}

// BridgeResponseFromPortal is the portal's reply to a forwarded call.
type BridgeResponseFromPortal struct {
	Type      string   `json:"type"`
	RequestID string   `json:"requestId"`
	Response  Response `json:"response"`
}

// BridgeResponse delivers a reply to the sandbox-bridge-client, keyed by
// the sandbox-local request id.
type BridgeResponse struct {
	Type      string   `json:"type"`
	RequestID string   `json:"requestId"`
	Response  Response `json:"response"`
}

// ConnectionInfo is one sandbox entry in connections_update.
type ConnectionInfo struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	StartTime  int64  `json:"startTime,omitempty"`
	ScriptPath string `json:"scriptPath"`
}

// ConnectionsUpdate is the sandbox roster broadcast to clients.
type ConnectionsUpdate struct {
	Type        string           `json:"type"`
	Connections []ConnectionInfo `json:"connections"`
}

// BridgeInfo is one portal entry in bridge_status_update.
type BridgeInfo struct {
	BridgeID     string          `json:"bridgeId"`
	Platform     string          `json:"platform,omitempty"`
	ConnectedAt  int64           `json:"connectedAt"`
	Status       string          `json:"status"`
	Capabilities json.RawMessage `json:"capabilities,omitempty"`
}

// BridgeStatusUpdate is the portal roster broadcast to clients.
type BridgeStatusUpdate struct {
	Type    string       `json:"type"`
	Bridges []BridgeInfo `json:"bridges"`
}

// BridgeValidationUpdate lists the admission tokens currently live.
type BridgeValidationUpdate struct {
	Type           string   `json:"type"`
	ValidBridgeIDs []string `json:"validBridgeIds"`
}

// BridgeAssignmentsUpdate maps sandboxId to its assigned portal.
type BridgeAssignmentsUpdate struct {
	Type        string            `json:"type"`
	Assignments map[string]string `json:"assignments"`
}

// SandboxInfo is the client-visible snapshot of one sandbox.
type SandboxInfo struct {
	SandboxID  string `json:"sandboxId"`
	SessionID  string `json:"sessionId"`
	ScriptPath string `json:"scriptPath"`
	IsRunning  bool   `json:"isRunning"`
	BridgeID   string `json:"bridgeId,omitempty"`
	StartTime  int64  `json:"startTime,omitempty"`
}

// SandboxUpdated reports a sandbox state change. Sandbox is null once the
// sandbox is gone.
type SandboxUpdated struct {
	Type         string       `json:"type"`
	ConnectionID string       `json:"connectionId"`
	Sandbox      *SandboxInfo `json:"sandbox"`
}

// OutputLine is one stdout or stderr line from a sandbox child, forwarded
// to the owning client. IsJSON marks lines that parse as JSON-RPC 2.0
// responses.
type OutputLine struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connectionId"`
	SandboxID    string `json:"sandboxId"`
	Message      string `json:"message"`
	IsJSON       bool   `json:"isJson"`
}

// CommandSent acknowledges a command written to a child's stdin, echoing
// the normalized form.
type CommandSent struct {
	Type         string          `json:"type"`
	ConnectionID string          `json:"connectionId"`
	SandboxID    string          `json:"sandboxId"`
	Command      json.RawMessage `json:"command"`
}

// ConnectedSandboxesUpdate answers get_connected_sandboxes.
type ConnectedSandboxesUpdate struct {
	Type      string        `json:"type"`
	Sandboxes []SandboxInfo `json:"sandboxes"`
}

// ErrorMsg is sent for protocol and resource errors. Details carries
// hints such as availableSandboxes.
type ErrorMsg struct {
	Type    string         `json:"type"`
	Error   string         `json:"error"`
	Details map[string]any `json:"details,omitempty"`
}

// BridgeRegisterHint is the single out-of-band line written to a child's
// stdin after spawn, telling it which portal its interception channel
// should target.
type BridgeRegisterHint struct {
	Type                  string `json:"type"`
	TargetFlutterBridgeID string `json:"targetFlutterBridgeId"`
	SandboxSessionID      string `json:"sandboxSessionId"`
	ActualSandboxID       string `json:"actualSandboxId"`
}
