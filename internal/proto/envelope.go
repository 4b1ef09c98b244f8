// Package proto defines the wire protocol exchanged between gateway
// clients and the server over a connection-oriented transport
// (WebSocket or SSH channel).
//
// Every message, in either direction, is a single flattened Envelope
// carrying a Type discriminator plus whichever optional fields that
// type uses. This mirrors the flattened-message style used elsewhere
// in this codebase for browser/CLI relay traffic: one struct, one
// json.Marshal, no per-type wrapper types.
package proto

import (
	"bytes"
	"encoding/json"
)

// Type is the closed set of envelope discriminators.
type Type string

// Client -> server message types.
const (
	TypeAuth           Type = "auth"
	TypeSpawn          Type = "spawn"
	TypeData           Type = "data"
	TypeResize         Type = "resize"
	TypeClose          Type = "close"
	TypeListContainers Type = "list_containers"
	TypeListSessions   Type = "list_sessions"
	TypeJoin           Type = "join"
	TypeLeave          Type = "leave"
)

// Server -> client message types.
const (
	TypeServerInfo       Type = "server_info"
	TypeAuthResponse     Type = "auth_response"
	TypePermissionDenied Type = "permission_denied"
	TypeSpawned          Type = "spawned"
	TypeExit             Type = "exit"
	TypeError            Type = "error"
	TypeContainerList    Type = "container_list"
	TypeSessionList      Type = "session_list"
	TypeJoined           Type = "joined"
	TypeLeft             Type = "left"
	TypeClientJoined     Type = "client_joined"
	TypeClientLeft       Type = "client_left"
	TypeSessionClosed    Type = "session_closed"
)

// Session-closed reasons.
const (
	ReasonOrphanTimeout = "orphan_timeout"
	ReasonOwnerClosed   = "owner_closed"
	ReasonProcessExit   = "process_exit"
	ReasonError         = "error"
	ReasonIdleTimeout   = "idle_timeout"
	ReasonCleanup       = "cleanup"
)

// Payload is the wire's "data" field, which is a plain string on data
// frames and an opaque key/value credential map on auth messages.
type Payload struct {
	Text   string
	Fields map[string]string
}

// MarshalJSON emits the map form when Fields is set, the string form
// otherwise.
func (p Payload) MarshalJSON() ([]byte, error) {
	if p.Fields != nil {
		return json.Marshal(p.Fields)
	}
	return json.Marshal(p.Text)
}

// UnmarshalJSON accepts either form.
func (p *Payload) UnmarshalJSON(b []byte) error {
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return json.Unmarshal(b, &p.Fields)
	}
	return json.Unmarshal(b, &p.Text)
}

// Options carries the option block of spawn and join requests.
type Options struct {
	// spawn
	Shell          string            `json:"shell,omitempty"`
	Cwd            string            `json:"cwd,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	Cols           uint16            `json:"cols,omitempty"`
	Rows           uint16            `json:"rows,omitempty"`
	Container      string            `json:"container,omitempty"`
	ContainerShell string            `json:"container_shell,omitempty"`
	ContainerUser  string            `json:"container_user,omitempty"`
	ContainerCwd   string            `json:"container_cwd,omitempty"`
	AttachMode     bool              `json:"attach_mode,omitempty"`
	Label          string            `json:"label,omitempty"`
	AllowJoin      *bool             `json:"allow_join,omitempty"`
	EnableHistory  *bool             `json:"enable_history,omitempty"`

	// join
	SessionID      string `json:"session_id,omitempty"`
	RequestHistory bool   `json:"request_history,omitempty"`
	HistoryLimit   int    `json:"history_limit,omitempty"`
}

// Envelope is the single wire message shape. Fields are optional
// depending on Type; unused fields are omitted from JSON output.
type Envelope struct {
	Type      Type   `json:"type"`
	SessionID string `json:"session_id,omitempty"`

	// auth
	Token   string            `json:"token,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`

	// data (both directions), and auth's credential map
	Data *Payload `json:"data,omitempty"`

	// spawn / join
	Options *Options `json:"options,omitempty"`

	// spawned
	Shell     string `json:"shell,omitempty"`
	Cwd       string `json:"cwd,omitempty"`
	Container string `json:"container,omitempty"`

	// spawned / resize
	Cols uint16 `json:"cols,omitempty"`
	Rows uint16 `json:"rows,omitempty"`

	// exit / session_closed
	ExitCode *int   `json:"exit_code,omitempty"`
	Reason   string `json:"reason,omitempty"`

	// joined
	Session *SessionInfo `json:"session,omitempty"`
	History string       `json:"history,omitempty"`

	// client_joined / client_left
	ClientCount int `json:"client_count,omitempty"`

	// list_sessions / session_list
	Filter   *ListFilter   `json:"filter,omitempty"`
	Sessions []SessionInfo `json:"sessions,omitempty"`

	// list_containers / container_list
	Containers []ContainerInfo `json:"containers,omitempty"`

	// auth_response
	Success *bool     `json:"success,omitempty"`
	User    *UserInfo `json:"user,omitempty"`

	// permission_denied
	Operation  string `json:"operation,omitempty"`
	Permission string `json:"permission,omitempty"`

	// error / auth_response / permission_denied
	Error string `json:"error,omitempty"`

	// server_info
	Info *ServerInfo `json:"info,omitempty"`
}

// DataText returns the string form of the envelope's data field, empty
// when absent.
func (e Envelope) DataText() string {
	if e.Data == nil {
		return ""
	}
	return e.Data.Text
}

// DataFields returns the map form of the envelope's data field, nil
// when absent.
func (e Envelope) DataFields() map[string]string {
	if e.Data == nil {
		return nil
	}
	return e.Data.Fields
}

// UserInfo describes an authenticated principal in auth_response and
// server_info frames.
type UserInfo struct {
	UserID      string         `json:"user_id"`
	Username    string         `json:"username,omitempty"`
	Permissions []string       `json:"permissions"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// ServerInfo is the capability summary sent on connect and again after
// a successful auth.
type ServerInfo struct {
	DockerEnabled         bool      `json:"docker_enabled"`
	AllowedShells         []string  `json:"allowed_shells"`
	DefaultShell          string    `json:"default_shell"`
	DefaultContainerShell string    `json:"default_container_shell,omitempty"`
	AuthEnabled           bool      `json:"auth_enabled,omitempty"`
	RequireAuth           bool      `json:"require_auth,omitempty"`
	User                  *UserInfo `json:"user,omitempty"`
}

// ContainerInfo describes a running container eligible for exec/attach.
type ContainerInfo struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Image  string `json:"image"`
	Status string `json:"status"`
	State  string `json:"state"`
}

// SessionInfo is the client-facing summary of a live session.
type SessionInfo struct {
	SessionID      string `json:"session_id"`
	Mode           string `json:"type"`
	Shell          string `json:"shell"`
	Cwd            string `json:"cwd,omitempty"`
	Cols           uint16 `json:"cols"`
	Rows           uint16 `json:"rows"`
	CreatedAt      int64  `json:"created_at"`
	Container      string `json:"container,omitempty"`
	ClientCount    int    `json:"client_count"`
	Accepting      bool   `json:"accepting"`
	OwnerID        string `json:"owner_id,omitempty"`
	Label          string `json:"label,omitempty"`
	HistoryEnabled bool   `json:"history_enabled"`
}

// ListFilter narrows list_sessions results by kind, container id, or
// accepting-only status.
type ListFilter struct {
	Kind      string `json:"type,omitempty"`
	Container string `json:"container,omitempty"`
	Accepting *bool  `json:"accepting,omitempty"`
}

func boolPtr(b bool) *bool { return &b }
func intPtr(i int) *int    { return &i }

// Bool returns a pointer to b, for callers building Envelope literals
// with optional boolean fields.
func Bool(b bool) *bool { return &b }

// AuthEnvelope builds a client auth request carrying a bearer token.
func AuthEnvelope(token string) Envelope {
	return Envelope{Type: TypeAuth, Token: token}
}

// AuthResponseEnvelope builds a server auth result. user is nil on
// failure; errMsg is empty on success.
func AuthResponseEnvelope(success bool, errMsg string, user *UserInfo) Envelope {
	return Envelope{Type: TypeAuthResponse, Success: boolPtr(success), Error: errMsg, User: user}
}

// ServerInfoEnvelope builds the greeting sent on connect and refreshed
// after a successful auth.
func ServerInfoEnvelope(info ServerInfo) Envelope {
	return Envelope{Type: TypeServerInfo, Info: &info}
}

// SpawnEnvelope builds a client request to start a new session.
func SpawnEnvelope(opts Options) Envelope {
	return Envelope{Type: TypeSpawn, Options: &opts}
}

// SpawnedEnvelope builds the server's acknowledgement of a spawned
// session, echoing the effective shell, working directory, and size.
func SpawnedEnvelope(sessionID, shell, cwd string, cols, rows uint16, containerID string) Envelope {
	return Envelope{
		Type:      TypeSpawned,
		SessionID: sessionID,
		Shell:     shell,
		Cwd:       cwd,
		Cols:      cols,
		Rows:      rows,
		Container: containerID,
	}
}

// DataEnvelope builds a data frame carrying PTY input or output.
func DataEnvelope(sessionID, data string) Envelope {
	return Envelope{Type: TypeData, SessionID: sessionID, Data: &Payload{Text: data}}
}

// ResizeEnvelope builds a client resize request.
func ResizeEnvelope(sessionID string, cols, rows uint16) Envelope {
	return Envelope{Type: TypeResize, SessionID: sessionID, Cols: cols, Rows: rows}
}

// CloseEnvelope builds a client request to terminate a session.
func CloseEnvelope(sessionID string) Envelope {
	return Envelope{Type: TypeClose, SessionID: sessionID}
}

// SessionClosedEnvelope builds the server's notice that a session ended.
func SessionClosedEnvelope(sessionID, reason string) Envelope {
	return Envelope{Type: TypeSessionClosed, SessionID: sessionID, Reason: reason}
}

// ExitEnvelope builds the server's notice that a session's process exited.
func ExitEnvelope(sessionID string, exitCode int) Envelope {
	return Envelope{Type: TypeExit, SessionID: sessionID, ExitCode: intPtr(exitCode)}
}

// ErrorEnvelope builds a server error notice, optionally scoped to a
// session.
func ErrorEnvelope(sessionID, message string) Envelope {
	return Envelope{Type: TypeError, SessionID: sessionID, Error: message}
}

// PermissionDeniedEnvelope builds a server refusal for a gated
// operation. permission names the missing grant when known.
func PermissionDeniedEnvelope(operation, permission, errMsg string) Envelope {
	return Envelope{Type: TypePermissionDenied, Operation: operation, Permission: permission, Error: errMsg}
}

// ListContainersEnvelope builds a client request for the container list.
func ListContainersEnvelope() Envelope {
	return Envelope{Type: TypeListContainers}
}

// ContainerListEnvelope builds the server's container list response.
func ContainerListEnvelope(containers []ContainerInfo) Envelope {
	return Envelope{Type: TypeContainerList, Containers: containers}
}

// ListSessionsEnvelope builds a client request for the session list.
// filter may be nil to list everything.
func ListSessionsEnvelope(filter *ListFilter) Envelope {
	return Envelope{Type: TypeListSessions, Filter: filter}
}

// SessionListEnvelope builds the server's session list response.
func SessionListEnvelope(sessions []SessionInfo) Envelope {
	return Envelope{Type: TypeSessionList, Sessions: sessions}
}

// JoinEnvelope builds a client request to attach to an existing session.
func JoinEnvelope(sessionID string, requestHistory bool, historyLimit int) Envelope {
	return Envelope{Type: TypeJoin, Options: &Options{
		SessionID:      sessionID,
		RequestHistory: requestHistory,
		HistoryLimit:   historyLimit,
	}}
}

// JoinedEnvelope builds the server's confirmation of a join, carrying
// the session summary and (if requested) replayed scrollback history.
func JoinedEnvelope(sessionID, history string, info SessionInfo) Envelope {
	return Envelope{Type: TypeJoined, SessionID: sessionID, History: history, Session: &info}
}

// LeaveEnvelope builds a client request to detach from a session
// without closing it.
func LeaveEnvelope(sessionID string) Envelope {
	return Envelope{Type: TypeLeave, SessionID: sessionID}
}

// LeftEnvelope builds the server's confirmation that a client left.
func LeftEnvelope(sessionID string) Envelope {
	return Envelope{Type: TypeLeft, SessionID: sessionID}
}

// ClientJoinedEnvelope builds the broadcast notice that another client
// joined a shared session.
func ClientJoinedEnvelope(sessionID string, clientCount int) Envelope {
	return Envelope{Type: TypeClientJoined, SessionID: sessionID, ClientCount: clientCount}
}

// ClientLeftEnvelope builds the broadcast notice that another client
// left a shared session.
func ClientLeftEnvelope(sessionID string, clientCount int) Envelope {
	return Envelope{Type: TypeClientLeft, SessionID: sessionID, ClientCount: clientCount}
}

// Marshal serializes the envelope to JSON.
func Marshal(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// Parse decodes a single envelope from raw JSON.
func Parse(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, err
	}
	return e, nil
}
