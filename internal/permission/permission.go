// Package permission gates which operations a connected client may
// perform against the session manager.
//
// Checkers are pluggable the same way this codebase's device identity
// layer treats secret storage as swappable (keyring vs. file, chosen
// by environment): callers construct whichever Checker fits their
// deployment and hand it to the connection handler, which only ever
// sees the Checker interface.
package permission

import "context"

// Operation is the closed set of gated actions a client can request.
type Operation string

const (
	OpSpawnSession   Operation = "spawn_session"
	OpWriteSession   Operation = "write_session"
	OpResizeSession  Operation = "resize_session"
	OpCloseSession   Operation = "close_session"
	OpJoinSession    Operation = "join_session"
	OpLeaveSession   Operation = "leave_session"
	OpListSessions   Operation = "list_sessions"
	OpListContainers Operation = "list_containers"
	OpAdmin          Operation = "admin"
)

// UserContext identifies the authenticated (or anonymous) principal
// behind a connection, as established during the auth handshake.
type UserContext struct {
	ClientID    string
	UserID      string
	Username    string
	Role        string
	Token       string
	Permissions []string
	Metadata    map[string]any
	Anonymous   bool
}

// Checker decides whether a UserContext may perform Operation op,
// optionally scoped to a target session ID (empty for operations that
// aren't session-scoped, like list_sessions).
type Checker interface {
	Check(ctx context.Context, user UserContext, op Operation, sessionID string) (bool, error)
}

// AnonymousProvider is implemented by Checkers that grant a default
// permission set to clients that never authenticate.
type AnonymousProvider interface {
	Anonymous() UserContext
}

// DisconnectHook is implemented by Checkers that want to observe a
// client's connection closing, e.g. to release per-connection grants.
type DisconnectHook interface {
	Disconnected(clientID string)
}

// NoopChecker allows every operation. Used when require_auth is false
// and no permission table is configured.
type NoopChecker struct{}

// Check always returns true.
func (NoopChecker) Check(context.Context, UserContext, Operation, string) (bool, error) {
	return true, nil
}

// CompositeChecker tries each Checker in order and allows the
// operation as soon as one of them does. It denies only if every
// Checker denies (or errors).
type CompositeChecker struct {
	Checkers []Checker
}

// Check returns true if any underlying Checker allows the operation.
func (c CompositeChecker) Check(ctx context.Context, user UserContext, op Operation, sessionID string) (bool, error) {
	var firstErr error
	for _, checker := range c.Checkers {
		ok, err := checker.Check(ctx, user, op, sessionID)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if ok {
			return true, nil
		}
	}
	if firstErr != nil && len(c.Checkers) > 0 {
		return false, firstErr
	}
	return false, nil
}
