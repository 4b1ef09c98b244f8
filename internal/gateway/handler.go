// Package gateway implements the per-connection protocol handler: one
// instance owns one WebSocket connection and translates Envelope traffic
// into session.Manager calls. (The SSH front-end in gatewayserver
// attaches to sessions through session.Manager directly, not through a
// Handler.)
//
// The read side and write side run on separate goroutines, following
// the reader-goroutine-plus-channel shape this codebase uses for its
// tunnel message loop: a dedicated reader drains the transport into a
// channel, and a single writer goroutine owns the connection for
// writes so that broadcasts from other goroutines (other clients'
// activity on a shared session) never race with the connection's own
// responses.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/trybotster/gatewayd/internal/container"
	"github.com/trybotster/gatewayd/internal/permission"
	"github.com/trybotster/gatewayd/internal/proto"
	"github.com/trybotster/gatewayd/internal/ptyadapter"
	"github.com/trybotster/gatewayd/internal/session"
)

// Transport is the minimal connection surface Handler needs. It is
// satisfied by a thin wrapper over *websocket.Conn (see ws.go) and by
// fakes in tests.
type Transport interface {
	ReadEnvelope() (proto.Envelope, error)
	WriteEnvelope(proto.Envelope) error
	Close() error
}

// Authenticator resolves a client-presented credential into a
// permission.UserContext, either at connection time (from transport
// metadata) or during the auth handshake.
type Authenticator interface {
	Authenticate(clientID, credential string) (permission.UserContext, error)
}

// Config bounds one Handler's behavior.
type Config struct {
	RequireAuth           bool
	AllowAnonymous        bool
	DefaultShell          string
	DefaultCwd            string
	AllowedShells         []string
	AllowedPaths          []string
	AllowContainerExec    bool
	DefaultContainerShell string
	ContainerRuntimePath  string
}

// Handler drives one client connection end to end.
type Handler struct {
	cfg      Config
	clientID string
	manager  *session.Manager
	checker  permission.Checker
	auth     Authenticator
	lister   *container.Lister
	logger   *slog.Logger

	transport Transport
	outbox    chan proto.Envelope
	closed    chan struct{}
	closeOnce sync.Once

	user       permission.UserContext
	authorized bool
}

// New creates a Handler for a single connection identified by
// clientID.
func New(clientID string, cfg Config, manager *session.Manager, checker permission.Checker, auth Authenticator, lister *container.Lister, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if checker == nil {
		checker = permission.NoopChecker{}
	}
	h := &Handler{
		cfg:        cfg,
		clientID:   clientID,
		manager:    manager,
		checker:    checker,
		auth:       auth,
		lister:     lister,
		logger:     logger,
		outbox:     make(chan proto.Envelope, 64),
		closed:     make(chan struct{}),
		authorized: !cfg.RequireAuth,
	}
	h.user = h.anonymousUser()
	return h
}

func (h *Handler) anonymousUser() permission.UserContext {
	if ap, ok := h.checker.(permission.AnonymousProvider); ok {
		user := ap.Anonymous()
		user.ClientID = h.clientID
		return user
	}
	return permission.UserContext{ClientID: h.clientID, Anonymous: true}
}

// AuthenticateConnection evaluates a connection-time credential (e.g.
// an Authorization header or query token extracted by the server host)
// before the message loop starts. A failed credential leaves the
// client anonymous; the auth handshake can still upgrade it later.
func (h *Handler) AuthenticateConnection(credential string) {
	if h.auth == nil || credential == "" {
		return
	}
	user, err := h.auth.Authenticate(h.clientID, credential)
	if err != nil {
		h.logger.Debug("connection auth rejected", "client_id", h.clientID, "error", err)
		return
	}
	h.user = user
	h.authorized = true
}

// Run drives transport until the connection closes or ctx is
// cancelled. It blocks until the connection ends.
func (h *Handler) Run(ctx context.Context, transport Transport) error {
	h.transport = transport
	defer func() {
		h.manager.RemoveClientEverywhere(h.clientID)
		if hook, ok := h.checker.(permission.DisconnectHook); ok {
			hook.Disconnected(h.clientID)
		}
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writeLoop(ctx)
	}()

	h.send(h.serverInfo())

	err := h.readLoop(ctx)

	h.closeOnce.Do(func() { close(h.closed) })
	<-writerDone
	return err
}

func (h *Handler) writeLoop(ctx context.Context) {
	for {
		select {
		case env := <-h.outbox:
			if err := h.transport.WriteEnvelope(env); err != nil {
				return
			}
		case <-h.closed:
			// Best-effort drain of already-buffered frames; anything
			// that can't be written is dropped, since delivery
			// guarantees end with the connection.
			for {
				select {
				case env := <-h.outbox:
					if err := h.transport.WriteEnvelope(env); err != nil {
						return
					}
				default:
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// send enqueues env for delivery. When the outbox is full (a stalled
// connection) it waits up to 5 seconds for room and then fails.
// The session manager keeps this handler as a broadcast target until
// RemoveClientEverywhere runs, so send must stay safe to call after
// the connection ends: it fails instead of panicking or blocking.
func (h *Handler) send(env proto.Envelope) error {
	select {
	case h.outbox <- env:
		return nil
	case <-h.closed:
		return fmt.Errorf("gateway: connection closed for client %s", h.clientID)
	case <-time.After(5 * time.Second):
		return fmt.Errorf("gateway: outbox full for client %s", h.clientID)
	}
}

// Send implements session.Broadcaster so the session manager can push
// data and lifecycle events directly to this connection.
func (h *Handler) Send(env proto.Envelope) error {
	return h.send(env)
}

func (h *Handler) readLoop(ctx context.Context) error {
	for {
		env, err := h.transport.ReadEnvelope()
		if err != nil {
			return err
		}
		if err := h.dispatch(ctx, env); err != nil {
			h.send(proto.ErrorEnvelope(env.SessionID, err.Error()))
		}
	}
}

func (h *Handler) dispatch(ctx context.Context, env proto.Envelope) error {
	if !h.authorized {
		switch env.Type {
		case proto.TypeAuth:
			return h.handleAuth(env)
		default:
			return h.send(proto.PermissionDeniedEnvelope(string(env.Type), "", "authentication required"))
		}
	}

	switch env.Type {
	case proto.TypeAuth:
		return h.handleAuth(env)
	case proto.TypeSpawn:
		return h.handleSpawn(ctx, env)
	case proto.TypeData:
		return h.handleData(env)
	case proto.TypeResize:
		return h.handleResize(env)
	case proto.TypeClose:
		return h.handleClose(env)
	case proto.TypeJoin:
		return h.handleJoin(env)
	case proto.TypeLeave:
		return h.handleLeave(env)
	case proto.TypeListSessions:
		return h.handleListSessions(env)
	case proto.TypeListContainers:
		return h.handleListContainers(ctx)
	default:
		return fmt.Errorf("gateway: unknown message type %q", env.Type)
	}
}

func (h *Handler) serverInfo() proto.Envelope {
	info := proto.ServerInfo{
		DockerEnabled:         h.cfg.AllowContainerExec,
		AllowedShells:         h.cfg.AllowedShells,
		DefaultShell:          h.cfg.DefaultShell,
		DefaultContainerShell: h.cfg.DefaultContainerShell,
		AuthEnabled:           h.auth != nil,
		RequireAuth:           h.cfg.RequireAuth,
	}
	if h.authorized && !h.user.Anonymous {
		info.User = userInfo(h.user)
	}
	return proto.ServerInfoEnvelope(info)
}

func userInfo(user permission.UserContext) *proto.UserInfo {
	perms := user.Permissions
	if perms == nil {
		perms = []string{}
	}
	return &proto.UserInfo{
		UserID:      user.UserID,
		Username:    user.Username,
		Permissions: perms,
		Metadata:    user.Metadata,
	}
}

// credential extracts the auth credential from an auth envelope: the
// token field, a bearer Authorization header, or a "token" entry in
// the opaque credential map, in that order.
func credential(env proto.Envelope) string {
	if env.Token != "" {
		return env.Token
	}
	for k, v := range env.Headers {
		if strings.EqualFold(k, "authorization") {
			return strings.TrimPrefix(strings.TrimPrefix(v, "Bearer "), "bearer ")
		}
	}
	if fields := env.DataFields(); fields != nil {
		return fields["token"]
	}
	return ""
}

func (h *Handler) handleAuth(env proto.Envelope) error {
	if h.auth == nil {
		h.user = h.anonymousUser()
		h.authorized = !h.cfg.RequireAuth || h.cfg.AllowAnonymous
		return h.send(proto.AuthResponseEnvelope(h.authorized, "", nil))
	}

	user, err := h.auth.Authenticate(h.clientID, credential(env))
	if err != nil {
		h.user = h.anonymousUser()
		h.authorized = !h.cfg.RequireAuth || h.cfg.AllowAnonymous
		return h.send(proto.AuthResponseEnvelope(false, err.Error(), nil))
	}

	h.user = user
	h.authorized = true
	if err := h.send(proto.AuthResponseEnvelope(true, "", userInfo(user))); err != nil {
		return err
	}
	return h.send(h.serverInfo())
}

func (h *Handler) allowed(ctx context.Context, op permission.Operation, sessionID string) bool {
	ok, err := h.checker.Check(ctx, h.user, op, sessionID)
	if err != nil {
		h.logger.Warn("permission check error", "op", op, "error", err)
		return false
	}
	return ok
}

func (h *Handler) denied(op permission.Operation) error {
	return h.send(proto.PermissionDeniedEnvelope(string(op), string(op), "not permitted"))
}

func (h *Handler) handleSpawn(ctx context.Context, env proto.Envelope) error {
	if !h.allowed(ctx, permission.OpSpawnSession, "") {
		return h.denied(permission.OpSpawnSession)
	}

	opts := env.Options
	if opts == nil {
		opts = &proto.Options{}
	}
	cols, rows := opts.Cols, opts.Rows
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}

	var spec ptyadapter.Spec
	if opts.Container != "" {
		if !h.cfg.AllowContainerExec {
			return fmt.Errorf("container sessions are disabled")
		}
		if h.lister != nil && !h.lister.Allowed(opts.Container) {
			return fmt.Errorf("container %q is not allowed", opts.Container)
		}
		shell := opts.ContainerShell
		if shell == "" {
			shell = h.cfg.DefaultContainerShell
		}
		mode := ptyadapter.ModeExec
		if opts.AttachMode {
			mode = ptyadapter.ModeAttach
		}
		spec = ptyadapter.Spec{
			Mode:             mode,
			Shell:            shell,
			Cwd:              opts.ContainerCwd,
			Env:              opts.Env,
			ContainerRuntime: h.cfg.ContainerRuntimePath,
			Container:        opts.Container,
			User:             opts.ContainerUser,
			Rows:             rows,
			Cols:             cols,
		}
	} else {
		shell := opts.Shell
		if shell == "" {
			shell = h.cfg.DefaultShell
		}
		cwd := opts.Cwd
		if cwd == "" {
			cwd = h.cfg.DefaultCwd
		}
		if !shellAllowed(h.cfg.AllowedShells, shell) {
			return fmt.Errorf("shell %q is not allowed", shell)
		}
		if !pathAllowed(h.cfg.AllowedPaths, cwd) {
			return fmt.Errorf("working directory %q is not allowed", cwd)
		}
		spec = ptyadapter.Spec{
			Mode:  ptyadapter.ModeShell,
			Shell: shell,
			Cwd:   cwd,
			Env:   opts.Env,
			Rows:  rows,
			Cols:  cols,
		}
	}

	allowJoin := true
	if opts.AllowJoin != nil {
		allowJoin = *opts.AllowJoin
	}
	enableHistory := true
	if opts.EnableHistory != nil {
		enableHistory = *opts.EnableHistory
	}

	create := session.CreateSpec{
		Process:       spec,
		Owner:         h.clientID,
		AllowJoin:     allowJoin,
		EnableHistory: enableHistory,
		Label:         opts.Label,
	}

	s, err := h.manager.Spawn(ctx, h.clientID, create, h)
	if err != nil {
		return err
	}
	return h.send(proto.SpawnedEnvelope(s.ID, s.Shell, s.Cwd, cols, rows, s.Container))
}

func (h *Handler) handleData(env proto.Envelope) error {
	if !h.allowed(context.Background(), permission.OpWriteSession, env.SessionID) {
		return h.denied(permission.OpWriteSession)
	}
	return h.manager.Write(env.SessionID, h.clientID, []byte(env.DataText()))
}

func (h *Handler) handleResize(env proto.Envelope) error {
	if !h.allowed(context.Background(), permission.OpResizeSession, env.SessionID) {
		return h.denied(permission.OpResizeSession)
	}
	return h.manager.Resize(env.SessionID, env.Rows, env.Cols)
}

func (h *Handler) handleClose(env proto.Envelope) error {
	if !h.allowed(context.Background(), permission.OpCloseSession, env.SessionID) {
		return h.denied(permission.OpCloseSession)
	}
	return h.manager.Close(env.SessionID, h.clientID)
}

func (h *Handler) handleJoin(env proto.Envelope) error {
	sessionID := env.SessionID
	requestHistory := false
	historyLimit := 0
	if env.Options != nil {
		if env.Options.SessionID != "" {
			sessionID = env.Options.SessionID
		}
		requestHistory = env.Options.RequestHistory
		historyLimit = env.Options.HistoryLimit
	}
	if !h.allowed(context.Background(), permission.OpJoinSession, sessionID) {
		return h.denied(permission.OpJoinSession)
	}

	// The joined envelope itself is enqueued by the manager while it
	// holds the session lock, so scrollback and live data stay
	// contiguous for the new client.
	if err := h.manager.Join(sessionID, h.clientID, h, requestHistory, historyLimit); err != nil {
		return err
	}

	// A newline provokes a prompt refresh so the joining client sees
	// current shell state rather than a blank line.
	_ = h.manager.Write(sessionID, h.clientID, []byte("\n"))
	return nil
}

func (h *Handler) handleLeave(env proto.Envelope) error {
	if !h.allowed(context.Background(), permission.OpLeaveSession, env.SessionID) {
		return h.denied(permission.OpLeaveSession)
	}
	if err := h.manager.Leave(env.SessionID, h.clientID); err != nil {
		return err
	}
	return h.send(proto.LeftEnvelope(env.SessionID))
}

func (h *Handler) handleListSessions(env proto.Envelope) error {
	if !h.allowed(context.Background(), permission.OpListSessions, "") {
		return h.denied(permission.OpListSessions)
	}
	var filter session.Filter
	if env.Filter != nil {
		filter = session.Filter{
			Kind:      env.Filter.Kind,
			Container: env.Filter.Container,
			Accepting: env.Filter.Accepting,
		}
	}
	return h.send(proto.SessionListEnvelope(h.manager.List(filter)))
}

func (h *Handler) handleListContainers(ctx context.Context) error {
	if !h.allowed(ctx, permission.OpListContainers, "") {
		return h.denied(permission.OpListContainers)
	}
	if h.lister == nil {
		return h.send(proto.ContainerListEnvelope(nil))
	}
	containers, err := h.lister.List(ctx)
	if err != nil {
		return err
	}
	return h.send(proto.ContainerListEnvelope(containers))
}
