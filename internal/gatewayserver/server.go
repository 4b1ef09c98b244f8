// Package gatewayserver hosts the gateway's network listeners: a
// WebSocket endpoint over net/http, and an optional SSH endpoint for
// terminal clients that would rather `ssh` in directly.
//
// The accept-loop shape mirrors this codebase's SSH server: a
// goroutine watches ctx and closes the listener to unblock Accept,
// while the main loop hands each connection to its own goroutine.
package gatewayserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/gliderlabs/ssh"
	"github.com/google/uuid"

	"github.com/trybotster/gatewayd/internal/container"
	"github.com/trybotster/gatewayd/internal/gateway"
	"github.com/trybotster/gatewayd/internal/permission"
	"github.com/trybotster/gatewayd/internal/proto"
	"github.com/trybotster/gatewayd/internal/session"
)

// Server hosts the gateway's listeners.
type Server struct {
	cfg     gateway.Config
	manager *session.Manager
	checker permission.Checker
	auth    gateway.Authenticator
	lister  *container.Lister
	logger  *slog.Logger

	httpServer  *http.Server
	sshServer   *ssh.Server
	sshListener net.Listener
}

// New creates a Server. manager, checker, and lister must already be
// constructed by the caller (see cmd/gatewayd).
func New(cfg gateway.Config, manager *session.Manager, checker permission.Checker, auth gateway.Authenticator, lister *container.Lister, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		manager: manager,
		checker: checker,
		auth:    auth,
		lister:  lister,
		logger:  logger,
	}
}

// connectionCredential pulls an auth credential out of the upgrade
// request's transport metadata: bearer Authorization header, "token"
// query parameter, or a gatewayd_session cookie, in that order.
func connectionCredential(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		return strings.TrimPrefix(strings.TrimPrefix(header, "Bearer "), "bearer ")
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if cookie, err := r.Cookie("gatewayd_session"); err == nil {
		return cookie.Value
	}
	return ""
}

// ServeHTTP upgrades every request to a WebSocket and hands it to a
// fresh gateway.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cred := connectionCredential(r)

	conn, err := gateway.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	transport := gateway.NewWSTransport(conn)
	clientID := uuid.NewString()
	h := gateway.New(clientID, s.cfg, s.manager, s.checker, s.auth, s.lister, s.logger)
	h.AuthenticateConnection(cred)

	keepaliveStop := make(chan struct{})
	go transport.Keepalive(keepaliveStop)

	stop := make(chan struct{})
	go func() {
		defer close(stop)
		if err := h.Run(r.Context(), transport); err != nil {
			s.logger.Debug("connection ended", "client_id", clientID, "error", err)
		}
	}()
	<-stop
	close(keepaliveStop)
	transport.Close()
}

// ServeWebSocket starts the HTTP listener for WebSocket clients and
// blocks until ctx is cancelled or the listener errors.
func (s *Server) ServeWebSocket(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.ServeHTTP)

	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gateway websocket listener starting", "addr", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		_ = s.httpServer.Close()
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// sshSessionBridge adapts session.Manager to the session lookups the
// SSH front-end needs.
type sshSessionBridge struct {
	manager *session.Manager
}

func (b sshSessionBridge) listSessions() []proto.SessionInfo {
	return b.manager.List(session.Filter{})
}

// ServeSSH starts an SSH listener that attaches a terminal directly to
// a named session, for clients that prefer `ssh <session-id>@host`
// (the SSH user name is the session ID) over the WebSocket protocol. It reuses the same session.Manager as
// the WebSocket front-end.
func (s *Server) ServeSSH(ctx context.Context, listener net.Listener) error {
	s.sshListener = listener
	bridge := sshSessionBridge{manager: s.manager}

	s.sshServer = &ssh.Server{
		Handler: func(sess ssh.Session) {
			s.handleSSHSession(sess, bridge)
		},
		PtyCallback: func(ssh.Context, ssh.Pty) bool { return true },
	}

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.logger.Info("gateway ssh listener starting", "addr", listener.Addr())
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				s.logger.Warn("ssh accept error", "error", err)
				continue
			}
		}
		go s.sshServer.HandleConn(conn)
	}
}

func (s *Server) handleSSHSession(sess ssh.Session, bridge sshSessionBridge) {
	sessionID := sess.User()
	if sessionID == "" {
		sessions := bridge.listSessions()
		fmt.Fprintln(sess, "Active sessions:")
		for _, info := range sessions {
			fmt.Fprintf(sess, "  %s (%s)\n", info.SessionID, info.Shell)
		}
		sess.Exit(0)
		return
	}

	clientID := "ssh-" + uuid.NewString()
	broadcaster := &sshBroadcaster{sess: sess}
	if err := s.manager.Join(sessionID, clientID, broadcaster, true, 0); err != nil {
		fmt.Fprintf(sess, "session %s not found: %v\n", sessionID, err)
		sess.Exit(1)
		return
	}

	_, winCh, _ := sess.Pty()
	go func() {
		for win := range winCh {
			s.manager.Resize(sessionID, uint16(win.Height), uint16(win.Width))
		}
	}()

	buf := make([]byte, 4096)
	for {
		n, err := sess.Read(buf)
		if n > 0 {
			s.manager.Write(sessionID, clientID, buf[:n])
		}
		if err != nil {
			break
		}
	}
	s.manager.Leave(sessionID, clientID)
}

// sshBroadcaster adapts an ssh.Session to session.Broadcaster: the
// joined envelope's scrollback and subsequent data payloads are
// written raw to the SSH channel, everything else is dropped (SSH
// clients have no use for JSON lifecycle frames).
type sshBroadcaster struct {
	sess ssh.Session
}

func (b *sshBroadcaster) Send(env proto.Envelope) error {
	switch env.Type {
	case proto.TypeJoined:
		_, err := b.sess.Write([]byte(env.History))
		return err
	case proto.TypeData:
		_, err := b.sess.Write([]byte(env.DataText()))
		return err
	default:
		return nil
	}
}

// Shutdown closes every live session and stops every listener: first
// the session manager's Cleanup (which stops the idle sweeper and
// closes each session), then the HTTP server and the SSH listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.manager.Cleanup()
	var err error
	if s.httpServer != nil {
		if e := s.httpServer.Shutdown(ctx); e != nil {
			err = e
		}
	}
	if s.sshListener != nil {
		s.sshListener.Close()
	}
	return err
}
