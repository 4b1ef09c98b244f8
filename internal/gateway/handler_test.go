package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/trybotster/gatewayd/internal/permission"
	"github.com/trybotster/gatewayd/internal/proto"
	"github.com/trybotster/gatewayd/internal/ptyadapter"
	"github.com/trybotster/gatewayd/internal/session"
)

// fakeTransport feeds a scripted sequence of inbound envelopes and
// records every outbound envelope.
type fakeTransport struct {
	mu       sync.Mutex
	inbound  []proto.Envelope
	idx      int
	outbound []proto.Envelope
	closed   bool
}

func (t *fakeTransport) ReadEnvelope() (proto.Envelope, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.idx >= len(t.inbound) {
		return proto.Envelope{}, errors.New("fakeTransport: no more input")
	}
	env := t.inbound[t.idx]
	t.idx++
	return env, nil
}

func (t *fakeTransport) WriteEnvelope(env proto.Envelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.outbound = append(t.outbound, env)
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) outboundSnapshot() []proto.Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]proto.Envelope{}, t.outbound...)
}

type fakeProc struct {
	mu      sync.Mutex
	onData  func([]byte)
	written [][]byte
}

func (p *fakeProc) Spawn(ptyadapter.Spec) error { return nil }

func (p *fakeProc) Write(b []byte) (int, error) {
	p.mu.Lock()
	p.written = append(p.written, append([]byte{}, b...))
	p.mu.Unlock()
	return len(b), nil
}

func (p *fakeProc) Resize(uint16, uint16) error { return nil }
func (p *fakeProc) Kill() error                 { return nil }

func (p *fakeProc) emit(b []byte) { p.onData(b) }

func testManager(procs *[]*fakeProc) *session.Manager {
	spawner := func(onData func([]byte), onExit func(error)) session.Process {
		p := &fakeProc{onData: onData}
		if procs != nil {
			*procs = append(*procs, p)
		}
		return p
	}
	return session.NewManager(session.Limits{
		MaxSessionsPerClient: 8,
		MaxSessionsTotal:     100,
		MaxClientsPerSession: 8,
		HistorySize:          1024,
		HistoryEnabled:       true,
		IdleTimeout:          time.Hour,
		OrphanTimeout:        time.Hour,
	}, spawner, nil)
}

func runHandler(t *testing.T, h *Handler, transport *fakeTransport) {
	t.Helper()
	_ = h.Run(context.Background(), transport)
}

func findType(envs []proto.Envelope, typ proto.Type) (proto.Envelope, bool) {
	for _, e := range envs {
		if e.Type == typ {
			return e, true
		}
	}
	return proto.Envelope{}, false
}

func TestServerInfoSentFirst(t *testing.T) {
	m := testManager(nil)
	cfg := Config{DefaultShell: "/bin/bash", AllowedShells: []string{"/bin/bash"}, AllowContainerExec: true}
	transport := &fakeTransport{}
	h := New("client-1", cfg, m, permission.NoopChecker{}, nil, nil, nil)
	runHandler(t, h, transport)

	out := transport.outboundSnapshot()
	if len(out) == 0 || out[0].Type != proto.TypeServerInfo {
		t.Fatalf("first message = %+v, want server_info", out)
	}
	info := out[0].Info
	if info == nil || !info.DockerEnabled || info.DefaultShell != "/bin/bash" {
		t.Errorf("server_info = %+v, want docker_enabled and default shell", info)
	}
}

func TestUnauthenticatedRequiresAuthFirst(t *testing.T) {
	m := testManager(nil)
	cfg := Config{RequireAuth: true, DefaultShell: "/bin/bash"}
	transport := &fakeTransport{inbound: []proto.Envelope{
		proto.SpawnEnvelope(proto.Options{Shell: "/bin/bash"}),
	}}
	h := New("client-1", cfg, m, permission.NoopChecker{}, nil, nil, nil)
	runHandler(t, h, transport)

	out := transport.outboundSnapshot()
	if len(out) < 2 {
		t.Fatalf("expected server_info and permission_denied, got %+v", out)
	}
	if out[0].Type != proto.TypeServerInfo {
		t.Errorf("first message = %q, want server_info", out[0].Type)
	}
	if out[1].Type != proto.TypePermissionDenied {
		t.Errorf("second message = %q, want permission_denied", out[1].Type)
	}
}

func TestSpawnEchoesEffectiveSettings(t *testing.T) {
	m := testManager(nil)
	cfg := Config{DefaultShell: "/bin/bash", DefaultCwd: "/home/user", AllowedShells: []string{"/bin/bash"}}
	transport := &fakeTransport{inbound: []proto.Envelope{
		proto.SpawnEnvelope(proto.Options{}),
	}}
	h := New("client-1", cfg, m, permission.NoopChecker{}, nil, nil, nil)
	runHandler(t, h, transport)

	spawned, ok := findType(transport.outboundSnapshot(), proto.TypeSpawned)
	if !ok {
		t.Fatalf("expected a spawned envelope, got %+v", transport.outboundSnapshot())
	}
	if spawned.Shell != "/bin/bash" || spawned.Cwd != "/home/user" {
		t.Errorf("spawned = %+v, want defaulted shell and cwd", spawned)
	}
	if spawned.Cols != 80 || spawned.Rows != 24 {
		t.Errorf("spawned size = %dx%d, want 80x24", spawned.Cols, spawned.Rows)
	}
	if spawned.SessionID == "" {
		t.Errorf("spawned without a session id")
	}
}

func TestSpawnRejectsDisallowedShell(t *testing.T) {
	m := testManager(nil)
	cfg := Config{AllowedShells: []string{"/bin/bash"}}
	transport := &fakeTransport{inbound: []proto.Envelope{
		proto.SpawnEnvelope(proto.Options{Shell: "/bin/zsh"}),
	}}
	h := New("client-1", cfg, m, permission.NoopChecker{}, nil, nil, nil)
	runHandler(t, h, transport)

	out := transport.outboundSnapshot()
	errEnv, ok := findType(out, proto.TypeError)
	if !ok {
		t.Fatalf("expected an error envelope for a disallowed shell, got %+v", out)
	}
	if errEnv.Error == "" {
		t.Errorf("error envelope carries no message: %+v", errEnv)
	}
	if _, spawned := findType(out, proto.TypeSpawned); spawned {
		t.Errorf("session was spawned despite a disallowed shell")
	}
}

func TestDataToUnjoinedSessionRejected(t *testing.T) {
	var procs []*fakeProc
	m := testManager(&procs)
	owner := &fakeTransport{inbound: []proto.Envelope{
		proto.SpawnEnvelope(proto.Options{Shell: "/bin/bash"}),
	}}
	h1 := New("client-1", Config{AllowedShells: []string{"/bin/bash"}}, m, permission.NoopChecker{}, nil, nil, nil)
	runHandler(t, h1, owner)
	spawned, ok := findType(owner.outboundSnapshot(), proto.TypeSpawned)
	if !ok {
		t.Fatal("spawn failed")
	}

	intruder := &fakeTransport{inbound: []proto.Envelope{
		proto.DataEnvelope(spawned.SessionID, "rm -rf /\n"),
	}}
	h2 := New("client-2", Config{}, m, permission.NoopChecker{}, nil, nil, nil)
	runHandler(t, h2, intruder)

	if _, ok := findType(intruder.outboundSnapshot(), proto.TypeError); !ok {
		t.Errorf("expected an error for a write to an unjoined session, got %+v", intruder.outboundSnapshot())
	}
	procs[0].mu.Lock()
	writes := len(procs[0].written)
	procs[0].mu.Unlock()
	if writes != 0 {
		t.Errorf("unjoined client's bytes reached the process")
	}
}

func TestJoinDeliversHistory(t *testing.T) {
	var procs []*fakeProc
	m := testManager(&procs)
	owner := &fakeTransport{inbound: []proto.Envelope{
		proto.SpawnEnvelope(proto.Options{Shell: "/bin/bash"}),
	}}
	h1 := New("client-1", Config{AllowedShells: []string{"/bin/bash"}}, m, permission.NoopChecker{}, nil, nil, nil)
	runHandler(t, h1, owner)
	spawned, ok := findType(owner.outboundSnapshot(), proto.TypeSpawned)
	if !ok {
		t.Fatal("spawn failed")
	}

	procs[0].emit([]byte("ABC"))
	time.Sleep(20 * time.Millisecond)

	joiner := &fakeTransport{inbound: []proto.Envelope{
		proto.JoinEnvelope(spawned.SessionID, true, 1024),
	}}
	h2 := New("client-2", Config{}, m, permission.NoopChecker{}, nil, nil, nil)
	runHandler(t, h2, joiner)

	joined, ok := findType(joiner.outboundSnapshot(), proto.TypeJoined)
	if !ok {
		t.Fatalf("expected a joined envelope, got %+v", joiner.outboundSnapshot())
	}
	if joined.History != "ABC" {
		t.Errorf("joined history = %q, want ABC", joined.History)
	}
	// h1's Run has already returned, so the owner was removed from the
	// roster when its connection ended; the joiner is the only client.
	if joined.Session == nil || joined.Session.ClientCount != 1 {
		t.Errorf("joined session info = %+v, want client_count 1", joined.Session)
	}

	// The newline injected to refresh the prompt must reach the process.
	procs[0].mu.Lock()
	var sawNewline bool
	for _, w := range procs[0].written {
		if string(w) == "\n" {
			sawNewline = true
		}
	}
	procs[0].mu.Unlock()
	if !sawNewline {
		t.Errorf("no prompt-refresh newline reached the process")
	}
}

type denyAllChecker struct{}

func (denyAllChecker) Check(context.Context, permission.UserContext, permission.Operation, string) (bool, error) {
	return false, nil
}

func TestPermissionGateDeniesSpawn(t *testing.T) {
	m := testManager(nil)
	cfg := Config{AllowedShells: []string{"/bin/bash"}}
	transport := &fakeTransport{inbound: []proto.Envelope{
		proto.SpawnEnvelope(proto.Options{Shell: "/bin/bash"}),
	}}
	h := New("client-1", cfg, m, denyAllChecker{}, nil, nil, nil)
	runHandler(t, h, transport)

	out := transport.outboundSnapshot()
	denied, ok := findType(out, proto.TypePermissionDenied)
	if !ok {
		t.Fatalf("expected permission_denied, got %+v", out)
	}
	if denied.Operation != string(permission.OpSpawnSession) {
		t.Errorf("permission_denied operation = %q, want spawn_session", denied.Operation)
	}
}

// staticAuthenticator accepts one credential and returns a fixed user.
type staticAuthenticator struct {
	accept string
	user   permission.UserContext
}

func (a staticAuthenticator) Authenticate(clientID, credential string) (permission.UserContext, error) {
	if credential != a.accept {
		return permission.UserContext{}, fmt.Errorf("bad credential")
	}
	user := a.user
	user.ClientID = clientID
	return user, nil
}

func TestAuthSuccessRefreshesServerInfo(t *testing.T) {
	m := testManager(nil)
	auth := staticAuthenticator{accept: "sesame", user: permission.UserContext{
		UserID:      "user-1",
		Permissions: []string{string(permission.OpSpawnSession)},
	}}
	transport := &fakeTransport{inbound: []proto.Envelope{
		proto.AuthEnvelope("sesame"),
	}}
	h := New("client-1", Config{RequireAuth: true}, m, permission.NoopChecker{}, auth, nil, nil)
	runHandler(t, h, transport)

	out := transport.outboundSnapshot()
	resp, ok := findType(out, proto.TypeAuthResponse)
	if !ok {
		t.Fatalf("no auth_response in %+v", out)
	}
	if resp.Success == nil || !*resp.Success {
		t.Errorf("auth_response success = %v, want true", resp.Success)
	}
	if resp.User == nil || resp.User.UserID != "user-1" || len(resp.User.Permissions) != 1 {
		t.Errorf("auth_response user = %+v, want user-1 with one permission", resp.User)
	}

	// server_info is sent again after a successful auth, now naming the user.
	var infos []proto.Envelope
	for _, e := range out {
		if e.Type == proto.TypeServerInfo {
			infos = append(infos, e)
		}
	}
	if len(infos) != 2 {
		t.Fatalf("expected 2 server_info frames, got %d", len(infos))
	}
	if infos[1].Info == nil || infos[1].Info.User == nil || infos[1].Info.User.UserID != "user-1" {
		t.Errorf("refreshed server_info = %+v, want the authenticated user", infos[1].Info)
	}
}

func TestAuthFailureReportsError(t *testing.T) {
	m := testManager(nil)
	auth := staticAuthenticator{accept: "sesame"}
	transport := &fakeTransport{inbound: []proto.Envelope{
		proto.AuthEnvelope("wrong"),
		proto.SpawnEnvelope(proto.Options{Shell: "/bin/bash"}),
	}}
	h := New("client-1", Config{RequireAuth: true}, m, permission.NoopChecker{}, auth, nil, nil)
	runHandler(t, h, transport)

	out := transport.outboundSnapshot()
	resp, ok := findType(out, proto.TypeAuthResponse)
	if !ok {
		t.Fatalf("no auth_response in %+v", out)
	}
	if resp.Success == nil || *resp.Success {
		t.Errorf("auth_response success = %v, want false", resp.Success)
	}
	if resp.Error == "" {
		t.Errorf("auth_response carries no error message")
	}
	if _, spawned := findType(out, proto.TypeSpawned); spawned {
		t.Errorf("spawn succeeded despite failed auth")
	}
}

func TestAuthCredentialFromHeaders(t *testing.T) {
	m := testManager(nil)
	auth := staticAuthenticator{accept: "sesame", user: permission.UserContext{UserID: "user-1"}}
	transport := &fakeTransport{inbound: []proto.Envelope{
		{Type: proto.TypeAuth, Headers: map[string]string{"Authorization": "Bearer sesame"}},
	}}
	h := New("client-1", Config{RequireAuth: true}, m, permission.NoopChecker{}, auth, nil, nil)
	runHandler(t, h, transport)

	resp, ok := findType(transport.outboundSnapshot(), proto.TypeAuthResponse)
	if !ok || resp.Success == nil || !*resp.Success {
		t.Errorf("bearer-header auth failed: %+v", resp)
	}
}

func TestListSessionsReturnsEnvelope(t *testing.T) {
	m := testManager(nil)
	transport := &fakeTransport{inbound: []proto.Envelope{
		proto.ListSessionsEnvelope(nil),
	}}
	h := New("client-1", Config{}, m, permission.NoopChecker{}, nil, nil, nil)
	runHandler(t, h, transport)

	if _, ok := findType(transport.outboundSnapshot(), proto.TypeSessionList); !ok {
		t.Errorf("expected session_list envelope, got %+v", transport.outboundSnapshot())
	}
}
