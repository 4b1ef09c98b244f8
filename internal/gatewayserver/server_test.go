package gatewayserver

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/trybotster/gatewayd/internal/gateway"
	"github.com/trybotster/gatewayd/internal/permission"
	"github.com/trybotster/gatewayd/internal/proto"
	"github.com/trybotster/gatewayd/internal/ptyadapter"
	"github.com/trybotster/gatewayd/internal/session"
)

type fakeProc struct {
	mu     sync.Mutex
	onData func([]byte)
}

func (p *fakeProc) Spawn(ptyadapter.Spec) error { return nil }
func (p *fakeProc) Write(b []byte) (int, error) { return len(b), nil }
func (p *fakeProc) Resize(uint16, uint16) error { return nil }
func (p *fakeProc) Kill() error                 { return nil }

func (p *fakeProc) emit(b []byte) {
	p.mu.Lock()
	onData := p.onData
	p.mu.Unlock()
	onData(b)
}

// procRegistry records every process the fake spawner hands out.
type procRegistry struct {
	mu    sync.Mutex
	procs []*fakeProc
}

func (r *procRegistry) add(p *fakeProc) {
	r.mu.Lock()
	r.procs = append(r.procs, p)
	r.mu.Unlock()
}

func (r *procRegistry) first(t *testing.T) *fakeProc {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.procs) == 0 {
		t.Fatal("no process was spawned")
	}
	return r.procs[0]
}

func testServer(t *testing.T, cfg gateway.Config, auth gateway.Authenticator) (*httptest.Server, *Server, *procRegistry) {
	t.Helper()
	procs := &procRegistry{}
	spawner := func(onData func([]byte), onExit func(error)) session.Process {
		p := &fakeProc{onData: onData}
		procs.add(p)
		return p
	}
	manager := session.NewManager(session.Limits{
		MaxSessionsPerClient: 8,
		MaxSessionsTotal:     100,
		MaxClientsPerSession: 8,
		HistorySize:          1024,
		HistoryEnabled:       true,
		OrphanTimeout:        time.Hour,
	}, spawner, nil)
	srv := New(cfg, manager, permission.NoopChecker{}, auth, nil, nil)
	ts := httptest.NewServer(http.HandlerFunc(srv.ServeHTTP))
	t.Cleanup(func() {
		ts.Close()
		manager.Cleanup()
	})
	return ts, srv, procs
}

func dial(t *testing.T, ts *httptest.Server, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) proto.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env proto.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read envelope: %v", err)
	}
	return env
}

func readUntil(t *testing.T, conn *websocket.Conn, typ proto.Type) proto.Envelope {
	t.Helper()
	for i := 0; i < 10; i++ {
		env := readEnvelope(t, conn)
		if env.Type == typ {
			return env
		}
	}
	t.Fatalf("never received a %s frame", typ)
	return proto.Envelope{}
}

func TestWebSocketSpawnAndEcho(t *testing.T) {
	cfg := gateway.Config{DefaultShell: "/bin/bash", AllowedShells: []string{"/bin/bash"}}
	ts, _, procs := testServer(t, cfg, nil)
	conn := dial(t, ts, nil)

	if env := readEnvelope(t, conn); env.Type != proto.TypeServerInfo {
		t.Fatalf("greeting = %+v, want server_info", env)
	}

	if err := conn.WriteJSON(proto.SpawnEnvelope(proto.Options{Shell: "/bin/bash"})); err != nil {
		t.Fatalf("write spawn: %v", err)
	}
	spawned := readUntil(t, conn, proto.TypeSpawned)
	if spawned.Shell != "/bin/bash" || spawned.SessionID == "" {
		t.Fatalf("spawned = %+v", spawned)
	}

	procs.first(t).emit([]byte("hi\r\n"))
	data := readUntil(t, conn, proto.TypeData)
	if !strings.Contains(data.DataText(), "hi") {
		t.Errorf("data = %q, want to contain hi", data.DataText())
	}

	if err := conn.WriteJSON(proto.CloseEnvelope(spawned.SessionID)); err != nil {
		t.Fatalf("write close: %v", err)
	}
	closed := readUntil(t, conn, proto.TypeSessionClosed)
	if closed.Reason != proto.ReasonOwnerClosed {
		t.Errorf("session_closed reason = %q, want owner_closed", closed.Reason)
	}
}

type staticAuth struct {
	accept string
	user   permission.UserContext
}

func (a staticAuth) Authenticate(clientID, credential string) (permission.UserContext, error) {
	if credential != a.accept {
		return permission.UserContext{}, fmt.Errorf("bad credential")
	}
	user := a.user
	user.ClientID = clientID
	return user, nil
}

func TestConnectionTimeAuthFromHeader(t *testing.T) {
	auth := staticAuth{accept: "sesame", user: permission.UserContext{UserID: "user-1"}}
	cfg := gateway.Config{RequireAuth: true, DefaultShell: "/bin/bash", AllowedShells: []string{"/bin/bash"}}
	ts, _, _ := testServer(t, cfg, auth)

	header := http.Header{"Authorization": []string{"Bearer sesame"}}
	conn := dial(t, ts, header)

	info := readUntil(t, conn, proto.TypeServerInfo)
	if info.Info == nil || info.Info.User == nil || info.Info.User.UserID != "user-1" {
		t.Errorf("server_info = %+v, want the connection-authenticated user", info.Info)
	}

	// The connection is already authorized: spawn works without an
	// explicit auth message.
	if err := conn.WriteJSON(proto.SpawnEnvelope(proto.Options{Shell: "/bin/bash"})); err != nil {
		t.Fatalf("write spawn: %v", err)
	}
	if spawned := readUntil(t, conn, proto.TypeSpawned); spawned.SessionID == "" {
		t.Errorf("spawned = %+v", spawned)
	}
}

func TestConnectionCredentialSources(t *testing.T) {
	cases := []struct {
		name string
		req  func() *http.Request
		want string
	}{
		{
			name: "bearer header",
			req: func() *http.Request {
				r := httptest.NewRequest("GET", "/ws", nil)
				r.Header.Set("Authorization", "Bearer tok1")
				return r
			},
			want: "tok1",
		},
		{
			name: "query token",
			req: func() *http.Request {
				return httptest.NewRequest("GET", "/ws?token=tok2", nil)
			},
			want: "tok2",
		},
		{
			name: "cookie",
			req: func() *http.Request {
				r := httptest.NewRequest("GET", "/ws", nil)
				r.AddCookie(&http.Cookie{Name: "gatewayd_session", Value: "tok3"})
				return r
			},
			want: "tok3",
		},
		{
			name: "none",
			req: func() *http.Request {
				return httptest.NewRequest("GET", "/ws", nil)
			},
			want: "",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := connectionCredential(tc.req()); got != tc.want {
				t.Errorf("connectionCredential() = %q, want %q", got, tc.want)
			}
		})
	}
}
