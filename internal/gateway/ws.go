package gateway

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/trybotster/gatewayd/internal/proto"
)

// writeWait bounds how long a single envelope write may take before
// the connection is considered dead.
const writeWait = 10 * time.Second

// pongWait bounds how long the server waits for a pong before
// declaring the connection dead; pingPeriod must stay under it.
const (
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Upgrader is the shared WebSocket upgrader for the gateway's HTTP
// endpoint. Origin checking is left to callers that need it (e.g. via
// a reverse proxy); by default all origins are accepted since
// permission gating happens at the protocol layer, not the transport.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WSTransport adapts a *websocket.Conn to the Transport interface.
type WSTransport struct {
	conn *websocket.Conn
}

// NewWSTransport wraps conn, configuring a read deadline and a pong
// handler that extends it, so dead connections are detected instead of
// leaking. Write deadlines are set per write.
func NewWSTransport(conn *websocket.Conn) *WSTransport {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	return &WSTransport{conn: conn}
}

// ReadEnvelope blocks for the next client message.
func (t *WSTransport) ReadEnvelope() (proto.Envelope, error) {
	_, data, err := t.conn.ReadMessage()
	if err != nil {
		return proto.Envelope{}, err
	}
	return proto.Parse(data)
}

// WriteEnvelope sends one envelope as a text frame.
func (t *WSTransport) WriteEnvelope(env proto.Envelope) error {
	t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteJSON(env)
}

// Close closes the underlying connection.
func (t *WSTransport) Close() error {
	return t.conn.Close()
}

// Keepalive periodically pings the connection until stop is closed. A
// missed pong lets ReadEnvelope's deadline (set by the pong handler
// above) fail the read loop, tearing the connection down instead of
// leaking it.
func (t *WSTransport) Keepalive(stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			// WriteControl may run concurrently with the handler's
			// writer goroutine; WriteMessage may not.
			if err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}
