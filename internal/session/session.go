// Package session owns the lifetime of PTY-backed sessions and the
// roster of clients attached to each one.
//
// It generalizes this codebase's hub pattern — one central struct
// guarded by a mutex, driven by a periodic tick, broadcasting state to
// whatever's currently connected — from "one hub, one active agent" to
// "many independent sessions, many attachable clients each." Locking
// is per-session rather than process-wide so that one session's slow
// client doesn't stall another's I/O. No lock is held across a PTY
// read/write or a data fan-out Send; the one exception is Join, which
// hands the joiner its joined envelope while holding the session lock.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/trybotster/gatewayd/internal/history"
	"github.com/trybotster/gatewayd/internal/proto"
	"github.com/trybotster/gatewayd/internal/ptyadapter"
)

// Broadcaster delivers an envelope to one connected client. Send must
// not block indefinitely; a slow or dead client should return an error
// promptly so the session can drop it instead of stalling every other
// client's output.
type Broadcaster interface {
	Send(proto.Envelope) error
}

// Spawner starts a process in a PTY. It is the seam the session
// package uses in place of calling ptyadapter directly, so tests can
// substitute a fake process without touching a real PTY.
type Spawner func(onData func([]byte), onExit func(error)) Process

// Process is the subset of *ptyadapter.Adapter the session package
// depends on.
type Process interface {
	Spawn(spec ptyadapter.Spec) error
	Write(p []byte) (int, error)
	Resize(rows, cols uint16) error
	Kill() error
}

// DefaultSpawner adapts ptyadapter.New to the Spawner signature.
func DefaultSpawner(onData func([]byte), onExit func(error)) Process {
	return ptyadapter.New(onData, onExit)
}

// Limits bounds how many sessions and clients the manager allows.
type Limits struct {
	MaxSessionsPerClient int
	MaxSessionsTotal     int
	MaxClientsPerSession int
	HistorySize          int
	HistoryEnabled       bool
	IdleTimeout          time.Duration
	OrphanTimeout        time.Duration
}

// CreateSpec bundles the process spec with the session-level options a
// spawn request carries: who owns it, whether it accepts further
// joiners, whether it retains scrollback, and an optional label.
type CreateSpec struct {
	Process       ptyadapter.Spec
	Owner         string
	AllowJoin     bool
	EnableHistory bool
	Label         string
}

// clientRecord is one roster entry: the client's outbound transport
// plus its attachment timestamps. The record never outlives the
// transport it wraps.
type clientRecord struct {
	bc           Broadcaster
	joinedAt     time.Time
	lastActivity time.Time
}

// Session is one spawned process and the clients currently attached
// to it.
type Session struct {
	ID        string
	Shell     string
	Cwd       string
	Mode      string
	Container string
	Owner     string
	Label     string
	CreatedAt time.Time

	mu             sync.Mutex
	proc           Process
	hist           *history.Buffer
	historyEnabled bool
	clients        map[string]*clientRecord
	rows, cols     uint16
	accepting      bool
	lastActivity   time.Time
	closed         bool
	orphanedAt     *time.Time
	orphanTimer    *time.Timer
}

// Info returns a client-facing summary of the session's current state.
func (s *Session) Info() proto.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.infoLocked()
}

func (s *Session) infoLocked() proto.SessionInfo {
	return proto.SessionInfo{
		SessionID:      s.ID,
		Shell:          s.Shell,
		Cwd:            s.Cwd,
		Mode:           s.Mode,
		Container:      s.Container,
		Rows:           s.rows,
		Cols:           s.cols,
		ClientCount:    len(s.clients),
		Accepting:      s.accepting,
		OwnerID:        s.Owner,
		Label:          s.Label,
		HistoryEnabled: s.historyEnabled,
		CreatedAt:      s.CreatedAt.Unix(),
	}
}

// recipientsLocked snapshots the transports an envelope should go to,
// skipping excludeID. Callers must hold s.mu: taking the snapshot in
// the same critical section as the state change it announces (history
// append, roster change) is what keeps a joining client's replayed
// scrollback and its live stream contiguous — a chunk is either in the
// snapshot a joiner gets or in the joiner's recipient set, never both,
// never neither.
func (s *Session) recipientsLocked(excludeID string) map[string]Broadcaster {
	recipients := make(map[string]Broadcaster, len(s.clients))
	for id, rec := range s.clients {
		if id == excludeID {
			continue
		}
		recipients[id] = rec.bc
	}
	return recipients
}

// deliver sends env to recipients outside any lock, so a stalled
// client can't block the PTY reader goroutine that feeds it. Clients
// whose Send fails are dropped from the roster.
func (s *Session) deliver(env proto.Envelope, recipients map[string]Broadcaster) {
	var dead []string
	for id, b := range recipients {
		if err := b.Send(env); err != nil {
			dead = append(dead, id)
		}
	}

	if len(dead) == 0 {
		return
	}
	s.mu.Lock()
	for _, id := range dead {
		delete(s.clients, id)
	}
	s.mu.Unlock()
}

// broadcast fans env out to every attached client.
func (s *Session) broadcast(env proto.Envelope) {
	s.broadcastExcept(env, "")
}

// broadcastExcept fans out to every attached client but excludeID, used
// for client_joined/client_left so the client that triggered the
// roster change doesn't get notified about itself.
func (s *Session) broadcastExcept(env proto.Envelope, excludeID string) {
	s.mu.Lock()
	recipients := s.recipientsLocked(excludeID)
	s.mu.Unlock()
	s.deliver(env, recipients)
}

// Manager tracks every live session and the sessions each client has
// joined.
type Manager struct {
	limits  Limits
	spawner Spawner
	logger  *slog.Logger

	mu             sync.Mutex
	sessions       map[string]*Session
	clientSessions map[string]map[string]struct{}
	ownedSessions  map[string]map[string]struct{}

	sweeper     *time.Ticker
	done        chan struct{}
	cleanupOnce sync.Once
}

// Filter narrows List results.
type Filter struct {
	Kind      string
	Container string
	Accepting *bool
}

func (f Filter) matches(info proto.SessionInfo) bool {
	if f.Kind != "" && f.Kind != info.Mode {
		return false
	}
	if f.Container != "" && f.Container != info.Container {
		return false
	}
	if f.Accepting != nil && *f.Accepting != info.Accepting {
		return false
	}
	return true
}

// NewManager creates a Manager. If spawner is nil, DefaultSpawner is used.
func NewManager(limits Limits, spawner Spawner, logger *slog.Logger) *Manager {
	if spawner == nil {
		spawner = DefaultSpawner
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		limits:         limits,
		spawner:        spawner,
		logger:         logger,
		sessions:       make(map[string]*Session),
		clientSessions: make(map[string]map[string]struct{}),
		ownedSessions:  make(map[string]map[string]struct{}),
		done:           make(chan struct{}),
	}
}

// StartSweeper launches the idle-reaping background loop, closing any
// session that has had no PTY activity for longer than IdleTimeout.
// Call Cleanup to stop it.
func (m *Manager) StartSweeper(interval time.Duration) {
	if m.limits.IdleTimeout <= 0 {
		return
	}
	m.sweeper = time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-m.sweeper.C:
				m.reapIdle()
			case <-m.done:
				return
			}
		}
	}()
}

func (m *Manager) reapIdle() {
	now := time.Now()
	var expired []*Session

	m.mu.Lock()
	for _, s := range m.sessions {
		s.mu.Lock()
		idle := now.Sub(s.lastActivity) > m.limits.IdleTimeout
		s.mu.Unlock()
		if idle {
			expired = append(expired, s)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		s.broadcast(proto.ExitEnvelope(s.ID, -1))
		m.closeSession(s, proto.ReasonIdleTimeout)
	}
}

func newSessionID() string {
	return fmt.Sprintf("term-%d-%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}

// Spawn creates a new session owned by clientID and starts its process.
func (m *Manager) Spawn(ctx context.Context, clientID string, create CreateSpec, broadcaster Broadcaster) (*Session, error) {
	spec := create.Process

	m.mu.Lock()
	if m.limits.MaxSessionsTotal > 0 && len(m.sessions) >= m.limits.MaxSessionsTotal {
		m.mu.Unlock()
		return nil, fmt.Errorf("session: capacity exhausted")
	}
	owned := m.ownedSessions[clientID]
	if m.limits.MaxSessionsPerClient > 0 && len(owned) >= m.limits.MaxSessionsPerClient {
		m.mu.Unlock()
		return nil, fmt.Errorf("session: client session limit reached")
	}
	m.mu.Unlock()

	id := newSessionID()
	histCap := m.limits.HistorySize
	if !m.limits.HistoryEnabled || !create.EnableHistory {
		histCap = 0
	}

	s := &Session{
		ID:             id,
		Shell:          spec.Shell,
		Cwd:            spec.Cwd,
		Mode:           string(spec.Mode),
		Container:      spec.Container,
		Owner:          create.Owner,
		Label:          create.Label,
		CreatedAt:      time.Now(),
		hist:           history.New(histCap),
		historyEnabled: m.limits.HistoryEnabled && create.EnableHistory,
		clients: map[string]*clientRecord{clientID: {
			bc:           broadcaster,
			joinedAt:     time.Now(),
			lastActivity: time.Now(),
		}},
		rows:         spec.Rows,
		cols:         spec.Cols,
		accepting:    create.AllowJoin,
		lastActivity: time.Now(),
	}

	proc := m.spawner(
		func(chunk []byte) { m.onData(s, chunk) },
		func(err error) { m.onExit(s, err) },
	)
	s.proc = proc

	if err := proc.Spawn(spec); err != nil {
		return nil, fmt.Errorf("session: spawn: %w", err)
	}

	m.mu.Lock()
	m.sessions[id] = s
	if m.clientSessions[clientID] == nil {
		m.clientSessions[clientID] = make(map[string]struct{})
	}
	m.clientSessions[clientID][id] = struct{}{}
	if m.ownedSessions[clientID] == nil {
		m.ownedSessions[clientID] = make(map[string]struct{})
	}
	m.ownedSessions[clientID][id] = struct{}{}
	m.mu.Unlock()

	return s, nil
}

// onData handles one chunk read from the session's PTY. The history
// append and the recipient snapshot happen under one hold of s.mu so
// they are serialized against Join: a client joining concurrently
// either sees this chunk in its history snapshot or receives it as a
// live frame, with no gap and no overlap.
func (m *Manager) onData(s *Session, chunk []byte) {
	s.mu.Lock()
	s.lastActivity = time.Now()
	if s.hist != nil {
		s.hist.Append(chunk)
	}
	recipients := s.recipientsLocked("")
	s.mu.Unlock()

	s.deliver(proto.DataEnvelope(s.ID, string(chunk)), recipients)
}

// onExit handles the process terminating on its own. When the session
// is already closed, the exit is just the reap triggered by
// closeSession's own Kill; the roster has had its session_closed and
// no further frames are owed.
func (m *Manager) onExit(s *Session, err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	code := 0
	if err != nil {
		code = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
	}
	s.broadcast(proto.ExitEnvelope(s.ID, code))
	m.closeSession(s, proto.ReasonProcessExit)
}

// Get returns the session for id, if live.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// List returns a summary of every live session matching filter.
func (m *Manager) List(filter Filter) []proto.SessionInfo {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	out := make([]proto.SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		info := s.Info()
		if filter.matches(info) {
			out = append(out, info)
		}
	}
	return out
}

// Join attaches clientID to an existing session. The joined envelope —
// session summary plus, when requested, replayed scrollback — is
// enqueued on broadcaster before the client is registered for live
// fan-out, all under the session lock, so the scrollback a joiner sees
// is an exact prefix of the data frames that follow it: no chunk can
// land between the snapshot and the registration. Joining cancels any
// pending orphan timer and clears orphaned state.
func (m *Manager) Join(sessionID, clientID string, broadcaster Broadcaster, requestHistory bool, historyLimit int) error {
	s, ok := m.Get(sessionID)
	if !ok {
		return fmt.Errorf("session: %s not found", sessionID)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("session: %s is closed", sessionID)
	}
	if !s.accepting {
		s.mu.Unlock()
		return fmt.Errorf("session: %s is not accepting clients", sessionID)
	}
	if m.limits.MaxClientsPerSession > 0 && len(s.clients) >= m.limits.MaxClientsPerSession {
		s.mu.Unlock()
		return fmt.Errorf("session: %s has reached its client limit", sessionID)
	}
	if s.orphanTimer != nil {
		s.orphanTimer.Stop()
		s.orphanTimer = nil
	}
	s.orphanedAt = nil

	var snapshot string
	if requestHistory && s.hist != nil {
		snapshot = string(s.hist.Snapshot(historyLimit))
	}
	s.clients[clientID] = &clientRecord{
		bc:           broadcaster,
		joinedAt:     time.Now(),
		lastActivity: time.Now(),
	}
	count := len(s.clients)
	joined := proto.JoinedEnvelope(sessionID, snapshot, s.infoLocked())
	if err := broadcaster.Send(joined); err != nil {
		delete(s.clients, clientID)
		s.mu.Unlock()
		return fmt.Errorf("session: deliver joined: %w", err)
	}
	s.mu.Unlock()

	m.mu.Lock()
	if m.clientSessions[clientID] == nil {
		m.clientSessions[clientID] = make(map[string]struct{})
	}
	m.clientSessions[clientID][sessionID] = struct{}{}
	m.mu.Unlock()

	s.broadcastExcept(proto.ClientJoinedEnvelope(sessionID, count), clientID)

	return nil
}

// SnapshotHistory returns a copy of a session's scrollback; a positive
// limit restricts it to the most recent limit bytes.
func (m *Manager) SnapshotHistory(sessionID string, limit int) ([]byte, error) {
	s, ok := m.Get(sessionID)
	if !ok {
		return nil, fmt.Errorf("session: %s not found", sessionID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hist == nil {
		return nil, nil
	}
	return s.hist.Snapshot(limit), nil
}

// Leave detaches clientID from a session without killing its process.
// If that was the last client, the session becomes orphaned and a
// timer starts; it is closed if no one rejoins before OrphanTimeout
// elapses.
func (m *Manager) Leave(sessionID, clientID string) error {
	s, ok := m.Get(sessionID)
	if !ok {
		return fmt.Errorf("session: %s not found", sessionID)
	}

	s.mu.Lock()
	if _, member := s.clients[clientID]; !member {
		s.mu.Unlock()
		return nil
	}
	delete(s.clients, clientID)
	count := len(s.clients)
	orphaned := count == 0
	if orphaned {
		now := time.Now()
		s.orphanedAt = &now
		if m.limits.OrphanTimeout > 0 {
			s.orphanTimer = time.AfterFunc(m.limits.OrphanTimeout, func() {
				m.closeSession(s, proto.ReasonOrphanTimeout)
			})
		}
	}
	s.mu.Unlock()

	m.mu.Lock()
	if set := m.clientSessions[clientID]; set != nil {
		delete(set, sessionID)
	}
	m.mu.Unlock()

	if !orphaned {
		s.broadcast(proto.ClientLeftEnvelope(sessionID, count))
	}
	return nil
}

// Write sends input bytes from clientID to a session's process. The
// write is rejected unless clientID is currently in the roster.
func (m *Manager) Write(sessionID, clientID string, data []byte) error {
	s, ok := m.Get(sessionID)
	if !ok {
		return fmt.Errorf("session: %s not found", sessionID)
	}
	s.mu.Lock()
	rec, member := s.clients[clientID]
	if !member {
		s.mu.Unlock()
		return fmt.Errorf("session: client %s is not attached to %s", clientID, sessionID)
	}
	now := time.Now()
	s.lastActivity = now
	rec.lastActivity = now
	proc := s.proc
	s.mu.Unlock()
	_, err := proc.Write(data)
	return err
}

// Resize changes a session's PTY window size. Last writer wins: there
// is no ownership or arbitration between concurrently resizing clients.
func (m *Manager) Resize(sessionID string, rows, cols uint16) error {
	s, ok := m.Get(sessionID)
	if !ok {
		return fmt.Errorf("session: %s not found", sessionID)
	}
	s.mu.Lock()
	s.rows, s.cols = rows, cols
	proc := s.proc
	s.mu.Unlock()
	return proc.Resize(rows, cols)
}

// Close terminates a session if requesterClientID is its owner;
// otherwise it is reinterpreted as Leave, per the spec's privileged-
// close rule (ownership never transfers once a session is created).
func (m *Manager) Close(sessionID, requesterClientID string) error {
	s, ok := m.Get(sessionID)
	if !ok {
		return fmt.Errorf("session: %s not found", sessionID)
	}
	s.mu.Lock()
	owner := s.Owner
	s.mu.Unlock()

	if requesterClientID != owner {
		return m.Leave(sessionID, requesterClientID)
	}
	m.closeSession(s, proto.ReasonOwnerClosed)
	return nil
}

func (m *Manager) closeSession(s *Session, reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.orphanTimer != nil {
		s.orphanTimer.Stop()
	}
	proc := s.proc
	s.mu.Unlock()

	s.broadcast(proto.SessionClosedEnvelope(s.ID, reason))

	// session_closed is the roster's final frame: empty it before the
	// kill so nothing that fires during teardown can reach it.
	s.mu.Lock()
	s.clients = make(map[string]*clientRecord)
	s.mu.Unlock()

	if proc != nil {
		if err := proc.Kill(); err != nil {
			m.logger.Warn("session kill error", "session_id", s.ID, "error", err)
		}
	}

	m.mu.Lock()
	delete(m.sessions, s.ID)
	for client, set := range m.clientSessions {
		delete(set, s.ID)
		if len(set) == 0 {
			delete(m.clientSessions, client)
		}
	}
	for client, set := range m.ownedSessions {
		delete(set, s.ID)
		if len(set) == 0 {
			delete(m.ownedSessions, client)
		}
	}
	m.mu.Unlock()
}

// RemoveClientEverywhere detaches clientID from every session it has
// joined, used when a connection drops without an explicit leave.
func (m *Manager) RemoveClientEverywhere(clientID string) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.clientSessions[clientID]))
	for id := range m.clientSessions[clientID] {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Leave(id, clientID)
	}
}

// Cleanup stops the sweeper and closes every live session. Safe to
// call more than once.
func (m *Manager) Cleanup() {
	m.cleanupOnce.Do(func() {
		if m.sweeper != nil {
			m.sweeper.Stop()
		}
		close(m.done)
	})

	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		m.closeSession(s, proto.ReasonCleanup)
	}
}
