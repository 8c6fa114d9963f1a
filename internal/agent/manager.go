package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"
)

// ProgressFunc receives human-readable progress lines for an in-flight turn.
type ProgressFunc func(string)

// Conn is a live connection to the coding agent for one conversation.
type Conn interface {
	// Prompt sends one turn and blocks until the agent answers. onEvent is
	// called for every step notification in stream order.
	Prompt(ctx context.Context, prompt string, onEvent func(Event)) (string, error)
	Close() error
}

// ConnectOptions describes the conversation a connection is opened for.
type ConnectOptions struct {
	SessionID      string
	ConversationID string
	WorkDir        string
	// Resume continues an existing conversation instead of starting one.
	Resume bool
}

// Connector opens agent connections.
type Connector interface {
	Connect(ctx context.Context, opts ConnectOptions) (Conn, error)
}

// Options selects the conversation and working directory for a Run.
type Options struct {
	WorkDir        string
	ConversationID string
	Resume         bool
}

// Config tunes a Manager. Zero durations take the defaults below.
type Config struct {
	IdleTTL          time.Duration
	ThrottleInterval time.Duration
	DedupeWindow     time.Duration
	Clock            Clock
}

const (
	DefaultIdleTTL          = 10 * time.Minute
	DefaultThrottleInterval = 800 * time.Millisecond
	DefaultDedupeWindow     = 2 * time.Second
)

// Handle is a snapshot of a session's state.
type Handle struct {
	ID           string
	Connected    bool
	LastActivity time.Time
}

// Error is an agent process or stream failure during a session operation.
type Error struct {
	Session string
	Op      string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("agent %s %s: %v", e.Op, e.Session, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// SessionID is the session key used for a job.
func SessionID(jobID int64) string {
	return "job-" + strconv.FormatInt(jobID, 10)
}

type session struct {
	id string
	// guard is held for the duration of a turn. It is a channel so waiters
	// can give up when their context ends.
	guard chan struct{}

	// Fields below are protected by Manager.mu.
	conn           Conn
	conversationID string
	resumable      bool
	lastActivity   time.Time
	timer          Timer
	gen            uint64
	closed         bool
}

// Manager owns the agent sessions of the process. Each session allows one
// turn at a time and is closed after IdleTTL without activity.
type Manager struct {
	connector Connector
	cfg       Config

	mu       sync.Mutex
	sessions map[string]*session
}

func NewManager(connector Connector, cfg Config) *Manager {
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultIdleTTL
	}
	if cfg.ThrottleInterval <= 0 {
		cfg.ThrottleInterval = DefaultThrottleInterval
	}
	if cfg.DedupeWindow <= 0 {
		cfg.DedupeWindow = DefaultDedupeWindow
	}
	if cfg.Clock == nil {
		cfg.Clock = RealClock()
	}
	return &Manager{
		connector: connector,
		cfg:       cfg,
		sessions:  make(map[string]*session),
	}
}

// GetOrCreate returns the session for id, creating it unconnected if absent.
// It counts as activity.
func (m *Manager) GetOrCreate(id string) Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.getOrCreateLocked(id)
	m.touchLocked(s)
	return s.handleLocked()
}

// Lookup returns the session for id without creating it or touching it.
func (m *Manager) Lookup(id string) (Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Handle{}, false
	}
	return s.handleLocked(), true
}

// Touch records activity on id and pushes its eviction back by IdleTTL.
// Touching an absent session does nothing.
func (m *Manager) Touch(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		m.touchLocked(s)
	}
}

// Run sends prompt as one turn on session id and returns the agent's final
// text. Concurrent calls for the same id run one after another. The session
// connects on its first turn; a turn for a different conversation id than the
// connected one reconnects first.
func (m *Manager) Run(ctx context.Context, id string, opts Options, prompt string, onProgress ProgressFunc) (string, error) {
	s, err := m.acquire(ctx, id)
	if err != nil {
		return "", err
	}
	defer func() { <-s.guard }()

	conn, err := m.connect(ctx, s, opts)
	if err != nil {
		return "", err
	}

	filter := newProgressFilter(onProgress, m.cfg.Clock, m.cfg.ThrottleInterval, m.cfg.DedupeWindow)
	text, err := conn.Prompt(ctx, prompt, func(ev Event) {
		m.touchSession(s)
		filter.push(Describe(ev))
	})
	filter.flush()

	m.mu.Lock()
	m.touchLocked(s)
	if err != nil {
		if s.conn == conn {
			s.conn = nil
		}
	} else {
		s.resumable = true
	}
	m.mu.Unlock()

	if err != nil {
		closeConn(id, conn)
		return "", &Error{Session: id, Op: "prompt", Err: err}
	}
	return text, nil
}

// Close disconnects and removes session id. Closing an absent session is a
// no-op. A later use of id starts a fresh session.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	conn := m.removeLocked(s)
	m.mu.Unlock()

	if conn == nil {
		return nil
	}
	if err := conn.Close(); err != nil {
		return &Error{Session: id, Op: "close", Err: err}
	}
	return nil
}

// CloseAll closes every session.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var errs []error
	for _, id := range ids {
		errs = append(errs, m.Close(id))
	}
	return errors.Join(errs...)
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) acquire(ctx context.Context, id string) (*session, error) {
	for {
		m.mu.Lock()
		s := m.getOrCreateLocked(id)
		m.touchLocked(s)
		m.mu.Unlock()

		select {
		case s.guard <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		m.mu.Lock()
		closed := s.closed
		m.mu.Unlock()
		if !closed {
			return s, nil
		}
		// Closed while we waited; retry against the replacement.
		<-s.guard
	}
}

func (m *Manager) connect(ctx context.Context, s *session, opts Options) (Conn, error) {
	m.mu.Lock()
	var stale Conn
	if s.conn != nil && opts.ConversationID != "" && opts.ConversationID != s.conversationID {
		stale, s.conn = s.conn, nil
		s.resumable = false
	}
	if s.conn != nil {
		conn := s.conn
		m.mu.Unlock()
		return conn, nil
	}
	conversationID := opts.ConversationID
	if conversationID == "" {
		conversationID = s.conversationID
	}
	resume := opts.Resume || (s.resumable && conversationID == s.conversationID)
	m.mu.Unlock()

	if stale != nil {
		closeConn(s.id, stale)
	}

	conn, err := m.connector.Connect(ctx, ConnectOptions{
		SessionID:      s.id,
		ConversationID: conversationID,
		WorkDir:        opts.WorkDir,
		Resume:         resume,
	})
	if err != nil {
		return nil, &Error{Session: s.id, Op: "connect", Err: err}
	}

	m.mu.Lock()
	if s.closed {
		m.mu.Unlock()
		closeConn(s.id, conn)
		return nil, &Error{Session: s.id, Op: "connect", Err: errors.New("session closed")}
	}
	s.conn = conn
	s.conversationID = conversationID
	m.touchLocked(s)
	m.mu.Unlock()

	slog.Debug("agent session connected", "session", s.id, "conversation", conversationID, "resume", resume)
	return conn, nil
}

func (m *Manager) touchSession(s *session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !s.closed {
		m.touchLocked(s)
	}
}

func (m *Manager) getOrCreateLocked(id string) *session {
	if s, ok := m.sessions[id]; ok {
		return s
	}
	s := &session{id: id, guard: make(chan struct{}, 1)}
	m.sessions[id] = s
	return s
}

func (m *Manager) touchLocked(s *session) {
	s.lastActivity = m.cfg.Clock.Now()
	m.scheduleLocked(s, m.cfg.IdleTTL)
}

// scheduleLocked replaces the session's pending wake with one after d.
func (m *Manager) scheduleLocked(s *session, d time.Duration) {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.gen++
	gen := s.gen
	s.timer = m.cfg.Clock.AfterFunc(d, func() { m.wake(s, gen) })
}

func (m *Manager) wake(s *session, gen uint64) {
	m.mu.Lock()
	if s.closed || s.gen != gen {
		m.mu.Unlock()
		return
	}
	remaining := s.lastActivity.Add(m.cfg.IdleTTL).Sub(m.cfg.Clock.Now())
	if remaining > 0 {
		m.scheduleLocked(s, remaining)
		m.mu.Unlock()
		return
	}
	select {
	case s.guard <- struct{}{}:
	default:
		// A turn is in flight; check again later.
		m.scheduleLocked(s, m.cfg.IdleTTL)
		m.mu.Unlock()
		return
	}
	conn := m.removeLocked(s)
	m.mu.Unlock()
	<-s.guard

	slog.Info("agent session evicted", "session", s.id)
	if conn != nil {
		closeConn(s.id, conn)
	}
}

// removeLocked marks s closed, cancels its wake, and detaches its connection.
func (m *Manager) removeLocked(s *session) Conn {
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if m.sessions[s.id] == s {
		delete(m.sessions, s.id)
	}
	conn := s.conn
	s.conn = nil
	return conn
}

func (s *session) handleLocked() Handle {
	return Handle{ID: s.id, Connected: s.conn != nil, LastActivity: s.lastActivity}
}

func closeConn(id string, conn Conn) {
	if err := conn.Close(); err != nil {
		slog.Warn("close agent connection", "session", id, "err", err)
	}
}
