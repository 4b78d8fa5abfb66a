// session/session.go
package session

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/wfunc/roomserver/logger"
	"github.com/wfunc/roomserver/network"
)

var (
	ErrSessionClosed  = errors.New("session closed")
	ErrSendBufferFull = errors.New("send buffer full")
)

const (
	defaultSendBuffer = 256
	defaultPingPeriod = 54 * time.Second
)

type Options struct {
	SendBuffer int
	PingPeriod time.Duration
	// OnDrop is called for every message discarded because the outbox was full.
	OnDrop func()
}

// Session is one connected client. It satisfies network.Peer.
type Session struct {
	ID         string
	Conn       network.Connection
	RoomID     string // only touched by the connection's read loop
	CreatedAt  time.Time
	LastActive time.Time

	opts         Options
	outbox       chan *network.Message
	disconnectFn []func()
	closed       bool
	mutex        sync.Mutex
	done         chan struct{}
}

func NewSession(id string, conn network.Connection, opts Options) *Session {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = defaultPingPeriod
	}
	now := time.Now()
	return &Session{
		ID:         id,
		Conn:       conn,
		CreatedAt:  now,
		LastActive: now,
		opts:       opts,
		outbox:     make(chan *network.Message, opts.SendBuffer),
		done:       make(chan struct{}),
	}
}

func (s *Session) GetID() string {
	return s.ID
}

// Send queues msg without blocking. A full outbox drops the message.
func (s *Session) Send(msg *network.Message) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	select {
	case s.outbox <- msg:
		return nil
	default:
		if s.opts.OnDrop != nil {
			s.opts.OnDrop()
		}
		logger.Log.Warnw("dropping message for slow session", "session", s.ID, "event", msg.Event.String())
		return ErrSendBufferFull
	}
}

// OnDisconnect registers fn to run when the session closes. On an already closed session fn
// runs on its own goroutine, since callers may be holding a room loop.
func (s *Session) OnDisconnect(fn func()) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.closed {
		go fn()
		return
	}
	s.disconnectFn = append(s.disconnectFn, fn)
}

// Start runs the write pump until the session is closed.
func (s *Session) Start() {
	go s.writePump()
}

func (s *Session) writePump() {
	ticker := time.NewTicker(s.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		close(s.done)
	}()

	for {
		select {
		case msg, ok := <-s.outbox:
			if !ok {
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				logger.Log.Errorw("encode outbound message", "session", s.ID, "event", msg.Event.String(), "error", err)
				continue
			}
			if err := s.Conn.WriteFrame(data); err != nil {
				logger.Log.Debugw("write failed", "session", s.ID, "error", err)
				go s.Close()
				s.drain()
				return
			}
		case <-ticker.C:
			if err := s.Conn.Ping(); err != nil {
				go s.Close()
				s.drain()
				return
			}
		}
	}
}

// drain discards whatever is left so Close never waits on a dead writer.
func (s *Session) drain() {
	for range s.outbox {
	}
}

// Touch records inbound activity.
func (s *Session) Touch() {
	s.mutex.Lock()
	s.LastActive = time.Now()
	s.mutex.Unlock()
}

// Close runs the disconnect hooks once, stops the write pump after the outbox drains and
// closes the connection. It is safe to call more than once.
func (s *Session) Close() error {
	s.mutex.Lock()
	if s.closed {
		s.mutex.Unlock()
		return nil
	}
	s.closed = true
	hooks := s.disconnectFn
	s.disconnectFn = nil
	close(s.outbox)
	s.mutex.Unlock()

	for _, fn := range hooks {
		fn()
	}
	return s.Conn.Close()
}

// Done is closed once the write pump has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Session管理器
type Manager struct {
	sessions map[string]*Session
	mutex    sync.RWMutex
}

func NewManager() *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
	}
}

func (m *Manager) Add(session *Session) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.sessions[session.ID] = session
}

func (m *Manager) Remove(sessionID string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.sessions, sessionID)
}

func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	session, exists := m.sessions[sessionID]
	return session, exists
}

func (m *Manager) Count() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.sessions)
}

// CloseAll closes every live session, e.g. on shutdown.
func (m *Manager) CloseAll() {
	m.mutex.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mutex.RUnlock()

	for _, s := range sessions {
		_ = s.Close()
	}
}
