package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuahq/conductor/pkg/computer"
)

// Session ties a leased computer to an id so a multi-request conversation
// keeps hitting the same instance.
type Session struct {
	ID        string
	Computer  computer.Computer
	CreatedAt time.Time

	mu       sync.Mutex
	lastUsed time.Time
	active   int
	nextTask int
	cancels  map[int]context.CancelFunc
}

// Touch marks the session as recently used.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastUsed = time.Now()
	s.mu.Unlock()
}

// BeginTask registers an in-flight run on the session. The session cannot
// expire while any task is open. The returned context is cancelled when
// the manager shuts down forcefully; callers must run the task under it
// and call end when done.
func (s *Session) BeginTask(ctx context.Context) (taskCtx context.Context, end func()) {
	taskCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	if s.cancels == nil {
		s.cancels = make(map[int]context.CancelFunc)
	}
	id := s.nextTask
	s.nextTask++
	s.cancels[id] = cancel
	s.active++
	s.lastUsed = time.Now()
	s.mu.Unlock()

	var once sync.Once
	return taskCtx, func() {
		once.Do(func() {
			cancel()
			s.mu.Lock()
			delete(s.cancels, id)
			s.active--
			s.lastUsed = time.Now()
			s.mu.Unlock()
		})
	}
}

func (s *Session) activeTasks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Session) cancelTasks() {
	s.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(s.cancels))
	for _, c := range s.cancels {
		cancels = append(cancels, c)
	}
	s.mu.Unlock()
	for _, c := range cancels {
		c()
	}
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	Logger        *slog.Logger
}

// Manager maps session ids to leased computers, expiring idle sessions
// back into the pool.
type Manager struct {
	pool   *Pool
	opts   ManagerOptions
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool

	stopSweep chan struct{}
	downOnce  sync.Once
}

// NewManager builds a manager over the pool.
func NewManager(pool *Pool, opts ManagerOptions) *Manager {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 300 * time.Second
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	m := &Manager{
		pool:      pool,
		opts:      opts,
		logger:    opts.Logger.With("component", "sessions"),
		sessions:  make(map[string]*Session),
		stopSweep: make(chan struct{}),
	}
	go m.sweep()
	return m
}

// Acquire returns the session for id, leasing a computer on first use. An
// empty id starts a fresh session with a generated id.
func (m *Manager) Acquire(ctx context.Context, id string, spec computer.Spec) (*Session, error) {
	if id == "" {
		id = uuid.NewString()
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("session manager is shut down")
	}
	if s, ok := m.sessions[id]; ok {
		m.mu.Unlock()
		s.Touch()
		return s, nil
	}
	m.mu.Unlock()

	comp, err := m.pool.Acquire(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", id, err)
	}

	s := &Session{ID: id, Computer: comp, CreatedAt: time.Now(), lastUsed: time.Now()}
	m.mu.Lock()
	if existing, ok := m.sessions[id]; ok {
		// Lost the race; keep the first lease.
		m.mu.Unlock()
		m.pool.Release(comp)
		existing.Touch()
		return existing, nil
	}
	m.sessions[id] = s
	m.mu.Unlock()

	m.logger.Info("session started", "session_id", id, "computer", comp.Info().Name)
	return s, nil
}

// End releases the session's computer back to the pool.
func (m *Manager) End(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if ok {
		m.pool.Release(s.Computer)
		m.logger.Info("session ended", "session_id", id)
	}
}

// Probe checks that the pool can satisfy an acquire, releasing the
// instance immediately. Used by health checks.
func (m *Manager) Probe(ctx context.Context) error {
	comp, err := m.pool.Acquire(ctx, computer.Spec{})
	if err != nil {
		return err
	}
	m.pool.Release(comp)
	return nil
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) sweep() {
	ticker := time.NewTicker(m.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopSweep:
			return
		case <-ticker.C:
			m.expire()
		}
	}
}

func (m *Manager) expire() {
	cutoff := time.Now().Add(-m.opts.IdleTimeout)

	m.mu.Lock()
	var expired []*Session
	for id, s := range m.sessions {
		// A session with an in-flight run is never idle, however long
		// the run takes.
		if s.activeTasks() == 0 && s.idleSince().Before(cutoff) {
			expired = append(expired, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		m.pool.Release(s.Computer)
		m.logger.Info("session expired", "session_id", s.ID)
	}
}

// Shutdown drains the manager: new acquires are refused, in-flight runs
// get until ctx's deadline to finish, then their contexts are cancelled.
// Every session is released and the pool shut down. Safe to call more
// than once.
func (m *Manager) Shutdown(ctx context.Context) error {
	var err error
	m.downOnce.Do(func() {
		close(m.stopSweep)

		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()

		m.awaitTasks(ctx)

		m.mu.Lock()
		sessions := m.sessions
		m.sessions = make(map[string]*Session)
		m.mu.Unlock()

		for _, s := range sessions {
			m.pool.Release(s.Computer)
		}
		err = m.pool.Shutdown(ctx)
	})
	return err
}

func (m *Manager) awaitTasks(ctx context.Context) {
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for m.activeTasks() > 0 {
		select {
		case <-ctx.Done():
			m.logger.Warn("shutdown deadline reached, cancelling active runs")
			m.mu.Lock()
			sessions := make([]*Session, 0, len(m.sessions))
			for _, s := range m.sessions {
				sessions = append(sessions, s)
			}
			m.mu.Unlock()
			for _, s := range sessions {
				s.cancelTasks()
			}
			return
		case <-tick.C:
		}
	}
}

func (m *Manager) activeTasks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.sessions {
		n += s.activeTasks()
	}
	return n
}
