package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/example/clinic-scheduler/internal/credentials"
)

const closeTimeout = 15 * time.Second

// Manager keeps at most one Session alive and replaces it when the
// credentials change.
type Manager struct {
	opts Options
	log  *zap.Logger

	initMu sync.Mutex
	group  singleflight.Group

	mu      sync.RWMutex
	current *Session
	detach  func()
	closed  bool

	subs listeners
}

func NewManager(opts Options) *Manager {
	opts = opts.withDefaults()
	return &Manager{opts: opts, log: opts.Logger}
}

// Subscribe registers fn for events of whichever session is current.
func (m *Manager) Subscribe(fn Listener) func() {
	return m.subs.add(fn)
}

func (m *Manager) Current() *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return StateClosed
	}
	if m.current == nil {
		return StateNotInitialized
	}
	return m.current.State()
}

func (m *Manager) LastActivity() time.Time {
	if s := m.Current(); s != nil {
		return s.LastActivity()
	}
	return time.Time{}
}

func (m *Manager) HasCredentials() bool {
	return m.Current() != nil
}

func reusable(s *Session, creds credentials.Credentials) bool {
	if s == nil || !s.Credentials().Equal(creds) {
		return false
	}
	st := s.State()
	return st != StateError && st != StateClosed
}

// EnsureSession returns a session logged in with creds, creating or replacing
// the current one when needed. Concurrent callers share one start attempt.
func (m *Manager) EnsureSession(ctx context.Context, creds credentials.Credentials) (*Session, error) {
	if creds.Empty() {
		return nil, credentials.ErrMissing
	}
	if s := m.Current(); reusable(s, creds) {
		return s, nil
	}

	ctx = context.WithoutCancel(ctx)
	v, err, _ := m.group.Do(creds.Fingerprint(), func() (any, error) {
		return m.replace(ctx, creds, false)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

// Restart replaces the current session with a new one using the same
// credentials.
func (m *Manager) Restart(ctx context.Context) (*Session, error) {
	cur := m.Current()
	if cur == nil {
		return nil, fmt.Errorf("%w: no active session", ErrNotReady)
	}
	return m.replace(context.WithoutCancel(ctx), cur.Credentials(), true)
}

func (m *Manager) replace(ctx context.Context, creds credentials.Credentials, force bool) (*Session, error) {
	m.initMu.Lock()
	defer m.initMu.Unlock()

	m.mu.RLock()
	closed, cur := m.closed, m.current
	m.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if !force && reusable(cur, creds) {
		return cur, nil
	}
	if cur != nil {
		m.retire(cur)
	}

	s := New(creds, m.opts)
	detach := s.Subscribe(m.subs.emit)
	if err := s.Start(ctx); err != nil {
		detach()
		s.DetachAll()
		m.log.Error("session start failed", zap.String("login", creds.Fingerprint()), zap.Error(err))
		return nil, err
	}

	m.mu.Lock()
	m.current = s
	m.detach = detach
	m.mu.Unlock()
	return s, nil
}

// retire unpublishes s, detaches its listeners and closes it.
func (m *Manager) retire(s *Session) {
	m.mu.Lock()
	detach := m.detach
	if m.current == s {
		m.current = nil
		m.detach = nil
	}
	m.mu.Unlock()

	if detach != nil {
		detach()
	}
	s.DetachAll()

	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := s.Close(ctx); err != nil {
		m.log.Warn("graceful close failed, forcing", zap.String("session", s.ID()), zap.Error(err))
		s.ForceClose()
	}
}

// WithLeasedPage runs fn on the current session, provided it was logged in
// with creds. A session replaced by another login is never handed out.
func (m *Manager) WithLeasedPage(ctx context.Context, creds credentials.Credentials, fn LeasedFunc) error {
	m.mu.RLock()
	s, closed := m.current, m.closed
	m.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if s == nil {
		return fmt.Errorf("%w: no active session", ErrNotReady)
	}
	if !s.Credentials().Equal(creds) {
		return fmt.Errorf("%w: session was replaced by another login", ErrNotReady)
	}
	return s.WithLeasedPage(ctx, fn)
}

// Shutdown closes the current session and refuses new ones.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.initMu.Lock()
	defer m.initMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	cur := m.current
	m.mu.Unlock()

	if cur != nil {
		m.retire(cur)
	}
	if m.opts.Launcher != nil {
		if err := m.opts.Launcher.Shutdown(); err != nil {
			return fmt.Errorf("shutdown launcher: %w", err)
		}
	}
	return nil
}

// LogListener logs every lifecycle event.
func LogListener(log *zap.Logger) Listener {
	return func(ev Event) {
		fields := []zap.Field{
			zap.String("event", string(ev.Type)),
			zap.String("session", ev.SessionID),
			zap.String("state", string(ev.State)),
		}
		if ev.Err != nil {
			log.Warn("session event", append(fields, zap.Error(ev.Err))...)
			return
		}
		log.Info("session event", fields...)
	}
}
