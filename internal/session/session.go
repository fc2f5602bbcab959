package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/clinic-scheduler/internal/credentials"
	"github.com/example/clinic-scheduler/internal/remote"
)

var (
	ErrNotReady     = errors.New("session not ready")
	ErrLeaseTimeout = errors.New("lease timed out")
	ErrClosed       = errors.New("session closed")
	ErrStartFailed  = errors.New("session start failed")
)

// LoginFunc authenticates a freshly opened page.
type LoginFunc func(ctx context.Context, page remote.Page, creds credentials.Credentials) error

// ProbeFunc is the keep-alive liveness check run against an idle page.
type ProbeFunc func(ctx context.Context, page remote.Page) error

// LeasedFunc runs with exclusive use of a page.
type LeasedFunc func(ctx context.Context, page remote.Page) error

type Options struct {
	Launcher remote.Launcher
	Login    LoginFunc
	Probe    ProbeFunc

	// PoolSize is the number of pages per session, each leased exclusively.
	PoolSize     int
	KeepAlive    time.Duration
	StartTimeout time.Duration
	ProbeTimeout time.Duration
	LeaseTimeout time.Duration

	Logger *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.PoolSize <= 0 {
		o.PoolSize = 1
	}
	if o.StartTimeout <= 0 {
		o.StartTimeout = 90 * time.Second
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = 30 * time.Second
	}
	if o.LeaseTimeout <= 0 {
		o.LeaseTimeout = 120 * time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Session is one authenticated set of pages on the remote application.
type Session struct {
	id    string
	creds credentials.Credentials
	opts  Options
	log   *zap.Logger

	mu           sync.Mutex
	state        State
	lastActivity time.Time
	pool         *leasePool
	pages        []remote.Page
	active       int
	drained      bool
	recovering   bool

	listeners listeners
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func New(creds credentials.Credentials, opts Options) *Session {
	opts = opts.withDefaults()
	id := uuid.NewString()
	return &Session{
		id:    id,
		creds: creds,
		opts:  opts,
		log:   opts.Logger.With(zap.String("session", id), zap.String("login", creds.Fingerprint())),
		state: StateNotInitialized,
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) Credentials() credentials.Credentials { return s.creds }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Subscribe registers fn for lifecycle events and returns its detach func.
func (s *Session) Subscribe(fn Listener) func() {
	return s.listeners.add(fn)
}

// DetachAll drops every registered listener.
func (s *Session) DetachAll() {
	s.listeners.clear()
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	prev := s.state
	if prev == st || (prev == StateClosed && st != StateClosed) {
		s.mu.Unlock()
		return
	}
	s.state = st
	s.mu.Unlock()
	s.emit(EventStateChanged, nil)
}

func (s *Session) emit(typ EventType, err error) {
	s.listeners.emit(Event{
		Type:      typ,
		SessionID: s.id,
		State:     s.State(),
		Err:       err,
		At:        time.Now(),
	})
}

func (s *Session) fail(err error) {
	s.setState(StateError)
	s.emit(EventError, err)
}

// Start opens the session's pages and logs each one in.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateNotInitialized {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: session is %s", ErrStartFailed, st)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.mu.Unlock()

	s.setState(StateStarting)
	ctx, cancel := context.WithTimeout(ctx, s.opts.StartTimeout)
	defer cancel()

	pages, err := s.openPages(ctx)
	if err != nil {
		s.cancel()
		s.fail(err)
		return fmt.Errorf("%w: %w", ErrStartFailed, err)
	}

	s.mu.Lock()
	s.pages = pages
	s.pool = newLeasePool(pages)
	s.lastActivity = time.Now()
	s.mu.Unlock()
	s.setState(StateReady)
	s.log.Info("session started", zap.Int("pages", len(pages)))

	if s.opts.KeepAlive > 0 && s.opts.Probe != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runKeepAlive(s.ctx)
		}()
	}
	return nil
}

func (s *Session) openPages(ctx context.Context) ([]remote.Page, error) {
	pages := make([]remote.Page, 0, s.opts.PoolSize)
	for i := 0; i < s.opts.PoolSize; i++ {
		pg, err := s.opts.Launcher.Open(ctx)
		if err != nil {
			closePages(pages)
			return nil, fmt.Errorf("open page: %w", err)
		}
		pages = append(pages, pg)
		if err := s.opts.Login(ctx, pg, s.creds); err != nil {
			closePages(pages)
			return nil, fmt.Errorf("login: %w", err)
		}
		pg.OnClose(s.pageLost)
	}
	return pages, nil
}

func closePages(pages []remote.Page) []error {
	var errs []error
	for _, pg := range pages {
		if err := pg.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// WithLeasedPage runs fn with exclusive use of a page. If fn has not returned
// within the lease timeout the lease is released anyway and ErrLeaseTimeout is
// returned; fn keeps running in the background.
func (s *Session) WithLeasedPage(ctx context.Context, fn LeasedFunc) error {
	s.mu.Lock()
	st, pool := s.state, s.pool
	s.mu.Unlock()
	if st == StateClosed {
		return ErrClosed
	}
	if !st.Usable() {
		return fmt.Errorf("%w: session is %s", ErrNotReady, st)
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.LeaseTimeout)
	defer cancel()

	l, err := pool.Acquire(ctx)
	if err != nil {
		return s.leaseErr(err)
	}
	s.begin()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("leased call panicked: %v", r)
			}
		}()
		done <- fn(ctx, l.page)
	}()

	select {
	case err = <-done:
	case <-ctx.Done():
		err = s.leaseErr(ctx.Err())
		s.log.Warn("lease force-released", zap.Duration("timeout", s.opts.LeaseTimeout), zap.Error(err))
	}
	l.Release()
	s.end()

	if errors.Is(err, remote.ErrPageClosed) {
		s.pageLost()
	}
	return err
}

func (s *Session) leaseErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s", ErrLeaseTimeout, s.opts.LeaseTimeout)
	}
	return err
}

func (s *Session) begin() {
	s.mu.Lock()
	s.active++
	busy := s.state == StateReady
	s.mu.Unlock()
	if busy {
		s.setState(StateBusy)
	}
}

func (s *Session) end() {
	s.mu.Lock()
	s.active--
	s.lastActivity = time.Now()
	idle := s.active == 0 && s.state == StateBusy
	s.mu.Unlock()
	if idle {
		s.setState(StateReady)
	}
}

// pageLost is called when a page disappears underneath the session.
func (s *Session) pageLost() {
	s.mu.Lock()
	live := s.state.Usable() && !s.recovering
	ctx := s.ctx
	s.mu.Unlock()
	if !live {
		return
	}
	s.emit(EventExpired, remote.ErrPageClosed)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = s.recover(ctx)
	}()
}

// recover replaces every page with a freshly logged-in one. Leases are
// drained first so no caller holds a page being replaced.
func (s *Session) recover(ctx context.Context) error {
	s.mu.Lock()
	if s.recovering || s.state == StateClosed || s.pool == nil {
		s.mu.Unlock()
		return nil
	}
	s.recovering = true
	drained := s.drained
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.recovering = false
		s.mu.Unlock()
	}()

	s.setState(StateRecovering)
	s.log.Info("recovering session")

	if !drained {
		if _, err := s.pool.Drain(ctx); err != nil {
			s.fail(fmt.Errorf("drain leases: %w", err))
			return err
		}
		s.mu.Lock()
		s.drained = true
		old := s.pages
		s.pages = nil
		s.mu.Unlock()
		closePages(old)
	}

	octx, cancel := context.WithTimeout(ctx, s.opts.StartTimeout)
	defer cancel()
	pages, err := s.openPages(octx)
	if err != nil {
		s.log.Error("recovery failed", zap.Error(err))
		s.fail(err)
		return err
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		closePages(pages)
		return ErrClosed
	}
	s.pages = pages
	s.drained = false
	s.lastActivity = time.Now()
	s.mu.Unlock()
	s.pool.Refill(pages)

	s.setState(StateReady)
	s.emit(EventRecovered, nil)
	s.log.Info("session recovered")
	return nil
}

// Close waits for in-flight leases, then closes every page.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	s.setState(StateClosed)
	s.stopBackground()
	if err := s.waitBackground(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	pool, drained := s.pool, s.drained
	s.mu.Unlock()
	if pool != nil && !drained {
		if _, err := pool.Drain(ctx); err != nil {
			return fmt.Errorf("drain leases: %w", err)
		}
	}
	s.mu.Lock()
	pages := s.pages
	s.pages = nil
	s.drained = true
	s.mu.Unlock()

	if errs := closePages(pages); len(errs) > 0 {
		return fmt.Errorf("close pages: %w", errors.Join(errs...))
	}
	s.log.Info("session closed")
	return nil
}

// ForceClose closes every page without waiting for leases.
func (s *Session) ForceClose() {
	s.setState(StateClosed)
	s.stopBackground()

	s.mu.Lock()
	pages := s.pages
	s.pages = nil
	s.drained = true
	s.mu.Unlock()

	for _, err := range closePages(pages) {
		s.log.Warn("force close page", zap.Error(err))
	}
	s.log.Info("session force-closed")
}

func (s *Session) waitBackground(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for background work: %w", ctx.Err())
	}
}

func (s *Session) stopBackground() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
