package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/clinic-scheduler/internal/credentials"
	"github.com/example/clinic-scheduler/internal/remote"
)

var testCreds = credentials.Credentials{LoginKey: "clinic01", LoginPassword: "secret"}

func startSession(t *testing.T, l *fakeLauncher, opts Options) *Session {
	t.Helper()
	opts.Launcher = l
	if opts.Login == nil {
		opts.Login = okLogin
	}
	s := New(testCreds, opts)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.ForceClose)
	return s
}

func TestSession_StartAndLease(t *testing.T) {
	l := &fakeLauncher{}
	s := startSession(t, l, Options{})
	assert.Equal(t, StateReady, s.State())
	before := s.LastActivity()

	var during State
	err := s.WithLeasedPage(context.Background(), func(ctx context.Context, page remote.Page) error {
		during = s.State()
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, StateBusy, during)
	assert.Equal(t, StateReady, s.State())
	assert.False(t, s.LastActivity().Before(before))
}

func TestSession_StartFailure(t *testing.T) {
	l := &fakeLauncher{}
	s := New(testCreds, Options{Launcher: l, Login: rejectLogin})
	events := &eventLog{}
	s.Subscribe(events.listen)

	err := s.Start(context.Background())
	assert.ErrorIs(t, err, ErrStartFailed)
	assert.ErrorIs(t, err, errBadLogin)
	assert.Equal(t, StateError, s.State())
	assert.Equal(t, 1, events.count(EventError))

	_, live, _ := l.stats()
	assert.Zero(t, live, "pages of a failed start are closed")

	err = s.WithLeasedPage(context.Background(), func(context.Context, remote.Page) error { return nil })
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestSession_LeaseIsExclusive(t *testing.T) {
	s := startSession(t, &fakeLauncher{}, Options{})

	var inFlight, maxInFlight int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.WithLeasedPage(context.Background(), func(context.Context, remote.Page) error {
				n := atomic.AddInt32(&inFlight, 1)
				for {
					m := atomic.LoadInt32(&maxInFlight)
					if n <= m || atomic.CompareAndSwapInt32(&maxInFlight, m, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				atomic.AddInt32(&inFlight, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInFlight)
}

func TestSession_LeaseArrivalOrder(t *testing.T) {
	s := startSession(t, &fakeLauncher{}, Options{})

	release := make(chan struct{})
	held := make(chan struct{})
	go func() {
		_ = s.WithLeasedPage(context.Background(), func(context.Context, remote.Page) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = s.WithLeasedPage(context.Background(), func(context.Context, remote.Page) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}(i)
		time.Sleep(20 * time.Millisecond)
	}
	close(release)
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2, 3}, order)
}

func TestSession_LeaseTimeoutReleases(t *testing.T) {
	s := startSession(t, &fakeLauncher{}, Options{LeaseTimeout: 50 * time.Millisecond})

	stuck := make(chan struct{})
	defer close(stuck)
	err := s.WithLeasedPage(context.Background(), func(context.Context, remote.Page) error {
		<-stuck
		return nil
	})
	assert.ErrorIs(t, err, ErrLeaseTimeout)
	assert.True(t, s.State().Usable(), "session keeps running after a lease timeout")

	start := time.Now()
	err = s.WithLeasedPage(context.Background(), func(context.Context, remote.Page) error { return nil })
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 40*time.Millisecond, "lease was force-released")
}

func TestSession_CallerErrorReturned(t *testing.T) {
	s := startSession(t, &fakeLauncher{}, Options{})
	boom := errors.New("remote said no")
	err := s.WithLeasedPage(context.Background(), func(context.Context, remote.Page) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, StateReady, s.State())
}

func TestSession_KeepAliveRecovers(t *testing.T) {
	l := &fakeLauncher{}
	var probes int32
	probe := func(ctx context.Context, page remote.Page) error {
		if atomic.AddInt32(&probes, 1) == 1 {
			return errors.New("logged out")
		}
		return nil
	}
	s := New(testCreds, Options{Launcher: l, Login: okLogin, Probe: probe, KeepAlive: 10 * time.Millisecond})
	events := &eventLog{}
	s.Subscribe(events.listen)
	require.NoError(t, s.Start(context.Background()))
	defer s.ForceClose()

	require.Eventually(t, func() bool { return events.count(EventRecovered) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, events.count(EventExpired))
	assert.True(t, l.page(0).isClosed(), "old page replaced")

	opened, live, _ := l.stats()
	assert.Equal(t, 2, opened)
	assert.Equal(t, 1, live)
	assert.True(t, s.State().Usable())
}

func TestSession_PageLostRecovers(t *testing.T) {
	l := &fakeLauncher{}
	s := startSession(t, l, Options{})
	events := &eventLog{}
	s.Subscribe(events.listen)

	l.page(0).crash()
	require.Eventually(t, func() bool { return events.count(EventRecovered) == 1 }, time.Second, 5*time.Millisecond)

	err := s.WithLeasedPage(context.Background(), func(_ context.Context, page remote.Page) error {
		assert.Same(t, l.page(1), page)
		return nil
	})
	require.NoError(t, err)
}

func TestSession_RecoveryFailureThenRetry(t *testing.T) {
	l := &fakeLauncher{}
	s := startSession(t, l, Options{})

	l.mu.Lock()
	l.openErr = errors.New("browser gone")
	l.mu.Unlock()

	require.Error(t, s.recover(context.Background()))
	assert.Equal(t, StateError, s.State())

	l.mu.Lock()
	l.openErr = nil
	l.mu.Unlock()

	require.NoError(t, s.recover(context.Background()))
	assert.Equal(t, StateReady, s.State())
}

func TestSession_Close(t *testing.T) {
	l := &fakeLauncher{}
	s := startSession(t, l, Options{KeepAlive: time.Hour, Probe: func(context.Context, remote.Page) error { return nil }})

	require.NoError(t, s.Close(context.Background()))
	assert.Equal(t, StateClosed, s.State())
	_, live, _ := l.stats()
	assert.Zero(t, live)

	err := s.WithLeasedPage(context.Background(), func(context.Context, remote.Page) error { return nil })
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, s.Close(context.Background()))
}

func TestSession_CloseWaitsForLease(t *testing.T) {
	l := &fakeLauncher{}
	s := startSession(t, l, Options{})

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = s.WithLeasedPage(context.Background(), func(context.Context, remote.Page) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.Error(t, s.Close(ctx), "graceful close cannot drain a held lease")

	s.ForceClose()
	_, live, _ := l.stats()
	assert.Zero(t, live)
	close(release)
}

func TestSession_DetachWaitsForDelivery(t *testing.T) {
	s := New(testCreds, Options{})

	entered := make(chan struct{})
	release := make(chan struct{})
	var delivered atomic.Int32
	s.Subscribe(func(Event) {
		if delivered.Add(1) == 1 {
			close(entered)
			<-release
		}
	})

	go s.emit(EventError, errors.New("in flight"))
	<-entered

	detached := make(chan struct{})
	go func() {
		s.DetachAll()
		close(detached)
	}()
	select {
	case <-detached:
		t.Fatal("detach returned while a delivery was still running")
	case <-time.After(30 * time.Millisecond):
	}

	close(release)
	<-detached
	s.emit(EventError, errors.New("stale"))
	assert.EqualValues(t, 1, delivered.Load())
}
