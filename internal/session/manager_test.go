package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/clinic-scheduler/internal/credentials"
	"github.com/example/clinic-scheduler/internal/remote"
)

func newTestManager(l *fakeLauncher) *Manager {
	return NewManager(Options{Launcher: l, Login: okLogin, LeaseTimeout: time.Second})
}

func TestManager_NotReadyBeforeFirstSession(t *testing.T) {
	m := newTestManager(&fakeLauncher{})
	assert.Equal(t, StateNotInitialized, m.State())
	assert.False(t, m.HasCredentials())
	assert.True(t, m.LastActivity().IsZero())

	err := m.WithLeasedPage(context.Background(), testCreds, func(context.Context, remote.Page) error { return nil })
	assert.ErrorIs(t, err, ErrNotReady)

	_, err = m.EnsureSession(context.Background(), credentials.Credentials{LoginKey: "k"})
	assert.ErrorIs(t, err, credentials.ErrMissing)
}

func TestManager_EnsureSessionReuses(t *testing.T) {
	l := &fakeLauncher{}
	m := newTestManager(l)
	defer m.Shutdown(context.Background())

	a, err := m.EnsureSession(context.Background(), testCreds)
	require.NoError(t, err)
	b, err := m.EnsureSession(context.Background(), testCreds)
	require.NoError(t, err)

	assert.Same(t, a, b)
	opened, _, _ := l.stats()
	assert.Equal(t, 1, opened)
	assert.Equal(t, StateReady, m.State())
}

func TestManager_ConcurrentFirstRequestsShareOneSession(t *testing.T) {
	l := &fakeLauncher{}
	m := newTestManager(l)
	defer m.Shutdown(context.Background())

	var wg sync.WaitGroup
	ids := make([]string, 10)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := m.EnsureSession(context.Background(), testCreds)
			if assert.NoError(t, err) {
				ids[i] = s.ID()
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	opened, _, _ := l.stats()
	assert.Equal(t, 1, opened)
}

func TestManager_CredentialChangeReplacesSession(t *testing.T) {
	l := &fakeLauncher{}
	m := newTestManager(l)
	defer m.Shutdown(context.Background())

	events := &eventLog{}
	m.Subscribe(events.listen)

	old, err := m.EnsureSession(context.Background(), testCreds)
	require.NoError(t, err)
	oldEvents := &eventLog{}
	old.Subscribe(oldEvents.listen)

	other := credentials.Credentials{LoginKey: "clinic02", LoginPassword: "secret"}
	fresh, err := m.EnsureSession(context.Background(), other)
	require.NoError(t, err)

	assert.NotEqual(t, old.ID(), fresh.ID())
	assert.Equal(t, StateClosed, old.State())
	assert.Same(t, fresh, m.Current())

	before := events.len()
	old.emit(EventError, errors.New("stale"))
	assert.Equal(t, before, events.len(), "replaced session no longer reaches manager listeners")
	assert.Zero(t, oldEvents.len(), "replaced session listeners were detached")

	_, live, maxLive := l.stats()
	assert.Equal(t, 1, live)
	assert.Equal(t, 1, maxLive)
}

func TestManager_ConcurrentCredentialChangesKeepOneSession(t *testing.T) {
	l := &fakeLauncher{}
	m := newTestManager(l)
	defer m.Shutdown(context.Background())

	creds := []credentials.Credentials{
		testCreds,
		{LoginKey: "clinic02", LoginPassword: "pw"},
		{LoginKey: "clinic03", LoginPassword: "pw"},
	}
	var wg sync.WaitGroup
	for i := 0; i < 9; i++ {
		wg.Add(1)
		go func(c credentials.Credentials) {
			defer wg.Done()
			_, err := m.EnsureSession(context.Background(), c)
			assert.NoError(t, err)
		}(creds[i%len(creds)])
	}
	wg.Wait()

	_, live, maxLive := l.stats()
	assert.Equal(t, 1, live)
	assert.Equal(t, 1, maxLive, "never more than one session alive")
}

func TestManager_StartFailureLeavesNoSession(t *testing.T) {
	l := &fakeLauncher{}
	m := NewManager(Options{Launcher: l, Login: rejectLogin})

	_, err := m.EnsureSession(context.Background(), testCreds)
	assert.ErrorIs(t, err, ErrStartFailed)
	assert.Nil(t, m.Current())
	assert.Equal(t, StateNotInitialized, m.State())

	m.opts.Login = okLogin
	s, err := m.EnsureSession(context.Background(), testCreds)
	require.NoError(t, err)
	assert.Equal(t, StateReady, s.State())
}

func TestManager_Restart(t *testing.T) {
	l := &fakeLauncher{}
	m := newTestManager(l)
	defer m.Shutdown(context.Background())

	_, err := m.Restart(context.Background())
	assert.ErrorIs(t, err, ErrNotReady)

	a, err := m.EnsureSession(context.Background(), testCreds)
	require.NoError(t, err)
	b, err := m.Restart(context.Background())
	require.NoError(t, err)

	assert.NotEqual(t, a.ID(), b.ID())
	assert.True(t, b.Credentials().Equal(testCreds))
	assert.Equal(t, StateClosed, a.State())
}

func TestManager_LeaseThroughManager(t *testing.T) {
	m := newTestManager(&fakeLauncher{})
	defer m.Shutdown(context.Background())

	_, err := m.EnsureSession(context.Background(), testCreds)
	require.NoError(t, err)

	called := false
	err = m.WithLeasedPage(context.Background(), testCreds, func(_ context.Context, page remote.Page) error {
		called = true
		assert.NotNil(t, page)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)
	assert.False(t, m.LastActivity().IsZero())
}

func TestManager_LeaseRefusedAfterAnotherLoginReplaces(t *testing.T) {
	l := &fakeLauncher{}
	m := newTestManager(l)
	defer m.Shutdown(context.Background())

	a, err := m.EnsureSession(context.Background(), testCreds)
	require.NoError(t, err)
	other := credentials.Credentials{LoginKey: "clinic02", LoginPassword: "secret"}
	_, err = m.EnsureSession(context.Background(), other)
	require.NoError(t, err)

	called := false
	err = m.WithLeasedPage(context.Background(), testCreds, func(context.Context, remote.Page) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrNotReady)
	assert.False(t, called, "callback must not run on another login's page")

	err = a.WithLeasedPage(context.Background(), func(context.Context, remote.Page) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrClosed)
	assert.False(t, called)

	err = m.WithLeasedPage(context.Background(), other, func(context.Context, remote.Page) error { return nil })
	assert.NoError(t, err)
}

func TestManager_Shutdown(t *testing.T) {
	l := &fakeLauncher{}
	m := newTestManager(l)

	_, err := m.EnsureSession(context.Background(), testCreds)
	require.NoError(t, err)
	require.NoError(t, m.Shutdown(context.Background()))

	assert.Equal(t, StateClosed, m.State())
	_, live, _ := l.stats()
	assert.Zero(t, live)

	_, err = m.EnsureSession(context.Background(), testCreds)
	assert.ErrorIs(t, err, ErrClosed)
	err = m.WithLeasedPage(context.Background(), testCreds, func(context.Context, remote.Page) error { return nil })
	assert.ErrorIs(t, err, ErrClosed)
}
