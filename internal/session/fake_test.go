package session

import (
	"context"
	"errors"
	"sync"

	"github.com/example/clinic-scheduler/internal/credentials"
	"github.com/example/clinic-scheduler/internal/remote"
)

type fakePage struct {
	id       int
	launcher *fakeLauncher

	mu      sync.Mutex
	closed  bool
	onClose []func()
}

func (p *fakePage) Goto(context.Context, string) error                 { return nil }
func (p *fakePage) Reload(context.Context) error                       { return nil }
func (p *fakePage) URL() string                                        { return "https://clinic.test/reserve" }
func (p *fakePage) Fill(context.Context, string, string) error         { return nil }
func (p *fakePage) Click(context.Context, string) error                { return nil }
func (p *fakePage) WaitForURL(context.Context, string) error           { return nil }
func (p *fakePage) State(context.Context, string, string, any) error   { return nil }
func (p *fakePage) Call(context.Context, string, string, ...any) error { return nil }
func (p *fakePage) Screenshot(context.Context) ([]byte, error)         { return []byte("png"), nil }

func (p *fakePage) Expect(_ context.Context, _ remote.Matcher, trigger func() error) (*remote.Response, error) {
	return &remote.Response{}, trigger()
}

func (p *fakePage) OnClose(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onClose = append(p.onClose, fn)
}

func (p *fakePage) Close() error {
	p.mu.Lock()
	already := p.closed
	p.closed = true
	p.onClose = nil
	p.mu.Unlock()
	if !already {
		p.launcher.closed(p)
	}
	return nil
}

// crash simulates the page disappearing underneath the session.
func (p *fakePage) crash() {
	p.mu.Lock()
	fns := p.onClose
	p.onClose = nil
	p.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (p *fakePage) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type fakeLauncher struct {
	mu      sync.Mutex
	opened  []*fakePage
	live    int
	maxLive int
	openErr error
}

func (l *fakeLauncher) Open(ctx context.Context) (remote.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.openErr != nil {
		return nil, l.openErr
	}
	p := &fakePage{id: len(l.opened) + 1, launcher: l}
	l.opened = append(l.opened, p)
	l.live++
	if l.live > l.maxLive {
		l.maxLive = l.live
	}
	return p, nil
}

func (l *fakeLauncher) Shutdown() error { return nil }

func (l *fakeLauncher) closed(*fakePage) {
	l.mu.Lock()
	l.live--
	l.mu.Unlock()
}

func (l *fakeLauncher) stats() (opened, live, maxLive int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.opened), l.live, l.maxLive
}

func (l *fakeLauncher) page(i int) *fakePage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.opened[i]
}

var errBadLogin = errors.New("invalid login")

func okLogin(context.Context, remote.Page, credentials.Credentials) error { return nil }

func rejectLogin(context.Context, remote.Page, credentials.Credentials) error { return errBadLogin }

// eventLog collects events for assertions.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (e *eventLog) listen(ev Event) {
	e.mu.Lock()
	e.events = append(e.events, ev)
	e.mu.Unlock()
}

func (e *eventLog) count(typ EventType) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, ev := range e.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func (e *eventLog) len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.events)
}
