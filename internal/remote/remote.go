// Package remote is the narrow contract the rest of the service uses to drive
// the clinic's web scheduling application: navigation, named component
// handles, and network response interception.
package remote

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrPageClosed       = errors.New("page closed")
	ErrUnknownHandle    = errors.New("unknown component handle")
	ErrComponentMissing = errors.New("component not mounted")
)

// Matcher selects a network response by URL.
type Matcher func(url string) bool

// PathContains matches responses whose URL contains fragment.
func PathContains(fragment string) Matcher {
	return func(url string) bool { return strings.Contains(url, fragment) }
}

// Response is a captured network response.
type Response struct {
	URL    string
	Status int
	Body   []byte
}

// Page is one interactive page of the remote application. Implementations are
// not safe for concurrent use; callers serialize access through a lease.
type Page interface {
	Goto(ctx context.Context, url string) error
	Reload(ctx context.Context) error
	URL() string
	Fill(ctx context.Context, selector, value string) error
	Click(ctx context.Context, selector string) error
	WaitForURL(ctx context.Context, pattern string) error

	// State decodes field of the named component into dest.
	State(ctx context.Context, handle, field string, dest any) error
	// Call invokes method on the named component.
	Call(ctx context.Context, handle, method string, args ...any) error
	// Expect runs trigger and returns the first response accepted by match.
	Expect(ctx context.Context, match Matcher, trigger func() error) (*Response, error)

	Screenshot(ctx context.Context) ([]byte, error)
	// OnClose registers fn to run when the page goes away underneath us
	// (browser crash, remote logout redirect closing the tab).
	OnClose(fn func())
	Close() error
}

// Launcher opens fresh pages, each in its own isolated browser context.
type Launcher interface {
	Open(ctx context.Context) (Page, error)
	Shutdown() error
}
