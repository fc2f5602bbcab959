package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
)

const stateScript = `({selector, field}) => {
  const el = document.querySelector(selector);
  if (!el || !el.__vue__) return {missing: true};
  const v = el.__vue__[field];
  return {value: JSON.stringify(v === undefined ? null : v)};
}`

const callScript = `async ({selector, method, args}) => {
  const el = document.querySelector(selector);
  if (!el || !el.__vue__) return {missing: true};
  const vm = el.__vue__;
  if (typeof vm[method] !== 'function') return {error: 'no method ' + method};
  await vm[method](...args);
  return {};
}`

// PlaywrightLauncher opens Chromium pages through a shared playwright driver.
type PlaywrightLauncher struct {
	opts Options

	mu sync.Mutex
	pw *playwright.Playwright
}

func NewPlaywrightLauncher(opts Options) *PlaywrightLauncher {
	if opts.Timeout == 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Viewport.Width == 0 || opts.Viewport.Height == 0 {
		opts.Viewport = Viewport{Width: DefaultViewportWidth, Height: DefaultViewportHeight}
	}
	if opts.Handles == nil {
		opts.Handles = DefaultHandles()
	}
	return &PlaywrightLauncher{opts: opts}
}

func (l *PlaywrightLauncher) driver() (*playwright.Playwright, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pw != nil {
		return l.pw, nil
	}

	runOpts := &playwright.RunOptions{
		Browsers: []string{"chromium"},
		Verbose:  false,
		Stdout:   io.Discard,
		Stderr:   io.Discard,
	}
	if err := playwright.Install(runOpts); err != nil {
		return nil, fmt.Errorf("install playwright: %w", err)
	}
	pw, err := playwright.Run(runOpts)
	if err != nil {
		return nil, fmt.Errorf("start playwright: %w", err)
	}
	l.pw = pw
	return pw, nil
}

// Open launches a browser with a fresh context and returns its single page.
func (l *PlaywrightLauncher) Open(ctx context.Context) (Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pw, err := l.driver()
	if err != nil {
		return nil, err
	}

	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(l.opts.Headless),
	})
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	bctx, err := browser.NewContext(playwright.BrowserNewContextOptions{
		Viewport: &playwright.Size{
			Width:  l.opts.Viewport.Width,
			Height: l.opts.Viewport.Height,
		},
	})
	if err != nil {
		_ = browser.Close()
		return nil, fmt.Errorf("create context: %w", err)
	}
	page, err := bctx.NewPage()
	if err != nil {
		_ = bctx.Close()
		_ = browser.Close()
		return nil, fmt.Errorf("create page: %w", err)
	}
	page.SetDefaultTimeout(l.opts.Timeout)

	p := &pwPage{
		browser: browser,
		context: bctx,
		page:    page,
		timeout: l.opts.Timeout,
		handles: l.opts.Handles,
	}
	page.OnClose(func(playwright.Page) { p.fireClose() })
	page.OnCrash(func(playwright.Page) { p.fireClose() })
	return p, nil
}

// Shutdown stops the playwright driver. Pages must be closed first.
func (l *PlaywrightLauncher) Shutdown() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pw == nil {
		return nil
	}
	err := l.pw.Stop()
	l.pw = nil
	return err
}

type pwPage struct {
	browser playwright.Browser
	context playwright.BrowserContext
	page    playwright.Page
	timeout float64
	handles map[string]string

	mu       sync.Mutex
	closed   bool
	torn     bool
	onClose  []func()
	closeErr error
}

// deadline converts ctx into a playwright timeout in milliseconds.
func (p *pwPage) deadline(ctx context.Context) (*float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.isClosed() {
		return nil, ErrPageClosed
	}
	ms := p.timeout
	if d, ok := ctx.Deadline(); ok {
		left := float64(time.Until(d).Milliseconds())
		if left <= 0 {
			return nil, context.DeadlineExceeded
		}
		if left < ms {
			ms = left
		}
	}
	return &ms, nil
}

func (p *pwPage) Goto(ctx context.Context, url string) error {
	timeout, err := p.deadline(ctx)
	if err != nil {
		return err
	}
	waitUntil := playwright.WaitUntilStateNetworkidle
	if _, err := p.page.Goto(url, playwright.PageGotoOptions{Timeout: timeout, WaitUntil: waitUntil}); err != nil {
		return fmt.Errorf("navigation failed: %w", err)
	}
	return nil
}

func (p *pwPage) Reload(ctx context.Context) error {
	timeout, err := p.deadline(ctx)
	if err != nil {
		return err
	}
	if _, err := p.page.Reload(playwright.PageReloadOptions{Timeout: timeout}); err != nil {
		return fmt.Errorf("reload failed: %w", err)
	}
	return nil
}

func (p *pwPage) URL() string {
	if p.isClosed() {
		return ""
	}
	return p.page.URL()
}

func (p *pwPage) Fill(ctx context.Context, selector, value string) error {
	timeout, err := p.deadline(ctx)
	if err != nil {
		return err
	}
	if err := p.page.Locator(selector).Fill(value, playwright.LocatorFillOptions{Timeout: timeout}); err != nil {
		return fmt.Errorf("fill failed: %w", err)
	}
	return nil
}

func (p *pwPage) Click(ctx context.Context, selector string) error {
	timeout, err := p.deadline(ctx)
	if err != nil {
		return err
	}
	if err := p.page.Locator(selector).Click(playwright.LocatorClickOptions{Timeout: timeout}); err != nil {
		return fmt.Errorf("click failed: %w", err)
	}
	return nil
}

func (p *pwPage) WaitForURL(ctx context.Context, pattern string) error {
	timeout, err := p.deadline(ctx)
	if err != nil {
		return err
	}
	if err := p.page.WaitForURL(pattern, playwright.PageWaitForURLOptions{Timeout: timeout}); err != nil {
		return fmt.Errorf("wait for url: %w", err)
	}
	return nil
}

type scriptResult struct {
	Missing bool   `json:"missing"`
	Value   string `json:"value"`
	Error   string `json:"error"`
}

func (p *pwPage) evaluate(ctx context.Context, script string, arg map[string]any) (scriptResult, error) {
	var res scriptResult
	if _, err := p.deadline(ctx); err != nil {
		return res, err
	}
	out, err := p.page.Evaluate(script, arg)
	if err != nil {
		return res, fmt.Errorf("evaluate: %w", err)
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return res, err
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return res, fmt.Errorf("decode script result: %w", err)
	}
	return res, nil
}

func (p *pwPage) selector(handle string) (string, error) {
	sel, ok := p.handles[handle]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownHandle, handle)
	}
	return sel, nil
}

func (p *pwPage) State(ctx context.Context, handle, field string, dest any) error {
	sel, err := p.selector(handle)
	if err != nil {
		return err
	}
	res, err := p.evaluate(ctx, stateScript, map[string]any{"selector": sel, "field": field})
	if err != nil {
		return err
	}
	if res.Missing {
		return fmt.Errorf("%w: %s", ErrComponentMissing, handle)
	}
	if err := json.Unmarshal([]byte(res.Value), dest); err != nil {
		return fmt.Errorf("decode %s.%s: %w", handle, field, err)
	}
	return nil
}

func (p *pwPage) Call(ctx context.Context, handle, method string, args ...any) error {
	sel, err := p.selector(handle)
	if err != nil {
		return err
	}
	if args == nil {
		args = []any{}
	}
	res, err := p.evaluate(ctx, callScript, map[string]any{"selector": sel, "method": method, "args": args})
	if err != nil {
		return err
	}
	if res.Missing {
		return fmt.Errorf("%w: %s", ErrComponentMissing, handle)
	}
	if res.Error != "" {
		return fmt.Errorf("%s.%s: %s", handle, method, res.Error)
	}
	return nil
}

func (p *pwPage) Expect(ctx context.Context, match Matcher, trigger func() error) (*Response, error) {
	timeout, err := p.deadline(ctx)
	if err != nil {
		return nil, err
	}
	pred := func(r playwright.Response) bool { return match(r.URL()) }
	resp, err := p.page.ExpectResponse(pred, trigger, playwright.PageExpectResponseOptions{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("await response: %w", err)
	}
	body, err := resp.Body()
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return &Response{URL: resp.URL(), Status: resp.Status(), Body: body}, nil
}

func (p *pwPage) Screenshot(ctx context.Context) ([]byte, error) {
	timeout, err := p.deadline(ctx)
	if err != nil {
		return nil, err
	}
	return p.page.Screenshot(playwright.PageScreenshotOptions{
		FullPage: playwright.Bool(true),
		Timeout:  timeout,
	})
}

func (p *pwPage) OnClose(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onClose = append(p.onClose, fn)
}

func (p *pwPage) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *pwPage) fireClose() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	fns := p.onClose
	p.onClose = nil
	p.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Close tears down page, context and browser. Listeners registered with
// OnClose are dropped without being called.
func (p *pwPage) Close() error {
	p.mu.Lock()
	p.onClose = nil
	p.closed = true
	if p.torn {
		err := p.closeErr
		p.mu.Unlock()
		return err
	}
	p.torn = true
	p.mu.Unlock()

	var errs []error
	if err := p.page.Close(); err != nil && !isTargetClosed(err) {
		errs = append(errs, err)
	}
	if err := p.context.Close(); err != nil && !isTargetClosed(err) {
		errs = append(errs, err)
	}
	if err := p.browser.Close(); err != nil && !isTargetClosed(err) {
		errs = append(errs, err)
	}
	err := errors.Join(errs...)
	p.mu.Lock()
	p.closeErr = err
	p.mu.Unlock()
	return err
}

func isTargetClosed(err error) bool {
	return errors.Is(err, playwright.ErrTargetClosed) || strings.Contains(err.Error(), "has been closed")
}
