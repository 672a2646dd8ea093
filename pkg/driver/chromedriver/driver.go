// Package chromedriver implements the agent's PageDriver over the Chrome
// DevTools Protocol using chromedp. Targets are CDP target ids; every action
// runs as a single script or CDP call against that target.
package chromedriver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"

	"github.com/morezero/browser-relay/pkg/execution"
)

const logPrefix = "chromedriver:driver"

// Options configures how the browser is reached.
type Options struct {
	// RemoteURL is a DevTools websocket URL of an already running browser.
	// When empty a local Chrome is launched.
	RemoteURL string
	Headless  bool
	ExecPath  string
	// VersionConstraint is a semver constraint the browser must satisfy.
	VersionConstraint string
}

// Driver is safe for concurrent use, though the engine calls it from one goroutine.
type Driver struct {
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	product       string

	mu     sync.Mutex
	tabs   map[string]tab
	active string
}

type tab struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// New starts or connects to a browser and checks its version.
func New(ctx context.Context, opts Options) (*Driver, error) {
	var (
		allocCtx    context.Context
		allocCancel context.CancelFunc
	)
	if opts.RemoteURL != "" {
		slog.Info(fmt.Sprintf("%s - Connecting to browser at %s", logPrefix, opts.RemoteURL))
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(context.Background(), opts.RemoteURL)
	} else {
		allocCtx, allocCancel = chromedp.NewExecAllocator(context.Background(), execOptions(opts)...)
	}
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	d := &Driver{
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		tabs:          make(map[string]tab),
	}

	if err := chromedp.Run(browserCtx); err != nil {
		d.Close()
		return nil, fmt.Errorf("%s - failed to start browser: %w", logPrefix, err)
	}
	first := chromedp.FromContext(browserCtx).Target
	if first != nil {
		d.tabs[string(first.TargetID)] = tab{ctx: browserCtx, cancel: func() {}}
		d.active = string(first.TargetID)
	}

	err := d.run(ctx, browserCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, product, _, _, _, err := browser.GetVersion().Do(ctx)
		d.product = product
		return err
	}))
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("%s - failed to read browser version: %w", logPrefix, err)
	}
	if err := CheckVersion(d.product, opts.VersionConstraint); err != nil {
		d.Close()
		return nil, err
	}

	slog.Info(fmt.Sprintf("%s - Browser ready: %s", logPrefix, d.product))
	return d, nil
}

func execOptions(opts Options) []chromedp.ExecAllocatorOption {
	out := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	if !opts.Headless {
		out = append(out, chromedp.Flag("headless", false))
	}
	if opts.ExecPath != "" {
		out = append(out, chromedp.ExecPath(opts.ExecPath))
	}
	return out
}

// Product is the browser's product string, e.g. "HeadlessChrome/120.0.6099.109".
func (d *Driver) Product() string {
	return d.product
}

// Close disconnects from the browser. A locally launched browser exits.
func (d *Driver) Close() {
	d.browserCancel()
	d.allocCancel()
}

func (d *Driver) pages(ctx context.Context) ([]*target.Info, error) {
	runCtx, cancel := bounded(ctx, d.browserCtx)
	defer cancel()
	all, err := chromedp.Targets(runCtx)
	if err != nil {
		return nil, fmt.Errorf("%s - list targets: %w", logPrefix, err)
	}
	var infos []*target.Info
	for _, info := range all {
		if info.Type == "page" && !strings.HasPrefix(info.URL, "devtools://") {
			infos = append(infos, info)
		}
	}
	return infos, nil
}

// ResolveCurrentTarget returns the last used page when it still exists,
// otherwise the first open page, or nil when the browser has none.
func (d *Driver) ResolveCurrentTarget(ctx context.Context) (*execution.Target, error) {
	infos, err := d.pages(ctx)
	if err != nil {
		return nil, err
	}
	if len(infos) == 0 {
		return nil, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, info := range infos {
		if string(info.TargetID) == d.active {
			return &execution.Target{ID: d.active}, nil
		}
	}
	d.active = string(infos[0].TargetID)
	return &execution.Target{ID: d.active}, nil
}

// CreateTarget opens url in a new tab.
func (d *Driver) CreateTarget(ctx context.Context, url string) (*execution.Target, error) {
	tabCtx, cancel := chromedp.NewContext(d.browserCtx)
	if err := chromedp.Run(tabCtx); err != nil {
		cancel()
		return nil, fmt.Errorf("%s - create tab: %w", logPrefix, err)
	}
	if err := d.run(ctx, tabCtx, chromedp.Navigate(url)); err != nil {
		cancel()
		return nil, fmt.Errorf("%s - navigate %s: %w", logPrefix, url, err)
	}
	id := string(chromedp.FromContext(tabCtx).Target.TargetID)

	d.mu.Lock()
	d.tabs[id] = tab{ctx: tabCtx, cancel: cancel}
	d.active = id
	d.mu.Unlock()

	slog.Debug(fmt.Sprintf("%s - created %s for %s", logPrefix, id, url))
	return &execution.Target{ID: id}, nil
}

// IsAlive reports whether the target is still an open page.
func (d *Driver) IsAlive(ctx context.Context, t execution.Target) bool {
	infos, err := d.pages(ctx)
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - liveness check failed: %v", logPrefix, err))
		return false
	}
	for _, info := range infos {
		if string(info.TargetID) == t.ID {
			return true
		}
	}
	d.mu.Lock()
	if gone, ok := d.tabs[t.ID]; ok {
		gone.cancel()
		delete(d.tabs, t.ID)
	}
	d.mu.Unlock()
	return false
}

// attach returns the chromedp context for target id, attaching on first use.
func (d *Driver) attach(id string) context.Context {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.active = id
	if t, ok := d.tabs[id]; ok {
		return t.ctx
	}
	c, cancel := chromedp.NewContext(d.browserCtx, chromedp.WithTargetID(target.ID(id)))
	d.tabs[id] = tab{ctx: c, cancel: cancel}
	return c
}

// bounded derives a context from tabCtx that is also cancelled with ctx.
// Cancelling it never closes the tab itself.
func bounded(ctx, tabCtx context.Context) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithCancel(tabCtx)
	stop := context.AfterFunc(ctx, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}
}

func (d *Driver) run(ctx, tabCtx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := bounded(ctx, tabCtx)
	defer cancel()
	return chromedp.Run(runCtx, actions...)
}

func (d *Driver) eval(ctx, tabCtx context.Context, script string, out any) error {
	return d.run(ctx, tabCtx, chromedp.Evaluate(script, out, byValue))
}

// byValue makes Chrome serialize the result into RemoteObject.Value and await
// promises. chromedp leaves returnByValue unset for *runtime.RemoteObject
// targets, which would otherwise yield a bare object handle.
func byValue(p *runtime.EvaluateParams) *runtime.EvaluateParams {
	return p.WithReturnByValue(true).WithAwaitPromise(true)
}

// Perform runs a against target t.
func (d *Driver) Perform(ctx context.Context, t execution.Target, a execution.Action) (any, error) {
	tabCtx := d.attach(t.ID)

	switch a.Kind {
	case execution.ActionReload:
		var info execution.PageInfo
		err := d.run(ctx, tabCtx, chromedp.Reload(), chromedp.Title(&info.Title), chromedp.Location(&info.URL))
		return info, err
	case execution.ActionClick:
		var n int
		if err := d.eval(ctx, tabCtx, clickScript(a.Selector, a.Index), &n); err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, execution.NotFound(a.Selector)
		}
		if a.Index < 0 || a.Index >= n {
			return nil, fmt.Errorf("index %d out of range for %s (%d matches)", a.Index, a.Selector, n)
		}
		return nil, nil
	case execution.ActionType:
		var ok bool
		if err := d.eval(ctx, tabCtx, typeScript(a.Selector, a.Text), &ok); err != nil {
			return nil, err
		}
		if !ok {
			return nil, execution.NotFound(a.Selector)
		}
		return nil, nil
	case execution.ActionScroll:
		var pos execution.ScrollPosition
		err := d.eval(ctx, tabCtx, scrollScript(a.Direction, a.Amount), &pos)
		return pos, err
	case execution.ActionGetHTML:
		return d.lookup(ctx, tabCtx, htmlScript(a.Selector), a.Selector)
	case execution.ActionGetText:
		return d.lookup(ctx, tabCtx, textScript(a.Selector), a.Selector)
	case execution.ActionGetAllText:
		items := []execution.TextItem{}
		err := d.eval(ctx, tabCtx, allTextScript(a.Limit), &items)
		return items, err
	case execution.ActionEvaluate:
		return d.evaluate(ctx, tabCtx, a.Script)
	case execution.ActionPageInfo:
		var info execution.PageInfo
		err := d.run(ctx, tabCtx, chromedp.Title(&info.Title), chromedp.Location(&info.URL))
		return info, err
	case execution.ActionFindElements:
		set := execution.ElementSet{Elements: []execution.Element{}}
		err := d.eval(ctx, tabCtx, findScript(a.Selector, a.Limit), &set)
		return set, err
	case execution.ActionScreenshot:
		var data []byte
		err := d.run(ctx, tabCtx, chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			data, err = page.CaptureScreenshot().WithFormat(page.CaptureScreenshotFormatPng).Do(ctx)
			return err
		}))
		return execution.Screenshot{Format: "png", Data: data}, err
	case execution.ActionCookies:
		var cookies []execution.Cookie
		err := d.run(ctx, tabCtx, chromedp.ActionFunc(func(ctx context.Context) error {
			raw, err := network.GetCookies().Do(ctx)
			cookies = convertCookies(raw)
			return err
		}))
		return cookies, err
	default:
		return nil, fmt.Errorf("%s - unsupported action %q", logPrefix, a.Kind)
	}
}

func (d *Driver) lookup(ctx, tabCtx context.Context, script, selector string) (string, error) {
	var res lookup
	if err := d.eval(ctx, tabCtx, script, &res); err != nil {
		return "", err
	}
	if !res.Found {
		return "", execution.NotFound(selector)
	}
	return res.Value, nil
}

func (d *Driver) evaluate(ctx, tabCtx context.Context, script string) (any, error) {
	var obj *runtime.RemoteObject
	if err := d.eval(ctx, tabCtx, script, &obj); err != nil {
		var exc *runtime.ExceptionDetails
		if errors.As(err, &exc) {
			return nil, fmt.Errorf("evaluation failed: %s", exc.Error())
		}
		return nil, err
	}
	return remoteValue(obj)
}

// remoteValue converts a by-value RemoteObject into the Go value the
// dispatcher coerces: nil for null, execution.Undefined for undefined and
// float64 specials for NaN and the infinities.
func remoteValue(obj *runtime.RemoteObject) (any, error) {
	if obj == nil || obj.Type == runtime.TypeUndefined {
		return execution.Undefined{}, nil
	}
	if obj.Subtype == runtime.SubtypeNull {
		return nil, nil
	}
	switch obj.UnserializableValue {
	case "":
	case "NaN":
		return math.NaN(), nil
	case "Infinity":
		return math.Inf(1), nil
	case "-Infinity":
		return math.Inf(-1), nil
	case "-0":
		return 0.0, nil
	default:
		// bigint literals such as "12n"
		return strings.TrimSuffix(string(obj.UnserializableValue), "n"), nil
	}
	if len(obj.Value) == 0 {
		if obj.ObjectID != "" {
			return nil, fmt.Errorf("evaluation result %s was returned by reference, not by value", obj.Description)
		}
		return obj.Description, nil
	}
	var v any
	if err := json.Unmarshal([]byte(obj.Value), &v); err != nil {
		return nil, fmt.Errorf("%s - decode evaluation result: %w", logPrefix, err)
	}
	return v, nil
}

func convertCookies(raw []*network.Cookie) []execution.Cookie {
	out := make([]execution.Cookie, 0, len(raw))
	for _, c := range raw {
		out = append(out, execution.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
		})
	}
	return out
}
