// Package memdriver is an in-memory PageDriver. Tabs hold parsed HTML documents,
// so selectors, text extraction and scrolling behave like a small browser
// without launching one. It backs the agent's dry-run mode and the engine tests.
package memdriver

import (
	"bytes"
	"context"
	"fmt"
	"go/constant"
	"go/token"
	"go/types"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"log/slog"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"

	"github.com/morezero/browser-relay/pkg/execution"
)

const logPrefix = "memdriver:memdriver"

const (
	defaultHeight   = 2000
	defaultViewport = 800
	blankPage       = `<html><head><title></title></head><body></body></html>`
	textTags        = "span, div, td, p, h1, h2, h3, h4, h5, h6"
	hiddenSelector  = `[hidden], [style*="display:none"], [style*="display: none"]`
)

// Site is the content served for a URL.
type Site struct {
	HTML     string
	Height   int
	Viewport int
	Cookies  []execution.Cookie
}

type tab struct {
	id       string
	url      string
	doc      *goquery.Document
	height   int
	viewport int
	offset   int
	cookies  []execution.Cookie
	clicks   []string
	reloads  int
}

// TabSnapshot is a copy of a tab's observable state.
type TabSnapshot struct {
	ID      string
	URL     string
	Title   string
	Offset  int
	Clicks  []string
	Reloads int
}

// Driver is safe for concurrent use.
type Driver struct {
	mu     sync.Mutex
	sites  map[string]Site
	tabs   map[string]*tab
	order  []string
	active string
	nextID int
}

// New returns a Driver with no tabs.
func New() *Driver {
	return &Driver{
		sites: make(map[string]Site),
		tabs:  make(map[string]*tab),
	}
}

// AddSite registers the content served for url.
func (d *Driver) AddSite(url string, site Site) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sites[url] = site
}

// Open simulates the user opening url in a new, focused tab. It returns the tab id.
func (d *Driver) Open(url string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, err := d.openLocked(url)
	if err != nil {
		return "", err
	}
	return t.id, nil
}

// Close simulates the user closing a tab. Focus moves to the most recently opened remaining tab.
func (d *Driver) Close(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.tabs[id]; !ok {
		return
	}
	delete(d.tabs, id)
	for i, v := range d.order {
		if v == id {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
	if d.active == id {
		d.active = ""
		if n := len(d.order); n > 0 {
			d.active = d.order[n-1]
		}
	}
}

// Activate simulates the user focusing a tab.
func (d *Driver) Activate(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.tabs[id]; !ok {
		return false
	}
	d.active = id
	return true
}

// Snapshot returns a copy of tab id's state.
func (d *Driver) Snapshot(id string) (TabSnapshot, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tabs[id]
	if !ok {
		return TabSnapshot{}, false
	}
	return TabSnapshot{
		ID:      t.id,
		URL:     t.url,
		Title:   title(t.doc),
		Offset:  t.offset,
		Clicks:  append([]string(nil), t.clicks...),
		Reloads: t.reloads,
	}, true
}

// Value returns the value attribute of the first element matching selector in tab id.
func (d *Driver) Value(id, selector string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tabs[id]
	if !ok {
		return ""
	}
	v, _ := t.doc.Find(selector).First().Attr("value")
	return v
}

func (d *Driver) openLocked(url string) (*tab, error) {
	site, ok := d.sites[url]
	if !ok {
		site = Site{HTML: blankPage}
	}
	doc, err := parse(site.HTML)
	if err != nil {
		return nil, err
	}
	d.nextID++
	t := &tab{
		id:       fmt.Sprintf("tab-%d", d.nextID),
		url:      url,
		doc:      doc,
		height:   orDefault(site.Height, defaultHeight),
		viewport: orDefault(site.Viewport, defaultViewport),
		cookies:  append([]execution.Cookie(nil), site.Cookies...),
	}
	d.tabs[t.id] = t
	d.order = append(d.order, t.id)
	d.active = t.id
	return t, nil
}

// ResolveCurrentTarget returns the focused tab, or nil when no tab is open.
func (d *Driver) ResolveCurrentTarget(ctx context.Context) (*execution.Target, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active == "" {
		return nil, nil
	}
	return &execution.Target{ID: d.active}, nil
}

// CreateTarget opens url in a new focused tab.
func (d *Driver) CreateTarget(ctx context.Context, url string) (*execution.Target, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	t, err := d.openLocked(url)
	if err != nil {
		return nil, err
	}
	slog.Debug(fmt.Sprintf("%s - created %s for %s", logPrefix, t.id, url))
	return &execution.Target{ID: t.id}, nil
}

// IsAlive reports whether the tab still exists.
func (d *Driver) IsAlive(_ context.Context, t execution.Target) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.tabs[t.ID]
	return ok
}

// Perform runs a against tab t.
func (d *Driver) Perform(ctx context.Context, target execution.Target, a execution.Action) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tabs[target.ID]
	if !ok {
		return nil, fmt.Errorf("%s - target %s is closed", logPrefix, target.ID)
	}

	switch a.Kind {
	case execution.ActionReload:
		return d.reload(t)
	case execution.ActionClick:
		if _, err := pick(t.doc, a.Selector, a.Index); err != nil {
			return nil, err
		}
		t.clicks = append(t.clicks, a.Selector)
		return nil, nil
	case execution.ActionType:
		sel, err := pick(t.doc, a.Selector, 0)
		if err != nil {
			return nil, err
		}
		sel.SetAttr("value", a.Text)
		return nil, nil
	case execution.ActionScroll:
		return t.scroll(a.Direction, a.Amount), nil
	case execution.ActionGetHTML:
		return outerHTML(t.doc, a.Selector)
	case execution.ActionGetText:
		return text(t.doc, a.Selector)
	case execution.ActionGetAllText:
		return allText(t.doc, a.Limit), nil
	case execution.ActionEvaluate:
		return evaluate(t, a.Script)
	case execution.ActionPageInfo:
		return execution.PageInfo{Title: title(t.doc), URL: t.url}, nil
	case execution.ActionFindElements:
		return findElements(t.doc, a.Selector, a.Limit), nil
	case execution.ActionScreenshot:
		return screenshot(t.viewport)
	case execution.ActionCookies:
		return append([]execution.Cookie{}, t.cookies...), nil
	default:
		return nil, fmt.Errorf("%s - unsupported action %q", logPrefix, a.Kind)
	}
}

func (d *Driver) reload(t *tab) (any, error) {
	site, ok := d.sites[t.url]
	if !ok {
		site = Site{HTML: blankPage}
	}
	doc, err := parse(site.HTML)
	if err != nil {
		return nil, err
	}
	t.doc = doc
	t.offset = 0
	t.reloads++
	return execution.PageInfo{Title: title(doc), URL: t.url}, nil
}

func (t *tab) maxOffset() int {
	if m := t.height - t.viewport; m > 0 {
		return m
	}
	return 0
}

func (t *tab) scroll(direction string, amount int) execution.ScrollPosition {
	limit := t.maxOffset()
	switch direction {
	case execution.ScrollUp:
		t.offset -= amount
	case execution.ScrollTop:
		t.offset = 0
	case execution.ScrollBottom:
		t.offset = limit
	default:
		t.offset += amount
	}
	if t.offset < 0 {
		t.offset = 0
	}
	if t.offset > limit {
		t.offset = limit
	}
	return execution.ScrollPosition{Offset: t.offset, MaxOffset: limit}
}

func parse(html string) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("%s - parse page: %w", logPrefix, err)
	}
	return doc, nil
}

func title(doc *goquery.Document) string {
	return strings.TrimSpace(doc.Find("title").First().Text())
}

func pick(doc *goquery.Document, selector string, index int) (*goquery.Selection, error) {
	sel := doc.Find(selector)
	n := sel.Length()
	if n == 0 {
		return nil, execution.NotFound(selector)
	}
	if index < 0 || index >= n {
		return nil, fmt.Errorf("index %d out of range for %s (%d matches)", index, selector, n)
	}
	return sel.Eq(index), nil
}

func outerHTML(doc *goquery.Document, selector string) (string, error) {
	if selector == "" {
		return doc.Html()
	}
	sel := doc.Find(selector)
	if sel.Length() == 0 {
		return "", execution.NotFound(selector)
	}
	return goquery.OuterHtml(sel.First())
}

func text(doc *goquery.Document, selector string) (string, error) {
	if selector == "" {
		return strings.TrimSpace(doc.Find("body").Text()), nil
	}
	sel := doc.Find(selector)
	if sel.Length() == 0 {
		return "", execution.NotFound(selector)
	}
	return strings.TrimSpace(sel.First().Text()), nil
}

func allText(doc *goquery.Document, limit int) []execution.TextItem {
	items := []execution.TextItem{}
	doc.Find(textTags).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		txt := strings.TrimSpace(s.Text())
		if txt != "" && len([]rune(txt)) < 50 {
			items = append(items, execution.TextItem{Text: txt, Tag: strings.ToUpper(goquery.NodeName(s))})
		}
		return limit <= 0 || len(items) < limit
	})
	return items
}

func findElements(doc *goquery.Document, selector string, limit int) execution.ElementSet {
	sel := doc.Find(selector)
	set := execution.ElementSet{Elements: []execution.Element{}, Total: sel.Length()}
	sel.EachWithBreak(func(i int, s *goquery.Selection) bool {
		if limit > 0 && i >= limit {
			return false
		}
		id, _ := s.Attr("id")
		class, _ := s.Attr("class")
		set.Elements = append(set.Elements, execution.Element{
			Index:     i,
			Tag:       strings.ToUpper(goquery.NodeName(s)),
			ID:        id,
			Text:      truncate(strings.TrimSpace(s.Text()), 100),
			ClassName: truncate(class, 50),
			Visible:   s.Closest(hiddenSelector).Length() == 0,
		})
		return true
	})
	return set
}

// evaluate supports page properties plus Go constant expressions, which cover
// arithmetic, string concatenation and comparisons.
func evaluate(t *tab, script string) (any, error) {
	src := strings.TrimSuffix(strings.TrimSpace(script), ";")
	switch src {
	case "document.title":
		return title(t.doc), nil
	case "location.href", "window.location.href", "document.URL":
		return t.url, nil
	case "window.scrollY", "window.pageYOffset":
		return t.offset, nil
	case "document.body.scrollHeight", "document.documentElement.scrollHeight":
		return t.height, nil
	case "undefined":
		return execution.Undefined{}, nil
	case "null":
		return nil, nil
	}
	tv, err := types.Eval(token.NewFileSet(), nil, token.NoPos, src)
	if err != nil {
		return nil, fmt.Errorf("evaluation failed: %v", err)
	}
	if tv.Value == nil {
		return nil, fmt.Errorf("evaluation failed: %q is not a constant expression", src)
	}
	switch tv.Value.Kind() {
	case constant.Bool:
		return constant.BoolVal(tv.Value), nil
	case constant.String:
		return constant.StringVal(tv.Value), nil
	case constant.Int:
		if v, exact := constant.Int64Val(tv.Value); exact {
			return v, nil
		}
		return tv.Value.ExactString(), nil
	case constant.Float:
		v, _ := constant.Float64Val(tv.Value)
		return v, nil
	default:
		return tv.Value.String(), nil
	}
}

func screenshot(viewport int) (execution.Screenshot, error) {
	img := image.NewRGBA(image.Rect(0, 0, 128, viewport/8+1))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return execution.Screenshot{}, fmt.Errorf("%s - encode screenshot: %w", logPrefix, err)
	}
	return execution.Screenshot{Format: "png", Data: buf.Bytes()}, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
