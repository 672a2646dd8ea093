package dispatcher

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/morezero/browser-relay/pkg/execution"
)

// Navigation sentinels that reload the current target instead of opening a new one.
const (
	NavigateReloadCurrent = "reload-current"
	NavigateCurrent       = "current"
)

// Options tunes the built-in command set.
type Options struct {
	CommandTimeout time.Duration
	SelectorCap    int
	PayloadCap     int
	TextItemCap    int
}

func (o Options) withDefaults() Options {
	if o.CommandTimeout == 0 {
		o.CommandTimeout = DefaultCommandTimeout
	}
	if o.SelectorCap <= 0 {
		o.SelectorCap = DefaultSelectorCap
	}
	if o.PayloadCap <= 0 {
		o.PayloadCap = DefaultPayloadCap
	}
	if o.TextItemCap <= 0 {
		o.TextItemCap = DefaultTextItemCap
	}
	return o
}

// New builds a Dispatcher serving the built-in command set against exec.
func New(exec *execution.Context, opts Options) (*Dispatcher, error) {
	opts = opts.withDefaults()
	reg, err := NewRegistry(Commands(exec, opts)...)
	if err != nil {
		return nil, err
	}
	if err := reg.Validate(RequiredCommands...); err != nil {
		return nil, err
	}
	return NewDispatcher(reg, opts.CommandTimeout, exec), nil
}

// Commands returns the built-in registry entries.
func Commands(exec *execution.Context, opts Options) []Entry {
	opts = opts.withDefaults()
	h := &handlers{exec: exec, opts: opts}
	return []Entry{
		{Type: "navigate", Handle: h.navigate},
		{Type: "click", Handle: h.click, NeedsTarget: true},
		{Type: "type", Handle: h.typeText, NeedsTarget: true},
		{Type: "scroll", Handle: h.scroll, NeedsTarget: true},
		{Type: "wait", Handle: h.wait, NoTimeout: true},
		{Type: "getHTML", Handle: h.getHTML, NeedsTarget: true},
		{Type: "getText", Handle: h.getText, NeedsTarget: true},
		{Type: "getAllText", Handle: h.getAllText, NeedsTarget: true},
		{Type: "evaluate", Aliases: []string{"executeScript"}, Handle: h.evaluate, NeedsTarget: true},
		{Type: "getPageInfo", Handle: h.getPageInfo, NeedsTarget: true},
		{Type: "findElements", Aliases: []string{"findElement", "extractData"}, Handle: h.findElements, NeedsTarget: true},
		{Type: "screenshot", Aliases: []string{"getScreenshot"}, Handle: h.screenshot, NeedsTarget: true},
		{Type: "getCookies", Handle: h.getCookies, NeedsTarget: true},
	}
}

type handlers struct {
	exec *execution.Context
	opts Options
}

func (h *handlers) navigate(ctx context.Context, params map[string]any) (any, error) {
	var p navigateParams
	if err := decodeParams("navigate", params, &p); err != nil {
		return nil, err
	}
	if p.URL == "" {
		return nil, errors.New("navigate requires url")
	}

	if p.URL == NavigateReloadCurrent || p.URL == NavigateCurrent {
		t, info, err := h.exec.Reload(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"action": "reloaded", "targetId": t.ID, "url": info.URL}, nil
	}

	t, err := h.exec.Open(ctx, p.URL)
	if err != nil {
		return nil, err
	}
	finalURL := p.URL
	if _, v, err := h.exec.Perform(ctx, execution.Action{Kind: execution.ActionPageInfo}); err == nil {
		if info, ok := v.(execution.PageInfo); ok && info.URL != "" {
			finalURL = info.URL
		}
	}
	return map[string]any{"action": "navigated", "targetId": t.ID, "url": finalURL}, nil
}

func (h *handlers) click(ctx context.Context, params map[string]any) (any, error) {
	var p clickParams
	if err := decodeParams("click", params, &p); err != nil {
		return nil, err
	}
	if p.Selector == "" {
		return nil, errors.New("click requires selector")
	}
	if p.Index < 0 {
		return nil, fmt.Errorf("invalid click index: %d", p.Index)
	}
	if _, _, err := h.exec.Perform(ctx, execution.Action{Kind: execution.ActionClick, Selector: p.Selector, Index: p.Index}); err != nil {
		return nil, err
	}
	return map[string]any{"clicked": p.Selector, "index": p.Index}, nil
}

func (h *handlers) typeText(ctx context.Context, params map[string]any) (any, error) {
	var p typeParams
	if err := decodeParams("type", params, &p); err != nil {
		return nil, err
	}
	if p.Selector == "" {
		return nil, errors.New("type requires selector")
	}
	if _, _, err := h.exec.Perform(ctx, execution.Action{Kind: execution.ActionType, Selector: p.Selector, Text: p.Text}); err != nil {
		return nil, err
	}
	return map[string]any{"typed": p.Selector, "length": len([]rune(p.Text))}, nil
}

func (h *handlers) scroll(ctx context.Context, params map[string]any) (any, error) {
	var p scrollParams
	if err := decodeParams("scroll", params, &p); err != nil {
		return nil, err
	}
	if p.Direction == "" {
		p.Direction = execution.ScrollDown
	}
	switch p.Direction {
	case execution.ScrollUp, execution.ScrollDown, execution.ScrollTop, execution.ScrollBottom:
	default:
		return nil, fmt.Errorf("invalid scroll direction: %s", p.Direction)
	}
	amount := defaultScrollAmount
	if p.Amount != nil {
		amount = *p.Amount
	}
	if amount < 0 {
		return nil, fmt.Errorf("invalid scroll amount: %d", amount)
	}

	_, v, err := h.exec.Perform(ctx, execution.Action{Kind: execution.ActionScroll, Direction: p.Direction, Amount: amount})
	if err != nil {
		return nil, err
	}
	pos, _ := v.(execution.ScrollPosition)
	return map[string]any{"direction": p.Direction, "amount": amount, "offset": pos.Offset, "maxOffset": pos.MaxOffset}, nil
}

// wait is exempt from the command timeout; only shutdown of the parent context ends it early.
func (h *handlers) wait(ctx context.Context, params map[string]any) (any, error) {
	var p waitParams
	if err := decodeParams("wait", params, &p); err != nil {
		return nil, err
	}
	ms := defaultWaitMillis
	if p.Duration != nil {
		ms = *p.Duration
	}
	if ms < 0 {
		return nil, fmt.Errorf("invalid wait duration: %d", ms)
	}

	start := time.Now()
	timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return map[string]any{"waited": ms, "elapsedMs": time.Since(start).Milliseconds()}, nil
}

func (h *handlers) getHTML(ctx context.Context, params map[string]any) (any, error) {
	var p selectorParams
	if err := decodeParams("getHTML", params, &p); err != nil {
		return nil, err
	}
	_, v, err := h.exec.Perform(ctx, execution.Action{Kind: execution.ActionGetHTML, Selector: p.Selector})
	if err != nil {
		return nil, err
	}
	html, length, truncated := capText(fmt.Sprint(v), h.opts.PayloadCap)
	return map[string]any{"html": html, "length": length, "truncated": truncated}, nil
}

func (h *handlers) getText(ctx context.Context, params map[string]any) (any, error) {
	var p selectorParams
	if err := decodeParams("getText", params, &p); err != nil {
		return nil, err
	}
	_, v, err := h.exec.Perform(ctx, execution.Action{Kind: execution.ActionGetText, Selector: p.Selector})
	if err != nil {
		return nil, err
	}
	text, length, truncated := capText(fmt.Sprint(v), h.opts.PayloadCap)
	return map[string]any{"text": text, "length": length, "truncated": truncated}, nil
}

func (h *handlers) getAllText(ctx context.Context, _ map[string]any) (any, error) {
	_, v, err := h.exec.Perform(ctx, execution.Action{Kind: execution.ActionGetAllText, Limit: h.opts.TextItemCap})
	if err != nil {
		return nil, err
	}
	items, _ := v.([]execution.TextItem)
	if items == nil {
		items = []execution.TextItem{}
	}
	if len(items) > h.opts.TextItemCap {
		items = items[:h.opts.TextItemCap]
	}
	return map[string]any{"texts": items}, nil
}

func (h *handlers) evaluate(ctx context.Context, params map[string]any) (any, error) {
	var p evaluateParams
	if err := decodeParams("evaluate", params, &p); err != nil {
		return nil, err
	}
	script := p.Script
	if script == "" {
		script = p.Code
	}
	if script == "" {
		return nil, errors.New("evaluate requires script")
	}
	_, v, err := h.exec.Perform(ctx, execution.Action{Kind: execution.ActionEvaluate, Script: script})
	if err != nil {
		return nil, err
	}
	return coerceString(v), nil
}

func (h *handlers) getPageInfo(ctx context.Context, _ map[string]any) (any, error) {
	t, v, err := h.exec.Perform(ctx, execution.Action{Kind: execution.ActionPageInfo})
	if err != nil {
		return nil, err
	}
	info, _ := v.(execution.PageInfo)
	return map[string]any{"title": info.Title, "url": info.URL, "targetId": t.ID}, nil
}

func (h *handlers) findElements(ctx context.Context, params map[string]any) (any, error) {
	var p findParams
	if err := decodeParams("findElements", params, &p); err != nil {
		return nil, err
	}
	if p.Selector == "" {
		return nil, errors.New("findElements requires selector")
	}
	limit := clampLimit(p.Limit, h.opts.SelectorCap)

	_, v, err := h.exec.Perform(ctx, execution.Action{Kind: execution.ActionFindElements, Selector: p.Selector, Limit: limit})
	if err != nil {
		return nil, err
	}
	set, _ := v.(execution.ElementSet)
	if set.Total == 0 {
		return nil, execution.NotFound(p.Selector)
	}
	elements := set.Elements
	if len(elements) > limit {
		elements = elements[:limit]
	}
	return map[string]any{"elements": elements, "total": set.Total, "truncated": set.Total > len(elements)}, nil
}

func (h *handlers) screenshot(ctx context.Context, _ map[string]any) (any, error) {
	_, v, err := h.exec.Perform(ctx, execution.Action{Kind: execution.ActionScreenshot})
	if err != nil {
		return nil, err
	}
	shot, ok := v.(execution.Screenshot)
	if !ok {
		return nil, errors.New("driver returned no screenshot")
	}
	format := shot.Format
	if format == "" {
		format = "png"
	}
	return map[string]any{
		"format": format,
		"bytes":  len(shot.Data),
		"data":   base64.StdEncoding.EncodeToString(shot.Data),
	}, nil
}

func (h *handlers) getCookies(ctx context.Context, _ map[string]any) (any, error) {
	_, v, err := h.exec.Perform(ctx, execution.Action{Kind: execution.ActionCookies})
	if err != nil {
		return nil, err
	}
	cookies, _ := v.([]execution.Cookie)
	if cookies == nil {
		cookies = []execution.Cookie{}
	}
	return map[string]any{"cookies": cookies}, nil
}
