// Package execution owns the "current target" the engine acts on and performs
// single actions against it through a PageDriver.
package execution

import (
	"context"
	"errors"
	"fmt"
)

// Target is an opaque handle to a page or tab.
type Target struct {
	ID string `json:"id"`
}

// ActionKind names one page operation.
type ActionKind string

const (
	ActionReload       ActionKind = "reload"
	ActionClick        ActionKind = "click"
	ActionType         ActionKind = "type"
	ActionScroll       ActionKind = "scroll"
	ActionGetHTML      ActionKind = "getHTML"
	ActionGetText      ActionKind = "getText"
	ActionGetAllText   ActionKind = "getAllText"
	ActionEvaluate     ActionKind = "evaluate"
	ActionPageInfo     ActionKind = "pageInfo"
	ActionFindElements ActionKind = "findElements"
	ActionScreenshot   ActionKind = "screenshot"
	ActionCookies      ActionKind = "cookies"
)

// Scroll directions.
const (
	ScrollUp     = "up"
	ScrollDown   = "down"
	ScrollTop    = "top"
	ScrollBottom = "bottom"
)

// Action describes one operation for PageDriver.Perform. Only the fields relevant
// to Kind are read.
type Action struct {
	Kind      ActionKind
	Selector  string
	Index     int
	Text      string
	Direction string
	Amount    int
	Script    string
	Limit     int
}

// PageInfo is returned for ActionPageInfo and ActionReload.
type PageInfo struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// ScrollPosition is returned for ActionScroll.
type ScrollPosition struct {
	Offset    int `json:"offset"`
	MaxOffset int `json:"maxOffset"`
}

// Element describes one matched DOM element.
type Element struct {
	Index     int    `json:"index"`
	Tag       string `json:"tag"`
	ID        string `json:"id,omitempty"`
	Text      string `json:"text"`
	ClassName string `json:"className,omitempty"`
	Visible   bool   `json:"visible"`
}

// ElementSet is returned for ActionFindElements. Total counts all matches,
// Elements holds at most Action.Limit of them.
type ElementSet struct {
	Elements []Element `json:"elements"`
	Total    int       `json:"total"`
}

// TextItem is one entry of ActionGetAllText.
type TextItem struct {
	Text string `json:"text"`
	Tag  string `json:"tag"`
}

// Cookie is a browser cookie visible to the target's origin.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires,omitempty"`
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
}

// Screenshot is returned for ActionScreenshot.
type Screenshot struct {
	Format string `json:"format"`
	Data   []byte `json:"-"`
}

// PageDriver performs browser operations. Implementations return nil, nil from
// ResolveCurrentTarget when no target exists.
type PageDriver interface {
	ResolveCurrentTarget(ctx context.Context) (*Target, error)
	CreateTarget(ctx context.Context, url string) (*Target, error)
	IsAlive(ctx context.Context, t Target) bool
	Perform(ctx context.Context, t Target, a Action) (any, error)
}

// ErrNoActiveTarget is returned when a command needs a target and none exists.
var ErrNoActiveTarget = errors.New("no active target")

// ErrElementNotFound matches any ElementNotFoundError via errors.Is.
var ErrElementNotFound = errors.New("element not found")

// ElementNotFoundError reports a selector that matched nothing.
type ElementNotFoundError struct {
	Selector string
}

func (e *ElementNotFoundError) Error() string {
	return fmt.Sprintf("element not found: %s", e.Selector)
}

func (e *ElementNotFoundError) Is(target error) bool {
	return target == ErrElementNotFound
}

// NotFound is shorthand for a selector miss.
func NotFound(selector string) error {
	return &ElementNotFoundError{Selector: selector}
}

// Undefined is returned by drivers when a script evaluates to JavaScript undefined,
// as distinct from null (a nil value).
type Undefined struct{}
