package dispatcher

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// HandlerFunc executes one command given its raw params.
type HandlerFunc func(ctx context.Context, params map[string]any) (any, error)

// Entry is one registered command.
type Entry struct {
	Type    string
	Aliases []string
	Handle  HandlerFunc
	// NeedsTarget makes the dispatcher resolve the current target before the
	// handler runs, failing with "no active target" when there is none.
	NeedsTarget bool
	// NoTimeout exempts the command from the per-command deadline.
	NoTimeout bool
}

// Registry maps command types and aliases to entries. It is fixed once built.
type Registry struct {
	entries map[string]*Entry
	types   []string
}

// RequiredCommands is the minimum command set an agent must serve.
var RequiredCommands = []string{
	"navigate", "click", "type", "scroll", "wait",
	"getHTML", "getText", "evaluate", "getPageInfo",
	"findElements", "extractData", "screenshot", "getCookies",
}

// NewRegistry builds a registry. A type or alias registered twice is an error.
func NewRegistry(entries ...Entry) (*Registry, error) {
	r := &Registry{entries: make(map[string]*Entry)}
	for i := range entries {
		e := entries[i]
		if e.Type == "" || e.Handle == nil {
			return nil, fmt.Errorf("%s - invalid registry entry %d", registryLogPrefix, i)
		}
		for _, name := range append([]string{e.Type}, e.Aliases...) {
			if _, dup := r.entries[name]; dup {
				return nil, fmt.Errorf("%s - duplicate command %q", registryLogPrefix, name)
			}
			r.entries[name] = &e
		}
		r.types = append(r.types, e.Type)
	}
	sort.Strings(r.types)
	return r, nil
}

const registryLogPrefix = "dispatcher:registry"

// Lookup finds the entry for a type or alias.
func (r *Registry) Lookup(name string) (*Entry, bool) {
	e, ok := r.entries[name]
	return e, ok
}

// Types lists canonical command types, sorted.
func (r *Registry) Types() []string {
	out := make([]string, len(r.types))
	copy(out, r.types)
	return out
}

// Validate checks that every name in required is routable.
func (r *Registry) Validate(required ...string) error {
	var missing []string
	for _, name := range required {
		if _, ok := r.entries[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%s - missing commands: %s", registryLogPrefix, strings.Join(missing, ", "))
	}
	return nil
}
