package realtime

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Op is the kind of row change carried by a notification.
type Op string

const (
	OpInsert Op = "INSERT"
	OpUpdate Op = "UPDATE"
	OpDelete Op = "DELETE"
)

// Change is one row-change notification.
type Change struct {
	Table     string          `json:"table"`
	Op        Op              `json:"op"`
	Row       json.RawMessage `json:"row"`
	Truncated bool            `json:"truncated,omitempty"`
}

// Decode unmarshals the changed row into v.
func (c Change) Decode(v any) error {
	if len(c.Row) == 0 {
		return fmt.Errorf("change on %s carries no row", c.Table)
	}
	return json.Unmarshal(c.Row, v)
}

// Field returns a column of the changed row rendered as a string.
func (c Change) Field(column string) (string, bool) {
	var row map[string]any
	if err := json.Unmarshal(c.Row, &row); err != nil {
		return "", false
	}
	val, ok := row[column]
	if !ok || val == nil {
		return "", false
	}
	if s, ok := val.(string); ok {
		return s, true
	}
	return fmt.Sprint(val), true
}

// Filter restricts a subscription to rows whose Column equals Value. The zero Filter matches everything.
type Filter struct {
	Column string
	Value  string
}

// Subscription selects changes on one table.
type Subscription struct {
	Table   string
	Ops     []Op
	Filter  Filter
	Handler func(Change)
}

// Matches reports whether the change is selected by the subscription.
func (s Subscription) Matches(c Change) bool {
	if s.Table != c.Table {
		return false
	}
	if len(s.Ops) > 0 {
		found := false
		for _, op := range s.Ops {
			if op == c.Op {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if s.Filter.Column == "" {
		return true
	}
	val, ok := c.Field(s.Filter.Column)
	return ok && val == s.Filter.Value
}

// Feed delivers row changes to subscribers.
type Feed interface {
	Subscribe(sub Subscription) (cancel func())
}

// Dispatcher fans changes out to matching subscriptions. It is the in-process half of every Feed.
type Dispatcher struct {
	mu   sync.RWMutex
	next uint64
	subs map[uint64]Subscription
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{subs: make(map[uint64]Subscription)}
}

// Subscribe registers sub and returns a function that removes it.
func (d *Dispatcher) Subscribe(sub Subscription) func() {
	d.mu.Lock()
	id := d.next
	d.next++
	d.subs[id] = sub
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.subs, id)
			d.mu.Unlock()
		})
	}
}

// Dispatch delivers c to every matching subscription. Handlers run on the caller's goroutine.
func (d *Dispatcher) Dispatch(c Change) {
	d.mu.RLock()
	matched := make([]func(Change), 0, len(d.subs))
	for _, sub := range d.subs {
		if sub.Handler != nil && sub.Matches(c) {
			matched = append(matched, sub.Handler)
		}
	}
	d.mu.RUnlock()

	for _, handler := range matched {
		handler(c)
	}
}

// Len returns the number of live subscriptions.
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subs)
}
