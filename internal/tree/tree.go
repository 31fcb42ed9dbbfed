// Package tree buffers remote objects of hierarchical entity types so
// parents can be processed before their children.
//
// An Aggregator lives for one search or delta pass and is never persisted.
package tree

import (
	"errors"
	"fmt"
	"slices"

	"github.com/roach88/provsync/internal/ir"
)

// ErrDuplicateUID is returned when a pass reports the same UID twice.
var ErrDuplicateUID = errors.New("duplicate uid in hierarchical pass")

// Item is one buffered remote object with its declared parent.
type Item struct {
	UID        string
	Parent     string // empty for roots
	Attributes ir.Attrs
	Deleted    bool
}

// Aggregator is a keyed buffer UID → item for one pass.
//
// Not thread-safe: one pass feeds it from a single handler goroutine.
type Aggregator struct {
	parentAttr string
	items      map[string]Item
	order      []string // arrival order
}

// NewAggregator creates an aggregator that reads parent references from
// parentAttr.
func NewAggregator(parentAttr string) *Aggregator {
	return &Aggregator{parentAttr: parentAttr, items: make(map[string]Item)}
}

// Add buffers one remote object. A repeated UID is a structural error.
func (a *Aggregator) Add(uid string, attrs ir.Attrs, deleted bool) error {
	if _, dup := a.items[uid]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateUID, uid)
	}
	a.items[uid] = Item{
		UID:        uid,
		Parent:     ir.AsString(attrs[a.parentAttr]),
		Attributes: attrs,
		Deleted:    deleted,
	}
	a.order = append(a.order, uid)
	return nil
}

// Lookup returns the buffered item with uid.
func (a *Aggregator) Lookup(uid string) (Item, bool) {
	it, ok := a.items[uid]
	return it, ok
}

// Len returns how many items are buffered.
func (a *Aggregator) Len() int { return len(a.items) }

// Drain empties the buffer and returns the items whose ancestry resolves,
// parents before children, plus the items whose parent was never seen in
// this pass and is not known locally. known reports whether a parent UID
// already exists outside the pass. Items caught in a cycle are unresolved.
//
// Siblings keep their arrival order.
func (a *Aggregator) Drain(known func(uid string) bool) (ordered, unresolved []Item) {
	children := make(map[string][]string)
	var roots []string
	for _, uid := range a.order {
		it := a.items[uid]
		_, parentBuffered := a.items[it.Parent]
		switch {
		case it.Parent == "":
			roots = append(roots, uid)
		case parentBuffered:
			children[it.Parent] = append(children[it.Parent], uid)
		case known != nil && known(it.Parent):
			roots = append(roots, uid)
		}
	}

	visited := make(map[string]bool, len(a.items))
	var walk func(uid string)
	walk = func(uid string) {
		if visited[uid] {
			return
		}
		visited[uid] = true
		ordered = append(ordered, a.items[uid])
		for _, child := range children[uid] {
			walk(child)
		}
	}
	for _, uid := range roots {
		walk(uid)
	}

	for _, uid := range a.order {
		if !visited[uid] {
			unresolved = append(unresolved, a.items[uid])
		}
	}

	a.items = make(map[string]Item)
	a.order = slices.Delete(a.order, 0, len(a.order))
	return ordered, unresolved
}
