package bridge

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/cryguy/edgeruntime/internal/core"
)

// ResourceID identifies an entry of a Table.
type ResourceID uint32

// ErrBadResource is returned for ids that are not (or no longer) registered.
var ErrBadResource = errors.New("bad resource id")

type resourceEntry struct {
	res  any
	refs int
}

// Table maps ids to exclusively owned resources. Consumers either borrow a
// resource for a bounded time or take it out of the table for good.
type Table struct {
	mu      sync.Mutex
	next    ResourceID
	entries map[ResourceID]*resourceEntry
}

// NewTable returns an empty resource table.
func NewTable() *Table {
	return &Table{entries: make(map[ResourceID]*resourceEntry)}
}

// Add registers res and returns its id.
func (t *Table) Add(res any) ResourceID {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	t.entries[t.next] = &resourceEntry{res: res}
	return t.next
}

// Borrow returns the resource and a release func. While borrowed the
// resource cannot be taken.
func (t *Table) Borrow(rid ResourceID) (any, func(), error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[rid]
	if !ok {
		return nil, nil, fmt.Errorf("borrow %d: %w", rid, ErrBadResource)
	}
	e.refs++
	var once sync.Once
	release := func() {
		once.Do(func() {
			t.mu.Lock()
			e.refs--
			t.mu.Unlock()
		})
	}
	return e.res, release, nil
}

// TryTake removes the resource from the table and transfers ownership to the
// caller. It fails with core.ErrResourceBusy, leaving the entry untouched,
// while any borrow is outstanding.
func (t *Table) TryTake(rid ResourceID) (any, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[rid]
	if !ok {
		return nil, fmt.Errorf("take %d: %w", rid, ErrBadResource)
	}
	if e.refs > 0 {
		return nil, fmt.Errorf("take %d: stream is currently in use: %w", rid, core.ErrResourceBusy)
	}
	delete(t.entries, rid)
	return e.res, nil
}

// Drain empties the table and returns every resource it held, borrowed or
// not, in id order.
func (t *Table) Drain() []any {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]ResourceID, 0, len(t.entries))
	for rid := range t.entries {
		ids = append(ids, rid)
	}
	slices.Sort(ids)
	out := make([]any, 0, len(ids))
	for _, rid := range ids {
		out = append(out, t.entries[rid].res)
	}
	clear(t.entries)
	return out
}

// Len returns the number of registered resources.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
