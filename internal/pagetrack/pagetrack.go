// Package pagetrack tracks the guest frames a device model has asked to
// write-protect and routes guest write faults back to it.
package pagetrack

import (
	"fmt"
	"sync"

	"github.com/tinyrange/vgpu/internal/errdefs"
	"github.com/tinyrange/vgpu/internal/guestmem"
)

// Table is the set of currently write-protected guest frames for one
// guest session. Lookups from the fault path run concurrently with
// adds and removes from device-model threads.
type Table struct {
	mu   sync.RWMutex
	gfns map[guestmem.GFN]struct{}
}

// NewTable returns an empty protection table.
func NewTable() *Table {
	return &Table{gfns: make(map[guestmem.GFN]struct{})}
}

// IsProtected reports whether gfn is tracked.
func (t *Table) IsProtected(gfn guestmem.GFN) bool {
	t.mu.RLock()
	_, ok := t.gfns[gfn]
	t.mu.RUnlock()
	return ok
}

func (t *Table) add(gfn guestmem.GFN) {
	t.mu.Lock()
	t.gfns[gfn] = struct{}{}
	t.mu.Unlock()
}

func (t *Table) del(gfn guestmem.GFN) {
	t.mu.Lock()
	delete(t.gfns, gfn)
	t.mu.Unlock()
}

// Len returns the number of tracked frames.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.gfns)
}

// WriteHandler consumes a guest write to a protected page.
type WriteHandler func(gpa guestmem.GPA, data []byte)

// Tracker binds a Table to a guest session: it installs and removes the
// host write traps and forwards faults to the device model. It
// implements guestmem.PageTrackNotifier.
type Tracker struct {
	session guestmem.Session
	table   *Table
	handler WriteHandler
}

// NewTracker creates a tracker for one guest session. handler receives
// the payload of every write fault on a tracked frame.
func NewTracker(session guestmem.Session, handler WriteHandler) *Tracker {
	return &Tracker{
		session: session,
		table:   NewTable(),
		handler: handler,
	}
}

// Table exposes the underlying protection table.
func (tr *Tracker) Table() *Table { return tr.table }

// Add write-protects gfn. Adding an already protected frame is a
// no-op; the host trap is installed exactly once.
func (tr *Tracker) Add(gfn guestmem.GFN) error {
	slot, err := tr.session.ResolveSlot(gfn)
	if err != nil {
		return fmt.Errorf("gfn %#x: %w", uint64(gfn), errdefs.ErrInvalidGuestAddress)
	}

	if tr.table.IsProtected(gfn) {
		return nil
	}
	if err := tr.session.InstallWriteTrap(slot, gfn); err != nil {
		return fmt.Errorf("install write trap for gfn %#x: %w: %w", uint64(gfn), errdefs.ErrHostResourceFailure, err)
	}
	tr.table.add(gfn)
	return nil
}

// Remove lifts write protection from gfn. Removing an untracked frame
// is a no-op.
func (tr *Tracker) Remove(gfn guestmem.GFN) error {
	slot, err := tr.session.ResolveSlot(gfn)
	if err != nil {
		return fmt.Errorf("gfn %#x: %w", uint64(gfn), errdefs.ErrInvalidGuestAddress)
	}

	if !tr.table.IsProtected(gfn) {
		return nil
	}
	if err := tr.session.RemoveWriteTrap(slot, gfn); err != nil {
		return fmt.Errorf("remove write trap for gfn %#x: %w: %w", uint64(gfn), errdefs.ErrHostResourceFailure, err)
	}
	tr.table.del(gfn)
	return nil
}

// TrackWrite implements guestmem.PageTrackNotifier. This is the hot
// path behind the hypervisor's write fault; untracked frames are
// ignored and tracked ones stay protected until explicitly removed.
func (tr *Tracker) TrackWrite(gpa guestmem.GPA, data []byte) {
	if tr.table.IsProtected(gpa.GFN()) {
		tr.handler(gpa, data)
	}
}

// TrackFlushSlot implements guestmem.PageTrackNotifier. The slot is
// going away; drop every tracked frame it contains along with its trap.
func (tr *Tracker) TrackFlushSlot(slot guestmem.Slot) {
	for i := uint64(0); i < slot.NumPages; i++ {
		gfn := slot.BaseGFN + guestmem.GFN(i)
		if !tr.table.IsProtected(gfn) {
			continue
		}
		_ = tr.session.RemoveWriteTrap(slot, gfn)
		tr.table.del(gfn)
	}
}

// Destroy empties the table. Host traps are assumed already gone with
// the session; only the local state is dropped.
func (tr *Tracker) Destroy() {
	tr.table.mu.Lock()
	tr.table.gfns = make(map[guestmem.GFN]struct{})
	tr.table.mu.Unlock()
}
