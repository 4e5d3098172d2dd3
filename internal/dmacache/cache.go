// Package dmacache keeps the per-device translation cache from guest
// frame numbers to host DMA addresses. Entries are refcounted so
// multiple shadow structures can share one pinned page, and are indexed
// both by GFN and by DMA address; the two indexes always move together.
package dmacache

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/btree"

	"github.com/tinyrange/vgpu/internal/errdefs"
	"github.com/tinyrange/vgpu/internal/guestmem"
)

const btreeDegree = 16

type entry struct {
	gfn  guestmem.GFN
	addr guestmem.DMAAddr
	ref  int
}

// Cache is the bidirectional GFN<->DMA index for one device instance.
// All operations serialize on one mutex; the two indexes are never
// partially visible.
type Cache struct {
	pager guestmem.Pager
	log   *slog.Logger

	mu    sync.Mutex
	byGFN *btree.BTreeG[*entry]
	byDMA *btree.BTreeG[*entry]
}

// New creates an empty cache backed by the supplied pager.
func New(pager guestmem.Pager, log *slog.Logger) *Cache {
	if log == nil {
		log = slog.Default()
	}
	return &Cache{
		pager: pager,
		log:   log,
		byGFN: btree.NewG(btreeDegree, func(a, b *entry) bool { return a.gfn < b.gfn }),
		byDMA: btree.NewG(btreeDegree, func(a, b *entry) bool { return a.addr < b.addr }),
	}
}

// Map returns a DMA address for gfn, pinning and mapping the backing
// page on first use and bumping the refcount on every later call.
func (c *Cache) Map(gfn guestmem.GFN) (guestmem.DMAAddr, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.byGFN.Get(&entry{gfn: gfn}); ok {
		e.ref++
		return e.addr, nil
	}

	addr, err := c.mapPage(gfn)
	if err != nil {
		return 0, err
	}

	e := &entry{gfn: gfn, addr: addr, ref: 1}
	c.byGFN.ReplaceOrInsert(e)
	c.byDMA.ReplaceOrInsert(e)
	return addr, nil
}

// Unmap drops one reference to the entry holding addr. The entry and
// the host mapping go away when the last reference drops. Unknown
// addresses are tolerated: a range invalidation may already have
// removed the entry.
func (c *Cache) Unmap(addr guestmem.DMAAddr) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.byDMA.Get(&entry{addr: addr})
	if !ok {
		return
	}
	e.ref--
	if e.ref > 0 {
		return
	}
	c.unmapPage(e.gfn, e.addr)
	c.remove(e)
}

// InvalidateRange force-removes every entry whose GFN falls in
// [start, end), releasing the host mapping regardless of refcount. The
// host told us the IOMMU mapping is gone; refcounts no longer reflect
// reality for those pages.
func (c *Cache) InvalidateRange(start, end guestmem.GFN) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var victims []*entry
	c.byGFN.AscendRange(&entry{gfn: start}, &entry{gfn: end}, func(e *entry) bool {
		victims = append(victims, e)
		return true
	})
	for _, e := range victims {
		c.unmapPage(e.gfn, e.addr)
		c.remove(e)
	}
}

// DestroyAll unmaps and removes every remaining entry. Safe to call on
// an already empty cache.
func (c *Cache) DestroyAll() {
	for {
		c.mu.Lock()
		e, ok := c.byGFN.Min()
		if !ok {
			c.mu.Unlock()
			return
		}
		c.unmapPage(e.gfn, e.addr)
		c.remove(e)
		c.mu.Unlock()
	}
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.byGFN.Len()
}

// mapPage pins gfn and sets up the DMA mapping. A pin taken before a
// later failure is rolled back; no partial state survives an error.
func (c *Cache) mapPage(gfn guestmem.GFN) (guestmem.DMAAddr, error) {
	frame, err := c.pager.Pin(gfn)
	if err != nil {
		return 0, fmt.Errorf("pin gfn %#x: %w: %w", uint64(gfn), errdefs.ErrHostResourceFailure, err)
	}

	if !c.pager.FrameBacked(frame) {
		if err := c.pager.Unpin(gfn); err != nil {
			c.log.Warn("unpin after unbacked frame failed", "gfn", uint64(gfn), "err", err)
		}
		return 0, fmt.Errorf("gfn %#x -> frame %#x: %w", uint64(gfn), uint64(frame), errdefs.ErrNoBackingPage)
	}

	addr, err := c.pager.MapFrame(frame)
	if err != nil {
		if uerr := c.pager.Unpin(gfn); uerr != nil {
			c.log.Warn("unpin after map failure failed", "gfn", uint64(gfn), "err", uerr)
		}
		return 0, fmt.Errorf("gfn %#x: %w: %w", uint64(gfn), errdefs.ErrMapFailed, err)
	}
	return addr, nil
}

func (c *Cache) unmapPage(gfn guestmem.GFN, addr guestmem.DMAAddr) {
	if err := c.pager.UnmapFrame(addr); err != nil {
		c.log.Warn("dma unmap failed", "gfn", uint64(gfn), "addr", uint64(addr), "err", err)
	}
	if err := c.pager.Unpin(gfn); err != nil {
		c.log.Warn("unpin failed", "gfn", uint64(gfn), "err", err)
	}
}

func (c *Cache) remove(e *entry) {
	c.byGFN.Delete(e)
	c.byDMA.Delete(e)
}
