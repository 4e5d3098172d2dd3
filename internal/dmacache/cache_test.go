package dmacache

import (
	"errors"
	"sync"
	"testing"

	"github.com/tinyrange/vgpu/internal/errdefs"
	"github.com/tinyrange/vgpu/internal/guestmem"
)

type fakePager struct {
	mu sync.Mutex

	pins     map[guestmem.GFN]int
	maps     int
	unmaps   int
	unpins   int
	failMap  bool
	unbacked map[guestmem.GFN]bool
}

func newFakePager() *fakePager {
	return &fakePager{
		pins:     make(map[guestmem.GFN]int),
		unbacked: make(map[guestmem.GFN]bool),
	}
}

func (f *fakePager) Pin(gfn guestmem.GFN) (guestmem.HostFrame, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pins[gfn]++
	return guestmem.HostFrame(gfn) + 0x1000, nil
}

func (f *fakePager) Unpin(gfn guestmem.GFN) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pins[gfn]--
	f.unpins++
	return nil
}

func (f *fakePager) FrameBacked(frame guestmem.HostFrame) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.unbacked[guestmem.GFN(frame)-0x1000]
}

func (f *fakePager) MapFrame(frame guestmem.HostFrame) (guestmem.DMAAddr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failMap {
		return 0, errors.New("iommu exhausted")
	}
	f.maps++
	return guestmem.DMAAddr(frame) << guestmem.PageShift, nil
}

func (f *fakePager) UnmapFrame(addr guestmem.DMAAddr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unmaps++
	return nil
}

func (f *fakePager) RegisterUnmapNotifier(guestmem.UnmapNotifier) error   { return nil }
func (f *fakePager) UnregisterUnmapNotifier(guestmem.UnmapNotifier) error { return nil }

func TestMapSharesEntry(t *testing.T) {
	pager := newFakePager()
	c := New(pager, nil)

	a1, err := c.Map(42)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	a2, err := c.Map(42)
	if err != nil {
		t.Fatalf("second Map: %v", err)
	}
	if a1 != a2 {
		t.Fatalf("second Map returned %#x, want %#x", a2, a1)
	}
	if c.Len() != 1 {
		t.Fatalf("cache has %d entries, want 1", c.Len())
	}
	if pager.pins[42] != 1 || pager.maps != 1 {
		t.Fatalf("host mapping performed twice: pins=%d maps=%d", pager.pins[42], pager.maps)
	}

	c.Unmap(a1)
	if c.Len() != 1 {
		t.Fatalf("entry removed at refcount 1, want it kept")
	}
	c.Unmap(a1)
	if c.Len() != 0 {
		t.Fatalf("entry survived final Unmap")
	}
	if pager.unmaps != 1 || pager.unpins != 1 {
		t.Fatalf("host release ran %d/%d times, want once", pager.unmaps, pager.unpins)
	}
}

func TestMapRollsBackPinOnMapFailure(t *testing.T) {
	pager := newFakePager()
	pager.failMap = true
	c := New(pager, nil)

	_, err := c.Map(7)
	if !errors.Is(err, errdefs.ErrMapFailed) {
		t.Fatalf("err = %v, want ErrMapFailed", err)
	}
	if !errors.Is(err, errdefs.ErrHostResourceFailure) {
		t.Fatalf("err = %v, want it to match ErrHostResourceFailure", err)
	}
	if pager.pins[7] != 0 {
		t.Fatalf("pin leaked after map failure: %d", pager.pins[7])
	}
	if c.Len() != 0 {
		t.Fatalf("entry left behind after map failure")
	}
}

func TestMapUnbackedFrame(t *testing.T) {
	pager := newFakePager()
	pager.unbacked[9] = true
	c := New(pager, nil)

	_, err := c.Map(9)
	if !errors.Is(err, errdefs.ErrNoBackingPage) {
		t.Fatalf("err = %v, want ErrNoBackingPage", err)
	}
	if pager.pins[9] != 0 {
		t.Fatalf("pin leaked for unbacked frame: %d", pager.pins[9])
	}
}

func TestUnmapUnknownAddressIsNoop(t *testing.T) {
	pager := newFakePager()
	c := New(pager, nil)

	c.Unmap(0xdead000)
	if pager.unmaps != 0 || pager.unpins != 0 {
		t.Fatalf("no-op unmap touched the pager")
	}
}

func TestInvalidateRangeIgnoresRefcount(t *testing.T) {
	pager := newFakePager()
	c := New(pager, nil)

	for i := 0; i < 3; i++ {
		if _, err := c.Map(5); err != nil {
			t.Fatalf("Map: %v", err)
		}
	}
	if _, err := c.Map(100); err != nil {
		t.Fatalf("Map: %v", err)
	}

	c.InvalidateRange(0, 10)

	if c.Len() != 1 {
		t.Fatalf("cache has %d entries, want only the out-of-range one", c.Len())
	}
	if pager.unmaps != 1 || pager.pins[5] != 0 {
		t.Fatalf("host unmap ran %d times with %d pins left, want exactly once and none",
			pager.unmaps, pager.pins[5])
	}
}

func TestDestroyAll(t *testing.T) {
	pager := newFakePager()
	c := New(pager, nil)

	for _, gfn := range []guestmem.GFN{1, 2, 3, 4} {
		if _, err := c.Map(gfn); err != nil {
			t.Fatalf("Map(%d): %v", gfn, err)
		}
	}

	c.DestroyAll()
	if c.Len() != 0 {
		t.Fatalf("cache not empty after DestroyAll")
	}
	if pager.unmaps != 4 {
		t.Fatalf("host unmap ran %d times, want 4", pager.unmaps)
	}

	// Safe on an already empty cache.
	c.DestroyAll()
	if pager.unmaps != 4 {
		t.Fatalf("second DestroyAll touched the pager")
	}
}

func TestConcurrentMapUnmap(t *testing.T) {
	pager := newFakePager()
	c := New(pager, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				addr, err := c.Map(guestmem.GFN(j % 4))
				if err != nil {
					t.Errorf("Map: %v", err)
					return
				}
				c.Unmap(addr)
			}
		}()
	}
	wg.Wait()

	if c.Len() != 0 {
		t.Fatalf("cache has %d entries after balanced map/unmap", c.Len())
	}
	for gfn, n := range pager.pins {
		if n != 0 {
			t.Fatalf("gfn %d still pinned %d times", gfn, n)
		}
	}
}
