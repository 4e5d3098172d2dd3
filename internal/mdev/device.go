package mdev

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/vgpu/internal/catalog"
	"github.com/tinyrange/vgpu/internal/dmacache"
	"github.com/tinyrange/vgpu/internal/errdefs"
	"github.com/tinyrange/vgpu/internal/guestmem"
	"github.com/tinyrange/vgpu/internal/pagetrack"
	"github.com/tinyrange/vgpu/internal/region"
)

// ErrSessionActive reports an attempt to destroy a device whose guest
// session is still open.
var ErrSessionActive = errors.New("guest session still active")

// guestSession bundles the per-session state a device carries between
// Open and release.
type guestSession struct {
	session guestmem.Session
	cache   *dmacache.Cache
	tracker *pagetrack.Tracker
	regions region.Registry
}

// Device is one mediated virtual GPU instance. It is created Bound to a
// manager, becomes Active when a guest session opens it, and ends
// Released; a released device cannot be reused.
type Device struct {
	id    string
	typ   catalog.Type
	model DeviceModel
	mgr   *Manager
	log   *slog.Logger

	mu       sync.Mutex
	guest    *guestSession
	released atomic.Bool

	// dispatchMu drains in-flight region access before release tears
	// the registered regions down.
	dispatchMu sync.RWMutex

	msiMu      sync.Mutex
	msiTrigger int
}

// ID returns the device instance identifier.
func (d *Device) ID() string { return d.id }

// Type returns the catalog type the device was created from.
func (d *Device) Type() catalog.Type { return d.typ }

// Active reports whether a guest session currently owns the device.
func (d *Device) Active() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.guest != nil && !d.released.Load()
}

// active snapshots the live session state, failing with
// ErrInvalidHandle when the device is unbound or already released.
func (d *Device) active() (*guestSession, error) {
	d.mu.Lock()
	g := d.guest
	d.mu.Unlock()
	if g == nil || d.released.Load() {
		return nil, &errdefs.Error{Op: "vgpu", Dev: d.id, Err: errdefs.ErrInvalidHandle}
	}
	return g, nil
}

// Open binds the device to a guest session: it installs the page-track
// and DMA-unmap notifiers, sets up the translation cache and protection
// table, registers the vendor regions and activates emulation. Exactly
// one session may own a device, and one session may own at most one
// device per manager.
func (d *Device) Open(session guestmem.Session) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.released.Load() {
		return &errdefs.Error{Op: "open", Dev: d.id, Err: errdefs.ErrInvalidHandle}
	}
	if d.guest != nil {
		return &errdefs.Error{Op: "open", Dev: d.id, Err: errdefs.ErrAlreadyBound}
	}
	if err := d.mgr.bindSession(session, d); err != nil {
		return &errdefs.Error{Op: "open", Dev: d.id, Err: err}
	}

	g := &guestSession{
		session: session,
		cache:   dmacache.New(d.mgr.pager, d.log),
	}
	g.tracker = pagetrack.NewTracker(session, d.model.HandleProtectedWrite)

	if err := session.RegisterPageTrack(g.tracker); err != nil {
		d.mgr.unbindSession(session)
		return &errdefs.Error{Op: "open", Dev: d.id, Err: err}
	}
	if err := d.mgr.pager.RegisterUnmapNotifier(d); err != nil {
		_ = session.UnregisterPageTrack(g.tracker)
		d.mgr.unbindSession(session)
		return &errdefs.Error{Op: "open", Dev: d.id, Err: err}
	}
	if err := session.RegisterOwnership(d); err != nil {
		_ = d.mgr.pager.UnregisterUnmapNotifier(d)
		_ = session.UnregisterPageTrack(g.tracker)
		d.mgr.unbindSession(session)
		return &errdefs.Error{Op: "open", Dev: d.id, Err: err}
	}

	if blob := d.model.OpRegion(); blob != nil {
		if _, err := region.RegisterOpRegion(&g.regions, blob); err != nil {
			d.log.Warn("opregion rejected", "err", err)
		}
	}
	region.RegisterDeviceState(&g.regions, d.model)

	d.guest = g

	if err := d.model.Activate(); err != nil {
		g.regions.ReleaseAll()
		_ = session.UnregisterOwnership(d)
		_ = d.mgr.pager.UnregisterUnmapNotifier(d)
		_ = session.UnregisterPageTrack(g.tracker)
		d.mgr.unbindSession(session)
		d.guest = nil
		return &errdefs.Error{Op: "open", Dev: d.id, Err: err}
	}

	d.log.Info("guest session opened", "regions", numFixedRegions+g.regions.Count())
	return nil
}

// Close ends the guest session. Racing with a loss-of-ownership
// notification is fine; teardown runs exactly once.
func (d *Device) Close() error {
	d.release()
	return nil
}

// release is the single teardown path, idempotent under the one-shot
// flag. Errors from the collaborators are reported but never stop the
// device from reaching the released state.
func (d *Device) release() {
	d.mu.Lock()
	g := d.guest
	d.mu.Unlock()
	if g == nil {
		return
	}
	if !d.released.CompareAndSwap(false, true) {
		return
	}

	if err := d.model.Deactivate(); err != nil {
		d.log.Warn("deactivate failed during release", "err", err)
	}

	// Pending reads and writes hold dispatchMu; let them finish before
	// the region payloads go away.
	d.dispatchMu.Lock()
	g.regions.ReleaseAll()
	d.dispatchMu.Unlock()

	if err := d.mgr.pager.UnregisterUnmapNotifier(d); err != nil {
		d.log.Warn("unmap notifier unregister failed", "err", err)
	}
	if err := g.session.UnregisterOwnership(d); err != nil {
		d.log.Warn("ownership notifier unregister failed", "err", err)
	}
	if err := g.session.UnregisterPageTrack(g.tracker); err != nil {
		d.log.Warn("page-track notifier unregister failed", "err", err)
	}

	g.tracker.Destroy()
	g.cache.DestroyAll()

	d.msiMu.Lock()
	d.msiTrigger = -1
	d.msiMu.Unlock()

	d.mgr.unbindSession(g.session)

	d.mu.Lock()
	d.guest = nil
	d.mu.Unlock()

	d.log.Info("guest session released")
}

// DMAUnmapped implements guestmem.UnmapNotifier: the host tore down the
// IOMMU mappings for [start, end), so drop the cached translations.
func (d *Device) DMAUnmapped(start, end guestmem.GFN) {
	d.mu.Lock()
	g := d.guest
	d.mu.Unlock()
	if g == nil {
		return
	}
	g.cache.InvalidateRange(start, end)
}

// OwnershipLost implements guestmem.OwnershipNotifier. The notifier
// context cannot run teardown itself, so it is deferred; the one-shot
// guard makes the race with an explicit Close benign.
func (d *Device) OwnershipLost() {
	go d.release()
}

// MapGuestPage returns a DMA address for a guest frame, sharing the
// cache entry with earlier callers.
func (d *Device) MapGuestPage(gfn guestmem.GFN) (guestmem.DMAAddr, error) {
	g, err := d.active()
	if err != nil {
		return 0, err
	}
	return g.cache.Map(gfn)
}

// UnmapGuestPage drops one reference to a mapping obtained with
// MapGuestPage. Unknown addresses are tolerated.
func (d *Device) UnmapGuestPage(addr guestmem.DMAAddr) {
	g, err := d.active()
	if err != nil {
		return
	}
	g.cache.Unmap(addr)
}

// WriteProtect asks the host to trap guest writes to gfn.
func (d *Device) WriteProtect(gfn guestmem.GFN) error {
	g, err := d.active()
	if err != nil {
		return err
	}
	return g.tracker.Add(gfn)
}

// Unprotect lifts a write trap installed with WriteProtect.
func (d *Device) Unprotect(gfn guestmem.GFN) error {
	g, err := d.active()
	if err != nil {
		return err
	}
	return g.tracker.Remove(gfn)
}

// ReadGuest reads guest memory at a guest-physical address.
func (d *Device) ReadGuest(gpa guestmem.GPA, p []byte) error {
	g, err := d.active()
	if err != nil {
		return err
	}
	return g.session.Read(gpa, p)
}

// WriteGuest writes guest memory at a guest-physical address.
func (d *Device) WriteGuest(gpa guestmem.GPA, p []byte) error {
	g, err := d.active()
	if err != nil {
		return err
	}
	return g.session.Write(gpa, p)
}

// TranslateGFN resolves a guest frame to its backing host frame.
func (d *Device) TranslateGFN(gfn guestmem.GFN) (guestmem.HostFrame, error) {
	g, err := d.active()
	if err != nil {
		return 0, err
	}
	return g.session.Translate(gfn)
}

// IsVisibleGFN reports whether the guest frame is part of the guest's
// current memory layout.
func (d *Device) IsVisibleGFN(gfn guestmem.GFN) bool {
	g, err := d.active()
	if err != nil {
		return false
	}
	return g.session.IsVisible(gfn)
}

// Reset forwards a device reset request to the model.
func (d *Device) Reset() error {
	if _, err := d.active(); err != nil {
		return err
	}
	return d.model.Reset()
}

// QueryPlane forwards an opaque display-plane query to the model.
func (d *Device) QueryPlane(payload []byte) ([]byte, error) {
	if _, err := d.active(); err != nil {
		return nil, err
	}
	return d.model.QueryPlane(payload)
}

// ExportPlane forwards a dmabuf export request to the model.
func (d *Device) ExportPlane(planeID uint32) (int, error) {
	if _, err := d.active(); err != nil {
		return -1, err
	}
	return d.model.ExportPlane(planeID)
}
