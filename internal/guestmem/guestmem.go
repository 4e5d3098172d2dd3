// Package guestmem defines the guest memory model the mediation core
// operates on: guest frame numbers, guest-physical and DMA addresses,
// memory slots, and the interfaces of the host collaborators that own
// page pinning, IOMMU mapping and write-fault tracking.
package guestmem

// GFN is a guest frame number.
type GFN uint64

// GPA is a guest-physical address.
type GPA uint64

// DMAAddr is a host DMA address a device can target.
type DMAAddr uint64

// HostFrame is a host page frame number.
type HostFrame uint64

const (
	PageShift = 12
	PageSize  = 1 << PageShift
)

// GFN returns the guest frame containing the address.
func (a GPA) GFN() GFN { return GFN(a >> PageShift) }

// Base returns the guest-physical address of the first byte of the frame.
func (g GFN) Base() GPA { return GPA(g) << PageShift }

// Slot describes one contiguous guest memory slot.
type Slot struct {
	BaseGFN  GFN
	NumPages uint64
}

// Contains reports whether gfn falls inside the slot.
func (s Slot) Contains(gfn GFN) bool {
	return gfn >= s.BaseGFN && uint64(gfn-s.BaseGFN) < s.NumPages
}

// PageTrackNotifier receives guest write faults and slot teardown
// events from the hypervisor. TrackWrite fires on the fault path and
// must not block.
type PageTrackNotifier interface {
	TrackWrite(gpa GPA, data []byte)
	TrackFlushSlot(slot Slot)
}

// OwnershipNotifier is told when the guest session's owning context
// disappears while the device is still bound to it.
type OwnershipNotifier interface {
	OwnershipLost()
}

// Session is the device's view of one guest. It is implemented by the
// hypervisor collaborator; all methods may be called from multiple
// device threads.
type Session interface {
	// ResolveSlot finds the memory slot containing gfn.
	ResolveSlot(gfn GFN) (Slot, error)

	// InstallWriteTrap makes writes to gfn fault into the registered
	// page-track notifiers. RemoveWriteTrap undoes it.
	InstallWriteTrap(slot Slot, gfn GFN) error
	RemoveWriteTrap(slot Slot, gfn GFN) error

	// Read and Write access guest memory at a guest-physical address.
	Read(gpa GPA, p []byte) error
	Write(gpa GPA, p []byte) error

	// Translate resolves a guest frame to the backing host frame.
	Translate(gfn GFN) (HostFrame, error)

	// IsVisible reports whether the guest frame is part of the guest's
	// current memory layout.
	IsVisible(gfn GFN) bool

	RegisterPageTrack(n PageTrackNotifier) error
	UnregisterPageTrack(n PageTrackNotifier) error

	RegisterOwnership(n OwnershipNotifier) error
	UnregisterOwnership(n OwnershipNotifier) error
}

// UnmapNotifier is told when the host tears down IOMMU mappings for a
// range of guest frames, for example under memory pressure.
type UnmapNotifier interface {
	DMAUnmapped(start, end GFN)
}

// Pager pins guest pages and maps them for device DMA. Pin and Map may
// block on memory reclaim but always complete or fail; there are no
// cancellation semantics at this layer.
type Pager interface {
	// Pin pins the page backing gfn and returns its host frame.
	Pin(gfn GFN) (HostFrame, error)

	// Unpin releases a pin taken with Pin.
	Unpin(gfn GFN) error

	// FrameBacked reports whether the host frame is memory backed.
	FrameBacked(frame HostFrame) bool

	// MapFrame maps a pinned host frame for device DMA.
	MapFrame(frame HostFrame) (DMAAddr, error)

	// UnmapFrame tears down a mapping created with MapFrame.
	UnmapFrame(addr DMAAddr) error

	RegisterUnmapNotifier(n UnmapNotifier) error
	UnregisterUnmapNotifier(n UnmapNotifier) error
}
