// Package vgpu mediates access to a virtual GPU for guest virtual
// machines. A Device multiplexes guest accesses over the emulated PCI
// surface (config space, BARs, vendor regions), caches guest-frame to
// DMA-address translations for the device model, and tracks the guest
// pages that must trap on write. The hypervisor and the GPU register
// emulation are collaborators behind the Session, Pager and DeviceModel
// interfaces.
package vgpu

import (
	"github.com/tinyrange/vgpu/internal/catalog"
	"github.com/tinyrange/vgpu/internal/errdefs"
	"github.com/tinyrange/vgpu/internal/guestmem"
	"github.com/tinyrange/vgpu/internal/mdev"
)

// -----------------------------------------------------------------------------
// Type aliases - these re-export types from the internal packages
// -----------------------------------------------------------------------------

// GFN is a guest frame number.
type GFN = guestmem.GFN

// GPA is a guest-physical address.
type GPA = guestmem.GPA

// DMAAddr is a host DMA address.
type DMAAddr = guestmem.DMAAddr

// HostFrame is a host page frame number.
type HostFrame = guestmem.HostFrame

// Slot describes one contiguous guest memory slot.
type Slot = guestmem.Slot

// Session is the hypervisor's view of one guest.
type Session = guestmem.Session

// Pager pins guest pages and maps them for device DMA.
type Pager = guestmem.Pager

// Device is one mediated virtual GPU instance.
type Device = mdev.Device

// DeviceModel is the GPU emulation collaborator behind a Device.
type DeviceModel = mdev.DeviceModel

// Manager creates and tracks the devices of one physical GPU.
type Manager = mdev.Manager

// Aperture describes the mappable graphics aperture.
type Aperture = mdev.Aperture

// Catalog is the set of virtual GPU instance types a host offers.
type Catalog = catalog.Catalog

// Type is one virtual GPU instance type.
type Type = catalog.Type

// Error carries structured context for a failed device operation.
type Error = errdefs.Error

// NewManager creates a manager over a type catalog and host pager.
var NewManager = mdev.NewManager

// LoadCatalog reads a type catalog from a YAML file.
var LoadCatalog = catalog.Load

// Fixed region indices of a device's offset space.
const (
	RegionBAR0   = mdev.RegionBAR0
	RegionBAR2   = mdev.RegionBAR2
	RegionConfig = mdev.RegionConfig
	RegionVGA    = mdev.RegionVGA
)

// Common sentinel errors.
var (
	ErrInvalidHandle       = errdefs.ErrInvalidHandle
	ErrNotFound            = errdefs.ErrNotFound
	ErrInvalidGuestAddress = errdefs.ErrInvalidGuestAddress
	ErrOutOfRange          = errdefs.ErrOutOfRange
	ErrAlreadyBound        = errdefs.ErrAlreadyBound
	ErrHostResourceFailure = errdefs.ErrHostResourceFailure
	ErrIOFault             = errdefs.ErrIOFault
)
