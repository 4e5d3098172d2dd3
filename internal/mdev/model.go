// Package mdev implements the mediated virtual GPU device: the region
// multiplexer over config space, BARs and vendor regions, the guest
// session lifecycle, and the interrupt surface. The GPU device model
// itself (register emulation, scheduling, display) sits behind the
// DeviceModel interface.
package mdev

import (
	"github.com/tinyrange/vgpu/internal/guestmem"
)

// Aperture describes the GPU graphics aperture backing BAR2.
type Aperture struct {
	// Base is the host-physical base address of the aperture.
	Base uint64

	// TotalSize is the size of the whole physical aperture.
	TotalSize uint64

	// Size is the slice of the aperture assigned to this device.
	Size uint64
}

// DeviceModel is the GPU emulation collaborator a Device drives. All
// byte-level emulation of config space and BAR0 registers lives behind
// it, as does context activation and the migration image payload.
type DeviceModel interface {
	// CfgRead and CfgWrite emulate accesses to the virtual PCI
	// configuration space.
	CfgRead(p []byte, off int64) error
	CfgWrite(p []byte, off int64) error

	// CfgSpaceSize returns the size of the emulated config space.
	CfgSpaceSize() int64

	// BARSize returns the emulated size of the given BAR.
	BARSize(index int) int64

	// MMIORead and MMIOWrite emulate accesses to the register BAR at a
	// guest-physical address.
	MMIORead(p []byte, addr uint64) error
	MMIOWrite(p []byte, addr uint64) error

	// Activate and Deactivate start and stop device emulation for the
	// bound guest.
	Activate() error
	Deactivate() error

	// Reset restores the device model to power-on state.
	Reset() error

	// SaveRestore moves device state between the model and the
	// migration image. See region.StateModel.
	SaveRestore(p []byte, off int64, write bool, image []byte) error

	// HandleProtectedWrite consumes a guest write to a write-protected
	// page, typically a shadowed page-table edit.
	HandleProtectedWrite(gpa guestmem.GPA, data []byte)

	// OpRegion returns the firmware opregion blob to expose, or nil.
	OpRegion() []byte

	// Aperture describes the mappable graphics aperture.
	Aperture() Aperture

	// QueryPlane and ExportPlane forward display-plane queries and
	// dmabuf export. Payloads are opaque to the mediation core.
	QueryPlane(payload []byte) ([]byte, error)
	ExportPlane(planeID uint32) (int, error)
}
