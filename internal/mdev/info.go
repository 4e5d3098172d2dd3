package mdev

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/vgpu/internal/errdefs"
	"github.com/tinyrange/vgpu/internal/region"
)

// Device capability flags.
const (
	DeviceFlagReset uint32 = 1 << iota
	DeviceFlagPCI
)

// DeviceInfo summarizes the device's capability surface.
type DeviceInfo struct {
	Flags      uint32
	NumRegions int
	NumIRQs    int
}

// Info reports the device info for the bound session.
func (d *Device) Info() (DeviceInfo, error) {
	g, err := d.active()
	if err != nil {
		return DeviceInfo{}, err
	}
	d.dispatchMu.RLock()
	count := g.regions.Count()
	d.dispatchMu.RUnlock()
	return DeviceInfo{
		Flags:      DeviceFlagPCI | DeviceFlagReset,
		NumRegions: numFixedRegions + count,
		NumIRQs:    int(numIRQClasses),
	}, nil
}

// SparseArea is one mappable window of a region.
type SparseArea struct {
	Offset int64
	Size   int64
}

// RegionCap carries the vendor type/subtype of a dynamic region.
type RegionCap struct {
	Type    uint32
	Subtype uint32
}

// RegionInfo describes one region of the device's offset space.
type RegionInfo struct {
	Index  int
	Offset int64
	Size   int64
	Flags  region.Flags
	Cap    *RegionCap
	Sparse []SparseArea
}

// RegionInfo reports the layout of the region at index.
func (d *Device) RegionInfo(index int) (RegionInfo, error) {
	g, err := d.active()
	if err != nil {
		return RegionInfo{}, err
	}

	info := RegionInfo{Index: index, Offset: OffsetOfRegion(index)}

	switch index {
	case RegionConfig:
		info.Size = d.model.CfgSpaceSize()
		info.Flags = region.FlagRead | region.FlagWrite

	case RegionBAR0:
		info.Size = d.model.BARSize(0)
		if info.Size != 0 {
			info.Flags = region.FlagRead | region.FlagWrite
		}

	case RegionBAR2:
		ap := d.model.Aperture()
		info.Size = int64(ap.TotalSize)
		info.Flags = region.FlagRead | region.FlagWrite | region.FlagMmap | region.FlagCaps
		info.Sparse = []SparseArea{{Offset: 0, Size: int64(ap.Size)}}

	case RegionBAR1, RegionBAR3, RegionBAR4, RegionBAR5, RegionROM, RegionVGA:
		// Zero-sized stubs.

	default:
		d.dispatchMu.RLock()
		desc, err := g.regions.Info(index - numFixedRegions)
		d.dispatchMu.RUnlock()
		if err != nil {
			return RegionInfo{}, fmt.Errorf("region index %d: %w", index, errdefs.ErrNotFound)
		}
		info.Size = desc.Size
		info.Flags = desc.Flags | region.FlagCaps
		info.Cap = &RegionCap{Type: desc.Type, Subtype: desc.Subtype}
	}
	return info, nil
}

// ApertureMapping validates a mapping request against the region index
// and returns the aperture to map. Only the aperture BAR supports
// memory mapping.
func (d *Device) ApertureMapping(index int) (Aperture, error) {
	if _, err := d.active(); err != nil {
		return Aperture{}, err
	}
	if index != RegionBAR2 {
		return Aperture{}, fmt.Errorf("region index %d is not mappable: %w", index, errdefs.ErrNotFound)
	}
	return d.model.Aperture(), nil
}

// IRQClass selects one of the supported interrupt classes.
type IRQClass int

const (
	// IRQIntX is the level-triggered legacy interrupt.
	IRQIntX IRQClass = iota

	// IRQMSI is the message-signaled interrupt.
	IRQMSI

	numIRQClasses
)

// IRQ capability flags.
const (
	IRQFlagEventfd uint32 = 1 << iota
	IRQFlagMaskable
	IRQFlagAutoMasked
	IRQFlagNoResize
)

// IRQInfo describes one interrupt class.
type IRQInfo struct {
	Flags uint32
	Count int
}

// IRQAction selects what SetIRQs does to an interrupt class.
type IRQAction int

const (
	IRQActionMask IRQAction = iota
	IRQActionUnmask
	IRQActionTrigger
)

// ErrUnsupportedIRQ reports an interrupt configuration the device does
// not implement.
var ErrUnsupportedIRQ = errors.New("unsupported interrupt configuration")

// IRQInfo reports the capability of one interrupt class.
func (d *Device) IRQInfo(class IRQClass) (IRQInfo, error) {
	if _, err := d.active(); err != nil {
		return IRQInfo{}, err
	}
	switch class {
	case IRQIntX:
		return IRQInfo{Flags: IRQFlagEventfd | IRQFlagMaskable | IRQFlagAutoMasked, Count: 1}, nil
	case IRQMSI:
		return IRQInfo{Flags: IRQFlagEventfd | IRQFlagNoResize, Count: 1}, nil
	default:
		return IRQInfo{}, fmt.Errorf("irq class %d: %w", class, errdefs.ErrNotFound)
	}
}

// SetIRQs configures an interrupt class. Trigger on the MSI class binds
// eventfd as the signal raised by later InjectMSI calls; pass a
// negative fd to leave the binding unchanged. The level-triggered class
// accepts mask, unmask and trigger as no-ops.
func (d *Device) SetIRQs(class IRQClass, action IRQAction, eventfd int) error {
	if _, err := d.active(); err != nil {
		return err
	}

	switch class {
	case IRQIntX:
		return nil

	case IRQMSI:
		if action != IRQActionTrigger {
			return fmt.Errorf("msi action %d: %w", action, ErrUnsupportedIRQ)
		}
		if eventfd >= 0 {
			d.msiMu.Lock()
			d.msiTrigger = eventfd
			d.msiMu.Unlock()
		}
		return nil

	default:
		return fmt.Errorf("irq class %d: %w", class, ErrUnsupportedIRQ)
	}
}

// InjectMSI raises the message-signaled interrupt by signalling the
// bound eventfd.
func (d *Device) InjectMSI() error {
	if _, err := d.active(); err != nil {
		return err
	}

	d.msiMu.Lock()
	fd := d.msiTrigger
	d.msiMu.Unlock()
	if fd < 0 {
		return fmt.Errorf("no msi trigger bound: %w", errdefs.ErrNotFound)
	}

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	if _, err := unix.Write(fd, buf[:]); err != nil {
		return fmt.Errorf("signal msi trigger: %w: %w", errdefs.ErrHostResourceFailure, err)
	}
	return nil
}
