package mdev

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/vgpu/internal/errdefs"
)

// PCI config space constants for decoding the emulated BAR0 base.
const (
	cfgBAR0Offset = 0x10
	cfgBAR1Offset = 0x14

	barMemMask     = 0xfffffff0
	barMemTypeMask = 0x6
	barMemType64   = 0x4
)

// ReadAt reads from the device's logical offset space, which multiplexes
// config space, the BARs and the vendor regions. It implements
// io.ReaderAt over that space; short counts accompany an IOFault error
// when a chunk fails partway.
func (d *Device) ReadAt(p []byte, off int64) (int, error) {
	return d.transfer(p, off, false)
}

// WriteAt is the write counterpart of ReadAt.
func (d *Device) WriteAt(p []byte, off int64) (int, error) {
	return d.transfer(p, off, true)
}

// transfer decomposes an access into the largest naturally aligned
// chunks from {4,2,1} and round-trips each through the region handler.
// Vendor regions handle arbitrary widths themselves and are not split.
func (d *Device) transfer(p []byte, off int64, iswrite bool) (int, error) {
	if index, _ := splitOffset(off); index >= numFixedRegions {
		if err := d.rw(p, off, iswrite); err != nil {
			return 0, err
		}
		return len(p), nil
	}

	done := 0
	for done < len(p) {
		remaining := len(p) - done
		var n int
		switch {
		case remaining >= 4 && off%4 == 0:
			n = 4
		case remaining >= 2 && off%2 == 0:
			n = 2
		default:
			n = 1
		}
		if err := d.rw(p[done:done+n], off, iswrite); err != nil {
			return done, &errdefs.Error{Op: "transfer", Dev: d.id,
				Err: fmt.Errorf("%w at offset %#x: %w", errdefs.ErrIOFault, off, err)}
		}
		done += n
		off += int64(n)
	}
	return done, nil
}

// rw routes one access to config space, a BAR or a vendor region. It
// holds the dispatch lock so release cannot tear a region down under a
// pending access.
func (d *Device) rw(p []byte, off int64, iswrite bool) error {
	d.dispatchMu.RLock()
	defer d.dispatchMu.RUnlock()

	g, err := d.active()
	if err != nil {
		return err
	}

	index, pos := splitOffset(off)
	if index >= numFixedRegions+g.regions.Count() {
		return fmt.Errorf("region index %d: %w", index, errdefs.ErrNotFound)
	}

	switch index {
	case RegionConfig:
		if iswrite {
			return d.model.CfgWrite(p, pos)
		}
		return d.model.CfgRead(p, pos)

	case RegionBAR0:
		base, err := d.bar0Base()
		if err != nil {
			return err
		}
		if iswrite {
			return d.model.MMIOWrite(p, base+uint64(pos))
		}
		return d.model.MMIORead(p, base+uint64(pos))

	case RegionBAR1, RegionBAR3, RegionBAR4, RegionBAR5, RegionROM, RegionVGA:
		// Permanently zero-sized stubs.
		return fmt.Errorf("region index %d is empty: %w", index, errdefs.ErrOutOfRange)

	case RegionBAR2:
		// The aperture is memory-mapped, never byte-accessed.
		return fmt.Errorf("aperture BAR is mmap-only: %w", errdefs.ErrOutOfRange)

	default:
		dyn := index - numFixedRegions
		if iswrite {
			return g.regions.Write(dyn, p, pos)
		}
		return g.regions.Read(dyn, p, pos)
	}
}

// bar0Base decodes the guest-programmed BAR0 base from the emulated
// config space, honoring the 32/64-bit memory BAR type bits.
func (d *Device) bar0Base() (uint64, error) {
	var lo [4]byte
	if err := d.model.CfgRead(lo[:], cfgBAR0Offset); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(lo[:])
	base := uint64(v & barMemMask)

	if v&barMemTypeMask == barMemType64 {
		var hi [4]byte
		if err := d.model.CfgRead(hi[:], cfgBAR1Offset); err != nil {
			return 0, err
		}
		base |= uint64(binary.LittleEndian.Uint32(hi[:])) << 32
	}
	return base, nil
}
