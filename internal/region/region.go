// Package region manages the device-specific memory regions a virtual
// GPU exposes beyond the fixed PCI set: the device-state image used for
// migration and the firmware opregion.
package region

import (
	"fmt"

	"github.com/tinyrange/vgpu/internal/errdefs"
)

// Flags describe how a region may be accessed.
type Flags uint32

const (
	FlagRead Flags = 1 << iota
	FlagWrite
	FlagMmap
	FlagCaps
)

// Ops is the access contract of one region. Release is invoked exactly
// once when the owning session tears down; the registry guarantees no
// concurrent ReadAt/WriteAt at that point.
type Ops interface {
	ReadAt(p []byte, off int64) error
	WriteAt(p []byte, off int64) error
	Release()
}

// Descriptor identifies a registered region.
type Descriptor struct {
	Type    uint32
	Subtype uint32
	Size    int64
	Flags   Flags

	ops Ops
}

// Registry is the append-only ordered sequence of regions for one
// device. Registration happens during single-threaded session setup;
// dispatch afterwards is reentrant across regions.
type Registry struct {
	regions []Descriptor
}

// Register appends a region and returns its stable index within the
// registry. Only valid during session setup.
func (r *Registry) Register(typ, subtype uint32, size int64, flags Flags, ops Ops) int {
	r.regions = append(r.regions, Descriptor{
		Type:    typ,
		Subtype: subtype,
		Size:    size,
		Flags:   flags,
		ops:     ops,
	})
	return len(r.regions) - 1
}

// Count returns the number of registered regions.
func (r *Registry) Count() int { return len(r.regions) }

// Info returns the descriptor at index.
func (r *Registry) Info(index int) (Descriptor, error) {
	if index < 0 || index >= len(r.regions) {
		return Descriptor{}, fmt.Errorf("region %d: %w", index, errdefs.ErrNotFound)
	}
	return r.regions[index], nil
}

// Read dispatches a bounds-checked read to the region at index.
func (r *Registry) Read(index int, p []byte, off int64) error {
	ops, err := r.checkAccess(index, p, off)
	if err != nil {
		return err
	}
	return ops.ReadAt(p, off)
}

// Write dispatches a bounds-checked write to the region at index.
func (r *Registry) Write(index int, p []byte, off int64) error {
	ops, err := r.checkAccess(index, p, off)
	if err != nil {
		return err
	}
	return ops.WriteAt(p, off)
}

func (r *Registry) checkAccess(index int, p []byte, off int64) (Ops, error) {
	if index < 0 || index >= len(r.regions) {
		return nil, fmt.Errorf("region %d: %w", index, errdefs.ErrNotFound)
	}
	d := &r.regions[index]
	if off < 0 || off+int64(len(p)) > d.Size {
		return nil, fmt.Errorf("region %d offset %#x len %d: %w", index, off, len(p), errdefs.ErrOutOfRange)
	}
	return d.ops, nil
}

// ReleaseAll releases every region exactly once, in registration order,
// then clears the sequence.
func (r *Registry) ReleaseAll() {
	for i := range r.regions {
		r.regions[i].ops.Release()
	}
	r.regions = nil
}
