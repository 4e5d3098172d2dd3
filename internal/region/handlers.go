package region

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/tinyrange/vgpu/internal/errdefs"
)

// Region type and subtype identifiers, following the VFIO vendor
// region numbering for Intel graphics.
const (
	TypeVendorIntel uint32 = 1<<31 | 0x8086

	SubtypeOpRegion    uint32 = 1
	SubtypeDeviceState uint32 = 2
)

// DeviceStateSize is the fixed maximum size of the device-state image.
const DeviceStateSize = 8 << 20

// Device-state control byte values, stored at offset 0 of the
// device-state region.
const (
	ControlStop  byte = 0
	ControlStart byte = 1
)

var (
	// ErrReadOnly reports a write to a read-only region.
	ErrReadOnly = errors.New("region is read-only")

	// ErrBadSignature reports an opregion whose signature does not match.
	ErrBadSignature = errors.New("bad opregion signature")
)

// StateModel is the slice of the device model the device-state region
// drives: start/stop control and save/restore of the opaque image.
type StateModel interface {
	Activate() error
	Deactivate() error

	// SaveRestore moves device state between the model and the image
	// buffer. p and off address the byte range the guest touched; write
	// distinguishes restore (guest wrote) from save (guest read).
	SaveRestore(p []byte, off int64, write bool, image []byte) error
}

// DeviceState is the migration-image region. Byte 0 is the control
// byte; the rest is model-defined payload.
type DeviceState struct {
	model StateModel
	image []byte
}

// NewDeviceState allocates the device-state region for one session.
func NewDeviceState(model StateModel) *DeviceState {
	return &DeviceState{
		model: model,
		image: make([]byte, DeviceStateSize),
	}
}

// RegisterDeviceState creates and registers a device-state region,
// returning its index within the registry.
func RegisterDeviceState(r *Registry, model StateModel) int {
	return r.Register(TypeVendorIntel, SubtypeDeviceState, DeviceStateSize,
		FlagRead|FlagWrite, NewDeviceState(model))
}

// ReadAt implements Ops.
func (s *DeviceState) ReadAt(p []byte, off int64) error {
	if off == 0 {
		if len(p) != 1 {
			return fmt.Errorf("control byte read of %d bytes: %w", len(p), errdefs.ErrInvalidGuestAddress)
		}
		p[0] = s.image[0]
		return nil
	}
	if err := s.model.SaveRestore(p, off, false, s.image); err != nil {
		return err
	}
	copy(p, s.image[off:])
	return nil
}

// WriteAt implements Ops. A write to offset 0 is a state transition:
// the control byte is stored only after the model accepts it.
func (s *DeviceState) WriteAt(p []byte, off int64) error {
	if off == 0 {
		if len(p) != 1 {
			return fmt.Errorf("control byte write of %d bytes: %w", len(p), errdefs.ErrInvalidGuestAddress)
		}
		switch p[0] {
		case ControlStop:
			if err := s.model.Deactivate(); err != nil {
				return err
			}
		case ControlStart:
			if err := s.model.Activate(); err != nil {
				return err
			}
		default:
			return fmt.Errorf("control byte %#x: %w", p[0], errdefs.ErrInvalidGuestAddress)
		}
		s.image[0] = p[0]
		return nil
	}
	copy(s.image[off:], p)
	return s.model.SaveRestore(p, off, true, s.image)
}

// Release implements Ops, dropping the image buffer.
func (s *DeviceState) Release() {
	s.image = nil
}

// OpRegionSignature is the string the first 16 bytes of a firmware
// opregion must carry.
const OpRegionSignature = "IntelGraphicsMem"

// OpRegion is the read-only firmware opregion.
type OpRegion struct {
	data []byte
}

// NewOpRegion validates the signature and wraps the firmware blob.
func NewOpRegion(data []byte) (*OpRegion, error) {
	if len(data) < len(OpRegionSignature) || !bytes.HasPrefix(data, []byte(OpRegionSignature)) {
		return nil, ErrBadSignature
	}
	return &OpRegion{data: data}, nil
}

// RegisterOpRegion validates and registers a firmware opregion,
// returning its index within the registry.
func RegisterOpRegion(r *Registry, data []byte) (int, error) {
	op, err := NewOpRegion(data)
	if err != nil {
		return 0, err
	}
	return r.Register(TypeVendorIntel, SubtypeOpRegion, int64(len(data)), FlagRead, op), nil
}

// ReadAt implements Ops.
func (o *OpRegion) ReadAt(p []byte, off int64) error {
	copy(p, o.data[off:])
	return nil
}

// WriteAt implements Ops.
func (o *OpRegion) WriteAt(p []byte, off int64) error {
	return fmt.Errorf("opregion write at %#x: %w", off, ErrReadOnly)
}

// Release implements Ops. The blob belongs to the device model; nothing
// to drop here.
func (o *OpRegion) Release() {}
