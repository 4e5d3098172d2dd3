package mdev

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"testing"

	"github.com/tinyrange/vgpu/internal/errdefs"
	"github.com/tinyrange/vgpu/internal/region"
)

func TestDeviceInfo(t *testing.T) {
	model := newFakeModel()
	model.opregion = append([]byte(region.OpRegionSignature), make([]byte, 16)...)
	_, d, _, _ := openTestDevice(t, model)

	info, err := d.Info()
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info.Flags&DeviceFlagPCI == 0 || info.Flags&DeviceFlagReset == 0 {
		t.Fatalf("flags = %#x, want PCI and reset capability", info.Flags)
	}
	if want := numFixedRegions + 2; info.NumRegions != want {
		t.Fatalf("NumRegions = %d, want %d", info.NumRegions, want)
	}
	if info.NumIRQs != int(numIRQClasses) {
		t.Fatalf("NumIRQs = %d, want %d", info.NumIRQs, numIRQClasses)
	}
}

func TestRegionInfo(t *testing.T) {
	model := newFakeModel()
	model.opregion = append([]byte(region.OpRegionSignature), make([]byte, 16)...)
	_, d, _, _ := openTestDevice(t, model)

	cfg, err := d.RegionInfo(RegionConfig)
	if err != nil {
		t.Fatalf("RegionInfo(config): %v", err)
	}
	if cfg.Size != model.CfgSpaceSize() || cfg.Flags != region.FlagRead|region.FlagWrite {
		t.Fatalf("config info = %+v", cfg)
	}
	if cfg.Offset != OffsetOfRegion(RegionConfig) {
		t.Fatalf("config offset = %#x", cfg.Offset)
	}

	bar1, err := d.RegionInfo(RegionBAR1)
	if err != nil {
		t.Fatalf("RegionInfo(bar1): %v", err)
	}
	if bar1.Size != 0 || bar1.Flags != 0 {
		t.Fatalf("stub bar info = %+v, want zero size and flags", bar1)
	}

	ap := model.Aperture()
	bar2, err := d.RegionInfo(RegionBAR2)
	if err != nil {
		t.Fatalf("RegionInfo(bar2): %v", err)
	}
	if bar2.Size != int64(ap.TotalSize) {
		t.Fatalf("aperture size = %d, want %d", bar2.Size, ap.TotalSize)
	}
	if bar2.Flags&region.FlagMmap == 0 || bar2.Flags&region.FlagCaps == 0 {
		t.Fatalf("aperture flags = %#x, want mmap and caps", bar2.Flags)
	}
	if len(bar2.Sparse) != 1 || bar2.Sparse[0] != (SparseArea{Offset: 0, Size: int64(ap.Size)}) {
		t.Fatalf("sparse areas = %+v", bar2.Sparse)
	}

	op, err := d.RegionInfo(numFixedRegions)
	if err != nil {
		t.Fatalf("RegionInfo(opregion): %v", err)
	}
	if op.Cap == nil || op.Cap.Type != region.TypeVendorIntel || op.Cap.Subtype != region.SubtypeOpRegion {
		t.Fatalf("opregion cap = %+v", op.Cap)
	}
	if op.Size != int64(len(model.opregion)) || op.Flags&region.FlagRead == 0 {
		t.Fatalf("opregion info = %+v", op)
	}

	state, err := d.RegionInfo(numFixedRegions + 1)
	if err != nil {
		t.Fatalf("RegionInfo(device state): %v", err)
	}
	if state.Cap == nil || state.Cap.Subtype != region.SubtypeDeviceState {
		t.Fatalf("device state cap = %+v", state.Cap)
	}
	if state.Size != region.DeviceStateSize {
		t.Fatalf("device state size = %d", state.Size)
	}

	if _, err := d.RegionInfo(numFixedRegions + 2); !errors.Is(err, errdefs.ErrNotFound) {
		t.Fatalf("unknown region err = %v, want ErrNotFound", err)
	}
}

func TestApertureMapping(t *testing.T) {
	model := newFakeModel()
	_, d, _, _ := openTestDevice(t, model)

	ap, err := d.ApertureMapping(RegionBAR2)
	if err != nil {
		t.Fatalf("ApertureMapping: %v", err)
	}
	if ap != model.Aperture() {
		t.Fatalf("aperture = %+v, want %+v", ap, model.Aperture())
	}

	if _, err := d.ApertureMapping(RegionBAR0); !errors.Is(err, errdefs.ErrNotFound) {
		t.Fatalf("mapping of non-aperture bar err = %v, want ErrNotFound", err)
	}
}

func TestIRQInfo(t *testing.T) {
	_, d, _, _ := openTestDevice(t, newFakeModel())

	intx, err := d.IRQInfo(IRQIntX)
	if err != nil {
		t.Fatalf("IRQInfo(intx): %v", err)
	}
	if intx.Flags&IRQFlagMaskable == 0 || intx.Flags&IRQFlagAutoMasked == 0 || intx.Count != 1 {
		t.Fatalf("intx info = %+v", intx)
	}

	msi, err := d.IRQInfo(IRQMSI)
	if err != nil {
		t.Fatalf("IRQInfo(msi): %v", err)
	}
	if msi.Flags&IRQFlagNoResize == 0 || msi.Flags&IRQFlagEventfd == 0 || msi.Count != 1 {
		t.Fatalf("msi info = %+v", msi)
	}

	if _, err := d.IRQInfo(numIRQClasses); !errors.Is(err, errdefs.ErrNotFound) {
		t.Fatalf("unknown class err = %v, want ErrNotFound", err)
	}
}

func TestMSITrigger(t *testing.T) {
	_, d, _, _ := openTestDevice(t, newFakeModel())

	if err := d.InjectMSI(); !errors.Is(err, errdefs.ErrNotFound) {
		t.Fatalf("inject without trigger err = %v, want ErrNotFound", err)
	}

	if err := d.SetIRQs(IRQMSI, IRQActionMask, -1); !errors.Is(err, ErrUnsupportedIRQ) {
		t.Fatalf("msi mask err = %v, want ErrUnsupportedIRQ", err)
	}
	if err := d.SetIRQs(IRQIntX, IRQActionMask, -1); err != nil {
		t.Fatalf("intx mask: %v", err)
	}

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()

	if err := d.SetIRQs(IRQMSI, IRQActionTrigger, int(w.Fd())); err != nil {
		t.Fatalf("SetIRQs: %v", err)
	}
	if err := d.InjectMSI(); err != nil {
		t.Fatalf("InjectMSI: %v", err)
	}

	var buf [8]byte
	if _, err := r.Read(buf[:]); err != nil {
		t.Fatalf("read trigger: %v", err)
	}
	if binary.LittleEndian.Uint64(buf[:]) != 1 {
		t.Fatalf("trigger payload = %x, want 1", buf)
	}
}

func TestMSITriggerDroppedOnRelease(t *testing.T) {
	_, d, _, _ := openTestDevice(t, newFakeModel())

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()

	if err := d.SetIRQs(IRQMSI, IRQActionTrigger, int(w.Fd())); err != nil {
		t.Fatalf("SetIRQs: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := d.InjectMSI(); !errors.Is(err, errdefs.ErrInvalidHandle) {
		t.Fatalf("inject after release err = %v, want ErrInvalidHandle", err)
	}
}

func TestPlaneForwarding(t *testing.T) {
	_, d, _, _ := openTestDevice(t, newFakeModel())

	payload := []byte{9, 8, 7}
	got, err := d.QueryPlane(payload)
	if err != nil {
		t.Fatalf("QueryPlane: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("plane query payload = %x, want %x", got, payload)
	}

	fd, err := d.ExportPlane(2)
	if err != nil {
		t.Fatalf("ExportPlane: %v", err)
	}
	if fd != 102 {
		t.Fatalf("exported fd = %d, want 102", fd)
	}
}
