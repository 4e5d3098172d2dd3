package mdev

// Region indices follow the VFIO PCI numbering: the six BARs first,
// then ROM, config space and VGA, then dynamically registered vendor
// regions. A request's logical offset encodes the region index in its
// top bits and the in-region offset in the low bits.
const (
	RegionBAR0 = iota
	RegionBAR1
	RegionBAR2
	RegionBAR3
	RegionBAR4
	RegionBAR5
	RegionROM
	RegionConfig
	RegionVGA

	numFixedRegions
)

const (
	regionOffsetShift = 40
	regionOffsetMask  = 1<<regionOffsetShift - 1
)

// OffsetOfRegion returns the base logical offset of a region index.
func OffsetOfRegion(index int) int64 {
	return int64(index) << regionOffsetShift
}

// splitOffset decodes a logical offset into region index and in-region
// offset.
func splitOffset(off int64) (int, int64) {
	return int(off >> regionOffsetShift), off & regionOffsetMask
}
