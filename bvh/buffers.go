package bvh

import (
	"reflect"

	"github.com/achilleasa/gpubvh/device"
	"github.com/achilleasa/gpubvh/gpusort"
)

type bufferSet struct {
	// Material descriptors and the packed atlas.
	Materials device.Buffer
	Atlas     device.Buffer

	// Per-object instance records.
	Instances device.Buffer

	// Classification output.
	Triangles      device.Buffer
	ClusterMorton  device.Buffer
	ClusterAABB    device.Buffer
	ClusterOffsets device.Buffer
	ClusterCones   device.Buffer

	// Cluster and triangle counters.
	Counters device.Buffer

	// Sorted cluster order and keys.
	ClusterIndex device.Buffer
	SortedMorton device.Buffer

	// Hierarchy.
	Nodes   device.Buffer
	AABBs   device.Buffer
	Parents device.Buffer
	Flags   device.Buffer

	// Indirect dispatch arguments.
	Args device.Buffer

	// Bound in place of absent mesh streams.
	Empty device.Buffer
}

// Allocate new buffer set.
func newBufferSet(dev device.Device) *bufferSet {
	return &bufferSet{
		Materials:      dev.Buffer("bvhMaterials"),
		Atlas:          dev.Buffer("bvhAtlas"),
		Instances:      dev.Buffer("bvhInstances"),
		Triangles:      dev.Buffer("bvhTriangles"),
		ClusterMorton:  dev.Buffer("bvhClusterMorton"),
		ClusterAABB:    dev.Buffer("bvhClusterAABB"),
		ClusterOffsets: dev.Buffer("bvhClusterOffsets"),
		ClusterCones:   dev.Buffer("bvhClusterCones"),
		Counters:       dev.Buffer("bvhCounters"),
		ClusterIndex:   dev.Buffer("bvhClusterIndex"),
		SortedMorton:   dev.Buffer("bvhSortedMorton"),
		Nodes:          dev.Buffer("bvhNodes"),
		AABBs:          dev.Buffer("bvhAABBs"),
		Parents:        dev.Buffer("bvhParents"),
		Flags:          dev.Buffer("bvhFlags"),
		Args:           dev.Buffer("bvhArgs"),
		Empty:          dev.Buffer("bvhEmpty"),
	}
}

// Allocate the buffers whose size does not depend on the scene.
func (bs *bufferSet) allocateFixed() error {
	for _, alloc := range []struct {
		buf   device.Buffer
		size  int
		usage device.Usage
	}{
		{bs.Counters, counterWords * 4, device.UsageStorage},
		{bs.Args, argsWords * 4, device.UsageStorage | device.UsageIndirect},
		{bs.Empty, 4, device.UsageStorage},
	} {
		if err := alloc.buf.Allocate(alloc.size, alloc.usage); err != nil {
			return err
		}
	}
	return nil
}

// Reallocate every capacity-sized buffer.
func (bs *bufferSet) Resize(capacity uint32) error {
	var err error
	c := int(capacity)

	for _, alloc := range []struct {
		buf   device.Buffer
		words int
	}{
		{bs.Triangles, c * TriangleStride},
		{bs.ClusterMorton, c * MortonStride},
		{bs.ClusterAABB, c * AABBStride},
		{bs.ClusterOffsets, c * OffsetStride},
		{bs.ClusterCones, c * ConeStride},
		{bs.ClusterIndex, int(gpusort.NextPow2(capacity))},
		{bs.SortedMorton, c * MortonStride},
		{bs.Nodes, 2 * c * NodeStride},
		{bs.AABBs, 2 * c * AABBStride},
		{bs.Parents, 2 * c},
		{bs.Flags, c},
	} {
		if err = alloc.buf.Allocate(alloc.words*4, device.UsageStorage); err != nil {
			return err
		}
	}
	return nil
}

// Release the capacity-sized buffers.
func (bs *bufferSet) ReleaseCapacity() {
	for _, buf := range []device.Buffer{
		bs.Triangles, bs.ClusterMorton, bs.ClusterAABB, bs.ClusterOffsets, bs.ClusterCones,
		bs.ClusterIndex, bs.SortedMorton, bs.Nodes, bs.AABBs, bs.Parents, bs.Flags,
	} {
		buf.Release()
	}
}

// Release all buffers.
func (bs *bufferSet) Release() {
	reflVal := reflect.ValueOf(*bs)
	for fieldIndex := 0; fieldIndex < reflVal.NumField(); fieldIndex++ {
		if buf, ok := reflVal.Field(fieldIndex).Interface().(device.Buffer); ok && buf != nil {
			buf.Release()
		}
	}
}

// Device copies of a mesh's vertex and index streams.
type meshBuffers struct {
	version uint64

	// Set during a build; entries left unused are released.
	used bool

	attrFlags uint32
	subsets   uint32

	// Shared placeholder bound for absent streams; not owned.
	empty device.Buffer

	Indices   device.Buffer
	Positions device.Buffer
	Normals   device.Buffer
	UV0       device.Buffer
	UV1       device.Buffer
	Colors    device.Buffer
	Subsets   device.Buffer
}

func (mb *meshBuffers) Release() {
	for _, buf := range []device.Buffer{mb.Indices, mb.Positions, mb.Normals, mb.UV0, mb.UV1, mb.Colors, mb.Subsets} {
		if buf != nil && buf != mb.empty {
			buf.Release()
		}
	}
}
