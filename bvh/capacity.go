package bvh

import (
	"github.com/achilleasa/gpubvh/scene"
)

// Total number of triangles over the objects that reference a mesh.
func sceneTriangleCount(scn *scene.Scene) uint32 {
	var total uint32
	for _, obj := range scn.Objects {
		if obj.Mesh != nil {
			total += obj.Mesh.TriangleCount()
		}
	}
	return total
}

// Grow the capacity-sized buffers so they can hold total triangles. Capacity
// never shrinks. Returns true if the buffers were reallocated.
func (b *Builder) ensureCapacity(total uint32) (bool, error) {
	if total <= b.capacity {
		return false, nil
	}

	capacity := total
	if capacity < 2 {
		capacity = 2
	}

	if err := b.buffers.Resize(capacity); err != nil {
		b.buffers.ReleaseCapacity()
		b.capacity = 0
		return false, err
	}

	b.logger.Noticef("grew capacity from %d to %d triangles", b.capacity, capacity)
	b.capacity = capacity
	return true, nil
}

// Current capacity in triangles (and clusters).
func (b *Builder) Capacity() uint32 {
	return b.capacity
}
