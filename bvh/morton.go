package bvh

import (
	"github.com/achilleasa/gpubvh/types"
)

// Bits per axis in a morton code.
const mortonBits = 21

const mortonScale = float32(1<<mortonBits - 1)

// Spread the low 21 bits of v so that two zero bits separate each of them.
func expandBits(v uint64) uint64 {
	v &= 0x1fffff
	v = (v | v<<32) & 0x1f00000000ffff
	v = (v | v<<16) & 0x1f0000ff0000ff
	v = (v | v<<8) & 0x100f00f00f00f00f
	v = (v | v<<4) & 0x10c30c30c30c30c3
	v = (v | v<<2) & 0x1249249249249249
	return v
}

// Encode a point as a 63-bit morton code. The point is normalized against
// the scene bounds given as min and inverse extent; components outside of
// the bounds are clamped.
func MortonCode(p, sceneMin, sceneInvExtent types.Vec3) uint64 {
	var q [3]uint64
	for axis := 0; axis < 3; axis++ {
		v := (p[axis] - sceneMin[axis]) * sceneInvExtent[axis]
		if !(v > 0) {
			v = 0
		} else if v > 1 {
			v = 1
		}
		q[axis] = uint64(v * mortonScale)
	}
	return expandBits(q[0]) | expandBits(q[1])<<1 | expandBits(q[2])<<2
}

// Get the per-axis inverse extent of a box. Degenerate axes map to 0.
func inverseExtent(b types.AABB) types.Vec3 {
	size := b.Size()
	var inv types.Vec3
	for axis := 0; axis < 3; axis++ {
		if size[axis] > 0 {
			inv[axis] = 1 / size[axis]
		}
	}
	return inv
}
