package scene

import (
	"fmt"

	"github.com/achilleasa/gpubvh/types"
)

// A contiguous index range rendered with one material.
type Subset struct {
	Material    *Material
	IndexOffset uint32
	IndexCount  uint32
}

// An indexed triangle list. Optional attribute streams are either empty or
// have one entry per position.
type Mesh struct {
	Name string

	Indices   []uint32
	Positions []types.Vec3
	Normals   []types.Vec3
	UV0       []types.Vec2
	UV1       []types.Vec2

	// Packed RGBA8 vertex colors.
	Colors []uint32

	Subsets []Subset

	// Incremented by Touch; lets consumers detect edited geometry.
	version uint64
}

// Mark mesh data as modified.
func (m *Mesh) Touch() {
	m.version++
}

func (m *Mesh) Version() uint64 {
	return m.version
}

func (m *Mesh) TriangleCount() uint32 {
	return uint32(len(m.Indices) / 3)
}

// Object space bounds.
func (m *Mesh) Bounds() types.AABB {
	b := types.EmptyAABB()
	for _, p := range m.Positions {
		b = b.Extend(p)
	}
	return b
}

// Number of material descriptor slots the mesh occupies. Meshes without
// subsets use a single default material.
func (m *Mesh) MaterialSlots() int {
	if len(m.Subsets) == 0 {
		return 1
	}
	return len(m.Subsets)
}

// Check that indices and attribute streams are consistent.
func (m *Mesh) Validate() error {
	if len(m.Indices)%3 != 0 {
		return fmt.Errorf("scene: mesh %q: index count %d is not a multiple of 3", m.Name, len(m.Indices))
	}

	vertexCount := len(m.Positions)
	for i, index := range m.Indices {
		if int(index) >= vertexCount {
			return fmt.Errorf("scene: mesh %q: index %d at position %d is out of range [0, %d)", m.Name, index, i, vertexCount)
		}
	}

	for _, stream := range []struct {
		name string
		len  int
	}{
		{"normal", len(m.Normals)},
		{"uv0", len(m.UV0)},
		{"uv1", len(m.UV1)},
		{"color", len(m.Colors)},
	} {
		if stream.len != 0 && stream.len != vertexCount {
			return fmt.Errorf("scene: mesh %q: %s stream has %d entries; expected %d", m.Name, stream.name, stream.len, vertexCount)
		}
	}

	for i, subset := range m.Subsets {
		if uint64(subset.IndexOffset)+uint64(subset.IndexCount) > uint64(len(m.Indices)) {
			return fmt.Errorf("scene: mesh %q: subset %d exceeds index buffer", m.Name, i)
		}
	}

	return nil
}
