package reader

import (
	"fmt"

	"github.com/achilleasa/gpubvh/scene"
	"github.com/achilleasa/gpubvh/types"
	"github.com/chewxy/math32"
)

// Generate a procedural mesh. Supported kinds are box, quad, grid and sphere.
// Segments controls the tessellation of grids and spheres.
func newPrimitive(kind, name string, segments int, mat *scene.Material) (*scene.Mesh, error) {
	if mat == nil {
		mat = scene.DefaultMaterial()
	}

	var mesh *scene.Mesh
	switch kind {
	case "box":
		mesh = boxMesh()
	case "quad":
		mesh = gridMesh(1)
	case "grid":
		if segments <= 0 {
			return nil, fmt.Errorf("reader: grid %q requires a positive segment count", name)
		}
		mesh = gridMesh(segments)
	case "sphere":
		if segments < 3 {
			return nil, fmt.Errorf("reader: sphere %q requires at least 3 segments", name)
		}
		mesh = sphereMesh(segments)
	default:
		return nil, fmt.Errorf("reader: unknown primitive %q for mesh %q", kind, name)
	}

	mesh.Name = name
	mesh.Subsets = []scene.Subset{{Material: mat, IndexCount: uint32(len(mesh.Indices))}}
	return mesh, nil
}

// A unit cube centered at the origin with per-face normals.
func boxMesh() *scene.Mesh {
	mesh := &scene.Mesh{}
	faces := []struct {
		normal, u, v types.Vec3
	}{
		{types.XYZ(1, 0, 0), types.XYZ(0, 0, -1), types.XYZ(0, 1, 0)},
		{types.XYZ(-1, 0, 0), types.XYZ(0, 0, 1), types.XYZ(0, 1, 0)},
		{types.XYZ(0, 1, 0), types.XYZ(1, 0, 0), types.XYZ(0, 0, -1)},
		{types.XYZ(0, -1, 0), types.XYZ(1, 0, 0), types.XYZ(0, 0, 1)},
		{types.XYZ(0, 0, 1), types.XYZ(1, 0, 0), types.XYZ(0, 1, 0)},
		{types.XYZ(0, 0, -1), types.XYZ(-1, 0, 0), types.XYZ(0, 1, 0)},
	}

	for _, f := range faces {
		base := uint32(len(mesh.Positions))
		center := f.normal.Mul(0.5)
		for _, c := range [4][2]float32{{-0.5, -0.5}, {0.5, -0.5}, {0.5, 0.5}, {-0.5, 0.5}} {
			mesh.Positions = append(mesh.Positions, center.Add(f.u.Mul(c[0])).Add(f.v.Mul(c[1])))
			mesh.Normals = append(mesh.Normals, f.normal)
			mesh.UV0 = append(mesh.UV0, types.XY(c[0]+0.5, 0.5-c[1]))
		}
		mesh.Indices = append(mesh.Indices, base, base+1, base+2, base, base+2, base+3)
	}
	return mesh
}

// A unit square in the XZ plane facing +Y, split into segments x segments quads.
func gridMesh(segments int) *scene.Mesh {
	mesh := &scene.Mesh{}
	step := 1 / float32(segments)
	for z := 0; z <= segments; z++ {
		for x := 0; x <= segments; x++ {
			u, v := float32(x)*step, float32(z)*step
			mesh.Positions = append(mesh.Positions, types.XYZ(u-0.5, 0, v-0.5))
			mesh.Normals = append(mesh.Normals, types.XYZ(0, 1, 0))
			mesh.UV0 = append(mesh.UV0, types.XY(u, v))
		}
	}

	row := uint32(segments + 1)
	for z := uint32(0); z < uint32(segments); z++ {
		for x := uint32(0); x < uint32(segments); x++ {
			i := z*row + x
			mesh.Indices = append(mesh.Indices, i, i+row, i+1, i+1, i+row, i+row+1)
		}
	}
	return mesh
}

// A UV sphere of radius 0.5.
func sphereMesh(segments int) *scene.Mesh {
	mesh := &scene.Mesh{}
	rings := segments / 2
	if rings < 2 {
		rings = 2
	}

	for ring := 0; ring <= rings; ring++ {
		theta := math32.Pi * float32(ring) / float32(rings)
		for seg := 0; seg <= segments; seg++ {
			phi := 2 * math32.Pi * float32(seg) / float32(segments)
			n := types.XYZ(math32.Sin(theta)*math32.Cos(phi), math32.Cos(theta), math32.Sin(theta)*math32.Sin(phi))
			mesh.Positions = append(mesh.Positions, n.Mul(0.5))
			mesh.Normals = append(mesh.Normals, n)
			mesh.UV0 = append(mesh.UV0, types.XY(float32(seg)/float32(segments), float32(ring)/float32(rings)))
		}
	}

	row := uint32(segments + 1)
	for ring := uint32(0); ring < uint32(rings); ring++ {
		for seg := uint32(0); seg < uint32(segments); seg++ {
			i := ring*row + seg
			// Skip the degenerate triangles at the poles.
			if ring != 0 {
				mesh.Indices = append(mesh.Indices, i, i+1, i+row)
			}
			if ring != uint32(rings)-1 {
				mesh.Indices = append(mesh.Indices, i+1, i+row+1, i+row)
			}
		}
	}
	return mesh
}
