// Package scene contains the host-side description of the geometry, materials
// and textures that the BVH builder consumes.
package scene

import (
	"bytes"
	"fmt"

	"github.com/achilleasa/gpubvh/types"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/olekukonko/tablewriter"
)

// A placed mesh instance.
type Object struct {
	Name string

	// May be nil; such objects contribute no geometry.
	Mesh *Mesh

	// Object to world transform.
	Transform mgl32.Mat4

	// Instance tint multiplied with material colors.
	Color types.Vec4
}

// Create an object with an identity transform and a white tint.
func NewObject(name string, mesh *Mesh) *Object {
	return &Object{
		Name:      name,
		Mesh:      mesh,
		Transform: mgl32.Ident4(),
		Color:     types.XYZW(1, 1, 1, 1),
	}
}

// Build a transform that scales, then rotates (euler angles in degrees,
// applied in X, Y, Z order) and finally translates.
func TRS(translate, rotateDeg, scale types.Vec3) mgl32.Mat4 {
	rot := mgl32.AnglesToQuat(
		mgl32.DegToRad(rotateDeg[0]),
		mgl32.DegToRad(rotateDeg[1]),
		mgl32.DegToRad(rotateDeg[2]),
		mgl32.XYZ,
	)
	return mgl32.Translate3D(translate[0], translate[1], translate[2]).
		Mul4(rot.Mat4()).
		Mul4(mgl32.Scale3D(scale[0], scale[1], scale[2]))
}

// Transform a point by an affine matrix.
func TransformPoint(m mgl32.Mat4, p types.Vec3) types.Vec3 {
	v := m.Mul4x1(mgl32.Vec4{p[0], p[1], p[2], 1})
	return types.XYZ(v[0], v[1], v[2])
}

type Scene struct {
	Objects []*Object
}

func NewScene() *Scene {
	return &Scene{
		Objects: make([]*Object, 0),
	}
}

// Add an object to the scene.
func (s *Scene) AddObject(obj *Object) error {
	for _, o := range s.Objects {
		if o == obj {
			return fmt.Errorf("scene: object %q already added", obj.Name)
		}
	}
	if obj.Mesh != nil {
		if err := obj.Mesh.Validate(); err != nil {
			return err
		}
	}
	s.Objects = append(s.Objects, obj)
	return nil
}

// Total number of triangles over all object instances.
func (s *Scene) TriangleCount() uint32 {
	var count uint32
	for _, obj := range s.Objects {
		if obj.Mesh != nil {
			count += obj.Mesh.TriangleCount()
		}
	}
	return count
}

// World space bounds of all referenced vertices.
func (s *Scene) Bounds() types.AABB {
	b := types.EmptyAABB()
	for _, obj := range s.Objects {
		if obj.Mesh == nil || obj.Mesh.TriangleCount() == 0 {
			continue
		}
		for _, index := range obj.Mesh.Indices {
			b = b.Extend(TransformPoint(obj.Transform, obj.Mesh.Positions[index]))
		}
	}
	return b
}

// Unique meshes referenced by the scene in first-use order.
func (s *Scene) Meshes() []*Mesh {
	seen := make(map[*Mesh]struct{})
	meshes := make([]*Mesh, 0)
	for _, obj := range s.Objects {
		if obj.Mesh == nil {
			continue
		}
		if _, exists := seen[obj.Mesh]; exists {
			continue
		}
		seen[obj.Mesh] = struct{}{}
		meshes = append(meshes, obj.Mesh)
	}
	return meshes
}

// Unique textures referenced by subset materials in first-use order.
func (s *Scene) Textures() []*Texture {
	seen := make(map[*Texture]struct{})
	textures := make([]*Texture, 0)
	for _, mesh := range s.Meshes() {
		for _, subset := range mesh.Subsets {
			if subset.Material == nil {
				continue
			}
			for _, tex := range subset.Material.Textures {
				if tex == nil || tex.Image == nil {
					continue
				}
				if _, exists := seen[tex]; exists {
					continue
				}
				seen[tex] = struct{}{}
				textures = append(textures, tex)
			}
		}
	}
	return textures
}

// Generate a table with scene contents.
func (s *Scene) Stats() string {
	var vertices, materialSlots int
	for _, mesh := range s.Meshes() {
		vertices += len(mesh.Positions)
		materialSlots += mesh.MaterialSlots()
	}

	var buf bytes.Buffer
	table := tablewriter.NewWriter(&buf)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoFormatHeaders(false)
	table.SetHeader([]string{"Asset Type", "Asset", "Count"})
	table.Append([]string{"Geometry", "---", " "})
	table.Append([]string{"", "Objects", fmt.Sprint(len(s.Objects))})
	table.Append([]string{"", "Meshes", fmt.Sprint(len(s.Meshes()))})
	table.Append([]string{"", "Vertices", fmt.Sprint(vertices)})
	table.Append([]string{" ", " ", " "})
	table.Append([]string{"Materials", "---", " "})
	table.Append([]string{"", "Mat. slots", fmt.Sprint(materialSlots)})
	table.Append([]string{"", "Textures", fmt.Sprint(len(s.Textures()))})
	table.SetFooter([]string{"Triangles", " ", fmt.Sprint(s.TriangleCount())})

	table.Render()
	return buf.String()
}
