package scene

import (
	"image"

	"github.com/achilleasa/gpubvh/types"
)

// A texture image. Textures are identified by pointer; two materials that
// share a *Texture share its atlas rect.
type Texture struct {
	Name  string
	Image image.Image
}

// Texture slots that can be bound to a material.
type TextureSlot uint8

const (
	BaseColorMap TextureSlot = iota
	SurfaceMap
	EmissiveMap
	NormalMap
	NumTextureSlots
)

func (ts TextureSlot) String() string {
	switch ts {
	case BaseColorMap:
		return "baseColor"
	case SurfaceMap:
		return "surface"
	case EmissiveMap:
		return "emissive"
	case NormalMap:
		return "normal"
	}
	return "unknown"
}

// Surface parameters consumed by ray tracing shaders.
type Material struct {
	Name string

	BaseColor types.Vec4

	// RGB color and strength in the w component.
	EmissiveColor types.Vec4

	// UV scale (xy) and offset (zw).
	TexMulAdd types.Vec4

	Roughness            float32
	Reflectance          float32
	Metalness            float32
	RefractionIndex      float32
	SubsurfaceScattering float32

	NormalMapStrength  float32
	FlipNormalMapGreen bool

	ParallaxOcclusionMapping float32
	DisplacementMapping      float32

	UseVertexColors            bool
	SpecularGlossinessWorkflow bool
	OcclusionPrimary           bool
	OcclusionSecondary         bool

	Textures [NumTextureSlots]*Texture

	// UV set used for sampling each texture slot.
	UVSets [NumTextureSlots]uint32
}

// Create a material with neutral defaults.
func DefaultMaterial() *Material {
	return &Material{
		Name:              "default",
		BaseColor:         types.XYZW(1, 1, 1, 1),
		EmissiveColor:     types.XYZW(1, 1, 1, 0),
		TexMulAdd:         types.XYZW(1, 1, 0, 0),
		Roughness:         0.2,
		Reflectance:       0.02,
		RefractionIndex:   1,
		NormalMapStrength: 1,
	}
}
