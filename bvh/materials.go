package bvh

import (
	"math"

	"github.com/achilleasa/gpubvh/atlas"
	"github.com/achilleasa/gpubvh/device"
	"github.com/achilleasa/gpubvh/scene"
	"github.com/achilleasa/gpubvh/types"
)

// Encode a material into its descriptor words. Texture slots without an atlas
// rect get an invalid uv set so that consumers sample white instead.
func encodeMaterial(dst []uint32, mat *scene.Material, at *atlas.Atlas) {
	putVec4 := func(offset int, v types.Vec4) {
		for i := 0; i < 4; i++ {
			dst[offset+i] = math.Float32bits(v[i])
		}
	}

	putVec4(matBaseColor, mat.BaseColor)
	putVec4(matEmissiveColor, mat.EmissiveColor)
	putVec4(matTexMulAdd, mat.TexMulAdd)

	for offset, v := range map[int]float32{
		matRoughness:            mat.Roughness,
		matReflectance:          mat.Reflectance,
		matMetalness:            mat.Metalness,
		matRefractionIndex:      mat.RefractionIndex,
		matSubsurfaceScattering: mat.SubsurfaceScattering,
		matNormalMapStrength:    mat.NormalMapStrength,
		matParallaxOcclusion:    mat.ParallaxOcclusionMapping,
		matDisplacement:         mat.DisplacementMapping,
	} {
		dst[offset] = math.Float32bits(v)
	}

	var options uint32
	for bit, set := range map[uint32]bool{
		OptionUseVertexColors:            mat.UseVertexColors,
		OptionSpecularGlossinessWorkflow: mat.SpecularGlossinessWorkflow,
		OptionOcclusionPrimary:           mat.OcclusionPrimary,
		OptionOcclusionSecondary:         mat.OcclusionSecondary,
		OptionNormalMapFlipGreen:         mat.FlipNormalMapGreen,
	} {
		if set {
			options |= bit
		}
	}
	dst[matOptions] = options

	for slot := scene.TextureSlot(0); slot < scene.NumTextureSlots; slot++ {
		dst[matUVSets+int(slot)] = InvalidIndex
		putVec4(matAtlasMulAdd+4*int(slot), types.Vec4{})

		tex := mat.Textures[slot]
		if tex == nil {
			continue
		}
		mulAdd, ok := at.MulAdd(tex)
		if !ok {
			continue
		}
		dst[matUVSets+int(slot)] = mat.UVSets[slot]
		putVec4(matAtlasMulAdd+4*int(slot), mulAdd)
	}
}

// Collect the material descriptors of every object with a mesh in subset
// order. Meshes without subsets contribute one default descriptor. The
// returned offsets hold the index of each object's first descriptor.
func collectMaterials(scn *scene.Scene) (mats []*scene.Material, offsets map[*scene.Object]uint32) {
	offsets = make(map[*scene.Object]uint32)
	for _, obj := range scn.Objects {
		if obj.Mesh == nil {
			continue
		}
		offsets[obj] = uint32(len(mats))
		if len(obj.Mesh.Subsets) == 0 {
			mats = append(mats, nil)
			continue
		}
		for _, subset := range obj.Mesh.Subsets {
			mats = append(mats, subset.Material)
		}
	}
	return mats, offsets
}

// Make sure that every texture referenced by the scene materials is present
// in the atlas, rebuild the material descriptor array and upload both.
// Atlas packing failures are logged and the previous atlas stays active.
// The returned offsets map each object with a mesh to its first material
// descriptor.
func (b *Builder) UpdateGlobalMaterialResources(scn *scene.Scene) (repacked bool, offsets map[*scene.Object]uint32, err error) {
	repacked, packErr := b.atlas.Update(scn.Textures())
	if packErr != nil {
		b.logger.Warningf("%v; keeping the previous atlas (%d textures)", packErr, b.atlas.Len())
	}

	if repacked || b.buffers.Atlas.Size() == 0 {
		if err = b.buffers.Atlas.AllocateAndWriteData(b.atlas.Words(), device.UsageStorage); err != nil {
			return false, nil, err
		}
	}

	mats, offsets := collectMaterials(scn)
	count := len(mats)
	if count == 0 {
		count = 1
	}

	words := make([]uint32, count*MaterialStride)
	defaultMat := scene.DefaultMaterial()
	for i := 0; i < count; i++ {
		mat := defaultMat
		if i < len(mats) && mats[i] != nil {
			mat = mats[i]
		}
		encodeMaterial(words[i*MaterialStride:(i+1)*MaterialStride], mat, b.atlas)
	}

	if b.buffers.Materials.Size() != len(words)*4 {
		if err = b.buffers.Materials.Allocate(len(words)*4, device.UsageStorage); err != nil {
			return false, nil, err
		}
	}
	if err = b.buffers.Materials.WriteData(words, 0); err != nil {
		return false, nil, err
	}

	b.materialCount = uint32(len(mats))
	return repacked, offsets, nil
}
