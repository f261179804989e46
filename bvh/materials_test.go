package bvh

import (
	"image"
	"image/color"
	"math"
	"testing"

	"github.com/achilleasa/gpubvh/device/cpu"
	"github.com/achilleasa/gpubvh/scene"
	"github.com/achilleasa/gpubvh/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solidTexture(name string, w, h int) *scene.Texture {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{R: 200, G: 100, B: 50, A: 255})
		}
	}
	return &scene.Texture{Name: name, Image: img}
}

func readMaterials(t *testing.T, b *Builder) [][]uint32 {
	words := make([]uint32, b.buffers.Materials.Size()/4)
	require.NoError(t, b.buffers.Materials.ReadData(0, 0, 0, words))

	var out [][]uint32
	for i := 0; i+MaterialStride <= len(words); i += MaterialStride {
		out = append(out, words[i:i+MaterialStride])
	}
	return out
}

func wordFloat(w uint32) float32 {
	return math.Float32frombits(w)
}

func TestMaterialDescriptorLayout(t *testing.T) {
	albedo := solidTexture("albedo", 8, 4)
	normal := solidTexture("normal", 4, 4)

	mat := scene.DefaultMaterial()
	mat.Name = "painted"
	mat.BaseColor = types.XYZW(0.5, 0.25, 1, 1)
	mat.Roughness = 0.7
	mat.Metalness = 0.3
	mat.UseVertexColors = true
	mat.FlipNormalMapGreen = true
	mat.Textures[scene.BaseColorMap] = albedo
	mat.Textures[scene.NormalMap] = normal
	mat.UVSets[scene.NormalMap] = 1

	mesh := triangleMesh("tri", [3]types.Vec3{types.XYZ(0, 0, 0), types.XYZ(1, 0, 0), types.XYZ(0, 1, 0)})
	mesh.Subsets = []scene.Subset{{Material: mat, IndexCount: 3}}

	scn := scene.NewScene()
	require.NoError(t, scn.AddObject(scene.NewObject("plain", triangleMesh("plain", [3]types.Vec3{types.XYZ(2, 2, 2), types.XYZ(3, 2, 2), types.XYZ(2, 3, 2)}))))
	require.NoError(t, scn.AddObject(scene.NewObject("painted", mesh)))
	require.NoError(t, scn.AddObject(scene.NewObject("empty", nil)))

	b, _ := newTestBuilder(t, cpu.Options{Workers: 1}, Config{})
	stats, err := b.Build(scn)
	require.NoError(t, err)
	assert.True(t, stats.AtlasRepacked)

	descs := readMaterials(t, b)
	require.Len(t, descs, 2)

	// Default descriptor for the mesh without subsets.
	def := descs[0]
	assert.Equal(t, float32(0.2), wordFloat(def[matRoughness]))
	assert.Equal(t, uint32(0), def[matOptions])
	for slot := 0; slot < int(scene.NumTextureSlots); slot++ {
		assert.Equal(t, uint32(InvalidIndex), def[matUVSets+slot], "slot %d", slot)
	}

	painted := descs[1]
	assert.Equal(t, float32(0.25), wordFloat(painted[matBaseColor+1]))
	assert.Equal(t, float32(0.7), wordFloat(painted[matRoughness]))
	assert.Equal(t, float32(0.3), wordFloat(painted[matMetalness]))
	assert.Equal(t, OptionUseVertexColors|OptionNormalMapFlipGreen, painted[matOptions])
	assert.Equal(t, uint32(0), painted[matUVSets+int(scene.BaseColorMap)])
	assert.Equal(t, uint32(InvalidIndex), painted[matUVSets+int(scene.SurfaceMap)])
	assert.Equal(t, uint32(InvalidIndex), painted[matUVSets+int(scene.EmissiveMap)])
	assert.Equal(t, uint32(1), painted[matUVSets+int(scene.NormalMap)])

	for _, tex := range []struct {
		slot scene.TextureSlot
		tex  *scene.Texture
	}{
		{scene.BaseColorMap, albedo},
		{scene.NormalMap, normal},
	} {
		expMulAdd, ok := b.atlas.MulAdd(tex.tex)
		require.True(t, ok)
		for i := 0; i < 4; i++ {
			assert.Equal(t, expMulAdd[i], wordFloat(painted[matAtlasMulAdd+4*int(tex.slot)+i]), "slot %s component %d", tex.slot, i)
		}
	}

	// Atlas buffer holds [w, h, pixels...].
	atlasWords := make([]uint32, b.buffers.Atlas.Size()/4)
	require.NoError(t, b.buffers.Atlas.ReadData(0, 0, 0, atlasWords))
	size := b.atlas.Image().Bounds().Size()
	assert.Equal(t, uint32(size.X), atlasWords[0])
	assert.Equal(t, uint32(size.Y), atlasWords[1])
	assert.Len(t, atlasWords, 2+size.X*size.Y)

	// Nothing new to pack on the next build.
	stats, err = b.Build(scn)
	require.NoError(t, err)
	assert.False(t, stats.AtlasRepacked)
}

func TestAtlasFailureFallsBackToWhite(t *testing.T) {
	huge := solidTexture("huge", 64, 64)
	mat := scene.DefaultMaterial()
	mat.Textures[scene.EmissiveMap] = huge

	mesh := triangleMesh("tri", [3]types.Vec3{types.XYZ(0, 0, 0), types.XYZ(1, 0, 0), types.XYZ(0, 1, 0)})
	mesh.Subsets = []scene.Subset{{Material: mat, IndexCount: 3}}
	scn := scene.NewScene()
	require.NoError(t, scn.AddObject(scene.NewObject("tri", mesh)))

	b, _ := newTestBuilder(t, cpu.Options{Workers: 1}, Config{AtlasMaxSize: 32, Validate: true})
	stats, err := b.Build(scn)
	require.NoError(t, err, "atlas failures must not fail the build")
	assert.False(t, stats.AtlasRepacked)

	descs := readMaterials(t, b)
	require.Len(t, descs, 1)
	assert.Equal(t, uint32(InvalidIndex), descs[0][matUVSets+int(scene.EmissiveMap)])

	atlasWords := make([]uint32, b.buffers.Atlas.Size()/4)
	require.NoError(t, b.buffers.Atlas.ReadData(0, 0, 0, atlasWords))
	assert.Equal(t, []uint32{1, 1, 0xFFFFFFFF}, atlasWords)
}

func TestMaterialBufferTracksDescriptorCount(t *testing.T) {
	b, _ := newTestBuilder(t, cpu.Options{Workers: 1}, Config{})

	_, err := b.Build(scene.NewScene())
	require.NoError(t, err)
	assert.Equal(t, MaterialStride*4, b.buffers.Materials.Size(), "empty scenes keep one default descriptor")
	assert.Equal(t, uint32(0), b.materialCount)

	_, err = b.Build(randomScene(t, 1, 3, 2))
	require.NoError(t, err)
	assert.Equal(t, 3*MaterialStride*4, b.buffers.Materials.Size())
	assert.Equal(t, uint32(3), b.materialCount)
}
