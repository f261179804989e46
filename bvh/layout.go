package bvh

// Invocations per workgroup for all builder kernels.
const GroupSize = 64

// Marks a missing parent link or uv set.
const InvalidIndex = 0xFFFFFFFF

// Record strides in 32-bit words. The WGSL sources declare the same values.
const (
	TriangleStride = 36
	MortonStride   = 2
	AABBStride     = 6
	OffsetStride   = 4
	ConeStride     = 8
	NodeStride     = 2
	InstanceStride = 32
	MaterialStride = 44
	SubsetStride   = 2
)

// Triangle record fields.
const (
	triPositions     = 0
	triNormals       = 9
	triUV0           = 18
	triUV1           = 24
	triColors        = 30
	triMaterial      = 33
	triObject        = 34
	triInstanceColor = 35
)

// Cluster offset record fields.
const (
	offTriangleOffset = 0
	offTriangleCount  = 1
	offPrimitiveID    = 2
	offObject         = 3
)

// Cluster cone record fields.
const (
	coneApex     = 0
	coneAxis     = 3
	coneCutoff   = 6
	coneTriCount = 7
)

// Instance record fields.
const (
	instWorld           = 0
	instNormal          = 12
	instMaterialOffset  = 21
	instPrimitiveOffset = 22
	instTriangleCount   = 23
	instFlags           = 24
	instColor           = 25
	instObject          = 26
)

// Instance attribute flags.
const (
	attrNormals uint32 = 1 << iota
	attrUV0
	attrUV1
	attrColors
)

// Counter buffer words.
const (
	counterClusters  = 0
	counterTriangles = 1
	counterWords     = 4
)

// Indirect args buffer words.
const (
	argsClusterGroups   = 0
	argsHierarchyGroups = 3
	argsCount           = 6
	argsWords           = 8
)

// Material descriptor fields.
const (
	matBaseColor            = 0
	matEmissiveColor        = 4
	matTexMulAdd            = 8
	matRoughness            = 12
	matReflectance          = 13
	matMetalness            = 14
	matRefractionIndex      = 15
	matSubsurfaceScattering = 16
	matNormalMapStrength    = 17
	matParallaxOcclusion    = 18
	matDisplacement         = 19
	matOptions              = 20
	matUVSets               = 21
	matAtlasMulAdd          = 28
)

// Material option bits.
const (
	OptionUseVertexColors uint32 = 1 << iota
	OptionSpecularGlossinessWorkflow
	OptionOcclusionPrimary
	OptionOcclusionSecondary
	OptionNormalMapFlipGreen
)

// Slots of the resources returned by Builder.Bind.
const (
	SlotMaterials = iota
	SlotAtlas
	SlotTriangles
	SlotClusterCounter
	SlotClusterIndex
	SlotClusterOffsets
	SlotClusterCones
	SlotNodes
	SlotAABBs
	NumSlots
)
