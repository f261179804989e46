package bvh

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/achilleasa/gpubvh/device"
	"github.com/achilleasa/gpubvh/device/cpu"
	"github.com/achilleasa/gpubvh/scene"
	"github.com/achilleasa/gpubvh/types"
)

func newTestBuilder(t *testing.T, opts cpu.Options, cfg Config, builderOpts ...Option) (*Builder, *cpu.Device) {
	dev := cpu.New("bvh test", opts)
	b, err := NewBuilder(dev, cfg, builderOpts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		b.Close()
		dev.Close()
	})
	return b, dev
}

func triangleMesh(name string, tris ...[3]types.Vec3) *scene.Mesh {
	mesh := &scene.Mesh{Name: name}
	for _, tri := range tris {
		for _, p := range tri {
			mesh.Indices = append(mesh.Indices, uint32(len(mesh.Positions)))
			mesh.Positions = append(mesh.Positions, p)
		}
	}
	return mesh
}

// A scene with objects random triangle meshes spread over a 100 unit cube.
func randomScene(t *testing.T, seed int64, objects, trisPerObject int) *scene.Scene {
	rng := rand.New(rand.NewSource(seed))
	rnd := func(scale float32) types.Vec3 {
		return types.XYZ(rng.Float32()*scale, rng.Float32()*scale, rng.Float32()*scale)
	}

	scn := scene.NewScene()
	for o := 0; o < objects; o++ {
		var tris [][3]types.Vec3
		for i := 0; i < trisPerObject; i++ {
			p0 := rnd(100)
			tris = append(tris, [3]types.Vec3{p0, p0.Add(rnd(2)), p0.Add(rnd(2))})
		}
		obj := scene.NewObject(fmt.Sprintf("obj%d", o), triangleMesh(fmt.Sprintf("mesh%d", o), tris...))
		if err := scn.AddObject(obj); err != nil {
			t.Fatal(err)
		}
	}
	return scn
}

func buildAndSnapshot(t *testing.T, b *Builder, scn *scene.Scene) (*BuildStats, *Snapshot) {
	stats, err := b.Build(scn)
	if err != nil {
		t.Fatal(err)
	}
	snap, err := b.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	return stats, snap
}

func TestLeafCountInvariant(t *testing.T) {
	type spec struct {
		objects, tris int
		clusterSize   uint32
		expClusters   uint32
	}

	specs := []spec{
		{1, 1, 1, 1},
		{1, 2, 1, 2},
		{3, 1, 1, 3},
		{1, 7, 1, 7},
		{4, 16, 1, 64},
		{5, 20, 1, 100},
		{3, 10, 4, 9},
	}

	for specIndex, s := range specs {
		b, _ := newTestBuilder(t, cpu.Options{Workers: 4}, Config{ClusterSize: s.clusterSize})
		stats, snap := buildAndSnapshot(t, b, randomScene(t, int64(specIndex), s.objects, s.tris))

		if stats.Clusters != s.expClusters {
			t.Fatalf("[spec %d] expected host cluster count %d; got %d", specIndex, s.expClusters, stats.Clusters)
		}
		if snap.ClusterCount != s.expClusters {
			t.Fatalf("[spec %d] expected device cluster count %d; got %d", specIndex, s.expClusters, snap.ClusterCount)
		}
		if snap.TriangleCount != uint32(s.objects*s.tris) {
			t.Fatalf("[spec %d] expected %d triangles; got %d", specIndex, s.objects*s.tris, snap.TriangleCount)
		}

		var leaves, internal uint32
		for node := range snap.Nodes {
			if snap.IsLeaf(uint32(node)) {
				leaves++
			} else {
				internal++
			}
		}
		if leaves != s.expClusters || internal != s.expClusters-1 {
			t.Fatalf("[spec %d] expected %d leaves and %d internal nodes; got %d and %d", specIndex, s.expClusters, s.expClusters-1, leaves, internal)
		}
	}
}

func TestTreeStructureUnderInterleavings(t *testing.T) {
	scn := randomScene(t, 42, 6, 25)

	for seed := int64(0); seed < 8; seed++ {
		b, _ := newTestBuilder(t, cpu.Options{Workers: 3, Shuffle: true, Seed: seed}, Config{})
		_, snap := buildAndSnapshot(t, b, scn)

		if err := snap.Validate(); err != nil {
			t.Fatalf("[seed %d] %v", seed, err)
		}

		// Sorted keys are non-decreasing.
		for i := 1; i < len(snap.SortedMorton); i++ {
			if snap.SortedMorton[i-1] > snap.SortedMorton[i] {
				t.Fatalf("[seed %d] expected sorted morton codes; got %d > %d at position %d", seed, snap.SortedMorton[i-1], snap.SortedMorton[i], i)
			}
		}

		// Every internal node received exactly two arrivals.
		for node, flag := range snap.Flags {
			if flag != 2 {
				t.Fatalf("[seed %d] expected flag of node %d to be 2; got %d", seed, node, flag)
			}
		}

		// Leaves hold the clusters in sorted order.
		for i, slot := range snap.ClusterIndex {
			if snap.Clusters[slot].Morton != snap.SortedMorton[i] {
				t.Fatalf("[seed %d] sorted key %d does not match cluster slot %d", seed, i, slot)
			}
		}
	}
}

func TestBoundsAreInterleavingIndependent(t *testing.T) {
	scn := randomScene(t, 7, 4, 40)

	var ref *Snapshot
	for seed := int64(0); seed < 6; seed++ {
		b, _ := newTestBuilder(t, cpu.Options{Workers: 4, Shuffle: true, Seed: seed * 31}, Config{Validate: true})
		_, snap := buildAndSnapshot(t, b, scn)

		for node, children := range snap.Nodes {
			if snap.IsLeaf(uint32(node)) {
				continue
			}
			union := snap.AABBs[children[0]].Union(snap.AABBs[children[1]])
			if snap.AABBs[node] != union {
				t.Fatalf("[seed %d] expected node %d bounds %v to equal child union %v", seed, node, snap.AABBs[node], union)
			}
		}

		if ref == nil {
			ref = snap
			continue
		}
		for node := range ref.Nodes {
			if ref.Nodes[node] != snap.Nodes[node] {
				t.Fatalf("[seed %d] node %d differs: %v vs %v", seed, node, ref.Nodes[node], snap.Nodes[node])
			}
			if ref.AABBs[node] != snap.AABBs[node] {
				t.Fatalf("[seed %d] bounds of node %d differ: %v vs %v", seed, node, ref.AABBs[node], snap.AABBs[node])
			}
		}
	}
}

func TestRepeatedBuildsAreIdentical(t *testing.T) {
	scn := randomScene(t, 3, 3, 33)
	b, _ := newTestBuilder(t, cpu.Options{Workers: 1}, Config{})

	_, first := buildAndSnapshot(t, b, scn)
	_, second := buildAndSnapshot(t, b, scn)

	if len(first.Nodes) != len(second.Nodes) {
		t.Fatalf("expected %d nodes; got %d", len(first.Nodes), len(second.Nodes))
	}
	for node := range first.Nodes {
		if first.Nodes[node] != second.Nodes[node] || first.AABBs[node] != second.AABBs[node] {
			t.Fatalf("node %d differs between builds", node)
		}
	}
	for i := range first.Triangles {
		if first.Triangles[i] != second.Triangles[i] {
			t.Fatalf("triangle %d differs between builds", i)
		}
	}
}

func TestCapacityGrowsMonotonically(t *testing.T) {
	type spec struct {
		tris        int
		expCapacity uint32
		expGrew     bool
	}

	specs := []spec{
		{1, 2, true},
		{4, 4, true},
		{10, 10, true},
		{3, 10, false},
		{10, 10, false},
		{11, 11, true},
	}

	b, _ := newTestBuilder(t, cpu.Options{Workers: 2}, Config{Validate: true})
	for specIndex, s := range specs {
		stats, err := b.Build(randomScene(t, int64(specIndex), 1, s.tris))
		if err != nil {
			t.Fatalf("[spec %d] %v", specIndex, err)
		}
		if stats.Capacity != s.expCapacity || b.Capacity() != s.expCapacity {
			t.Fatalf("[spec %d] expected capacity %d; got %d", specIndex, s.expCapacity, stats.Capacity)
		}
		if stats.Grew != s.expGrew {
			t.Fatalf("[spec %d] expected grew to be %t", specIndex, s.expGrew)
		}
		if b.buffers.Triangles.Size() < int(s.expCapacity)*TriangleStride*4 {
			t.Fatalf("[spec %d] triangle buffer is too small: %d bytes", specIndex, b.buffers.Triangles.Size())
		}
	}

	b.Clear()
	if b.Capacity() != 0 {
		t.Fatalf("expected Clear to reset capacity; got %d", b.Capacity())
	}
	if _, err := b.Build(randomScene(t, 99, 1, 5)); err != nil {
		t.Fatal(err)
	}
	if b.Capacity() != 5 {
		t.Fatalf("expected capacity 5 after clear; got %d", b.Capacity())
	}
}

func TestTwoTriangleScene(t *testing.T) {
	near := [3]types.Vec3{types.XYZ(0, 0, 0), types.XYZ(1, 0, 0), types.XYZ(0, 1, 0)}
	far := [3]types.Vec3{types.XYZ(99, 99, 99), types.XYZ(100, 99, 99), types.XYZ(99, 100, 99)}

	scn := scene.NewScene()
	if err := scn.AddObject(scene.NewObject("near", triangleMesh("near", near))); err != nil {
		t.Fatal(err)
	}
	if err := scn.AddObject(scene.NewObject("far", triangleMesh("far", far))); err != nil {
		t.Fatal(err)
	}

	b, _ := newTestBuilder(t, cpu.Options{Workers: 2, Shuffle: true, Seed: 5}, Config{Validate: true})
	_, snap := buildAndSnapshot(t, b, scn)

	if len(snap.Nodes) != 3 {
		t.Fatalf("expected 3 nodes; got %d", len(snap.Nodes))
	}
	root := snap.Nodes[0]
	if !(root == [2]uint32{1, 2} || root == [2]uint32{2, 1}) {
		t.Fatalf("expected root children to be the leaves 1 and 2; got %v", root)
	}

	expRoot := types.AABB{Min: types.XYZ(0, 0, 0), Max: types.XYZ(100, 100, 99)}
	if snap.AABBs[0] != expRoot {
		t.Fatalf("expected root bounds %v; got %v", expRoot, snap.AABBs[0])
	}

	type query struct {
		origin types.Vec3
		exp    [3]types.Vec3
		expT   float32
	}
	for queryIndex, q := range []query{
		{types.XYZ(0.25, 0.25, 10), near, 10},
		{types.XYZ(99.25, 99.25, 150), far, 51},
	} {
		hit, ok := snap.IntersectRay(q.origin, types.XYZ(0, 0, -1), 1000)
		if !ok {
			t.Fatalf("[query %d] expected a hit", queryIndex)
		}
		if hit.Node != 1 && hit.Node != 2 {
			t.Fatalf("[query %d] expected hit in leaf 1 or 2; got node %d", queryIndex, hit.Node)
		}
		if snap.Triangles[hit.Triangle].Positions != q.exp {
			t.Fatalf("[query %d] expected to hit %v; got %v", queryIndex, q.exp, snap.Triangles[hit.Triangle].Positions)
		}
		if !types.XYZ(hit.T, 0, 0).ApproxEqual(types.XYZ(q.expT, 0, 0), 1e-4) {
			t.Fatalf("[query %d] expected t = %f; got %f", queryIndex, q.expT, hit.T)
		}
	}

	if _, ok := snap.IntersectRay(types.XYZ(50, 50, 50), types.XYZ(0, 0, 1), 1000); ok {
		t.Fatal("expected ray between the triangles to miss")
	}
}

func TestRayQueryMatchesBruteForce(t *testing.T) {
	b, _ := newTestBuilder(t, cpu.Options{Workers: 4}, Config{ClusterSize: 2})
	_, snap := buildAndSnapshot(t, b, randomScene(t, 11, 4, 50))

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 200; i++ {
		origin := types.XYZ(rng.Float32()*100, rng.Float32()*100, -10)
		dir := types.XYZ(rng.Float32()-0.5, rng.Float32()-0.5, 1).Normalize()

		expT, expHit := float32(1000), false
		for _, tri := range snap.Triangles {
			if t, _, _, ok := intersectTriangle(origin, dir, tri.Positions); ok && t < expT {
				expT, expHit = t, true
			}
		}

		hit, ok := snap.IntersectRay(origin, dir, 1000)
		if ok != expHit {
			t.Fatalf("[ray %d] expected hit = %t; got %t", i, expHit, ok)
		}
		if ok && hit.T != expT {
			t.Fatalf("[ray %d] expected closest t %f; got %f", i, expT, hit.T)
		}
	}
}

func TestBuildDoesNotReadBack(t *testing.T) {
	b, dev := newTestBuilder(t, cpu.Options{Workers: 2}, Config{})
	scn := randomScene(t, 5, 3, 10)

	for frame := 0; frame < 3; frame++ {
		before := dev.Stats()
		stats, err := b.Build(scn)
		if err != nil {
			t.Fatal(err)
		}
		after := dev.Stats()

		if after.Readbacks != before.Readbacks {
			t.Fatalf("[frame %d] expected no readbacks during Build; got %d", frame, after.Readbacks-before.Readbacks)
		}
		// Processor, hierarchy and propagation plus the sort passes.
		if after.IndirectDispatches-before.IndirectDispatches < 3 {
			t.Fatalf("[frame %d] expected at least 3 indirect dispatches; got %d", frame, after.IndirectDispatches-before.IndirectDispatches)
		}
		if len(stats.Timings) == 0 {
			t.Fatalf("[frame %d] expected stage timings", frame)
		}
	}
}

func TestEmptyScene(t *testing.T) {
	scn := scene.NewScene()
	if err := scn.AddObject(scene.NewObject("no mesh", nil)); err != nil {
		t.Fatal(err)
	}
	if err := scn.AddObject(scene.NewObject("empty mesh", &scene.Mesh{Name: "empty"})); err != nil {
		t.Fatal(err)
	}

	b, _ := newTestBuilder(t, cpu.Options{Workers: 2}, Config{Validate: true})
	stats, snap := buildAndSnapshot(t, b, scn)
	if stats.Clusters != 0 || snap.ClusterCount != 0 {
		t.Fatalf("expected no clusters; got %d", snap.ClusterCount)
	}
	if _, ok := snap.IntersectRay(types.XYZ(0, 0, 0), types.XYZ(0, 0, 1), 10); ok {
		t.Fatal("expected empty scene to produce no hits")
	}

	// Grow, then shrink back to an empty scene.
	if _, err := b.Build(randomScene(t, 1, 1, 8)); err != nil {
		t.Fatal(err)
	}
	_, snap = buildAndSnapshot(t, b, scn)
	if snap.ClusterCount != 0 || b.Capacity() != 8 {
		t.Fatalf("expected 0 clusters and capacity 8; got %d and %d", snap.ClusterCount, b.Capacity())
	}
}

func TestTriangleRecords(t *testing.T) {
	red := &scene.Material{Name: "red", BaseColor: types.XYZW(1, 0, 0, 1)}
	blue := &scene.Material{Name: "blue", BaseColor: types.XYZW(0, 0, 1, 1)}

	mesh := triangleMesh("quad",
		[3]types.Vec3{types.XYZ(0, 0, 0), types.XYZ(1, 0, 0), types.XYZ(0, 1, 0)},
		[3]types.Vec3{types.XYZ(1, 0, 0), types.XYZ(1, 1, 0), types.XYZ(0, 1, 0)},
	)
	mesh.Normals = make([]types.Vec3, 6)
	mesh.UV0 = make([]types.Vec2, 6)
	mesh.Colors = make([]uint32, 6)
	for i := range mesh.Normals {
		mesh.Normals[i] = types.XYZ(0, 0, 1)
		mesh.UV0[i] = types.XY(float32(i), 0.5)
		mesh.Colors[i] = uint32(i)
	}
	mesh.Subsets = []scene.Subset{
		{Material: red, IndexOffset: 0, IndexCount: 3},
		{Material: blue, IndexOffset: 3, IndexCount: 3},
	}

	scn := scene.NewScene()
	// The first object only contributes a material slot.
	if err := scn.AddObject(scene.NewObject("plain", triangleMesh("plain", [3]types.Vec3{types.XYZ(5, 5, 5), types.XYZ(6, 5, 5), types.XYZ(5, 6, 5)}))); err != nil {
		t.Fatal(err)
	}
	obj := scene.NewObject("quad", mesh)
	obj.Transform = scene.TRS(types.XYZ(10, 0, 0), types.XYZ(90, 0, 0), types.XYZ(1, 1, 1))
	obj.Color = types.XYZW(0, 1, 0, 1)
	if err := scn.AddObject(obj); err != nil {
		t.Fatal(err)
	}

	b, _ := newTestBuilder(t, cpu.Options{Workers: 1}, Config{})
	_, snap := buildAndSnapshot(t, b, scn)

	var quadTris []Triangle
	for _, tri := range snap.Triangles {
		if tri.Object == 1 {
			quadTris = append(quadTris, tri)
		}
	}
	if len(quadTris) != 2 {
		t.Fatalf("expected 2 triangles for object 1; got %d", len(quadTris))
	}

	for _, tri := range quadTris {
		// Rotating +z by 90 degrees around x yields -y.
		for k, n := range tri.Normals {
			if !n.ApproxEqual(types.XYZ(0, -1, 0), 1e-5) {
				t.Fatalf("expected normal %d to be (0, -1, 0); got %v", k, n)
			}
		}
		if tri.Positions[0][0] < 10 {
			t.Fatalf("expected translated positions; got %v", tri.Positions)
		}
		if tri.InstanceColor != obj.Color.PackRGBA8() {
			t.Fatalf("expected instance color %x; got %x", obj.Color.PackRGBA8(), tri.InstanceColor)
		}
		if tri.UV0[0][1] != 0.5 {
			t.Fatalf("expected uv0 to be copied; got %v", tri.UV0)
		}
		if tri.UV1 != [3]types.Vec2{} {
			t.Fatalf("expected empty uv1; got %v", tri.UV1)
		}
	}

	// Material offset of object 1 is 1 (object 0 has a single default slot).
	materials := map[uint32]bool{}
	for _, tri := range quadTris {
		materials[tri.Material] = true
		expMaterial := uint32(1)
		if tri.Colors[0] == 3 {
			expMaterial = 2
		}
		if tri.Material != expMaterial {
			t.Fatalf("expected triangle with first color %d to use material %d; got %d", tri.Colors[0], expMaterial, tri.Material)
		}
	}
	if len(materials) != 2 {
		t.Fatalf("expected 2 distinct materials; got %v", materials)
	}

	// The plain object has white vertex colors and geometric normals.
	for _, tri := range snap.Triangles {
		if tri.Object != 0 {
			continue
		}
		if tri.Colors != [3]uint32{0xFFFFFFFF, 0xFFFFFFFF, 0xFFFFFFFF} {
			t.Fatalf("expected white vertex colors; got %v", tri.Colors)
		}
		if !tri.Normals[0].ApproxEqual(types.XYZ(0, 0, 1), 1e-6) {
			t.Fatalf("expected geometric normal; got %v", tri.Normals[0])
		}
	}
}

func TestClusterRecords(t *testing.T) {
	var tris [][3]types.Vec3
	for i := 0; i < 10; i++ {
		x := float32(i) * 2
		tris = append(tris, [3]types.Vec3{types.XYZ(x, 0, 0), types.XYZ(x+1, 0, 0), types.XYZ(x, 1, 0)})
	}
	scn := scene.NewScene()
	if err := scn.AddObject(scene.NewObject("strip", triangleMesh("strip", tris...))); err != nil {
		t.Fatal(err)
	}

	b, _ := newTestBuilder(t, cpu.Options{Workers: 2, Shuffle: true, Seed: 3}, Config{ClusterSize: 4, Validate: true})
	_, snap := buildAndSnapshot(t, b, scn)

	if snap.ClusterCount != 3 {
		t.Fatalf("expected 3 clusters; got %d", snap.ClusterCount)
	}

	counts := map[uint32]uint32{}
	for _, c := range snap.Clusters {
		counts[c.PrimitiveID] = c.TriangleCount

		// All triangles face +z so the cone is tight.
		if !c.Cone.Axis.ApproxEqual(types.XYZ(0, 0, 1), 1e-6) || c.Cone.Cutoff != 0 {
			t.Fatalf("expected a tight +z cone; got %+v", c.Cone)
		}
		if c.Cone.TriangleCount != c.TriangleCount {
			t.Fatalf("expected cone triangle count %d; got %d", c.TriangleCount, c.Cone.TriangleCount)
		}
		if !c.Cone.Apex.ApproxEqual(c.AABB.Center(), 1e-5) {
			t.Fatalf("expected apex at the cluster center %v; got %v", c.AABB.Center(), c.Cone.Apex)
		}
		for tri := c.TriangleOffset; tri < c.TriangleOffset+c.TriangleCount; tri++ {
			for _, p := range snap.Triangles[tri].Positions {
				if !c.AABB.Contains(types.AABB{Min: p, Max: p}) {
					t.Fatalf("expected cluster bounds %v to contain %v", c.AABB, p)
				}
			}
		}
	}
	exp := map[uint32]uint32{0: 4, 4: 4, 8: 2}
	for id, count := range exp {
		if counts[id] != count {
			t.Fatalf("expected cluster starting at primitive %d to hold %d triangles; got %d", id, count, counts[id])
		}
	}
}

func TestConeOfOpposingFacesCannotCull(t *testing.T) {
	scn := scene.NewScene()
	mesh := triangleMesh("pair",
		[3]types.Vec3{types.XYZ(0, 0, 0), types.XYZ(1, 0, 0), types.XYZ(0, 1, 0)},
		[3]types.Vec3{types.XYZ(0, 0, 1), types.XYZ(0, 1, 1), types.XYZ(1, 0, 1)},
	)
	if err := scn.AddObject(scene.NewObject("pair", mesh)); err != nil {
		t.Fatal(err)
	}

	b, _ := newTestBuilder(t, cpu.Options{Workers: 1}, Config{ClusterSize: 2})
	_, snap := buildAndSnapshot(t, b, scn)

	cone := snap.Clusters[0].Cone
	if cone.Axis != (types.Vec3{}) || cone.Cutoff != 1 {
		t.Fatalf("expected an unbounded cone; got %+v", cone)
	}
}

func TestMeshCache(t *testing.T) {
	mesh := triangleMesh("shared", [3]types.Vec3{types.XYZ(0, 0, 0), types.XYZ(1, 0, 0), types.XYZ(0, 1, 0)})
	scn := scene.NewScene()
	for i := 0; i < 3; i++ {
		obj := scene.NewObject(fmt.Sprintf("copy%d", i), mesh)
		obj.Transform = scene.TRS(types.XYZ(float32(i)*3, 0, 0), types.Vec3{}, types.XYZ(1, 1, 1))
		if err := scn.AddObject(obj); err != nil {
			t.Fatal(err)
		}
	}

	b, _ := newTestBuilder(t, cpu.Options{Workers: 2}, Config{Validate: true})
	_, snap := buildAndSnapshot(t, b, scn)
	if len(b.meshes) != 1 {
		t.Fatalf("expected 1 cached mesh; got %d", len(b.meshes))
	}
	if snap.ClusterCount != 3 {
		t.Fatalf("expected 3 clusters; got %d", snap.ClusterCount)
	}
	cached := b.meshes[mesh]

	// Edits are picked up after Touch.
	mesh.Positions[2] = types.XYZ(0, 2, 0)
	mesh.Touch()
	_, snap = buildAndSnapshot(t, b, scn)
	if b.meshes[mesh] == cached {
		t.Fatal("expected touched mesh to be uploaded again")
	}
	if snap.AABBs[0].Max[1] != 2 {
		t.Fatalf("expected root bounds to reflect the edit; got %v", snap.AABBs[0])
	}

	// Unused meshes are evicted.
	if _, err := b.Build(randomScene(t, 1, 1, 2)); err != nil {
		t.Fatal(err)
	}
	if _, exists := b.meshes[mesh]; exists {
		t.Fatal("expected unused mesh to be evicted")
	}
}

// A hierarchy kernel that links both children of the root to the same node.
func brokenHierarchyProgram() *device.Program {
	prog := Program()
	src := prog.Kernels[KernelHierarchy]
	correct := src.Host
	src.Host = &device.HostKernel{
		GroupSize: correct.GroupSize,
		Access:    correct.Access,
		Func: func(inv *device.Invocation) {
			hierarchyKernel(inv)
			if inv.GlobalID == 0 {
				nodes := inv.Mem(2)
				nodes.Store(1, nodes.Load(0))
			}
		},
	}
	prog.Kernels[KernelHierarchy] = src
	return prog
}

func TestValidationDetectsBrokenHierarchy(t *testing.T) {
	b, _ := newTestBuilder(t, cpu.Options{Workers: 2}, Config{Validate: true}, WithProgram(brokenHierarchyProgram()))

	_, err := b.Build(randomScene(t, 9, 2, 8))
	if !errors.Is(err, ErrNodeVisitedTwice) {
		t.Fatalf("expected error to wrap ErrNodeVisitedTwice; got %v", err)
	}
}

func TestSnapshotValidateDefects(t *testing.T) {
	unit := types.AABB{Max: types.XYZ(1, 1, 1)}
	big := types.AABB{Min: types.XYZ(-1, -1, -1), Max: types.XYZ(2, 2, 2)}

	valid := func() *Snapshot {
		return &Snapshot{
			ClusterCount: 3,
			Nodes:        [][2]uint32{{2, 1}, {3, 4}, {0, 0}, {0, 0}, {0, 0}},
			AABBs:        []types.AABB{big, big, unit, unit, unit},
			Parents:      []uint32{InvalidIndex, 0, 0, 1, 1},
			Flags:        []uint32{2, 2},
			ClusterIndex: []uint32{0, 1, 2},
			Clusters:     []Cluster{{AABB: unit}, {AABB: unit}, {AABB: unit}},
		}
	}

	type spec struct {
		mutate func(s *Snapshot)
		expErr error
	}

	specs := []spec{
		{func(s *Snapshot) {}, nil},
		{func(s *Snapshot) { s.Flags[1] = 3 }, ErrFlagOverflow},
		{func(s *Snapshot) { s.Nodes[1] = [2]uint32{3, 3} }, ErrNodeVisitedTwice},
		{func(s *Snapshot) { s.Nodes[1] = [2]uint32{3, 1} }, ErrInvalidChild},
		{func(s *Snapshot) { s.Nodes[0] = [2]uint32{2, 0} }, ErrInvalidChild},
		{func(s *Snapshot) { s.Nodes[0] = [2]uint32{2, 7} }, ErrInvalidChild},
		{func(s *Snapshot) { s.Nodes[3] = [2]uint32{1, 2} }, ErrLeafHasChildren},
		{func(s *Snapshot) { s.AABBs[1] = unit; s.AABBs[3] = big }, ErrAABBContainment},
		{func(s *Snapshot) { s.Clusters[2].AABB = big }, ErrAABBContainment},
		{func(s *Snapshot) { s.Nodes[1] = [2]uint32{2, 3}; s.Nodes[0] = [2]uint32{1, 3} }, ErrNodeVisitedTwice},
	}

	for specIndex, s := range specs {
		snap := valid()
		s.mutate(snap)
		err := snap.Validate()
		if s.expErr == nil {
			if err != nil {
				t.Fatalf("[spec %d] expected no error; got %v", specIndex, err)
			}
			continue
		}
		if !errors.Is(err, s.expErr) {
			t.Fatalf("[spec %d] expected error to wrap %v; got %v", specIndex, s.expErr, err)
		}
	}

	// A leaf missing from the tree.
	snap := &Snapshot{
		ClusterCount: 2,
		Nodes:        [][2]uint32{{1, 1}, {0, 0}, {0, 0}},
		AABBs:        []types.AABB{big, unit, unit},
		Flags:        []uint32{2},
		ClusterIndex: []uint32{0, 1},
		Clusters:     []Cluster{{AABB: unit}, {AABB: unit}},
	}
	if err := snap.Validate(); !errors.Is(err, ErrNodeVisitedTwice) && !errors.Is(err, ErrLeafUnreachable) {
		t.Fatalf("expected a reachability error; got %v", err)
	}
}

func TestBindOrder(t *testing.T) {
	b, _ := newTestBuilder(t, cpu.Options{Workers: 1}, Config{})
	if _, err := b.Build(randomScene(t, 2, 1, 3)); err != nil {
		t.Fatal(err)
	}

	expNames := []string{
		SlotMaterials:      "bvhMaterials",
		SlotAtlas:          "bvhAtlas",
		SlotTriangles:      "bvhTriangles",
		SlotClusterCounter: "bvhCounters",
		SlotClusterIndex:   "bvhClusterIndex",
		SlotClusterOffsets: "bvhClusterOffsets",
		SlotClusterCones:   "bvhClusterCones",
		SlotNodes:          "bvhNodes",
		SlotAABBs:          "bvhAABBs",
	}

	bufs := b.Bind().Buffers()
	if len(bufs) != NumSlots {
		t.Fatalf("expected %d resources; got %d", NumSlots, len(bufs))
	}
	for slot, buf := range bufs {
		if buf.Name() != expNames[slot] {
			t.Fatalf("expected slot %d to hold %s; got %s", slot, expNames[slot], buf.Name())
		}
		if buf.Size() == 0 {
			t.Fatalf("expected slot %d to be allocated", slot)
		}
	}
}

// Scenes whose clusters share morton codes or whose bounds are flat on one
// or more axes.
func TestDegenerateScenes(t *testing.T) {
	repeat := func(n int, tri [3]types.Vec3) [][3]types.Vec3 {
		tris := make([][3]types.Vec3, n)
		for i := range tris {
			tris[i] = tri
		}
		return tris
	}
	unit := [3]types.Vec3{types.XYZ(0, 0, 0), types.XYZ(1, 0, 0), types.XYZ(0, 1, 0)}

	var line [][3]types.Vec3
	for i := 0; i < 13; i++ {
		x := float32(i)
		line = append(line, [3]types.Vec3{types.XYZ(x, 0, 0), types.XYZ(x+0.5, 0, 0), types.XYZ(x+1, 0, 0)})
	}

	type spec struct {
		name string
		tris [][3]types.Vec3
	}
	specs := []spec{
		{"identical-37", repeat(37, unit)},
		{"identical-70", repeat(70, unit)},
		{"single", repeat(1, unit)},
		{"point", repeat(9, [3]types.Vec3{types.XYZ(2, 3, 4), types.XYZ(2, 3, 4), types.XYZ(2, 3, 4)})},
		{"collinear", line},
	}

	for specIndex, s := range specs {
		scn := scene.NewScene()
		if err := scn.AddObject(scene.NewObject(s.name, triangleMesh(s.name, s.tris...))); err != nil {
			t.Fatal(err)
		}

		for _, clusterSize := range []uint32{1, 3} {
			expClusters := (uint32(len(s.tris)) + clusterSize - 1) / clusterSize
			for seed := int64(0); seed < 4; seed++ {
				b, _ := newTestBuilder(t, cpu.Options{Workers: 4, Shuffle: true, Seed: seed}, Config{ClusterSize: clusterSize, Validate: true})
				_, snap := buildAndSnapshot(t, b, scn)

				if snap.ClusterCount != expClusters {
					t.Fatalf("[spec %d] %s/%d: expected %d clusters; got %d", specIndex, s.name, clusterSize, expClusters, snap.ClusterCount)
				}
				if exp := int(2*expClusters - 1); len(snap.Nodes) != exp {
					t.Fatalf("[spec %d] %s/%d: expected %d nodes; got %d", specIndex, s.name, clusterSize, exp, len(snap.Nodes))
				}
				for node, flag := range snap.Flags {
					if flag != 2 {
						t.Fatalf("[spec %d] %s/%d seed %d: expected flag of node %d to be 2; got %d", specIndex, s.name, clusterSize, seed, node, flag)
					}
				}
			}
		}
	}
}
