package webgpu

import (
	"testing"

	"github.com/achilleasa/gpubvh/device"
)

func TestUniformLayout(t *testing.T) {
	type spec struct {
		words       int
		bindingSize int
		slotSize    int
	}

	specs := []spec{
		{1, 16, 256},
		{4, 16, 256},
		{5, 32, 256},
		{9, 48, 256},
		{64, 256, 256},
		{65, 272, 512},
	}

	for specIndex, s := range specs {
		if got := uniformBindingSize(s.words); got != s.bindingSize {
			t.Fatalf("[spec %d] expected binding size %d; got %d", specIndex, s.bindingSize, got)
		}
		if got := uniformSlotSize(s.words); got != s.slotSize {
			t.Fatalf("[spec %d] expected slot size %d; got %d", specIndex, s.slotSize, got)
		}
	}
}

const testShader = `
struct Params {
    value: u32,
    count: u32,
}

@group(0) @binding(0) var<storage, read_write> out: array<u32>;
@group(0) @binding(1) var<uniform> params: Params;

@compute @workgroup_size(64)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    if (gid.x < params.count) {
        out[gid.x] = params.value + gid.x;
    }
}
`

func TestDispatchOnAdapter(t *testing.T) {
	dev, err := New("webgpu test", Options{})
	if err != nil {
		t.Skipf("no webgpu adapter available: %v", err)
	}
	defer dev.Close()

	prog := device.NewProgram("test").Add("fill", device.KernelSource{WGSL: testShader})
	if err = dev.Load(prog); err != nil {
		t.Fatal(err)
	}
	kernel, err := dev.Kernel("fill")
	if err != nil {
		t.Fatal(err)
	}

	const count = 100
	out := dev.Buffer("out")
	if err = out.Allocate(count*4, device.UsageStorage); err != nil {
		t.Fatal(err)
	}
	defer out.Release()

	if err = kernel.SetArgs(out, uint32(1000), uint32(count)); err != nil {
		t.Fatal(err)
	}
	cl := dev.CommandList("fill")
	cl.BeginEvent("fill")
	cl.Dispatch(kernel, device.GroupCount(count, 64))
	cl.EndEvent()
	if _, err = cl.Submit(); err != nil {
		t.Fatal(err)
	}

	got := make([]uint32, count)
	if err = out.ReadData(0, 0, 0, got); err != nil {
		t.Fatal(err)
	}
	for i, v := range got {
		if exp := uint32(1000 + i); v != exp {
			t.Fatalf("expected out[%d] to be %d; got %d", i, exp, v)
		}
	}

	if timings := cl.Timings(); len(timings) != 1 || timings[0].Name != "fill" {
		t.Fatalf("expected a single fill timing; got %v", timings)
	}
}

func TestScalarsMustFollowBuffers(t *testing.T) {
	d := &Device{name: "test"}
	k := &Kernel{device: d, name: "k"}
	buf := &Buffer{device: d, name: "buf"}

	if err := k.SetArgs(buf, uint32(1), float32(2), int32(-1)); err != nil {
		t.Fatal(err)
	}
	if len(k.buffers) != 1 || len(k.scalars) != 3 {
		t.Fatalf("expected 1 buffer and 3 scalars; got %d and %d", len(k.buffers), len(k.scalars))
	}
	if k.scalars[2] != 0xFFFFFFFF {
		t.Fatalf("expected int32 -1 to be packed as 0xFFFFFFFF; got %#x", k.scalars[2])
	}

	if err := k.SetArgs(uint32(1), buf); err == nil {
		t.Fatal("expected an error when a buffer follows a scalar")
	}
	if err := k.SetArgs("nope"); err == nil {
		t.Fatal("expected an error for unsupported arg types")
	}
}
