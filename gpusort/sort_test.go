package gpusort

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/achilleasa/gpubvh/device"
	"github.com/achilleasa/gpubvh/device/cpu"
)

type sortFixture struct {
	dev       *cpu.Device
	sorter    *Sorter
	counter   device.Buffer
	keys      device.Buffer
	secondary device.Buffer
	indices   device.Buffer
}

const (
	testSecondaryStride = 4
	testSecondaryOffset = 2
)

func newSortFixture(t *testing.T, opts cpu.Options, capacity uint32) *sortFixture {
	dev := cpu.New("sort test", opts)
	sorter, err := New(dev, nil)
	if err != nil {
		t.Fatal(err)
	}

	f := &sortFixture{
		dev:       dev,
		sorter:    sorter,
		counter:   dev.Buffer("counter"),
		keys:      dev.Buffer("keys"),
		secondary: dev.Buffer("secondary"),
		indices:   dev.Buffer("indices"),
	}
	for _, alloc := range []struct {
		buf  device.Buffer
		size int
	}{
		{f.counter, 16},
		{f.keys, int(capacity) * 8},
		{f.secondary, int(capacity) * testSecondaryStride * 4},
		{f.indices, int(NextPow2(capacity)) * 4},
	} {
		if err := alloc.buf.Allocate(alloc.size, device.UsageStorage); err != nil {
			t.Fatal(err)
		}
	}
	return f
}

func (f *sortFixture) run(t *testing.T, capacity, count uint32, keys []uint64, secondary []uint32) []uint32 {
	keyWords := make([]uint32, 2*capacity)
	secWords := make([]uint32, testSecondaryStride*capacity)
	for i := range keys {
		keyWords[2*i] = uint32(keys[i])
		keyWords[2*i+1] = uint32(keys[i] >> 32)
		secWords[i*testSecondaryStride+testSecondaryOffset] = secondary[i]
	}
	if err := f.keys.WriteData(keyWords, 0); err != nil {
		t.Fatal(err)
	}
	if err := f.secondary.WriteData(secWords, 0); err != nil {
		t.Fatal(err)
	}
	// count lives in word 1 to exercise counterWord
	if err := f.counter.WriteData([]uint32{0xdead, count, 0, 0}, 0); err != nil {
		t.Fatal(err)
	}

	cl := f.dev.CommandList("sort")
	err := f.sorter.Sort(cl, capacity, f.counter, 1, Keys{
		Keys:            f.keys,
		Secondary:       f.secondary,
		SecondaryStride: testSecondaryStride,
		SecondaryOffset: testSecondaryOffset,
	}, f.indices)
	if err != nil {
		t.Fatal(err)
	}
	if _, err = cl.Submit(); err != nil {
		t.Fatal(err)
	}

	out := make([]uint32, NextPow2(capacity))
	if err = f.indices.ReadData(0, 0, 0, out); err != nil {
		t.Fatal(err)
	}
	return out
}

func assertSorted(t *testing.T, spec int, out []uint32, count uint32, keys []uint64, secondary []uint32) {
	seen := make(map[uint32]bool)
	for i := uint32(0); i < count; i++ {
		idx := out[i]
		if idx >= count {
			t.Fatalf("[spec %d] expected live index at position %d; got %d", spec, i, idx)
		}
		if seen[idx] {
			t.Fatalf("[spec %d] index %d appears twice", spec, idx)
		}
		seen[idx] = true

		if i == 0 {
			continue
		}
		prev := out[i-1]
		if keys[prev] > keys[idx] || (keys[prev] == keys[idx] && secondary[prev] > secondary[idx]) {
			t.Fatalf("[spec %d] expected (%d, %d) <= (%d, %d) at position %d", spec, keys[prev], secondary[prev], keys[idx], secondary[idx], i)
		}
	}
}

func TestSortDynamicCount(t *testing.T) {
	type spec struct {
		capacity uint32
		count    uint32
		opts     cpu.Options
	}
	specs := []spec{
		{1, 1, cpu.Options{}},
		{2, 0, cpu.Options{}},
		{2, 2, cpu.Options{}},
		{100, 77, cpu.Options{}},
		{100, 100, cpu.Options{Workers: 3}},
		{128, 128, cpu.Options{Shuffle: true, Seed: 11}},
		{300, 5, cpu.Options{Shuffle: true, Seed: 2}},
	}

	rng := rand.New(rand.NewSource(1))
	for idx, s := range specs {
		keys := make([]uint64, s.count)
		secondary := make([]uint32, s.count)
		perm := rng.Perm(int(s.count))
		for i := range keys {
			// Plenty of duplicate keys, including ones that differ only in the high word.
			keys[i] = uint64(rng.Intn(8))<<32 | uint64(rng.Intn(4))
			secondary[i] = uint32(perm[i])
		}

		f := newSortFixture(t, s.opts, s.capacity)
		out := f.run(t, s.capacity, s.count, keys, secondary)
		assertSorted(t, idx, out, s.count, keys, secondary)
	}
}

func TestSortClampsCountToCapacity(t *testing.T) {
	capacity := uint32(8)
	keys := []uint64{7, 6, 5, 4, 3, 2, 1, 0}
	secondary := make([]uint32, len(keys))

	f := newSortFixture(t, cpu.Options{}, capacity)
	out := f.run(t, capacity, 1000, keys, secondary)
	assertSorted(t, 0, out, capacity, keys, secondary)

	args := make([]uint32, argsWords)
	if err := f.sorter.Args().ReadData(0, 0, 0, args); err != nil {
		t.Fatal(err)
	}
	if args[ArgsCount] != capacity || args[ArgsPaddedCount] != capacity {
		t.Fatalf("expected clamped count and padded count to be %d; got %d and %d", capacity, args[ArgsCount], args[ArgsPaddedCount])
	}
}

func TestSortRejectsSmallIndexBuffer(t *testing.T) {
	f := newSortFixture(t, cpu.Options{}, 4)
	cl := f.dev.CommandList("sort")
	err := f.sorter.Sort(cl, 100, f.counter, 0, Keys{Keys: f.keys, Secondary: f.secondary, SecondaryStride: 1}, f.indices)
	if !errors.Is(err, device.ErrBufferTooSmall) {
		t.Fatalf("expected ErrBufferTooSmall; got %v", err)
	}
}

func TestNextPow2AndPasses(t *testing.T) {
	type spec struct {
		in     uint32
		pow2   uint32
		passes int
	}
	specs := []spec{
		{0, 0, 0},
		{1, 1, 0},
		{2, 2, 1},
		{3, 4, 3},
		{8, 8, 6},
		{9, 16, 10},
	}
	for idx, s := range specs {
		if got := NextPow2(s.in); got != s.pow2 {
			t.Fatalf("[spec %d] expected NextPow2(%d) to be %d; got %d", idx, s.in, s.pow2, got)
		}
		if got := Passes(s.in); got != s.passes {
			t.Fatalf("[spec %d] expected Passes(%d) to be %d; got %d", idx, s.in, s.passes, got)
		}
	}
}
