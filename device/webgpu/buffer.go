package webgpu

import (
	"fmt"

	"github.com/achilleasa/gpubvh/device"
	"github.com/cogentcore/webgpu/wgpu"
)

// A device buffer. Allocations are padded to a multiple of 4 bytes.
type Buffer struct {
	// Associated Device.
	device *Device

	// A name for identifying the buffer.
	name string

	// Requested and padded sizes in bytes.
	size      int
	allocSize int

	usage  device.Usage
	buffer *wgpu.Buffer
}

func align4(v int) int {
	return (v + 3) &^ 3
}

func (b *Buffer) Name() string {
	return b.name
}

// Get buffer size.
func (b *Buffer) Size() int {
	return b.size
}

func wgpuUsage(usage device.Usage) wgpu.BufferUsage {
	flags := wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc | wgpu.BufferUsageCopyDst
	if usage&device.UsageIndirect != 0 {
		flags |= wgpu.BufferUsageIndirect
	}
	if usage&device.UsageUniform != 0 {
		flags |= wgpu.BufferUsageUniform
	}
	return flags
}

// Allocate a zero-filled buffer with the given size.
func (b *Buffer) Allocate(size int, usage device.Usage) error {
	b.Release()

	if size <= 0 {
		return fmt.Errorf("webgpu device (%s): could not allocate buffer %s of size %d", b.device.name, b.name, size)
	}

	buf, err := b.device.device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: b.name,
		Size:  uint64(align4(size)),
		Usage: wgpuUsage(usage),
	})
	if err != nil {
		return fmt.Errorf("webgpu device (%s): could not allocate buffer %s of size %d: %w", b.device.name, b.name, size, err)
	}

	b.buffer = buf
	b.size = size
	b.allocSize = align4(size)
	b.usage = usage
	return nil
}

// Allocate a buffer that fits the given data and copy the data into it.
func (b *Buffer) AllocateAndWriteData(data interface{}, usage device.Usage) error {
	src, err := device.SliceBytes(data)
	if err != nil {
		return fmt.Errorf("webgpu device (%s): buffer %s: %w", b.device.name, b.name, err)
	}

	if err = b.Allocate(len(src), usage); err != nil {
		return err
	}
	return b.WriteData(src, 0)
}

// Write data to the buffer at the given byte offset. The offset must be a
// multiple of 4.
func (b *Buffer) WriteData(data interface{}, offset int) error {
	if b.buffer == nil {
		return fmt.Errorf("webgpu device (%s): buffer %s: %w", b.device.name, b.name, device.ErrNotAllocated)
	}

	src, err := device.SliceBytes(data)
	if err != nil {
		return fmt.Errorf("webgpu device (%s): buffer %s: %w", b.device.name, b.name, err)
	}

	if offset < 0 || offset%4 != 0 || offset+len(src) > b.size {
		return fmt.Errorf("webgpu device (%s): %w (%d) in %s for copying data of length %d at offset %d", b.device.name, device.ErrBufferTooSmall, b.size, b.name, len(src), offset)
	}

	// Queue writes must cover whole words.
	if len(src)%4 != 0 {
		padded := make([]byte, align4(len(src)))
		copy(padded, src)
		src = padded
	}

	if err = b.device.queue.WriteBuffer(b.buffer, uint64(offset), src); err != nil {
		return fmt.Errorf("webgpu device (%s): could not write buffer %s: %w", b.device.name, b.name, err)
	}
	b.device.updateStats(func(s *device.Stats) { s.Uploads++ })
	return nil
}

// Read data from the buffer into the supplied host slice. If size is <= 0
// then ReadData will read the entire buffer. Both src and dst offsets are
// specified in bytes. The call blocks until all previously submitted work
// completes.
func (b *Buffer) ReadData(srcOffset, dstOffset, size int, hostBuffer interface{}) error {
	if b.buffer == nil {
		return fmt.Errorf("webgpu device (%s): buffer %s: %w", b.device.name, b.name, device.ErrNotAllocated)
	}

	if size <= 0 {
		size = b.size - srcOffset
	}

	dst, err := device.SliceBytes(hostBuffer)
	if err != nil {
		return fmt.Errorf("webgpu device (%s): buffer %s: %w", b.device.name, b.name, err)
	}

	if srcOffset < 0 || srcOffset+size > b.size {
		return fmt.Errorf("webgpu device (%s): read of %d bytes at offset %d exceeds size %d of %s", b.device.name, size, srcOffset, b.size, b.name)
	}
	if dstOffset < 0 || dstOffset+size > len(dst) {
		return fmt.Errorf("webgpu device (%s): %w: host buffer of length %d cannot fit %d bytes at offset %d", b.device.name, device.ErrBufferTooSmall, len(dst), size, dstOffset)
	}

	// Copies operate on whole words.
	copyOffset := srcOffset &^ 3
	copySize := align4(srcOffset+size) - copyOffset

	staging, err := b.device.device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: b.name + " readback",
		Size:  uint64(copySize),
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("webgpu device (%s): could not allocate staging buffer for %s: %w", b.device.name, b.name, err)
	}
	defer staging.Release()

	err = b.device.submitAndWait(func(enc *wgpu.CommandEncoder) error {
		enc.CopyBufferToBuffer(b.buffer, uint64(copyOffset), staging, 0, uint64(copySize))
		return nil
	})
	if err != nil {
		return fmt.Errorf("webgpu device (%s): could not copy %s to staging buffer: %w", b.device.name, b.name, err)
	}

	var status wgpu.BufferMapAsyncStatus
	err = staging.MapAsync(wgpu.MapModeRead, 0, uint64(copySize), func(s wgpu.BufferMapAsyncStatus) {
		status = s
	})
	if err != nil {
		return fmt.Errorf("webgpu device (%s): could not map staging buffer for %s: %w", b.device.name, b.name, err)
	}
	b.device.wait()
	if status != wgpu.BufferMapAsyncStatusSuccess {
		return fmt.Errorf("webgpu device (%s): could not map staging buffer for %s: status %s", b.device.name, b.name, status.String())
	}

	mapped := staging.GetMappedRange(0, uint(copySize))
	skip := srcOffset - copyOffset
	copy(dst[dstOffset:dstOffset+size], mapped[skip:skip+size])
	staging.Unmap()

	b.device.updateStats(func(s *device.Stats) { s.Readbacks++ })
	return nil
}

// Release buffer.
func (b *Buffer) Release() {
	if b.buffer != nil {
		b.buffer.Release()
		b.buffer = nil
	}
	b.size = 0
	b.allocSize = 0
}
