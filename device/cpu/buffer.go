package cpu

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/achilleasa/gpubvh/device"
)

// A host memory buffer addressed as 32-bit words.
type Buffer struct {
	// Associated Device.
	device *Device

	// A name for identifying the buffer.
	name string

	// Allocated size in bytes.
	size  int
	usage device.Usage
	words []uint32
}

func (b *Buffer) Name() string {
	return b.name
}

// Get buffer size.
func (b *Buffer) Size() int {
	return b.size
}

// Allocate a buffer with the given size. Sizes are rounded up to a multiple of
// 4 bytes.
func (b *Buffer) Allocate(size int, usage device.Usage) error {
	b.Release()

	if size <= 0 {
		return fmt.Errorf("cpu device (%s): could not allocate buffer %s of size %d", b.device.name, b.name, size)
	}

	b.words = make([]uint32, (size+3)/4)
	b.size = size
	b.usage = usage
	return nil
}

// Allocate a buffer that fits the given data and copy the data into it.
func (b *Buffer) AllocateAndWriteData(data interface{}, usage device.Usage) error {
	src, err := device.SliceBytes(data)
	if err != nil {
		return fmt.Errorf("cpu device (%s): buffer %s: %w", b.device.name, b.name, err)
	}

	if err = b.Allocate(len(src), usage); err != nil {
		return err
	}

	copy(b.bytes(), src)
	b.device.updateStats(func(s *device.Stats) { s.Uploads++ })
	return nil
}

// Write data to the buffer at the given byte offset.
func (b *Buffer) WriteData(data interface{}, offset int) error {
	if b.words == nil {
		return fmt.Errorf("cpu device (%s): buffer %s: %w", b.device.name, b.name, device.ErrNotAllocated)
	}

	src, err := device.SliceBytes(data)
	if err != nil {
		return fmt.Errorf("cpu device (%s): buffer %s: %w", b.device.name, b.name, err)
	}

	if offset < 0 || offset+len(src) > b.size {
		return fmt.Errorf("cpu device (%s): %w (%d) in %s for copying data of length %d at offset %d", b.device.name, device.ErrBufferTooSmall, b.size, b.name, len(src), offset)
	}

	copy(b.bytes()[offset:], src)
	b.device.updateStats(func(s *device.Stats) { s.Uploads++ })
	return nil
}

// Read data from the buffer into the supplied host slice. If size is <= 0
// then ReadData will read the entire buffer. Both src and dst offsets are
// specified in bytes.
func (b *Buffer) ReadData(srcOffset, dstOffset, size int, hostBuffer interface{}) error {
	if b.words == nil {
		return fmt.Errorf("cpu device (%s): buffer %s: %w", b.device.name, b.name, device.ErrNotAllocated)
	}

	if size <= 0 {
		size = b.size - srcOffset
	}

	dst, err := device.SliceBytes(hostBuffer)
	if err != nil {
		return fmt.Errorf("cpu device (%s): buffer %s: %w", b.device.name, b.name, err)
	}

	if srcOffset < 0 || srcOffset+size > b.size {
		return fmt.Errorf("cpu device (%s): read of %d bytes at offset %d exceeds size %d of %s", b.device.name, size, srcOffset, b.size, b.name)
	}
	if dstOffset < 0 || dstOffset+size > len(dst) {
		return fmt.Errorf("cpu device (%s): %w: host buffer of length %d cannot fit %d bytes at offset %d", b.device.name, device.ErrBufferTooSmall, len(dst), size, dstOffset)
	}

	copy(dst[dstOffset:dstOffset+size], b.bytes()[srcOffset:srcOffset+size])
	b.device.updateStats(func(s *device.Stats) { s.Readbacks++ })
	return nil
}

// Release buffer.
func (b *Buffer) Release() {
	b.words = nil
	b.size = 0
}

// Size in words.
func (b *Buffer) Len() int {
	return len(b.words)
}

func (b *Buffer) Load(index int) uint32 {
	return atomic.LoadUint32(&b.words[index])
}

func (b *Buffer) Store(index int, value uint32) {
	atomic.StoreUint32(&b.words[index], value)
}

func (b *Buffer) AtomicAdd(index int, delta uint32) uint32 {
	return atomic.AddUint32(&b.words[index], delta) - delta
}

func (b *Buffer) bytes() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(&b.words[0])), len(b.words)*4)
}
