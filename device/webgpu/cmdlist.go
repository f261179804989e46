package webgpu

import (
	"fmt"
	"time"

	"github.com/achilleasa/gpubvh/device"
	"github.com/cogentcore/webgpu/wgpu"
)

type commandType uint8

const (
	cmdDispatch commandType = iota
	cmdDispatchIndirect
	cmdBarrier
	cmdBeginEvent
	cmdEndEvent
)

type command struct {
	typ     commandType
	kernel  *Kernel
	buffers []*Buffer
	scalars []uint32
	groups  uint32

	// Indirect args source.
	argsBuf *Buffer
	offset  int

	// Byte offset of the scalar block in the uniform arena.
	uniformOffset int

	event string
}

// Records commands and encodes them into compute passes on Submit. Barriers
// end the current pass; events split the submission so that each range can
// be timed on the host.
type CommandList struct {
	device *Device
	name   string

	cmds    []command
	err     error
	timings []device.Timing
}

func (cl *CommandList) BeginEvent(name string) {
	cl.cmds = append(cl.cmds, command{typ: cmdBeginEvent, event: name})
}

func (cl *CommandList) EndEvent() {
	cl.cmds = append(cl.cmds, command{typ: cmdEndEvent})
}

func (cl *CommandList) Dispatch(k device.Kernel, groupsX uint32) {
	kernel := cl.kernel(k)
	if kernel == nil {
		return
	}
	cl.cmds = append(cl.cmds, command{typ: cmdDispatch, kernel: kernel, buffers: kernel.buffers, scalars: kernel.scalars, groups: groupsX})
}

func (cl *CommandList) DispatchIndirect(k device.Kernel, args device.Buffer, byteOffset int) {
	kernel := cl.kernel(k)
	if kernel == nil {
		return
	}
	argsBuf, ok := args.(*Buffer)
	if !ok || argsBuf.device != cl.device {
		cl.setErr(fmt.Errorf("webgpu device (%s): indirect args for kernel %s must be a buffer of this device", cl.device.name, kernel.name))
		return
	}
	if byteOffset%4 != 0 {
		cl.setErr(fmt.Errorf("webgpu device (%s): unaligned indirect args offset %d", cl.device.name, byteOffset))
		return
	}
	if argsBuf.usage&device.UsageIndirect == 0 {
		cl.setErr(fmt.Errorf("webgpu device (%s): buffer %s was not allocated for indirect dispatches", cl.device.name, argsBuf.name))
		return
	}
	cl.cmds = append(cl.cmds, command{typ: cmdDispatchIndirect, kernel: kernel, buffers: kernel.buffers, scalars: kernel.scalars, argsBuf: argsBuf, offset: byteOffset})
}

// WebGPU tracks buffer hazards itself; a barrier only closes the current
// compute pass so that later dispatches start a new one.
func (cl *CommandList) Barrier(bufs ...device.Buffer) {
	for _, b := range bufs {
		if buf, ok := b.(*Buffer); !ok || buf.device != cl.device {
			cl.setErr(fmt.Errorf("webgpu device (%s): barrier on foreign buffer %s", cl.device.name, b.Name()))
			return
		}
	}
	cl.cmds = append(cl.cmds, command{typ: cmdBarrier})
}

// Encode and execute the recorded commands and wait for completion.
func (cl *CommandList) Submit() (time.Duration, error) {
	cmds := cl.cmds
	cl.cmds = nil
	cl.timings = nil

	if err := cl.err; err != nil {
		cl.err = nil
		return 0, err
	}

	tick := time.Now()
	uniforms, err := cl.uploadUniforms(cmds)
	if err != nil {
		return 0, err
	}
	if uniforms != nil {
		defer uniforms.Release()
	}

	enc := &encoder{cl: cl}
	defer enc.release()

	var eventStack []int
	for _, cmd := range cmds {
		switch cmd.typ {
		case cmdBeginEvent:
			if err = enc.flush(); err != nil {
				return 0, err
			}
			eventStack = append(eventStack, len(cl.timings))
			cl.timings = append(cl.timings, device.Timing{Name: cmd.event, Duration: -time.Since(tick)})
		case cmdEndEvent:
			if len(eventStack) == 0 {
				return 0, fmt.Errorf("webgpu device (%s): command list %s: EndEvent without BeginEvent", cl.device.name, cl.name)
			}
			if err = enc.flush(); err != nil {
				return 0, err
			}
			idx := eventStack[len(eventStack)-1]
			eventStack = eventStack[:len(eventStack)-1]
			cl.timings[idx].Duration += time.Since(tick)
		case cmdBarrier:
			enc.endPass()
			cl.device.updateStats(func(s *device.Stats) { s.Barriers++ })
		case cmdDispatch, cmdDispatchIndirect:
			if err = enc.dispatch(cmd, uniforms); err != nil {
				return 0, err
			}
			if cmd.typ == cmdDispatchIndirect {
				cl.device.updateStats(func(s *device.Stats) { s.IndirectDispatches++ })
			} else {
				cl.device.updateStats(func(s *device.Stats) { s.Dispatches++ })
			}
		}
	}

	if len(eventStack) != 0 {
		return 0, fmt.Errorf("webgpu device (%s): command list %s: %d unterminated events", cl.device.name, cl.name, len(eventStack))
	}
	if err = enc.flush(); err != nil {
		return 0, err
	}

	cl.device.updateStats(func(s *device.Stats) { s.Submits++ })
	return time.Since(tick), nil
}

func (cl *CommandList) Timings() []device.Timing {
	return cl.timings
}

// Assign a uniform arena slot to every dispatch with scalar arguments and
// upload all scalar blocks at once.
func (cl *CommandList) uploadUniforms(cmds []command) (*wgpu.Buffer, error) {
	size := 0
	for i := range cmds {
		if len(cmds[i].scalars) == 0 {
			continue
		}
		cmds[i].uniformOffset = size
		size += uniformSlotSize(len(cmds[i].scalars))
	}
	if size == 0 {
		return nil, nil
	}

	data := make([]uint32, size/4)
	for _, cmd := range cmds {
		copy(data[cmd.uniformOffset/4:], cmd.scalars)
	}

	buf, err := cl.device.device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: cl.name + " uniforms",
		Size:  uint64(size),
		Usage: wgpu.BufferUsageUniform | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("webgpu device (%s): command list %s: could not allocate uniforms: %w", cl.device.name, cl.name, err)
	}

	raw, _ := device.SliceBytes(data)
	if err = cl.device.queue.WriteBuffer(buf, 0, raw); err != nil {
		buf.Release()
		return nil, fmt.Errorf("webgpu device (%s): command list %s: could not upload uniforms: %w", cl.device.name, cl.name, err)
	}
	return buf, nil
}

func (cl *CommandList) kernel(k device.Kernel) *Kernel {
	kernel, ok := k.(*Kernel)
	if !ok || kernel.device != cl.device {
		cl.setErr(fmt.Errorf("webgpu device (%s): kernel %s does not belong to this device", cl.device.name, k.Name()))
		return nil
	}
	return kernel
}

func (cl *CommandList) setErr(err error) {
	if cl.err == nil {
		cl.err = err
	}
}

// Accumulates passes into a command encoder until flushed.
type encoder struct {
	cl   *CommandList
	enc  *wgpu.CommandEncoder
	pass *wgpu.ComputePassEncoder

	// Released once the encoded work completes.
	bindGroups []*wgpu.BindGroup
}

func (e *encoder) computePass() (*wgpu.ComputePassEncoder, error) {
	if e.pass != nil {
		return e.pass, nil
	}
	if e.enc == nil {
		enc, err := e.cl.device.device.CreateCommandEncoder(&wgpu.CommandEncoderDescriptor{Label: e.cl.name})
		if err != nil {
			return nil, fmt.Errorf("webgpu device (%s): command list %s: %w", e.cl.device.name, e.cl.name, err)
		}
		e.enc = enc
	}
	e.pass = e.enc.BeginComputePass(nil)
	return e.pass, nil
}

func (e *encoder) endPass() {
	if e.pass == nil {
		return
	}
	e.pass.End()
	e.pass.Release()
	e.pass = nil
}

func (e *encoder) dispatch(cmd command, uniforms *wgpu.Buffer) error {
	bg, err := cmd.kernel.bindGroup(cmd.buffers, len(cmd.scalars), uniforms, cmd.uniformOffset)
	if err != nil {
		return err
	}
	e.bindGroups = append(e.bindGroups, bg)

	pass, err := e.computePass()
	if err != nil {
		return err
	}
	pass.SetPipeline(cmd.kernel.pipeline.pipeline)
	pass.SetBindGroup(0, bg, nil)
	if cmd.typ == cmdDispatchIndirect {
		pass.DispatchWorkgroupsIndirect(cmd.argsBuf.buffer, uint64(cmd.offset))
	} else if cmd.groups > 0 {
		pass.DispatchWorkgroups(cmd.groups, 1, 1)
	}
	return nil
}

// Submit the encoded work and wait for it to complete.
func (e *encoder) flush() error {
	e.endPass()
	if e.enc == nil {
		return nil
	}

	enc := e.enc
	e.enc = nil
	defer enc.Release()

	cmdBuf, err := enc.Finish(nil)
	if err != nil {
		return fmt.Errorf("webgpu device (%s): command list %s: %w", e.cl.device.name, e.cl.name, err)
	}
	e.cl.device.queue.Submit(cmdBuf)
	cmdBuf.Release()
	e.cl.device.wait()

	e.releaseBindGroups()
	return nil
}

func (e *encoder) releaseBindGroups() {
	for _, bg := range e.bindGroups {
		bg.Release()
	}
	e.bindGroups = nil
}

func (e *encoder) release() {
	e.endPass()
	if e.enc != nil {
		e.enc.Release()
		e.enc = nil
	}
	e.releaseBindGroups()
}
