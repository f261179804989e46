package cpu

import (
	"fmt"
	"time"

	"github.com/achilleasa/gpubvh/device"
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
	typ    commandType
	kernel *Kernel
	args   []interface{}
	groups uint32

	// Indirect args source.
	argsBuf *Buffer
	offset  int

	// Barrier targets; empty means all buffers.
	barrier []*Buffer

	event string
}

// The last unsynchronized write to a buffer.
type pendingWrite struct {
	kernel string
	access device.Access
}

// Records commands and replays them in order on Submit.
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
	cl.cmds = append(cl.cmds, command{typ: cmdDispatch, kernel: kernel, args: kernel.args, groups: groupsX})
}

func (cl *CommandList) DispatchIndirect(k device.Kernel, args device.Buffer, byteOffset int) {
	kernel := cl.kernel(k)
	if kernel == nil {
		return
	}
	argsBuf, ok := args.(*Buffer)
	if !ok || argsBuf.device != cl.device {
		cl.setErr(fmt.Errorf("cpu device (%s): indirect args for kernel %s must be a buffer of this device", cl.device.name, kernel.name))
		return
	}
	if byteOffset%4 != 0 {
		cl.setErr(fmt.Errorf("cpu device (%s): unaligned indirect args offset %d", cl.device.name, byteOffset))
		return
	}
	cl.cmds = append(cl.cmds, command{typ: cmdDispatchIndirect, kernel: kernel, args: kernel.args, argsBuf: argsBuf, offset: byteOffset})
}

func (cl *CommandList) Barrier(bufs ...device.Buffer) {
	cmd := command{typ: cmdBarrier}
	for _, b := range bufs {
		buf, ok := b.(*Buffer)
		if !ok {
			cl.setErr(fmt.Errorf("cpu device (%s): barrier on foreign buffer %s", cl.device.name, b.Name()))
			return
		}
		cmd.barrier = append(cmd.barrier, buf)
	}
	cl.cmds = append(cl.cmds, cmd)
}

// Execute the recorded commands. Read-after-write dependencies between
// dispatches that are not separated by a barrier fail the submission with
// device.ErrMissingBarrier before any command of the offending dispatch runs.
func (cl *CommandList) Submit() (time.Duration, error) {
	cmds := cl.cmds
	cl.cmds = nil
	cl.timings = nil

	if err := cl.err; err != nil {
		cl.err = nil
		return 0, err
	}

	tick := time.Now()
	pending := make(map[*Buffer]pendingWrite)
	var eventStack []int

	for _, cmd := range cmds {
		switch cmd.typ {
		case cmdBeginEvent:
			eventStack = append(eventStack, len(cl.timings))
			cl.timings = append(cl.timings, device.Timing{Name: cmd.event, Duration: -time.Since(tick)})
		case cmdEndEvent:
			if len(eventStack) == 0 {
				return 0, fmt.Errorf("cpu device (%s): command list %s: EndEvent without BeginEvent", cl.device.name, cl.name)
			}
			idx := eventStack[len(eventStack)-1]
			eventStack = eventStack[:len(eventStack)-1]
			cl.timings[idx].Duration += time.Since(tick)
		case cmdBarrier:
			cl.device.updateStats(func(s *device.Stats) { s.Barriers++ })
			if len(cmd.barrier) == 0 {
				pending = make(map[*Buffer]pendingWrite)
				continue
			}
			for _, b := range cmd.barrier {
				delete(pending, b)
			}
		case cmdDispatch, cmdDispatchIndirect:
			if err := cl.checkHazards(cmd, pending); err != nil {
				return 0, err
			}

			groups := cmd.groups
			if cmd.typ == cmdDispatchIndirect {
				word := cmd.offset / 4
				if word+3 > cmd.argsBuf.Len() {
					return 0, fmt.Errorf("cpu device (%s): indirect args at offset %d exceed buffer %s", cl.device.name, cmd.offset, cmd.argsBuf.name)
				}
				groups = cmd.argsBuf.Load(word) * cmd.argsBuf.Load(word+1) * cmd.argsBuf.Load(word+2)
				cl.device.updateStats(func(s *device.Stats) { s.IndirectDispatches++ })
			} else {
				cl.device.updateStats(func(s *device.Stats) { s.Dispatches++ })
			}

			if _, err := cmd.kernel.exec(cmd.args, groups); err != nil {
				return 0, err
			}

			for argIndex, arg := range cmd.args {
				buf, ok := arg.(*Buffer)
				if !ok {
					continue
				}
				if access := cmd.kernel.access(argIndex); access != device.Read {
					pending[buf] = pendingWrite{kernel: cmd.kernel.name, access: access}
				}
			}
		}
	}

	if len(eventStack) != 0 {
		return 0, fmt.Errorf("cpu device (%s): command list %s: %d unterminated events", cl.device.name, cl.name, len(eventStack))
	}

	cl.device.updateStats(func(s *device.Stats) { s.Submits++ })
	return time.Since(tick), nil
}

func (cl *CommandList) Timings() []device.Timing {
	return cl.timings
}

// Reject a dispatch that touches a buffer with an unsynchronized write from
// an earlier dispatch. Appending to a buffer that was only appended to is
// allowed.
func (cl *CommandList) checkHazards(cmd command, pending map[*Buffer]pendingWrite) error {
	if cmd.argsBuf != nil {
		if w, exists := pending[cmd.argsBuf]; exists {
			return fmt.Errorf("%w: kernel %s reads indirect args %s written by %s", device.ErrMissingBarrier, cmd.kernel.name, cmd.argsBuf.name, w.kernel)
		}
	}

	for argIndex, arg := range cmd.args {
		buf, ok := arg.(*Buffer)
		if !ok {
			continue
		}
		w, exists := pending[buf]
		if !exists {
			continue
		}
		if w.access == device.Append && cmd.kernel.access(argIndex) == device.Append {
			continue
		}
		return fmt.Errorf("%w: kernel %s accesses %s written by %s", device.ErrMissingBarrier, cmd.kernel.name, buf.name, w.kernel)
	}
	return nil
}

func (cl *CommandList) kernel(k device.Kernel) *Kernel {
	kernel, ok := k.(*Kernel)
	if !ok || kernel.device != cl.device {
		cl.setErr(fmt.Errorf("cpu device (%s): kernel %s does not belong to this device", cl.device.name, k.Name()))
		return nil
	}
	return kernel
}

func (cl *CommandList) setErr(err error) {
	if cl.err == nil {
		cl.err = err
	}
}
