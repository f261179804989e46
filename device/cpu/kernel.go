package cpu

import (
	"fmt"
	"runtime/debug"
	"time"

	"github.com/achilleasa/gpubvh/device"
	"golang.org/x/sync/errgroup"
)

// A host kernel bound to a cpu device.
type Kernel struct {
	device *Device
	name   string
	host   *device.HostKernel
	args   []interface{}
}

func (k *Kernel) Name() string {
	return k.name
}

// Bind arguments to kernel.
func (k *Kernel) SetArgs(args ...interface{}) error {
	bound := make([]interface{}, len(args))
	for argIndex, arg := range args {
		switch v := arg.(type) {
		case *Buffer:
			if v.device != k.device {
				return fmt.Errorf("cpu device (%s): could not set arg %d for kernel %s; buffer %s belongs to another device", k.device.name, argIndex, k.name, v.name)
			}
			bound[argIndex] = v
		case uint32, int32, float32:
			bound[argIndex] = v
		default:
			return fmt.Errorf(
				"cpu device (%s): could not set arg %d for kernel %s; %w: %T",
				k.device.name,
				argIndex,
				k.name,
				device.ErrUnsupportedArg,
				arg,
			)
		}
	}

	k.args = bound
	return nil
}

func (k *Kernel) Release() {
	k.args = nil
}

// Access mode of an argument.
func (k *Kernel) access(argIndex int) device.Access {
	if argIndex < len(k.host.Access) {
		return k.host.Access[argIndex]
	}
	return device.Read
}

// Execute groups workgroups with the given arguments and wait for completion.
func (k *Kernel) exec(args []interface{}, groups uint32) (time.Duration, error) {
	if groups == 0 {
		return 0, nil
	}

	tick := time.Now()
	groupOrder, seed := k.device.schedule(groups)
	groupSize := k.host.GroupSize

	var g errgroup.Group
	g.SetLimit(k.device.opts.Workers)
	for pos, groupID := range groupOrder {
		groupID := groupID
		localOrder := k.localOrder(seed, pos)
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = k.fault(r)
				}
			}()

			inv := device.NewInvocation(args, groupSize)
			for _, localID := range localOrder {
				inv.Reset(groupID, localID)
				k.host.Func(inv)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return 0, err
	}
	return time.Since(tick), nil
}

// Get the invocation order inside a workgroup.
func (k *Kernel) localOrder(seed int64, pos int) []uint32 {
	order := make([]uint32, k.host.GroupSize)
	for i := range order {
		order[i] = uint32(i)
	}
	if k.device.opts.Shuffle {
		rng := newRand(seed + int64(pos))
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}
	return order
}

func (k *Kernel) fault(r interface{}) error {
	switch v := r.(type) {
	case device.KernelFault:
		return fmt.Errorf("cpu device (%s): kernel %s: %w: %s", k.device.name, k.name, device.ErrKernelFault, v.Error())
	default:
		k.device.logFault(k.name, debug.Stack())
		return fmt.Errorf("cpu device (%s): kernel %s: %w: %v", k.device.name, k.name, device.ErrKernelFault, v)
	}
}
