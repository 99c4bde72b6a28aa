package dres

import (
	"github.com/matsu/bitvisor-sub008/device/iohook"
	"github.com/matsu/bitvisor-sub008/device/mmio"
	"github.com/matsu/bitvisor-sub008/kernel"
	"github.com/matsu/bitvisor-sub008/kernel/kfmt"
	"github.com/matsu/bitvisor-sub008/kernel/mm"
	"github.com/matsu/bitvisor-sub008/kernel/mm/vmm"
	"github.com/matsu/bitvisor-sub008/kernel/sync"
)

// Handler services an access to a mapped resource. offset is relative to
// the start of the resource and buf holds len(buf) bytes in host byte order:
// the value to store for writes, or the destination for reads that the
// handler completes with ResultDone. Closures carry any driver state.
type Handler func(r *Reg, offset uint64, write bool, buf []byte) Result

// Reg is a device resource whose memory-mapped ranges are mapped into the
// host so that drivers can access them directly.
type Reg struct {
	base

	// handler is guarded by the registry lock.
	handler Handler

	// mapLock guards mapping against a concurrent Free.
	mapLock sync.RWSpinlock
	mapping vmm.Mapping
}

// Alloc registers a resource covering the device range
// [devAddr, devAddr+length) in space kind. The range is resolved through
// translator (Identity if nil); if it resolves to memory-mapped space it is
// mapped writable and uncached, together with any mapping attributes in
// extra. A mapping failure is fatal unless extra contains FlagCanFail.
func (reg *Registry) Alloc(devAddr, length uint64, kind SpaceKind, translator Translator, extra Flag) (*Reg, *kernel.Error) {
	if err := extra.Validate(); err != nil {
		return nil, err
	}

	region, err := checkRange(devAddr, length, kind, translator)
	if err != nil {
		return nil, err
	}
	region.Mapped = true

	r := &Reg{base: base{reg: reg, region: region, translator: translator}}

	if region.RealKind == SpaceMM {
		flags := vmm.FlagWrite | mapFlags(extra)
		if flags&vmm.FlagWriteCombine == 0 {
			flags |= vmm.FlagUncacheable
		}
		if r.mapping, err = reg.mapper.Map(region.CPUAddr, mm.Size(length), flags); err != nil {
			kfmt.Fprintf(logger, "unable to map cpu range [0x%x, 0x%x]: %s\n", region.CPUAddr, region.CPUAddr+length-1, err.Message)
			if extra&FlagCanFail == 0 {
				panicFn(ErrMapFailed)
			}
			return nil, ErrMapFailed
		}
	}

	if err = reg.insertLocked(&r.base); err != nil {
		r.unmap()
		return nil, err
	}

	return r, nil
}

// mapFlags converts resource flags to mapping attributes.
func mapFlags(f Flag) vmm.MapFlag {
	flags := vmm.MapFlag(f & FlagPlatformMask)
	if f&FlagWrite != 0 {
		flags |= vmm.FlagWrite
	}
	if f&FlagUncacheable != 0 {
		flags |= vmm.FlagUncacheable
	}
	if f&FlagWriteCombine != 0 {
		flags |= vmm.FlagWriteCombine
	}
	return flags
}

// Region returns a copy of the resource descriptor.
func (r *Reg) Region() Region {
	return r.region
}

// MappedMM returns the host-virtual address the resource is mapped at or 0
// if the resource resolves to port I/O space or has been freed. Prefer the
// typed accessors.
func (r *Reg) MappedMM() uintptr {
	r.mapLock.RLock()
	defer r.mapLock.RUnlock()

	return r.mapping.Addr
}

// Free unregisters the resource, removes any handler and releases the
// mapping. Freeing a resource twice returns ErrAlreadyFreed.
func (r *Reg) Free() *kernel.Error {
	if err := r.remove(); err != nil {
		return err
	}

	r.unmap()
	return nil
}

func (r *Reg) remove() *kernel.Error {
	r.reg.lock.Lock()
	defer r.reg.lock.Unlock()

	if err := r.reg.remove(&r.base); err != nil {
		return err
	}
	r.handler = nil

	return nil
}

func (r *Reg) unmap() {
	r.mapLock.Lock()
	defer r.mapLock.Unlock()

	if !r.mapping.Valid() {
		return
	}

	if err := r.reg.mapper.Unmap(r.mapping); err != nil {
		kfmt.Fprintf(logger, "unable to unmap cpu range at 0x%x: %s\n", r.region.CPUAddr, err.Message)
	}
	r.mapping = vmm.Mapping{}
}

// RegisterHandler installs h on the resource and hooks the CPU range of the
// resource into the trap layer so that guest accesses reach h too. Only one
// handler may be installed at a time.
func (r *Reg) RegisterHandler(h Handler) *kernel.Error {
	if h == nil {
		return ErrNoHandler
	}

	r.reg.lock.Lock()
	defer r.reg.lock.Unlock()

	switch {
	case r.freed:
		return ErrNotRegistered
	case r.handler != nil:
		return ErrHandlerBusy
	}

	mmHandler := func(gphys uint64, write bool, buf []byte, _ uint32) mmio.Result {
		return mmResult(h(r, gphys-r.region.CPUAddr, write, buf))
	}
	ioHandler := func(port uint16, write bool, buf []byte) iohook.Result {
		return ioResult(h(r, uint64(port)-r.region.CPUAddr, write, buf))
	}

	if err := r.reg.hookTrap(&r.base, mmHandler, ioHandler); err != nil {
		return err
	}

	r.handler = h
	return nil
}

// UnregisterHandler removes the installed handler. Subsequent accesses go
// straight to the device.
func (r *Reg) UnregisterHandler() *kernel.Error {
	r.reg.lock.Lock()
	defer r.reg.lock.Unlock()

	switch {
	case r.freed:
		return ErrNotRegistered
	case r.handler == nil:
		return ErrNoHandler
	}

	r.reg.unhook(&r.base)
	r.handler = nil

	return nil
}

// currentHandler returns the installed handler after checking that the
// resource is still registered.
func (r *Reg) currentHandler() (Handler, *kernel.Error) {
	r.reg.lock.RLock()
	defer r.reg.lock.RUnlock()

	if r.freed {
		return nil, ErrNotRegistered
	}
	return r.handler, nil
}
