package dres

import (
	"github.com/matsu/bitvisor-sub008/device/iohook"
	"github.com/matsu/bitvisor-sub008/device/mmio"
	"github.com/matsu/bitvisor-sub008/kernel"
)

// NomapHandler services a trapped access to a non-mapped resource. mmFlags
// carries the attributes of the trapped memory access and is zero for port
// accesses.
type NomapHandler func(r *NomapReg, offset uint64, write bool, buf []byte, mmFlags uint32) Result

// NomapReg is a device resource that is never mapped into the host. Its
// handler sees trapped guest accesses only.
//
// The translation is resolved when the resource is allocated and cached;
// CPUAddrBase and RealAddrType report the cached result until Retranslate
// resolves it again.
type NomapReg struct {
	base

	// handler is guarded by the registry lock.
	handler NomapHandler
}

// AllocNomap registers a non-mapped resource covering the device range
// [devAddr, devAddr+length) in space kind, resolved through translator
// (Identity if nil).
func (reg *Registry) AllocNomap(devAddr, length uint64, kind SpaceKind, translator Translator) (*NomapReg, *kernel.Error) {
	region, err := checkRange(devAddr, length, kind, translator)
	if err != nil {
		return nil, err
	}

	r := &NomapReg{base: base{reg: reg, region: region, translator: translator}}
	if err = reg.insertLocked(&r.base); err != nil {
		return nil, err
	}

	return r, nil
}

// Region returns a copy of the resource descriptor.
func (r *NomapReg) Region() Region {
	r.reg.lock.RLock()
	defer r.reg.lock.RUnlock()

	return r.region
}

// CPUAddrBase returns the CPU address the resource base was last resolved
// to.
func (r *NomapReg) CPUAddrBase() uint64 {
	r.reg.lock.RLock()
	defer r.reg.lock.RUnlock()

	return r.region.CPUAddr
}

// RealAddrType returns the space kind the resource was last resolved to.
func (r *NomapReg) RealAddrType() SpaceKind {
	r.reg.lock.RLock()
	defer r.reg.lock.RUnlock()

	return r.region.RealKind
}

// Retranslate resolves the resource again through its translator, for
// instance after a remapping unit was reprogrammed. If a handler is
// installed its trap hook follows the new CPU range. On failure the previous
// translation stays in effect.
func (r *NomapReg) Retranslate() *kernel.Error {
	cur := r.Region()

	region, err := checkRange(cur.DevAddr, cur.Length, cur.Kind, r.translator)
	if err != nil {
		return err
	}

	r.reg.lock.Lock()
	defer r.reg.lock.Unlock()

	if r.freed {
		return ErrNotRegistered
	}

	if region == r.region {
		return nil
	}

	if r.handler == nil {
		r.region = region
		return nil
	}

	prev := r.region
	r.reg.unhook(&r.base)
	r.region = region
	if err = r.hookLocked(r.handler); err != nil {
		r.region = prev
		if rehookErr := r.hookLocked(r.handler); rehookErr != nil {
			r.handler = nil
		}
		return err
	}

	return nil
}

// Free unregisters the resource and removes any handler. Freeing a resource
// twice returns ErrAlreadyFreed.
func (r *NomapReg) Free() *kernel.Error {
	r.reg.lock.Lock()
	defer r.reg.lock.Unlock()

	if err := r.reg.remove(&r.base); err != nil {
		return err
	}
	r.handler = nil

	return nil
}

// RegisterHandler installs h and hooks the resolved CPU range of the
// resource into the trap layer. Only one handler may be installed at a time.
func (r *NomapReg) RegisterHandler(h NomapHandler) *kernel.Error {
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

	if err := r.hookLocked(h); err != nil {
		return err
	}

	r.handler = h
	return nil
}

// UnregisterHandler removes the installed handler and its trap hook.
func (r *NomapReg) UnregisterHandler() *kernel.Error {
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

// hookLocked hooks the current CPU range to h. The trap adapters capture
// the range they were created for so that an in-flight access computes its
// offset consistently across a Retranslate.
func (r *NomapReg) hookLocked(h NomapHandler) *kernel.Error {
	cpuBase := r.region.CPUAddr

	mmHandler := func(gphys uint64, write bool, buf []byte, flags uint32) mmio.Result {
		return mmResult(h(r, gphys-cpuBase, write, buf, flags))
	}
	ioHandler := func(port uint16, write bool, buf []byte) iohook.Result {
		return ioResult(h(r, uint64(port)-cpuBase, write, buf, 0))
	}

	return r.reg.hookTrap(&r.base, mmHandler, ioHandler)
}
