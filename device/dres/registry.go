// Package dres implements the device resource registry: it records the
// address ranges owned by device drivers, resolves them to CPU addresses
// through a pluggable translator, maps memory-mapped ranges into the host
// and routes both driver-initiated and trapped guest accesses through the
// handler a driver installs on its resource.
package dres

import (
	"github.com/matsu/bitvisor-sub008/device/iohook"
	"github.com/matsu/bitvisor-sub008/device/mmio"
	"github.com/matsu/bitvisor-sub008/kernel"
	"github.com/matsu/bitvisor-sub008/kernel/bplus"
	"github.com/matsu/bitvisor-sub008/kernel/cpu"
	"github.com/matsu/bitvisor-sub008/kernel/kfmt"
	"github.com/matsu/bitvisor-sub008/kernel/mm/vmm"
	"github.com/matsu/bitvisor-sub008/kernel/sync"
)

const (
	defaultFanout = 4

	// maxPort is the last addressable I/O port.
	maxPort = 0xffff
)

var (
	// ErrInvalidRange is returned for empty ranges, ranges that wrap
	// around the address space and ranges starting at the reserved key.
	ErrInvalidRange = &kernel.Error{Module: "dres", Message: "invalid address range"}

	// ErrInvalidKind is returned for an unknown space kind.
	ErrInvalidKind = &kernel.Error{Module: "dres", Message: "invalid space kind"}

	// ErrInvalidFlags is returned by Flag.Validate.
	ErrInvalidFlags = &kernel.Error{Module: "dres", Message: "invalid resource flags"}

	// ErrPortRange is returned when a range translated to port I/O space
	// does not fit in 16 bits.
	ErrPortRange = &kernel.Error{Module: "dres", Message: "port range exceeds 0xffff"}

	// ErrTranslate is returned when a translator cannot resolve a range.
	ErrTranslate = &kernel.Error{Module: "dres", Message: "address translation failed"}

	// ErrOverlap is returned when a range intersects a registered one of
	// the same space kind.
	ErrOverlap = &kernel.Error{Module: "dres", Message: "range overlaps a registered resource"}

	// ErrMapFailed is returned when mapping a resource fails and the
	// allocation was made with FlagCanFail.
	ErrMapFailed = &kernel.Error{Module: "dres", Message: "unable to map resource"}

	// ErrAlreadyFreed is returned when freeing a resource twice.
	ErrAlreadyFreed = &kernel.Error{Module: "dres", Message: "resource already freed"}

	// ErrNotRegistered is returned when operating on a freed resource.
	ErrNotRegistered = &kernel.Error{Module: "dres", Message: "resource not registered"}

	// ErrHandlerBusy is returned when installing a second handler.
	ErrHandlerBusy = &kernel.Error{Module: "dres", Message: "a handler is already registered"}

	// ErrNoHandler is returned when unregistering a handler that was
	// never registered.
	ErrNoHandler = &kernel.Error{Module: "dres", Message: "no handler registered"}

	// ErrAccessRange is returned for accesses outside the resource.
	ErrAccessRange = &kernel.Error{Module: "dres", Message: "access outside resource"}

	// ErrAccessWidth is returned for accesses that are not 1, 2, 4 or 8
	// bytes wide.
	ErrAccessWidth = &kernel.Error{Module: "dres", Message: "unsupported access width"}

	// ErrAccessBlocked is returned when a handler blocks an access.
	ErrAccessBlocked = &kernel.Error{Module: "dres", Message: "access blocked by handler"}

	// ErrAccessInvalid is returned when a handler rejects an access.
	ErrAccessInvalid = &kernel.Error{Module: "dres", Message: "access rejected by handler"}

	// ErrRegistryBusy is returned when closing a registry that still
	// holds resources.
	ErrRegistryBusy = &kernel.Error{Module: "dres", Message: "registry still holds resources"}

	// ErrRegistryClosed is returned by operations on a closed registry.
	ErrRegistryClosed = &kernel.Error{Module: "dres", Message: "registry closed"}

	errNoMapper = &kernel.Error{Module: "dres", Message: "a mapper is required"}

	logger = &kfmt.PrefixWriter{Prefix: []byte("[dres] ")}

	// panicFn is mocked by tests.
	panicFn = kfmt.Panic
)

// Config holds the collaborators and tuning knobs of a Registry.
type Config struct {
	// Fanout of the resource indices. Defaults to 4.
	Fanout int

	// Mapper maps memory-mapped resources into the host. Required.
	Mapper vmm.Mapper

	// Ports performs port I/O for resources in I/O space. Defaults to an
	// emulated port space.
	Ports cpu.Ports

	// GuestMemory is used by the MMIO trap layer for guest accesses that
	// no handler services. Defaults to Mapper.
	GuestMemory vmm.Mapper
}

// Registry tracks device resources. Resources are indexed per space kind by
// device base address, so memory-mapped and port ranges never collide.
//
// The registry lock is never held while a resource handler runs; handlers
// may therefore call back into the registry, including to register or free
// other resources.
type Registry struct {
	lock sync.RWSpinlock

	index  [numSpaceKinds]*bplus.Tree[*base]
	closed bool

	mapper vmm.Mapper
	ports  cpu.Ports
	mmio   *mmio.Dispatcher
	io     *iohook.Dispatcher
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config) (*Registry, *kernel.Error) {
	if cfg.Mapper == nil {
		return nil, errNoMapper
	}
	if cfg.Fanout == 0 {
		cfg.Fanout = defaultFanout
	}
	if cfg.Ports == nil {
		cfg.Ports = cpu.NewPortSpace()
	}
	if cfg.GuestMemory == nil {
		cfg.GuestMemory = cfg.Mapper
	}

	reg := &Registry{
		mapper: cfg.Mapper,
		ports:  cfg.Ports,
	}

	var err *kernel.Error
	for kind := range reg.index {
		if reg.index[kind], err = bplus.New[*base](cfg.Fanout); err != nil {
			return nil, err
		}
	}

	if reg.mmio, err = mmio.New(mmio.Config{GuestMemory: cfg.GuestMemory, Fanout: cfg.Fanout}); err != nil {
		return nil, err
	}
	if reg.io, err = iohook.New(iohook.Config{Ports: cfg.Ports, Fanout: cfg.Fanout}); err != nil {
		return nil, err
	}

	return reg, nil
}

// Close tears the registry down. It fails while resources are registered.
func (reg *Registry) Close() *kernel.Error {
	reg.lock.Lock()
	defer reg.lock.Unlock()

	if reg.closed {
		return ErrRegistryClosed
	}

	for _, tree := range reg.index {
		if tree.Len() != 0 {
			return ErrRegistryBusy
		}
	}

	for _, tree := range reg.index {
		tree.Free()
	}
	reg.closed = true

	return nil
}

// Len returns the number of registered resources.
func (reg *Registry) Len() int {
	reg.lock.RLock()
	defer reg.lock.RUnlock()

	total := 0
	for _, tree := range reg.index {
		total += tree.Len()
	}
	return total
}

// Lookup returns the region of the resource in space kind that covers addr.
func (reg *Registry) Lookup(kind SpaceKind, addr uint64) (*Region, bool) {
	if !kind.valid() {
		return nil, false
	}

	reg.lock.RLock()
	defer reg.lock.RUnlock()

	if reg.closed {
		return nil, false
	}

	nb := reg.index[kind].SearchNeighbors(addr)
	switch {
	case nb.Found:
		region := nb.Value.region
		return &region, true
	case nb.HasLeft() && nb.Left.region.Contains(addr):
		region := nb.Left.region
		return &region, true
	}

	return nil, false
}

// Regions returns the regions registered in space kind ordered by device
// address.
func (reg *Registry) Regions(kind SpaceKind) []Region {
	if !kind.valid() {
		return nil
	}

	reg.lock.RLock()
	defer reg.lock.RUnlock()

	if reg.closed {
		return nil
	}

	regions := make([]Region, 0, reg.index[kind].Len())

	it := reg.index[kind].Iterator()
	defer it.Free()
	for _, b, ok := it.Next(); ok; _, b, ok = it.Next() {
		regions = append(regions, b.region)
	}

	return regions
}

// HandleMMIO services a trapped guest access to guest-physical memory. It
// returns mmio.ResultDefault if no resource handler intersects the access.
// A blocked or rejected access returns mmio.ResultBlock or
// mmio.ResultInvalid and reads yield all ones.
func (reg *Registry) HandleMMIO(gphys uint64, write bool, buf []byte, flags uint32) mmio.Result {
	return reg.mmio.CallHandler(gphys, write, buf, flags)
}

// HandleIO services a trapped guest port access.
func (reg *Registry) HandleIO(port uint16, write bool, buf []byte) iohook.Result {
	return reg.io.Call(port, write, buf)
}

// MMIO returns the dispatcher that receives trapped memory accesses.
func (reg *Registry) MMIO() *mmio.Dispatcher { return reg.mmio }

// IO returns the dispatcher that receives trapped port accesses.
func (reg *Registry) IO() *iohook.Dispatcher { return reg.io }

// base is the state shared by mapped and non-mapped resources.
type base struct {
	reg        *Registry
	region     Region
	translator Translator
	freed      bool

	// hook is the trap layer registration made while a handler is
	// installed.
	hook hook
}

// hook records a trap layer registration.
type hook struct {
	mm *mmio.Handle
	io *iohook.Handle
}

func (h hook) active() bool { return h.mm != nil || h.io != nil }

// checkRange validates a device range and resolves it through translator.
func checkRange(devAddr, length uint64, kind SpaceKind, translator Translator) (Region, *kernel.Error) {
	if !kind.valid() {
		return Region{}, ErrInvalidKind
	}
	if length == 0 || devAddr+length-1 < devAddr || devAddr == bplus.InvalidKey {
		return Region{}, ErrInvalidRange
	}

	if translator == nil {
		translator = Identity
	}

	cpuAddr, realKind, err := translator.Translate(devAddr, length, kind)
	if err != nil {
		kfmt.Fprintf(logger, "unable to translate %s range [0x%x, 0x%x]: %s\n", kind, devAddr, devAddr+length-1, err.Message)
		return Region{}, ErrTranslate
	}

	if !realKind.valid() || cpuAddr+length-1 < cpuAddr {
		return Region{}, ErrTranslate
	}
	if realKind == SpaceIO && cpuAddr+length-1 > maxPort {
		return Region{}, ErrPortRange
	}

	return Region{
		DevAddr:  devAddr,
		Length:   length,
		Kind:     kind,
		CPUAddr:  cpuAddr,
		RealKind: realKind,
	}, nil
}

// insertLocked adds b to the index under the registry lock.
func (reg *Registry) insertLocked(b *base) *kernel.Error {
	reg.lock.Lock()
	defer reg.lock.Unlock()

	return reg.insert(b)
}

// insert adds b to the index. Callers must hold the registry lock
// exclusively.
func (reg *Registry) insert(b *base) *kernel.Error {
	if reg.closed {
		return ErrRegistryClosed
	}

	tree := reg.index[b.region.Kind]
	nb := tree.SearchNeighbors(b.region.DevAddr)

	var other *base
	switch {
	case nb.Found:
		other = nb.Value
	case nb.HasLeft() && nb.Left.region.Last() >= b.region.DevAddr:
		other = nb.Left
	case nb.HasRight() && nb.RightKey <= b.region.Last():
		other = nb.Right
	}

	if other != nil {
		kfmt.Fprintf(logger, "%s range [0x%x, 0x%x] overlaps registered range [0x%x, 0x%x]\n",
			b.region.Kind, b.region.DevAddr, b.region.Last(), other.region.DevAddr, other.region.Last())
		return ErrOverlap
	}

	return tree.Add(b.region.DevAddr, b)
}

// remove drops b from the index and tears down its trap hook. Callers must
// hold the registry lock exclusively.
func (reg *Registry) remove(b *base) *kernel.Error {
	if b.freed {
		return ErrAlreadyFreed
	}

	if cur, found := reg.index[b.region.Kind].Search(b.region.DevAddr); !found || cur != b {
		kfmt.Fprintf(logger, "%s resource at 0x%x missing from the index\n", b.region.Kind, b.region.DevAddr)
		panicFn(ErrNotRegistered)
		return ErrNotRegistered
	}

	reg.unhook(b)
	if _, err := reg.index[b.region.Kind].Del(b.region.DevAddr); err != nil {
		return err
	}
	b.freed = true

	return nil
}

// hookTrap routes trapped guest accesses to the CPU range of b. mmHandler
// and ioHandler adapt the resource handler to each trap layer. Callers must
// hold the registry lock exclusively.
func (reg *Registry) hookTrap(b *base, mmHandler mmio.Handler, ioHandler iohook.Handler) *kernel.Error {
	var err *kernel.Error

	switch b.region.RealKind {
	case SpaceMM:
		b.hook.mm, err = reg.mmio.Register(b.region.CPUAddr, b.region.Length, mmHandler)
	case SpaceIO:
		b.hook.io, err = reg.io.Register(uint16(b.region.CPUAddr), uint32(b.region.Length), ioHandler, "dres")
	}

	return err
}

// unhook removes the trap registration of b if any. Callers must hold the
// registry lock exclusively.
func (reg *Registry) unhook(b *base) {
	if b.hook.mm != nil {
		if err := reg.mmio.Unregister(b.hook.mm); err != nil {
			kfmt.Fprintf(logger, "unable to unhook mmio range at 0x%x: %s\n", b.region.CPUAddr, err.Message)
		}
	}
	if b.hook.io != nil {
		if err := reg.io.Unregister(b.hook.io); err != nil {
			kfmt.Fprintf(logger, "unable to unhook port range at 0x%x: %s\n", b.region.CPUAddr, err.Message)
		}
	}
	b.hook = hook{}
}

// ioResult converts a handler result to the port I/O trap layer.
func mmResult(res Result) mmio.Result {
	switch res {
	case ResultDone:
		return mmio.ResultDone
	case ResultBlock:
		return mmio.ResultBlock
	case ResultInvalid:
		return mmio.ResultInvalid
	default:
		return mmio.ResultDefault
	}
}

func ioResult(res Result) iohook.Result {
	switch res {
	case ResultDone:
		return iohook.ResultDone
	case ResultBlock:
		return iohook.ResultBlock
	case ResultInvalid:
		return iohook.ResultInvalid
	default:
		return iohook.ResultDefault
	}
}
