//go:build linux

package vmm

import (
	"github.com/matsu/bitvisor-sub008/kernel"
	"github.com/matsu/bitvisor-sub008/kernel/kfmt"
	"github.com/matsu/bitvisor-sub008/kernel/mm"
	"github.com/matsu/bitvisor-sub008/kernel/sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

var (
	// the following functions are mocked by tests.
	memfdCreateFn = unix.MemfdCreate
	ftruncateFn   = unix.Ftruncate
	mmapFn        = unix.Mmap
	munmapFn      = unix.Munmap

	errInvalidWindow  = &kernel.Error{Module: "vmm", Message: "address space window must be non-empty and aligned to the host page size"}
	errBackingFailed  = &kernel.Error{Module: "vmm", Message: "unable to create backing memory"}
	errMapFailed      = &kernel.Error{Module: "vmm", Message: "mmap failed"}
	errMappingsActive = &kernel.Error{Module: "vmm", Message: "address space still has active mappings"}
	errClosed         = &kernel.Error{Module: "vmm", Message: "address space is closed"}
)

// AddressSpace emulates a window [Base, Base+Size) of CPU-physical address
// space backed by a shared memory object. Every call to Map creates a new
// host-virtual view of the requested frames, so separate mappings of the same
// physical range alias each other exactly like mappings of real device
// memory do. Read-only mappings are enforced by the host MMU.
type AddressSpace struct {
	base         uint64
	size         mm.Size
	hostPageSize uint64

	mu     sync.Spinlock
	fd     int
	closed bool

	// live tracks established mappings keyed by the host-virtual address
	// of the first mapped page.
	live map[uintptr][]byte
}

// NewAddressSpace creates an AddressSpace that backs the CPU-physical window
// [base, base+size). Both base and size must be aligned to the host page
// size.
func NewAddressSpace(base uint64, size mm.Size) (*AddressSpace, *kernel.Error) {
	hostPageSize := uint64(unix.Getpagesize())
	if size == 0 || base%hostPageSize != 0 || uint64(size)%hostPageSize != 0 || base+uint64(size) < base {
		return nil, errInvalidWindow
	}

	fd, err := memfdCreateFn("vmm-window", unix.MFD_CLOEXEC)
	if err != nil {
		kfmt.Printf("[vmm] memfd_create failed: %s\n", err.Error())
		return nil, errBackingFailed
	}

	if err = ftruncateFn(fd, int64(size)); err != nil {
		kfmt.Printf("[vmm] unable to size backing memory to 0x%x bytes: %s\n", uint64(size), err.Error())
		unix.Close(fd)
		return nil, errBackingFailed
	}

	return &AddressSpace{
		base:         base,
		size:         size,
		hostPageSize: hostPageSize,
		fd:           fd,
		live:         make(map[uintptr][]byte),
	}, nil
}

// Base returns the first CPU-physical address backed by this address space.
func (as *AddressSpace) Base() uint64 { return as.base }

// Size returns the length of the backed CPU-physical window.
func (as *AddressSpace) Size() mm.Size { return as.size }

// Contains returns true if [cpuAddr, cpuAddr+size) lies inside the window.
func (as *AddressSpace) Contains(cpuAddr uint64, size mm.Size) bool {
	end := cpuAddr + uint64(size)
	return size != 0 && end > cpuAddr && cpuAddr >= as.base && end <= as.base+uint64(as.size)
}

// Map implements Mapper.
func (as *AddressSpace) Map(cpuAddr uint64, size mm.Size, flags MapFlag) (Mapping, *kernel.Error) {
	if !as.Contains(cpuAddr, size) {
		return Mapping{}, ErrOutOfRange
	}

	offset := cpuAddr - as.base
	mapOffset := offset - offset%as.hostPageSize
	mapLen := offset + uint64(size) - mapOffset
	mapLen = (mapLen + as.hostPageSize - 1) &^ (as.hostPageSize - 1)

	prot := unix.PROT_READ
	if flags&FlagWrite != 0 {
		prot |= unix.PROT_WRITE
	}

	as.mu.Acquire()
	defer as.mu.Release()

	if as.closed {
		return Mapping{}, errClosed
	}

	data, err := mmapFn(as.fd, int64(mapOffset), int(mapLen), prot, unix.MAP_SHARED)
	if err != nil {
		kfmt.Printf("[vmm] mmap of 0x%x bytes at cpu address 0x%x failed: %s\n", mapLen, cpuAddr, err.Error())
		return Mapping{}, errMapFailed
	}

	pageAddr := uintptr(unsafe.Pointer(&data[0]))
	as.live[pageAddr] = data

	return Mapping{
		Addr:    pageAddr + uintptr(offset-mapOffset),
		CPUAddr: cpuAddr,
		Size:    size,
		Flags:   flags,
	}, nil
}

// Unmap implements Mapper.
func (as *AddressSpace) Unmap(m Mapping) *kernel.Error {
	if !m.Valid() {
		return ErrInvalidMapping
	}

	pageAddr := m.Addr - m.Addr%uintptr(as.hostPageSize)

	as.mu.Acquire()
	defer as.mu.Release()

	data, ok := as.live[pageAddr]
	if !ok {
		return ErrInvalidMapping
	}

	delete(as.live, pageAddr)
	if err := munmapFn(data); err != nil {
		kfmt.Printf("[vmm] munmap of 0x%x failed: %s\n", pageAddr, err.Error())
		return errMapFailed
	}

	return nil
}

// ActiveMappings returns the number of established mappings.
func (as *AddressSpace) ActiveMappings() int {
	as.mu.Acquire()
	defer as.mu.Release()

	return len(as.live)
}

// Close releases the backing memory. It fails if any mapping is still
// established.
func (as *AddressSpace) Close() *kernel.Error {
	as.mu.Acquire()
	defer as.mu.Release()

	if as.closed {
		return errClosed
	}

	if len(as.live) != 0 {
		return errMappingsActive
	}

	as.closed = true
	unix.Close(as.fd)
	return nil
}
