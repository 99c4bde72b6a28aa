// Package vmm provides the host-virtual mapping service used by the device
// resource core to reach CPU-physical ranges through ordinary loads and
// stores.
package vmm

import (
	"github.com/matsu/bitvisor-sub008/kernel"
	"github.com/matsu/bitvisor-sub008/kernel/mm"
)

// MapFlag describes the attributes requested for a mapping.
type MapFlag uint32

const (
	// FlagWrite requests a writable mapping. Mappings without it are
	// read-only.
	FlagWrite MapFlag = 1 << iota

	// FlagUncacheable requests an uncached mapping, as required for
	// device registers.
	FlagUncacheable

	// FlagWriteCombine requests a write-combining mapping.
	FlagWriteCombine
)

var (
	// ErrInvalidMapping is returned when attempting to release a mapping
	// that is not currently established.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "invalid mapping"}

	// ErrOutOfRange is returned when a requested range is not backed by the
	// mapper.
	ErrOutOfRange = &kernel.Error{Module: "vmm", Message: "physical range not backed by this address space"}
)

// Mapping describes an established host-virtual mapping of a CPU-physical
// range.
type Mapping struct {
	// Addr is the host-virtual address that corresponds to CPUAddr.
	Addr uintptr

	// CPUAddr is the CPU-physical address the mapping was requested for.
	CPUAddr uint64

	// Size is the length of the mapped range in bytes, starting at CPUAddr.
	Size mm.Size

	// Flags are the attributes the mapping was established with.
	Flags MapFlag
}

// Valid returns true if m describes an established mapping.
func (m Mapping) Valid() bool {
	return m.Addr != 0
}

// Writable returns true if the mapping permits stores.
func (m Mapping) Writable() bool {
	return m.Flags&FlagWrite != 0
}

// Mapper is implemented by services that can map CPU-physical ranges into
// the host-virtual address space.
type Mapper interface {
	// Map establishes a mapping for [cpuAddr, cpuAddr+size). The size is
	// rounded up to page granularity internally but the returned Mapping
	// always starts at cpuAddr.
	Map(cpuAddr uint64, size mm.Size, flags MapFlag) (Mapping, *kernel.Error)

	// Unmap releases a mapping returned by Map. Releasing a mapping twice
	// returns ErrInvalidMapping.
	Unmap(m Mapping) *kernel.Error
}
