package dres

import "github.com/matsu/bitvisor-sub008/kernel"

// SpaceKind identifies the address space a device address belongs to.
type SpaceKind uint8

const (
	// SpaceMM is the memory-mapped address space.
	SpaceMM SpaceKind = iota

	// SpaceIO is the port I/O address space.
	SpaceIO

	numSpaceKinds
)

// String implements fmt.Stringer.
func (k SpaceKind) String() string {
	switch k {
	case SpaceMM:
		return "mm"
	case SpaceIO:
		return "io"
	default:
		return "unknown"
	}
}

func (k SpaceKind) valid() bool { return k < numSpaceKinds }

// Result is returned by resource handlers to tell the registry how an access
// was serviced.
type Result uint8

const (
	// ResultPassthrough lets the access reach the device.
	ResultPassthrough Result = iota

	// ResultDone means the handler emulated the access.
	ResultDone

	// ResultBlock means the access must fail.
	ResultBlock

	// ResultInvalid means the access is not valid for the resource.
	ResultInvalid
)

// Flag holds allocation and mapping attributes of a resource.
type Flag uint32

const (
	// FlagWrite requests a writable mapping. Mapped resources are always
	// writable; the flag is accepted for symmetry with the mapper.
	FlagWrite Flag = 1 << iota

	// FlagCanFail makes a mapping failure an ordinary allocation error
	// instead of a fatal one.
	FlagCanFail

	// FlagUncacheable requests an uncached mapping.
	FlagUncacheable

	// FlagWriteCombine requests a write-combining mapping.
	FlagWriteCombine

	// FlagPlatformMask selects the bits reserved for platform specific
	// mapping attributes. They are passed to the mapper unchanged.
	FlagPlatformMask Flag = 0xffff0000

	genericFlags = FlagWrite | FlagCanFail | FlagUncacheable | FlagWriteCombine
)

// Validate returns ErrInvalidFlags if f contains unknown generic bits or
// contradictory cache attributes.
func (f Flag) Validate() *kernel.Error {
	if f&^(genericFlags|FlagPlatformMask) != 0 {
		return ErrInvalidFlags
	}
	if f&FlagUncacheable != 0 && f&FlagWriteCombine != 0 {
		return ErrInvalidFlags
	}
	return nil
}

// Region describes a registered device resource.
type Region struct {
	// DevAddr and Length describe the range as seen by the device.
	DevAddr uint64
	Length  uint64

	// Kind is the space the device address was registered in.
	Kind SpaceKind

	// CPUAddr and RealKind hold the translated range as seen by the CPU.
	CPUAddr  uint64
	RealKind SpaceKind

	// Mapped is true for resources that own a host-virtual mapping.
	Mapped bool
}

// Last returns the last device address covered by the region.
func (r Region) Last() uint64 {
	return r.DevAddr + r.Length - 1
}

// Contains returns true if addr lies inside the region.
func (r Region) Contains(addr uint64) bool {
	return addr >= r.DevAddr && addr <= r.Last()
}
