// Package mm defines the memory primitives shared by the hypervisor core:
// byte sizes and page geometry.
package mm

// Size represents a memory block size in bytes.
type Size uint64

// Common memory block sizes.
const (
	Byte Size = 1
	Kb        = 1024 * Byte
	Mb        = 1024 * Kb
	Gb        = 1024 * Mb
)

const (
	// PageShift is equal to log2(PageSize).
	PageShift = 12

	// PageSize defines the guest page size in bytes.
	PageSize = Size(1 << PageShift)

	// PageMask selects the offset of an address inside its page.
	PageMask = uint64(PageSize - 1)
)

// PageRemaining returns the number of bytes from addr to the end of the page
// that contains it.
func PageRemaining(addr uint64) Size {
	return PageSize - Size(addr&PageMask)
}
