// Package cpu exposes the CPU facilities the hypervisor core needs from its
// host: port-mapped I/O access.
package cpu

import (
	"github.com/matsu/bitvisor-sub008/kernel/sync"

	"golang.org/x/exp/constraints"
)

// Ports is implemented by providers of port-mapped I/O access.
type Ports interface {
	// PortReadByte reads a uint8 value from the requested port.
	PortReadByte(port uint16) uint8

	// PortReadWord reads a uint16 value from the requested port.
	PortReadWord(port uint16) uint16

	// PortReadDword reads a uint32 value from the requested port.
	PortReadDword(port uint16) uint32

	// PortWriteByte writes a uint8 value to the requested port.
	PortWriteByte(port uint16, val uint8)

	// PortWriteWord writes a uint16 value to the requested port.
	PortWriteWord(port uint16, val uint16)

	// PortWriteDword writes a uint32 value to the requested port.
	PortWriteDword(port uint16, val uint32)
}

// portSpaceSize is the number of addressable I/O ports.
const portSpaceSize = 1 << 16

// PortSpace is an emulated I/O port space. Every port is backed by one byte
// of storage and wide accesses touch consecutive ports in little-endian
// order, the way x86 decomposes them on the bus. Accesses wrap at port
// 0xffff.
type PortSpace struct {
	mu   sync.Spinlock
	data [portSpaceSize]byte
}

// NewPortSpace returns an emulated port space where every port reads as
// all ones, like an unpopulated bus.
func NewPortSpace() *PortSpace {
	ps := &PortSpace{}
	for i := range ps.data {
		ps.data[i] = 0xff
	}
	return ps
}

// PortReadByte implements Ports.
func (ps *PortSpace) PortReadByte(port uint16) uint8 { return portRead[uint8](ps, port) }

// PortReadWord implements Ports.
func (ps *PortSpace) PortReadWord(port uint16) uint16 { return portRead[uint16](ps, port) }

// PortReadDword implements Ports.
func (ps *PortSpace) PortReadDword(port uint16) uint32 { return portRead[uint32](ps, port) }

// PortWriteByte implements Ports.
func (ps *PortSpace) PortWriteByte(port uint16, val uint8) { portWrite(ps, port, val) }

// PortWriteWord implements Ports.
func (ps *PortSpace) PortWriteWord(port uint16, val uint16) { portWrite(ps, port, val) }

// PortWriteDword implements Ports.
func (ps *PortSpace) PortWriteDword(port uint16, val uint32) { portWrite(ps, port, val) }

func portWidth[T constraints.Unsigned]() int {
	var v T
	width := 0
	for v = ^v; v != 0; v >>= 8 {
		width++
	}
	return width
}

func portRead[T constraints.Unsigned](ps *PortSpace, port uint16) T {
	ps.mu.Acquire()
	defer ps.mu.Release()

	var val T
	for i := portWidth[T]() - 1; i >= 0; i-- {
		val = val<<8 | T(ps.data[uint16(int(port)+i)])
	}
	return val
}

func portWrite[T constraints.Unsigned](ps *PortSpace, port uint16, val T) {
	ps.mu.Acquire()
	defer ps.mu.Release()

	for i, width := 0, portWidth[T](); i < width; i++ {
		ps.data[uint16(int(port)+i)] = byte(val)
		val >>= 8
	}
}
