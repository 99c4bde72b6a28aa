package dres

import (
	"encoding/binary"
	"github.com/matsu/bitvisor-sub008/kernel"
	"github.com/matsu/bitvisor-sub008/kernel/kfmt"
	"unsafe"

	"golang.org/x/exp/constraints"
)

// Read8 reads a byte at offset.
func (r *Reg) Read8(offset uint64) (uint8, *kernel.Error) { return readAs[uint8](r, offset) }

// Read16 reads a 16-bit value at offset.
func (r *Reg) Read16(offset uint64) (uint16, *kernel.Error) { return readAs[uint16](r, offset) }

// Read32 reads a 32-bit value at offset.
func (r *Reg) Read32(offset uint64) (uint32, *kernel.Error) { return readAs[uint32](r, offset) }

// Read64 reads a 64-bit value at offset.
func (r *Reg) Read64(offset uint64) (uint64, *kernel.Error) { return readAs[uint64](r, offset) }

// Write8 writes a byte at offset.
func (r *Reg) Write8(offset uint64, val uint8) *kernel.Error { return writeAs(r, offset, val) }

// Write16 writes a 16-bit value at offset.
func (r *Reg) Write16(offset uint64, val uint16) *kernel.Error { return writeAs(r, offset, val) }

// Write32 writes a 32-bit value at offset.
func (r *Reg) Write32(offset uint64, val uint32) *kernel.Error { return writeAs(r, offset, val) }

// Write64 writes a 64-bit value at offset.
func (r *Reg) Write64(offset uint64, val uint64) *kernel.Error { return writeAs(r, offset, val) }

// Read reads a value of width bytes at offset. The access is offered to the
// installed handler first; if there is none or it passes the access
// through, the value is loaded from the device. Failed reads return all
// ones, like a read from an unclaimed bus address; a handler that blocks or
// rejects the access yields ErrAccessBlocked or ErrAccessInvalid.
func (r *Reg) Read(offset uint64, width int) (uint64, *kernel.Error) {
	var buf [8]byte

	if !validWidth(width) {
		return 0, ErrAccessWidth
	}

	if err := r.access(offset, width, false, buf[:width]); err != nil {
		return widthMask(width), err
	}

	return decode(buf[:width]), nil
}

// Write writes the low width bytes of val at offset, offering the access to
// the installed handler first.
func (r *Reg) Write(offset uint64, width int, val uint64) *kernel.Error {
	var buf [8]byte

	if !validWidth(width) {
		return ErrAccessWidth
	}

	encode(buf[:width], val)
	return r.access(offset, width, true, buf[:width])
}

func readAs[T constraints.Unsigned](r *Reg, offset uint64) (T, *kernel.Error) {
	val, err := r.Read(offset, int(unsafe.Sizeof(T(0))))
	return T(val), err
}

func writeAs[T constraints.Unsigned](r *Reg, offset uint64, val T) *kernel.Error {
	return r.Write(offset, int(unsafe.Sizeof(val)), uint64(val))
}

func validWidth(width int) bool {
	switch width {
	case 1, 2, 4, 8:
		return true
	}
	return false
}

// access validates an access against the resource bounds, offers it to the
// handler and performs it on the device unless the handler completed it.
// The registry lock is released before the handler runs.
func (r *Reg) access(offset uint64, width int, write bool, buf []byte) *kernel.Error {
	if offset >= r.region.Length || r.region.Length-offset < uint64(width) {
		return ErrAccessRange
	}

	h, err := r.currentHandler()
	if err != nil {
		return err
	}

	if h != nil {
		switch h(r, offset, write, buf) {
		case ResultDone:
			return nil
		case ResultBlock:
			kfmt.Fprintf(logger, "%s access of %d bytes at %s 0x%x blocked by handler\n", accessDir(write), width, r.region.Kind, r.region.DevAddr+offset)
			return ErrAccessBlocked
		case ResultInvalid:
			kfmt.Fprintf(logger, "%s access of %d bytes at %s 0x%x rejected by handler\n", accessDir(write), width, r.region.Kind, r.region.DevAddr+offset)
			return ErrAccessInvalid
		}
	}

	if r.region.RealKind == SpaceIO {
		r.accessPorts(uint16(r.region.CPUAddr+offset), write, buf)
		return nil
	}

	r.mapLock.RLock()
	defer r.mapLock.RUnlock()

	if !r.mapping.Valid() {
		return ErrNotRegistered
	}

	addr := r.mapping.Addr + uintptr(offset)
	switch width {
	case 1:
		accessMem[uint8](addr, write, buf)
	case 2:
		accessMem[uint16](addr, write, buf)
	case 4:
		accessMem[uint32](addr, write, buf)
	case 8:
		accessMem[uint64](addr, write, buf)
	}

	return nil
}

// accessMem performs a single load or store of a T at addr so that device
// registers observe one access of the requested width.
func accessMem[T constraints.Unsigned](addr uintptr, write bool, buf []byte) {
	ptr := (*T)(unsafe.Pointer(addr))
	if write {
		*ptr = T(decode(buf))
	} else {
		encode(buf, uint64(*ptr))
	}
}

// accessPorts splits 64-bit port accesses into two 32-bit ones starting
// with the lower port.
func (r *Reg) accessPorts(port uint16, write bool, buf []byte) {
	ports := r.reg.ports

	switch len(buf) {
	case 1:
		if write {
			ports.PortWriteByte(port, buf[0])
		} else {
			buf[0] = ports.PortReadByte(port)
		}
	case 2:
		if write {
			ports.PortWriteWord(port, binary.NativeEndian.Uint16(buf))
		} else {
			binary.NativeEndian.PutUint16(buf, ports.PortReadWord(port))
		}
	case 4:
		if write {
			ports.PortWriteDword(port, binary.NativeEndian.Uint32(buf))
		} else {
			binary.NativeEndian.PutUint32(buf, ports.PortReadDword(port))
		}
	case 8:
		lo, hi := halves(buf)
		if write {
			ports.PortWriteDword(port, uint32(decode(lo)))
			ports.PortWriteDword(port+4, uint32(decode(hi)))
		} else {
			encode(lo, uint64(ports.PortReadDword(port)))
			encode(hi, uint64(ports.PortReadDword(port+4)))
		}
	}
}

// halves returns the bytes of a 64-bit buffer holding its low and high 32
// bits.
func halves(buf []byte) ([]byte, []byte) {
	if binary.NativeEndian.Uint16([]byte{1, 0}) == 1 {
		return buf[:4], buf[4:]
	}
	return buf[4:], buf[:4]
}

func decode(buf []byte) uint64 {
	switch len(buf) {
	case 1:
		return uint64(buf[0])
	case 2:
		return uint64(binary.NativeEndian.Uint16(buf))
	case 4:
		return uint64(binary.NativeEndian.Uint32(buf))
	case 8:
		return binary.NativeEndian.Uint64(buf)
	}
	return 0
}

func encode(buf []byte, val uint64) {
	switch len(buf) {
	case 1:
		buf[0] = uint8(val)
	case 2:
		binary.NativeEndian.PutUint16(buf, uint16(val))
	case 4:
		binary.NativeEndian.PutUint32(buf, uint32(val))
	case 8:
		binary.NativeEndian.PutUint64(buf, val)
	}
}

func widthMask(width int) uint64 {
	if width == 8 {
		return ^uint64(0)
	}
	return uint64(1)<<(8*uint(width)) - 1
}

func accessDir(write bool) string {
	if write {
		return "write"
	}
	return "read"
}
