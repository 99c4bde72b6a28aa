// Package mmio routes intercepted guest-physical memory accesses to the
// handlers that emulate the device registers behind them.
package mmio

import (
	"github.com/matsu/bitvisor-sub008/kernel"
	"github.com/matsu/bitvisor-sub008/kernel/bplus"
	"github.com/matsu/bitvisor-sub008/kernel/kfmt"
	"github.com/matsu/bitvisor-sub008/kernel/mm"
	"github.com/matsu/bitvisor-sub008/kernel/mm/vmm"
	"github.com/matsu/bitvisor-sub008/kernel/sync"
	"unsafe"
)

const defaultFanout = 4

// Result tells the dispatcher how an access was handled.
type Result uint8

const (
	// ResultDefault declines the access, which is then performed against
	// guest-physical memory. CallHandler returns it when no handler
	// intersects the access.
	ResultDefault Result = iota

	// ResultDone means the access was serviced.
	ResultDone

	// ResultBlock means the access must not complete.
	ResultBlock

	// ResultInvalid means the access is not valid for the range.
	ResultInvalid
)

// String implements fmt.Stringer.
func (r Result) String() string {
	switch r {
	case ResultDefault:
		return "default"
	case ResultDone:
		return "done"
	case ResultBlock:
		return "block"
	case ResultInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Failed returns true if the access did not complete.
func (r Result) Failed() bool {
	return r == ResultBlock || r == ResultInvalid
}

var (
	// ErrInvalidRange is returned when registering an empty range or one
	// that wraps around the end of the address space.
	ErrInvalidRange = &kernel.Error{Module: "mmio", Message: "invalid address range"}

	// ErrOverlap is returned when a range intersects a registered one.
	ErrOverlap = &kernel.Error{Module: "mmio", Message: "range overlaps a registered handler"}

	// ErrNotRegistered is returned when unregistering an unknown handle.
	ErrNotRegistered = &kernel.Error{Module: "mmio", Message: "handle not registered"}

	errNoGuestMemory = &kernel.Error{Module: "mmio", Message: "guest memory mapper is required"}

	logger = &kfmt.PrefixWriter{Prefix: []byte("[mmio] ")}
)

// Handler emulates an access to [gphys, gphys+len(buf)). For writes buf holds
// the data written by the guest; for reads the handler fills it in when
// returning ResultDone.
type Handler func(gphys uint64, write bool, buf []byte, flags uint32) Result

// Handle identifies a registered handler.
type Handle struct {
	gphys   uint64
	length  uint64
	handler Handler
}

// GPhys returns the first guest-physical address covered by the handle.
func (h *Handle) GPhys() uint64 { return h.gphys }

// Len returns the number of bytes covered by the handle.
func (h *Handle) Len() uint64 { return h.length }

func (h *Handle) last() uint64 { return h.gphys + h.length - 1 }

// Config holds the collaborators of a Dispatcher.
type Config struct {
	// GuestMemory maps guest-physical memory for accesses that no handler
	// services.
	GuestMemory vmm.Mapper

	// Fanout of the handler index. Defaults to 4.
	Fanout int
}

// Dispatcher keeps the registered MMIO handlers ordered by address.
type Dispatcher struct {
	lock    sync.RWSpinlock
	handles *bplus.Tree[*Handle]
	mem     vmm.Mapper
}

// segment is a piece of an access serviced by a single handler.
type segment struct {
	gphys   uint64
	handler Handler
	off     int
	n       int
}

// New creates an empty dispatcher.
func New(cfg Config) (*Dispatcher, *kernel.Error) {
	if cfg.GuestMemory == nil {
		return nil, errNoGuestMemory
	}
	if cfg.Fanout == 0 {
		cfg.Fanout = defaultFanout
	}

	handles, err := bplus.New[*Handle](cfg.Fanout)
	if err != nil {
		return nil, err
	}

	return &Dispatcher{handles: handles, mem: cfg.GuestMemory}, nil
}

// Register installs handler for the guest-physical range
// [gphys, gphys+length).
func (d *Dispatcher) Register(gphys, length uint64, handler Handler) (*Handle, *kernel.Error) {
	if length == 0 || gphys+length-1 < gphys || gphys == bplus.InvalidKey {
		return nil, ErrInvalidRange
	}

	h := &Handle{gphys: gphys, length: length, handler: handler}

	d.lock.Lock()
	defer d.lock.Unlock()

	if other := d.firstIntersecting(gphys, h.last()); other != nil {
		kfmt.Fprintf(logger, "range [0x%x, 0x%x] overlaps registered range [0x%x, 0x%x]\n",
			gphys, h.last(), other.gphys, other.last())
		return nil, ErrOverlap
	}

	if err := d.handles.Add(gphys, h); err != nil {
		return nil, err
	}

	return h, nil
}

// Unregister removes a handler installed by Register. Accesses already
// dispatched to the handler may still complete after Unregister returns.
func (d *Dispatcher) Unregister(h *Handle) *kernel.Error {
	if h == nil {
		return ErrNotRegistered
	}

	d.lock.Lock()
	defer d.lock.Unlock()

	if cur, found := d.handles.Search(h.gphys); !found || cur != h {
		return ErrNotRegistered
	}

	_, err := d.handles.Del(h.gphys)
	return err
}

// Len returns the number of registered handlers.
func (d *Dispatcher) Len() int {
	return d.handles.Len()
}

// Range returns the end (exclusive) of the first registered range that
// intersects [gphys, gphys+length) or 0 if there is none. A range that ends at
// the top of the address space reports bplus.InvalidKey.
func (d *Dispatcher) Range(gphys, length uint64) uint64 {
	if length == 0 {
		return 0
	}

	last := gphys + length - 1
	if last < gphys {
		last = bplus.InvalidKey - 1
	}

	d.lock.RLock()
	defer d.lock.RUnlock()

	if h := d.firstIntersecting(gphys, last); h != nil {
		if h.last() == bplus.InvalidKey {
			return bplus.InvalidKey
		}
		return h.last() + 1
	}
	return 0
}

// CallHandler services a guest access to [gphys, gphys+len(buf)). Bytes
// covered by a handler are passed to it; the remaining bytes, and those of
// any handler that declines, are read from or written to guest-physical
// memory.
//
// CallHandler returns ResultDefault without touching buf when no handler
// intersects the access. If a handler blocks or rejects its part, the
// remaining parts are skipped, a read returns all ones and the handler's
// result is returned. Otherwise the result is ResultDone.
func (d *Dispatcher) CallHandler(gphys uint64, write bool, buf []byte, flags uint32) Result {
	if len(buf) == 0 {
		return ResultDefault
	}

	last := gphys + uint64(len(buf)) - 1
	if last < gphys {
		return ResultDefault
	}

	segments := d.collect(gphys, last)
	if len(segments) == 0 {
		return ResultDefault
	}

	cursor := 0
	for _, seg := range segments {
		if seg.off > cursor {
			d.accessMemory(gphys+uint64(cursor), write, buf[cursor:seg.off], flags)
		}

		part := buf[seg.off : seg.off+seg.n]
		switch res := seg.handler(seg.gphys, write, part, flags); res {
		case ResultDone:
		case ResultBlock, ResultInvalid:
			kfmt.Fprintf(logger, "%s of %d bytes at 0x%x failed: %s\n",
				accessDir(write), len(buf), gphys, res)
			if !write {
				fill(buf)
			}
			return res
		default:
			d.accessMemory(seg.gphys, write, part, flags)
		}
		cursor = seg.off + seg.n
	}

	if cursor < len(buf) {
		d.accessMemory(gphys+uint64(cursor), write, buf[cursor:], flags)
	}

	return ResultDone
}

func accessDir(write bool) string {
	if write {
		return "write"
	}
	return "read"
}

// fill sets every byte of buf to 0xff, the value of a read nothing answers.
func fill(buf []byte) {
	for i := range buf {
		buf[i] = 0xff
	}
}

// collect returns, in address order, the handler segments that intersect
// [gphys, last].
func (d *Dispatcher) collect(gphys, last uint64) []segment {
	var segments []segment

	d.lock.RLock()
	defer d.lock.RUnlock()

	for h := d.firstIntersecting(gphys, last); h != nil; {
		start, end := h.gphys, h.last()
		if start < gphys {
			start = gphys
		}
		if end > last {
			end = last
		}

		segments = append(segments, segment{
			gphys:   start,
			handler: h.handler,
			off:     int(start - gphys),
			n:       int(end - start + 1),
		})

		if h.last() >= last {
			break
		}

		nb := d.handles.SearchNeighbors(h.gphys)
		if !nb.HasRight() || nb.RightKey > last {
			break
		}
		h = nb.Right
	}

	return segments
}

// firstIntersecting returns the handle with the lowest address that
// intersects [gphys, last]. Callers must hold the lock.
func (d *Dispatcher) firstIntersecting(gphys, last uint64) *Handle {
	nb := d.handles.SearchNeighbors(gphys)

	switch {
	case nb.Found:
		return nb.Value
	case nb.HasLeft() && nb.Left.last() >= gphys:
		return nb.Left
	case nb.HasRight() && nb.RightKey <= last:
		return nb.Right
	}

	return nil
}

// accessMemory copies buf to or from guest-physical memory at gphys, one
// guest page at a time since contiguous guest pages need not be contiguous in
// the host.
func (d *Dispatcher) accessMemory(gphys uint64, write bool, buf []byte, flags uint32) {
	for len(buf) > 0 {
		n := len(buf)
		if rem := mm.PageRemaining(gphys); uint64(n) > uint64(rem) {
			n = int(rem)
		}

		d.accessPage(gphys, write, buf[:n], flags)
		gphys += uint64(n)
		buf = buf[n:]
	}
}

// accessPage performs an access that does not cross a page boundary. Reads of
// memory that cannot be mapped return all ones.
func (d *Dispatcher) accessPage(gphys uint64, write bool, buf []byte, flags uint32) {
	mapFlags := vmm.MapFlag(flags) &^ vmm.FlagWrite
	if write {
		mapFlags |= vmm.FlagWrite
	}

	m, err := d.mem.Map(gphys, mm.Size(len(buf)), mapFlags)
	if err != nil {
		kfmt.Fprintf(logger, "unable to map guest-physical range [0x%x, 0x%x]: %s\n",
			gphys, gphys+uint64(len(buf))-1, err.Message)
		if !write {
			fill(buf)
		}
		return
	}

	mem := unsafe.Slice((*byte)(unsafe.Pointer(m.Addr)), len(buf))
	if write {
		copy(mem, buf)
	} else {
		copy(buf, mem)
	}

	if err = d.mem.Unmap(m); err != nil {
		kfmt.Fprintf(logger, "unable to unmap guest-physical range at 0x%x: %s\n", gphys, err.Message)
	}
}
