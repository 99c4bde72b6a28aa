// Package iohook dispatches intercepted guest port I/O to the handlers that
// emulate or filter it.
package iohook

import (
	"encoding/binary"
	"github.com/matsu/bitvisor-sub008/kernel"
	"github.com/matsu/bitvisor-sub008/kernel/bplus"
	"github.com/matsu/bitvisor-sub008/kernel/cpu"
	"github.com/matsu/bitvisor-sub008/kernel/kfmt"
	"github.com/matsu/bitvisor-sub008/kernel/sync"
)

const (
	defaultFanout = 4

	// numPorts is the size of the I/O port space.
	numPorts = 1 << 16
)

// Result tells the dispatcher how an access was handled.
type Result uint8

const (
	// ResultDefault performs the access on the underlying ports.
	ResultDefault Result = iota

	// ResultDone means the handler emulated the access.
	ResultDone

	// ResultBlock means the access must not complete.
	ResultBlock

	// ResultInvalid means the access is not valid for the port.
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

var (
	// ErrInvalidRange is returned for empty port ranges and ranges that
	// extend past port 0xffff.
	ErrInvalidRange = &kernel.Error{Module: "iohook", Message: "invalid port range"}

	// ErrOverlap is returned when a range intersects a registered one.
	ErrOverlap = &kernel.Error{Module: "iohook", Message: "port range already hooked"}

	// ErrNotRegistered is returned when unregistering an unknown handle.
	ErrNotRegistered = &kernel.Error{Module: "iohook", Message: "handle not registered"}

	logger = &kfmt.PrefixWriter{Prefix: []byte("[iohook] ")}
)

// Handler services an access of len(buf) bytes to port. For writes buf holds
// the value written by the guest in host byte order; for reads the
// handler fills it in when returning ResultDone.
type Handler func(port uint16, write bool, buf []byte) Result

// Handle identifies a registered hook.
type Handle struct {
	port    uint16
	length  uint32
	name    string
	handler Handler
}

// Name returns the name the hook was registered with.
func (h *Handle) Name() string { return h.name }

func (h *Handle) last() uint64 { return uint64(h.port) + uint64(h.length) - 1 }

// Config holds the collaborators of a Dispatcher.
type Config struct {
	// Ports performs accesses that no handler services. Defaults to an
	// emulated port space.
	Ports cpu.Ports

	// Fanout of the hook index. Defaults to 4.
	Fanout int
}

// Dispatcher routes port accesses to exclusive hooks.
type Dispatcher struct {
	lock  sync.RWSpinlock
	hooks *bplus.Tree[*Handle]
	ports cpu.Ports
}

// New creates an empty dispatcher.
func New(cfg Config) (*Dispatcher, *kernel.Error) {
	if cfg.Ports == nil {
		cfg.Ports = cpu.NewPortSpace()
	}
	if cfg.Fanout == 0 {
		cfg.Fanout = defaultFanout
	}

	hooks, err := bplus.New[*Handle](cfg.Fanout)
	if err != nil {
		return nil, err
	}

	return &Dispatcher{hooks: hooks, ports: cfg.Ports}, nil
}

// Ports returns the port collaborator used for unhandled accesses.
func (d *Dispatcher) Ports() cpu.Ports {
	return d.ports
}

// Register hooks the ports [port, port+length).
func (d *Dispatcher) Register(port uint16, length uint32, handler Handler, name string) (*Handle, *kernel.Error) {
	if length == 0 || uint64(port)+uint64(length) > numPorts {
		return nil, ErrInvalidRange
	}

	h := &Handle{port: port, length: length, name: name, handler: handler}

	d.lock.Lock()
	defer d.lock.Unlock()

	if other := d.covering(uint64(port), h.last()); other != nil {
		kfmt.Fprintf(logger, "%s: ports [0x%x, 0x%x] already hooked by %s [0x%x, 0x%x]\n",
			name, port, h.last(), other.name, other.port, other.last())
		return nil, ErrOverlap
	}

	if err := d.hooks.Add(uint64(port), h); err != nil {
		return nil, err
	}

	return h, nil
}

// Unregister removes a hook installed by Register.
func (d *Dispatcher) Unregister(h *Handle) *kernel.Error {
	if h == nil {
		return ErrNotRegistered
	}

	d.lock.Lock()
	defer d.lock.Unlock()

	if cur, found := d.hooks.Search(uint64(h.port)); !found || cur != h {
		return ErrNotRegistered
	}

	_, err := d.hooks.Del(uint64(h.port))
	return err
}

// Len returns the number of registered hooks.
func (d *Dispatcher) Len() int {
	return d.hooks.Len()
}

// Call services a guest access of len(buf) bytes to port. Accesses of a
// width other than 1, 2 or 4 bytes are invalid. When no hook covers the port
// or the hook returns ResultDefault, the access is performed on the
// underlying ports.
func (d *Dispatcher) Call(port uint16, write bool, buf []byte) Result {
	switch len(buf) {
	case 1, 2, 4:
	default:
		return ResultInvalid
	}

	d.lock.RLock()
	h := d.covering(uint64(port), uint64(port))
	d.lock.RUnlock()

	if h != nil {
		if res := h.handler(port, write, buf); res != ResultDefault {
			return res
		}
	}

	d.passthrough(port, write, buf)
	return ResultDefault
}

// covering returns the hook with the lowest port that intersects
// [first, last]. Callers must hold the lock.
func (d *Dispatcher) covering(first, last uint64) *Handle {
	nb := d.hooks.SearchNeighbors(first)

	switch {
	case nb.Found:
		return nb.Value
	case nb.HasLeft() && nb.Left.last() >= first:
		return nb.Left
	case nb.HasRight() && nb.RightKey <= last:
		return nb.Right
	}

	return nil
}

func (d *Dispatcher) passthrough(port uint16, write bool, buf []byte) {
	switch len(buf) {
	case 1:
		if write {
			d.ports.PortWriteByte(port, buf[0])
		} else {
			buf[0] = d.ports.PortReadByte(port)
		}
	case 2:
		if write {
			d.ports.PortWriteWord(port, binary.NativeEndian.Uint16(buf))
		} else {
			binary.NativeEndian.PutUint16(buf, d.ports.PortReadWord(port))
		}
	case 4:
		if write {
			d.ports.PortWriteDword(port, binary.NativeEndian.Uint32(buf))
		} else {
			binary.NativeEndian.PutUint32(buf, d.ports.PortReadDword(port))
		}
	}
}
