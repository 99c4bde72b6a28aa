package dres

import (
	"bytes"
	"encoding/binary"
	"github.com/matsu/bitvisor-sub008/device/iohook"
	"github.com/matsu/bitvisor-sub008/device/mmio"
	"github.com/matsu/bitvisor-sub008/kernel"
	"github.com/matsu/bitvisor-sub008/kernel/cpu"
	"github.com/matsu/bitvisor-sub008/kernel/kfmt"
	"sync"
	"testing"
)

func TestReadWriteMapped(t *testing.T) {
	mapper := newMemMapper(0, 0x10000)
	reg := newRegistry(t, Config{Mapper: mapper})

	r, err := reg.Alloc(0x1000, 0x1000, SpaceMM, nil, 0)
	if err != nil {
		t.Fatal(err)
	}

	if err = r.Write32(0x10, 0xdeadbeef); err != nil {
		t.Fatal(err)
	}

	got, err := r.Read32(0x10)
	if err != nil {
		t.Fatal(err)
	}
	if got != 0xdeadbeef {
		t.Fatalf("expected Read32 to return 0xdeadbeef; got 0x%x", got)
	}

	exp := make([]byte, 4)
	binary.NativeEndian.PutUint32(exp, 0xdeadbeef)
	if mem := mapper.bytes(0x1010, 4); !bytes.Equal(mem, exp) {
		t.Fatalf("expected memory to hold %x in host byte order; got %x", exp, mem)
	}

	if r.MappedMM() == 0 {
		t.Fatal("expected MappedMM to return the host mapping")
	}

	t.Run("all widths", func(t *testing.T) {
		if err := r.Write8(0x20, 0xa5); err != nil {
			t.Fatal(err)
		}
		if err := r.Write16(0x22, 0xbeef); err != nil {
			t.Fatal(err)
		}
		if err := r.Write64(0x28, 0x0123456789abcdef); err != nil {
			t.Fatal(err)
		}

		if v, err := r.Read8(0x20); err != nil || v != 0xa5 {
			t.Errorf("expected Read8 to return 0xa5; got 0x%x, %v", v, err)
		}
		if v, err := r.Read16(0x22); err != nil || v != 0xbeef {
			t.Errorf("expected Read16 to return 0xbeef; got 0x%x, %v", v, err)
		}
		if v, err := r.Read64(0x28); err != nil || v != 0x0123456789abcdef {
			t.Errorf("expected Read64 to return 0x0123456789abcdef; got 0x%x, %v", v, err)
		}

		if err := r.Write(0x30, 2, 0xffff1234); err != nil {
			t.Fatal(err)
		}
		if v, err := r.Read(0x30, 4); err != nil || v != 0x1234 {
			t.Errorf("expected generic write to store the low 2 bytes only; read 0x%x, %v", v, err)
		}
	})

	t.Run("bad accesses", func(t *testing.T) {
		specs := []struct {
			offset uint64
			width  int
			expErr *kernel.Error
		}{
			{0, 3, ErrAccessWidth},
			{0, 0, ErrAccessWidth},
			{0, 16, ErrAccessWidth},
			{0x1000, 1, ErrAccessRange},
			{0xffd, 4, ErrAccessRange},
			{^uint64(0), 8, ErrAccessRange},
			{0xffc, 4, nil},
		}

		for specIndex, spec := range specs {
			if _, err := r.Read(spec.offset, spec.width); err != spec.expErr {
				t.Errorf("[spec %d] expected Read to return %v; got %v", specIndex, spec.expErr, err)
			}
			if err := r.Write(spec.offset, spec.width, 0); err != spec.expErr {
				t.Errorf("[spec %d] expected Write to return %v; got %v", specIndex, spec.expErr, err)
			}
		}
	})

	if err = r.Free(); err != nil {
		t.Fatal(err)
	}

	if v, err := r.Read32(0x10); err != ErrNotRegistered || v != 0xffffffff {
		t.Fatalf("expected read of a freed resource to fail with all ones; got 0x%x, %v", v, err)
	}
	if err = r.Write32(0x10, 0); err != ErrNotRegistered {
		t.Fatalf("expected ErrNotRegistered; got %v", err)
	}
	if r.MappedMM() != 0 {
		t.Fatal("expected MappedMM to return 0 after Free")
	}
}

func TestHandlerDispatch(t *testing.T) {
	defer kfmt.SetOutputSink(nil)
	kfmt.SetOutputSink(&bytes.Buffer{})

	mapper := newMemMapper(0, 0x10000)
	reg := newRegistry(t, Config{Mapper: mapper})

	r, err := reg.Alloc(0x2000, 0x100, SpaceMM, nil, 0)
	if err != nil {
		t.Fatal(err)
	}

	t.Run("passthrough", func(t *testing.T) {
		var calls int
		if err := r.RegisterHandler(func(_ *Reg, offset uint64, _ bool, buf []byte) Result {
			if offset != 0x40 || len(buf) != 4 {
				t.Errorf("unexpected access at 0x%x of %d bytes", offset, len(buf))
			}
			calls++
			return ResultPassthrough
		}); err != nil {
			t.Fatal(err)
		}
		defer r.UnregisterHandler()

		if err := r.Write32(0x40, 0xcafef00d); err != nil {
			t.Fatal(err)
		}
		if v, err := r.Read32(0x40); err != nil || v != 0xcafef00d {
			t.Fatalf("expected pass-through round trip of 0xcafef00d; got 0x%x, %v", v, err)
		}

		exp := make([]byte, 4)
		binary.NativeEndian.PutUint32(exp, 0xcafef00d)
		if mem := mapper.bytes(0x2040, 4); !bytes.Equal(mem, exp) {
			t.Fatalf("expected memory to hold %x; got %x", exp, mem)
		}
		if calls != 2 {
			t.Fatalf("expected handler to see 2 accesses; got %d", calls)
		}
	})

	t.Run("done", func(t *testing.T) {
		var recorded []uint32
		if err := r.RegisterHandler(func(_ *Reg, _ uint64, write bool, buf []byte) Result {
			if write {
				recorded = append(recorded, binary.NativeEndian.Uint32(buf))
			} else {
				binary.NativeEndian.PutUint32(buf, 0x600d)
			}
			return ResultDone
		}); err != nil {
			t.Fatal(err)
		}
		defer r.UnregisterHandler()

		if err := r.Write32(0x80, 0x11223344); err != nil {
			t.Fatal(err)
		}
		if len(recorded) != 1 || recorded[0] != 0x11223344 {
			t.Fatalf("expected handler to record 0x11223344; got %v", recorded)
		}
		if mem := mapper.bytes(0x2080, 4); !bytes.Equal(mem, make([]byte, 4)) {
			t.Fatalf("expected emulated write to leave memory untouched; got %x", mem)
		}
		if v, err := r.Read32(0x80); err != nil || v != 0x600d {
			t.Fatalf("expected emulated read of 0x600d; got 0x%x, %v", v, err)
		}
	})

	t.Run("block and invalid", func(t *testing.T) {
		specs := []struct {
			res    Result
			expErr *kernel.Error
		}{
			{ResultBlock, ErrAccessBlocked},
			{ResultInvalid, ErrAccessInvalid},
		}

		for _, spec := range specs {
			res := spec.res
			if err := r.RegisterHandler(func(*Reg, uint64, bool, []byte) Result { return res }); err != nil {
				t.Fatal(err)
			}

			if v, err := r.Read16(0); err != spec.expErr || v != 0xffff {
				t.Errorf("expected read to fail with %v and all ones; got 0x%x, %v", spec.expErr, v, err)
			}
			if err := r.Write8(0, 1); err != spec.expErr {
				t.Errorf("expected write to fail with %v; got %v", spec.expErr, err)
			}

			if err := r.UnregisterHandler(); err != nil {
				t.Fatal(err)
			}
		}

		if mem := mapper.bytes(0x2000, 1); mem[0] != 0 {
			t.Fatalf("expected blocked write not to reach memory; got %x", mem)
		}
	})
}

func TestHandlerLifecycle(t *testing.T) {
	reg := newRegistry(t, Config{})

	r, err := reg.Alloc(0x1000, 0x10, SpaceMM, nil, 0)
	if err != nil {
		t.Fatal(err)
	}

	h := func(*Reg, uint64, bool, []byte) Result { return ResultDone }

	if err = r.RegisterHandler(nil); err != ErrNoHandler {
		t.Fatalf("expected ErrNoHandler for a nil handler; got %v", err)
	}
	if err = r.UnregisterHandler(); err != ErrNoHandler {
		t.Fatalf("expected ErrNoHandler; got %v", err)
	}
	if err = r.RegisterHandler(h); err != nil {
		t.Fatal(err)
	}
	if err = r.RegisterHandler(h); err != ErrHandlerBusy {
		t.Fatalf("expected ErrHandlerBusy; got %v", err)
	}
	if err = r.UnregisterHandler(); err != nil {
		t.Fatal(err)
	}
	if err = r.RegisterHandler(h); err != nil {
		t.Fatalf("expected a handler to be registrable again; got %v", err)
	}

	// Free drops the handler together with its trap hook.
	if err = r.Free(); err != nil {
		t.Fatal(err)
	}
	if got := reg.MMIO().Len(); got != 0 {
		t.Fatalf("expected Free to remove the trap hook; %d hooks left", got)
	}
	if err = r.RegisterHandler(h); err != ErrNotRegistered {
		t.Fatalf("expected ErrNotRegistered; got %v", err)
	}
	if err = r.UnregisterHandler(); err != ErrNotRegistered {
		t.Fatalf("expected ErrNotRegistered; got %v", err)
	}
	if _, found := reg.Lookup(SpaceMM, 0x1000); found {
		t.Fatal("expected a freed resource to disappear from lookups")
	}
}

func TestMMIOTrap(t *testing.T) {
	mapper := newMemMapper(0, 0x10000)
	reg := newRegistry(t, Config{Mapper: mapper})

	r, err := reg.Alloc(0x2000, 0x100, SpaceMM, nil, 0)
	if err != nil {
		t.Fatal(err)
	}

	var seen []uint64
	if err = r.RegisterHandler(func(hr *Reg, offset uint64, write bool, buf []byte) Result {
		if hr != r {
			t.Error("expected handler to receive its resource")
		}
		seen = append(seen, offset)
		if offset == 0x8 {
			return ResultPassthrough
		}
		buf[0] = 0x77
		return ResultDone
	}); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 1)
	if res := reg.HandleMMIO(0x2004, false, buf, 0); res != mmio.ResultDone || buf[0] != 0x77 {
		t.Fatalf("expected trapped read to be emulated; got 0x%x", buf[0])
	}

	// A declined guest write lands in guest memory.
	if res := reg.HandleMMIO(0x2008, true, []byte{0x99}, 0); res != mmio.ResultDone {
		t.Fatal("expected trapped write to be claimed")
	}
	if mem := mapper.bytes(0x2008, 1); mem[0] != 0x99 {
		t.Fatalf("expected declined write to reach memory; got %x", mem)
	}

	if len(seen) != 2 || seen[0] != 0x4 || seen[1] != 0x8 {
		t.Fatalf("expected offsets [0x4 0x8]; got %v", seen)
	}

	if err = r.UnregisterHandler(); err != nil {
		t.Fatal(err)
	}
	if res := reg.HandleMMIO(0x2004, false, buf, 0); res != mmio.ResultDefault {
		t.Fatal("expected no trap after UnregisterHandler")
	}
}

func TestIOResource(t *testing.T) {
	ports := cpu.NewPortSpace()
	reg := newRegistry(t, Config{Ports: ports})

	r, err := reg.Alloc(0x3f8, 8, SpaceIO, nil, 0)
	if err != nil {
		t.Fatal(err)
	}

	if r.MappedMM() != 0 {
		t.Fatal("expected io resources to have no mapping")
	}

	if err = r.Write8(1, 0x5a); err != nil {
		t.Fatal(err)
	}
	if got := ports.PortReadByte(0x3f9); got != 0x5a {
		t.Fatalf("expected port 0x3f9 to hold 0x5a; got 0x%x", got)
	}

	if err = r.Write64(0, 0x1122334455667788); err != nil {
		t.Fatal(err)
	}
	if lo, hi := ports.PortReadDword(0x3f8), ports.PortReadDword(0x3fc); lo != 0x55667788 || hi != 0x11223344 {
		t.Fatalf("expected 64-bit write to be split into 0x55667788/0x11223344; got 0x%x/0x%x", lo, hi)
	}
	if v, err := r.Read64(0); err != nil || v != 0x1122334455667788 {
		t.Fatalf("expected Read64 to return 0x1122334455667788; got 0x%x, %v", v, err)
	}

	var offsets []uint64
	if err = r.RegisterHandler(func(_ *Reg, offset uint64, write bool, buf []byte) Result {
		offsets = append(offsets, offset)
		switch offset {
		case 2:
			return ResultBlock
		case 3:
			return ResultInvalid
		case 4:
			return ResultPassthrough
		}
		return ResultDone
	}); err != nil {
		t.Fatal(err)
	}

	specs := []struct {
		port uint16
		exp  iohook.Result
	}{
		{0x3f8, iohook.ResultDone},
		{0x3fa, iohook.ResultBlock},
		{0x3fb, iohook.ResultInvalid},
		{0x3fc, iohook.ResultDefault},
		{0x3f0, iohook.ResultDefault},
	}

	for specIndex, spec := range specs {
		if got := reg.HandleIO(spec.port, true, []byte{0}); got != spec.exp {
			t.Errorf("[spec %d] expected HandleIO(0x%x) to return %s; got %s", specIndex, spec.port, spec.exp, got)
		}
	}

	if len(offsets) != 4 || offsets[0] != 0 || offsets[3] != 4 {
		t.Fatalf("expected handler offsets [0 2 3 4]; got %v", offsets)
	}
	if got := ports.PortReadByte(0x3fc); got != 0 {
		t.Fatalf("expected pass-through trap write to reach port 0x3fc; got 0x%x", got)
	}

	if err = r.Free(); err != nil {
		t.Fatal(err)
	}
	if got := reg.IO().Len(); got != 0 {
		t.Fatalf("expected Free to remove the port hook; %d hooks left", got)
	}
}

func TestHandlerReentersRegistry(t *testing.T) {
	reg := newRegistry(t, Config{})

	r, err := reg.Alloc(0x1000, 0x10, SpaceMM, nil, 0)
	if err != nil {
		t.Fatal(err)
	}

	var spawned *Reg
	if err = r.RegisterHandler(func(hr *Reg, _ uint64, _ bool, _ []byte) Result {
		if _, found := reg.Lookup(SpaceMM, 0x1000); !found {
			t.Error("expected handler to look up its own resource")
		}
		if spawned == nil {
			var err *kernel.Error
			if spawned, err = reg.Alloc(0x3000, 0x10, SpaceMM, nil, 0); err != nil {
				t.Errorf("unexpected error allocating from a handler: %v", err)
			}
		}
		return ResultPassthrough
	}); err != nil {
		t.Fatal(err)
	}

	if _, err = r.Read32(0); err != nil {
		t.Fatal(err)
	}

	if spawned == nil || reg.Len() != 2 {
		t.Fatalf("expected the handler to allocate a second resource; %d registered", reg.Len())
	}
}

func TestConcurrentAccess(t *testing.T) {
	reg := newRegistry(t, Config{})

	r, err := reg.Alloc(0x1000, 0x100, SpaceMM, nil, 0)
	if err != nil {
		t.Fatal(err)
	}

	var (
		wg         sync.WaitGroup
		numWorkers = 4
		errs       = make(chan *kernel.Error, numWorkers+1)
	)

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(offset uint64) {
			defer wg.Done()
			for v := uint32(0); v < 200; v++ {
				if err := r.Write32(offset, v); err != nil {
					errs <- err
					return
				}
				if got, err := r.Read32(offset); err != nil || got != v {
					errs <- ErrAccessInvalid
					return
				}
			}
		}(uint64(i) * 4)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			other, err := reg.AllocNomap(0x8000, 0x10, SpaceMM, nil)
			if err != nil {
				errs <- err
				return
			}
			if err = other.Free(); err != nil {
				errs <- err
				return
			}
		}
	}()

	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("unexpected error during concurrent access: %v", err)
	}
}
