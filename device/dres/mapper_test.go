package dres

import (
	"github.com/matsu/bitvisor-sub008/kernel"
	"github.com/matsu/bitvisor-sub008/kernel/mm"
	"github.com/matsu/bitvisor-sub008/kernel/mm/vmm"
	"sync"
	"testing"
	"unsafe"
)

// memMapper is a vmm.Mapper backed by a byte slice covering
// [base, base+len(data)).
type memMapper struct {
	mu     sync.Mutex
	base   uint64
	data   []byte
	active int
	flags  []vmm.MapFlag
	fail   bool
}

func newMemMapper(base uint64, size int) *memMapper {
	return &memMapper{base: base, data: make([]byte, size)}
}

func (m *memMapper) Map(cpuAddr uint64, size mm.Size, flags vmm.MapFlag) (vmm.Mapping, *kernel.Error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fail || cpuAddr < m.base || cpuAddr+uint64(size) > m.base+uint64(len(m.data)) {
		return vmm.Mapping{}, vmm.ErrOutOfRange
	}

	m.active++
	m.flags = append(m.flags, flags)
	return vmm.Mapping{
		Addr:    uintptr(unsafe.Pointer(&m.data[cpuAddr-m.base])),
		CPUAddr: cpuAddr,
		Size:    size,
		Flags:   flags,
	}, nil
}

func (m *memMapper) Unmap(mapping vmm.Mapping) *kernel.Error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !mapping.Valid() {
		return vmm.ErrInvalidMapping
	}
	m.active--
	return nil
}

func (m *memMapper) activeMappings() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

func (m *memMapper) bytes(addr uint64, n int) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.data[addr-m.base:addr-m.base+uint64(n)]...)
}

func newRegistry(t *testing.T, cfg Config) *Registry {
	t.Helper()

	if cfg.Mapper == nil {
		cfg.Mapper = newMemMapper(0, 0x10000)
	}

	reg, err := NewRegistry(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return reg
}
