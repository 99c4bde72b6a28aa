package dres

import (
	"github.com/matsu/bitvisor-sub008/kernel"
	"github.com/matsu/bitvisor-sub008/kernel/bplus"
	"github.com/matsu/bitvisor-sub008/kernel/kfmt"
	"github.com/matsu/bitvisor-sub008/kernel/sync"
)

// Translator resolves a device address range to the CPU address range that
// backs it.
type Translator interface {
	Translate(devAddr, length uint64, kind SpaceKind) (cpuAddr uint64, realKind SpaceKind, err *kernel.Error)
}

// TranslatorFunc adapts a function to the Translator interface.
type TranslatorFunc func(devAddr, length uint64, kind SpaceKind) (uint64, SpaceKind, *kernel.Error)

// Translate implements Translator.
func (f TranslatorFunc) Translate(devAddr, length uint64, kind SpaceKind) (uint64, SpaceKind, *kernel.Error) {
	return f(devAddr, length, kind)
}

type identity struct{}

func (identity) Translate(devAddr, _ uint64, kind SpaceKind) (uint64, SpaceKind, *kernel.Error) {
	return devAddr, kind, nil
}

// Identity maps every device address to the same CPU address in the same
// space. It is the translator to use when no remapping unit sits between
// the device and the CPU.
var Identity Translator = identity{}

// Window is a contiguous device address range that a Remap translates to a
// CPU address range.
type Window struct {
	Kind    SpaceKind
	DevAddr uint64
	Length  uint64

	CPUAddr  uint64
	RealKind SpaceKind
}

func (w Window) last() uint64 { return w.DevAddr + w.Length - 1 }

// Remap translates device addresses through a table of windows, the way an
// IOMMU or DMA remapping unit does. A translation fails with ErrTranslate if
// the unit is disabled, the length is not a multiple of the unit's
// granularity or the range is not fully inside a single window.
type Remap struct {
	lock sync.RWSpinlock

	granularity uint64
	disabled    bool
	windows     [numSpaceKinds]*bplus.Tree[Window]
}

// NewRemap creates an enabled remapping unit without windows. Translated
// lengths must be multiples of granularity; a granularity of 0 or 1 accepts
// any length.
func NewRemap(granularity uint64) *Remap {
	if granularity == 0 {
		granularity = 1
	}

	rm := &Remap{granularity: granularity}
	for kind := range rm.windows {
		rm.windows[kind], _ = bplus.New[Window](defaultFanout)
	}
	return rm
}

// AddWindow adds a translation window. Windows of the same kind must not
// overlap.
func (rm *Remap) AddWindow(w Window) *kernel.Error {
	if !w.Kind.valid() || !w.RealKind.valid() || w.Length == 0 ||
		w.last() < w.DevAddr || w.CPUAddr+w.Length-1 < w.CPUAddr || w.DevAddr == bplus.InvalidKey {
		return ErrInvalidRange
	}

	rm.lock.Lock()
	defer rm.lock.Unlock()

	tree := rm.windows[w.Kind]
	nb := tree.SearchNeighbors(w.DevAddr)
	if nb.Found || (nb.HasLeft() && nb.Left.last() >= w.DevAddr) || (nb.HasRight() && nb.RightKey <= w.last()) {
		return ErrOverlap
	}

	return tree.Add(w.DevAddr, w)
}

// RemoveWindow removes the window of the given kind that starts at devAddr.
func (rm *Remap) RemoveWindow(kind SpaceKind, devAddr uint64) *kernel.Error {
	if !kind.valid() {
		return ErrInvalidRange
	}

	rm.lock.Lock()
	defer rm.lock.Unlock()

	if _, err := rm.windows[kind].Del(devAddr); err != nil {
		return ErrNotRegistered
	}
	return nil
}

// SetEnabled turns the unit on or off. A disabled unit fails every
// translation.
func (rm *Remap) SetEnabled(enabled bool) {
	rm.lock.Lock()
	rm.disabled = !enabled
	rm.lock.Unlock()
}

// Translate implements Translator.
func (rm *Remap) Translate(devAddr, length uint64, kind SpaceKind) (uint64, SpaceKind, *kernel.Error) {
	if !kind.valid() || length == 0 {
		return 0, kind, ErrTranslate
	}

	rm.lock.RLock()
	defer rm.lock.RUnlock()

	if rm.disabled {
		kfmt.Fprintf(logger, "remap: unit disabled, cannot translate %s 0x%x\n", kind, devAddr)
		return 0, kind, ErrTranslate
	}

	if length%rm.granularity != 0 {
		kfmt.Fprintf(logger, "remap: length 0x%x of %s 0x%x is not a multiple of 0x%x\n", length, kind, devAddr, rm.granularity)
		return 0, kind, ErrTranslate
	}

	last := devAddr + length - 1
	nb := rm.windows[kind].SearchNeighbors(devAddr)

	w, ok := nb.Value, nb.Found
	if !ok && nb.HasLeft() {
		w, ok = nb.Left, true
	}
	if !ok || last < devAddr || devAddr > w.last() || last > w.last() {
		kfmt.Fprintf(logger, "remap: %s range [0x%x, 0x%x] outside every window\n", kind, devAddr, last)
		return 0, kind, ErrTranslate
	}

	return w.CPUAddr + (devAddr - w.DevAddr), w.RealKind, nil
}

// Chain composes translators: the CPU address produced by each stage is the
// device address of the next one.
func Chain(stages ...Translator) Translator {
	return TranslatorFunc(func(devAddr, length uint64, kind SpaceKind) (uint64, SpaceKind, *kernel.Error) {
		var err *kernel.Error
		for _, stage := range stages {
			if devAddr, kind, err = stage.Translate(devAddr, length, kind); err != nil {
				return 0, kind, err
			}
		}
		return devAddr, kind, nil
	})
}
