package kfmt

import "github.com/matsu/bitvisor-sub008/kernel"

var (
	// haltFn stops the calling context once the panic banner has been
	// printed. It is mocked by tests.
	haltFn = haltCaller

	errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause"}
)

// Panic outputs the supplied error (if not nil) to the console and halts the
// calling context. Calls to Panic never return. Panic is reserved for
// invariant violations that indicate a programming defect or memory
// corruption; ordinary failures are reported through *kernel.Error returns.
func Panic(e interface{}) {
	var err *kernel.Error

	switch t := e.(type) {
	case *kernel.Error:
		err = t
	case string:
		err = &kernel.Error{Module: errRuntimePanic.Module, Message: t}
	case error:
		err = &kernel.Error{Module: errRuntimePanic.Module, Message: t.Error()}
	}

	Printf("\n-----------------------------------\n")
	if err != nil {
		Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	Printf("*** hypervisor panic: context halted ***")
	Printf("\n-----------------------------------\n")

	if err == nil {
		err = errRuntimePanic
	}
	haltFn(err)
}

// haltCaller unwinds the calling goroutine. Deferred functions still run so
// that any held spinlock released via defer does not wedge other vCPUs.
func haltCaller(err *kernel.Error) {
	panic(err)
}
