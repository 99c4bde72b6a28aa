// Package kfmt provides the kernel console output helpers: formatted printing
// to a configurable sink with early buffering, line prefixing and the fatal
// error reporter.
package kfmt

import (
	"fmt"
	"github.com/matsu/bitvisor-sub008/kernel/sync"
	"io"
)

var (
	// earlyPrintBuffer is a ring buffer that stores Printf output before an
	// output sink is attached.
	earlyPrintBuffer ringBuffer

	// outputSink is a io.Writer where Printf will send its output. If set
	// to nil, then the output will be redirected to the earlyPrintBuffer.
	outputSink io.Writer

	// outputLock serializes writes from concurrently running vCPUs so that
	// lines from different tasks do not interleave.
	outputLock sync.Spinlock
)

// SetOutputSink sets the default target for calls to Printf to w and copies
// any data accumulated in the earlyPrintBuffer to it.
func SetOutputSink(w io.Writer) {
	outputLock.Acquire()
	defer outputLock.Release()

	outputSink = w
	if w != nil {
		io.Copy(w, &earlyPrintBuffer)
	}
}

// GetOutputSink returns the default target for calls to Printf.
func GetOutputSink() io.Writer {
	outputLock.Acquire()
	defer outputLock.Release()

	return outputSink
}

// Printf formats according to a format specifier and writes the result to the
// active output sink. If no sink has been attached yet the output is buffered
// into a ring-buffer and flushed to the sink once SetOutputSink is called.
//
// Printf supports the full set of fmt verbs. Hypervisor code conventionally
// prints addresses with %x and prefixes every line with the reporting module
// in square brackets.
func Printf(format string, args ...interface{}) {
	outputLock.Acquire()
	defer outputLock.Release()

	doPrintf(outputSink, format, args...)
}

// Fprintf behaves exactly like Printf but it writes the formatted output to
// the specified io.Writer.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	outputLock.Acquire()
	defer outputLock.Release()

	doPrintf(w, format, args...)
}

func doPrintf(w io.Writer, format string, args ...interface{}) {
	if w == nil {
		w = &earlyPrintBuffer
	}

	fmt.Fprintf(w, format, args...)
}
