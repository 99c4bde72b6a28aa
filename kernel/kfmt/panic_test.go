package kfmt

import (
	"bytes"
	"errors"
	"github.com/matsu/bitvisor-sub008/kernel"
	"testing"
)

func TestPanic(t *testing.T) {
	defer func(origHaltFn func(*kernel.Error)) {
		haltFn = origHaltFn
		SetOutputSink(nil)
	}(haltFn)

	var (
		buf       bytes.Buffer
		haltedErr *kernel.Error
	)
	SetOutputSink(&buf)
	haltFn = func(err *kernel.Error) {
		haltedErr = err
	}

	specs := []struct {
		descr     string
		input     interface{}
		expOutput string
		expModule string
		expMsg    string
	}{
		{
			"with *kernel.Error",
			&kernel.Error{Module: "test", Message: "panic test"},
			"\n-----------------------------------\n[test] unrecoverable error: panic test\n*** hypervisor panic: context halted ***\n-----------------------------------\n",
			"test",
			"panic test",
		},
		{
			"with error",
			errors.New("go error"),
			"\n-----------------------------------\n[rt] unrecoverable error: go error\n*** hypervisor panic: context halted ***\n-----------------------------------\n",
			"rt",
			"go error",
		},
		{
			"with string",
			"string error",
			"\n-----------------------------------\n[rt] unrecoverable error: string error\n*** hypervisor panic: context halted ***\n-----------------------------------\n",
			"rt",
			"string error",
		},
		{
			"without error",
			nil,
			"\n-----------------------------------\n*** hypervisor panic: context halted ***\n-----------------------------------\n",
			"rt",
			"unknown cause",
		},
	}

	for _, spec := range specs {
		t.Run(spec.descr, func(t *testing.T) {
			buf.Reset()
			haltedErr = nil

			Panic(spec.input)

			if got := buf.String(); got != spec.expOutput {
				t.Fatalf("expected to get:\n%q\ngot:\n%q", spec.expOutput, got)
			}

			if haltedErr == nil {
				t.Fatal("expected haltFn to be called by Panic")
			}

			if haltedErr.Module != spec.expModule || haltedErr.Message != spec.expMsg {
				t.Fatalf("expected halt error [%s] %s; got %s", spec.expModule, spec.expMsg, haltedErr.String())
			}
		})
	}
}

func TestPanicHaltsCaller(t *testing.T) {
	defer SetOutputSink(nil)

	var buf bytes.Buffer
	SetOutputSink(&buf)

	expErr := &kernel.Error{Module: "test", Message: "fatal"}
	defer func() {
		if r := recover(); r != expErr {
			t.Fatalf("expected the default halt to unwind with %v; got %v", expErr, r)
		}
	}()

	Panic(expErr)
	t.Fatal("expected Panic not to return")
}
