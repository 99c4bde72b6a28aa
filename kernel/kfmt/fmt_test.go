package kfmt

import (
	"bytes"
	"sync"
	"testing"
)

func TestPrintf(t *testing.T) {
	defer SetOutputSink(nil)

	var buf bytes.Buffer
	SetOutputSink(&buf)

	specs := []struct {
		fn  func()
		exp string
	}{
		{
			func() { Printf("[%s] key 0x%x fanout %d\n", "bplus", uint64(0xdead), 4) },
			"[bplus] key 0xdead fanout 4\n",
		},
		{
			func() { Printf("%t %s", true, []byte("bytes")) },
			"true bytes",
		},
		{
			func() { Printf("%08x", uint32(0xbeef)) },
			"0000beef",
		},
	}

	for specIndex, spec := range specs {
		buf.Reset()
		spec.fn()

		if got := buf.String(); got != spec.exp {
			t.Errorf("[spec %d] expected to get %q; got %q", specIndex, spec.exp, got)
		}
	}
}

func TestPrintfToRingBuffer(t *testing.T) {
	defer SetOutputSink(nil)

	SetOutputSink(nil)
	earlyPrintBuffer.rIndex, earlyPrintBuffer.wIndex = 0, 0

	exp := "early output before the console is ready"
	Printf("%s", exp)

	var buf bytes.Buffer
	SetOutputSink(&buf)

	if got := buf.String(); got != exp {
		t.Fatalf("expected to get:\n%q\ngot:\n%q", exp, got)
	}

	if GetOutputSink() != &buf {
		t.Fatal("expected GetOutputSink to return the attached sink")
	}
}

func TestFprintf(t *testing.T) {
	var buf bytes.Buffer

	Fprintf(&buf, "port 0x%x len %d", uint16(0x3f8), 8)
	if exp, got := "port 0x3f8 len 8", buf.String(); got != exp {
		t.Fatalf("expected to get %q; got %q", exp, got)
	}
}

func TestPrintfConcurrent(t *testing.T) {
	defer SetOutputSink(nil)

	var (
		buf        bytes.Buffer
		wg         sync.WaitGroup
		numWorkers = 8
		numLines   = 50
		line       = "0123456789abcdef\n"
	)
	SetOutputSink(&buf)

	wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < numLines; j++ {
				Printf("%s", line)
			}
		}()
	}
	wg.Wait()

	if exp, got := numWorkers*numLines*len(line), buf.Len(); got != exp {
		t.Fatalf("expected %d bytes of output; got %d", exp, got)
	}

	for _, l := range bytes.Split(bytes.TrimSuffix(buf.Bytes(), []byte("\n")), []byte("\n")) {
		if string(l)+"\n" != line {
			t.Fatalf("found interleaved output line %q", l)
		}
	}
}
