// Package trace records the register accesses made during bring-up.
package trace

import (
	"fmt"
	"io"
	"sync"
)

// Op is the kind of bus access.
type Op uint8

const (
	OpRead Op = iota
	OpWrite
)

func (o Op) String() string {
	if o == OpWrite {
		return "W"
	}
	return "R"
}

// Access is one bus cycle.
type Access struct {
	Seq   uint64
	Op    Op
	Addr  uint32 // as issued, including any alias bits
	Value uint32 // value read, or value written
	Alias string // "", "xor", "set" or "clr"
	Reg   string // register name, if known
	Phase string // sequencer phase the access happened in, if known
}

func (a Access) String() string {
	s := fmt.Sprintf("%6d %s %08X %08X", a.Seq, a.Op, a.Addr, a.Value)
	if a.Reg != "" {
		s += " " + a.Reg
	}
	if a.Alias != "" {
		s += " (" + a.Alias + ")"
	}
	return s
}

// A Writer stores accesses somewhere.
type Writer interface {
	Write(a Access)
	Flush() error
}

// TextWriter writes one line per access.
type TextWriter struct {
	w   io.Writer
	err error
}

func NewTextWriter(w io.Writer) *TextWriter {
	return &TextWriter{w: w}
}

func (t *TextWriter) Write(a Access) {
	if t.err != nil {
		return
	}
	_, t.err = fmt.Fprintln(t.w, a.String())
}

// Flush returns the first error any Write ran into.
func (t *TextWriter) Flush() error {
	return t.err
}

// Buffer keeps accesses in memory. It is safe for concurrent use.
type Buffer struct {
	mu       sync.Mutex
	accesses []Access
}

func (b *Buffer) Write(a Access) {
	b.mu.Lock()
	b.accesses = append(b.accesses, a)
	b.mu.Unlock()
}

func (b *Buffer) Flush() error {
	return nil
}

// Accesses returns a copy of everything written so far.
func (b *Buffer) Accesses() []Access {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Access(nil), b.accesses...)
}

// Writes returns only the writes, in order.
func (b *Buffer) Writes() []Access {
	var w []Access
	for _, a := range b.Accesses() {
		if a.Op == OpWrite {
			w = append(w, a)
		}
	}
	return w
}

// Index returns the position of the first access for which match is true, or
// -1.
func Index(as []Access, match func(Access) bool) int {
	for i, a := range as {
		if match(a) {
			return i
		}
	}
	return -1
}

// Tee writes to every one of ws.
type Tee []Writer

func (t Tee) Write(a Access) {
	for _, w := range t {
		w.Write(a)
	}
}

func (t Tee) Flush() error {
	var err error
	for _, w := range t {
		te := w.Flush()
		if err == nil {
			err = te
		}
	}
	return err
}
