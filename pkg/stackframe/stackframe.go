// Package stackframe turns raw return addresses into ordered frame descriptors.
//
// Walking and resolving are split on purpose: a Walker only copies program
// counters into caller storage, so it is safe to run while a goroutine is
// unwinding a panic. Symbol lookups happen later in Resolve.
package stackframe

import (
	"fmt"
	"runtime"
	"strings"
)

// DefaultMaxDepth bounds the number of addresses a CallerWalker collects
const DefaultMaxDepth = 64

// Frame is one resolved entry of a call stack. Index 0 is the innermost frame.
type Frame struct {
	Index   int     `json:"index"`
	Address uintptr `json:"address"`
	Symbol  string  `json:"symbol,omitempty"`
	File    string  `json:"file,omitempty"`
	Line    int     `json:"line,omitempty"`
	Module  string  `json:"module,omitempty"`
	Offset  uintptr `json:"offset,omitempty"`
}

// Resolved reports whether a symbol was found for the frame's address
func (f Frame) Resolved() bool {
	return f.Symbol != ""
}

// String formats the frame the way panics print them
func (f Frame) String() string {
	if !f.Resolved() {
		return fmt.Sprintf("#%d 0x%x ?", f.Index, f.Address)
	}
	if f.File == "" {
		return fmt.Sprintf("#%d 0x%x %s+0x%x", f.Index, f.Address, f.Symbol, f.Offset)
	}
	return fmt.Sprintf("#%d 0x%x %s+0x%x %s:%d", f.Index, f.Address, f.Symbol, f.Offset, f.File, f.Line)
}

// Walker supplies the raw return addresses of the calling goroutine
type Walker interface {
	Walk(skip int) []uintptr
}

// CallerWalker walks the current goroutine with runtime.Callers
type CallerWalker struct {
	MaxDepth int
}

// Walk returns up to MaxDepth return addresses, skipping skip frames above the caller
func (w CallerWalker) Walk(skip int) []uintptr {
	depth := w.MaxDepth
	if depth <= 0 {
		depth = DefaultMaxDepth
	}
	return w.WalkInto(make([]uintptr, depth), skip+1)
}

// WalkInto fills buf with return addresses and returns the used prefix.
// It performs no allocation.
func (w CallerWalker) WalkInto(buf []uintptr, skip int) []uintptr {
	if len(buf) == 0 {
		return buf
	}
	// +2 skips runtime.Callers and WalkInto itself
	n := runtime.Callers(skip+2, buf)
	return buf[:n]
}

// Resolver maps return addresses to symbols using the binary's own tables
type Resolver struct {
	// TrimPrefix is removed from file paths when present
	TrimPrefix string
}

// NewResolver creates a resolver
func NewResolver() *Resolver {
	return &Resolver{}
}

// Resolve returns one frame per address, in input order. Addresses that
// cannot be resolved produce address-only frames.
func (r *Resolver) Resolve(addrs []uintptr) []Frame {
	if len(addrs) == 0 {
		return nil
	}
	return r.ResolveInto(make([]Frame, 0, len(addrs)), addrs)
}

// ResolveInto appends the resolved frames to dst[:0]
func (r *Resolver) ResolveInto(dst []Frame, addrs []uintptr) []Frame {
	dst = dst[:0]
	faulted := false
	for i, addr := range addrs {
		frame := r.resolveOne(i, addr, faulted)
		faulted = frame.Symbol == "runtime.sigpanic"
		dst = append(dst, frame)
	}
	return dst
}

// resolveOne resolves a single address. When the frame above is
// runtime.sigpanic, addr is the faulting instruction rather than a return
// address and is looked up as is.
func (r *Resolver) resolveOne(index int, addr uintptr, faulted bool) (frame Frame) {
	frame = Frame{Index: index, Address: addr}

	defer func() {
		if recover() != nil {
			frame = Frame{Index: index, Address: addr}
		}
	}()

	if addr == 0 {
		return frame
	}

	// Return addresses point at the instruction after the call
	pc := addr
	if !faulted {
		pc--
	}
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return frame
	}

	frame.Symbol = fn.Name()
	frame.Module = packagePath(frame.Symbol)
	frame.Offset = addr - fn.Entry()

	file, line := fn.FileLine(pc)
	if r != nil && r.TrimPrefix != "" {
		file = strings.TrimPrefix(file, r.TrimPrefix)
	}
	frame.File = file
	frame.Line = line

	return frame
}

// TrimRuntime drops leading runtime frames (panic and defer machinery) and
// re-indexes the remainder from zero. If every frame belongs to the
// runtime, frames are returned unchanged.
func TrimRuntime(frames []Frame) []Frame {
	start := 0
	for start < len(frames) && strings.HasPrefix(frames[start].Symbol, "runtime.") {
		start++
	}
	if start == 0 || start == len(frames) {
		return frames
	}

	out := make([]Frame, len(frames)-start)
	copy(out, frames[start:])
	for i := range out {
		out[i].Index = i
	}
	return out
}

// packagePath extracts the import path from a fully qualified symbol such
// as "github.com/x/y.(*T).Method".
func packagePath(symbol string) string {
	slash := strings.LastIndex(symbol, "/")
	dot := strings.Index(symbol[slash+1:], ".")
	if dot < 0 {
		return ""
	}
	return symbol[:slash+1+dot]
}
