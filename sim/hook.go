package sim

import "github.com/Jon-Bright/clkseq/trace"

// HookPos defines the enum of possible hooking positions
type HookPos struct {
	Name string
}

// HookPosRead triggers after every bus read. Item is a trace.Access.
var HookPosRead = &HookPos{Name: "Read"}

// HookPosWrite triggers after every bus write, before the write takes effect.
// Item is a trace.Access.
var HookPosWrite = &HookPos{Name: "Write"}

// HookPosViolation triggers when the model sees an ordering violation. Item is
// a Violation.
var HookPosViolation = &HookPos{Name: "Violation"}

// HookCtx is the context that holds all the information about the site that a
// hook is triggered
type HookCtx struct {
	Domain *Chip
	Pos    *HookPos
	Item   interface{}
}

// Hook is a short piece of program that can be invoked by the model. Hooks run
// with the model locked and must not access the bus.
type Hook interface {
	Func(ctx HookCtx)
}

// HookFunc adapts a function to Hook.
type HookFunc func(ctx HookCtx)

func (f HookFunc) Func(ctx HookCtx) {
	f(ctx)
}

// AcceptHook registers a hook
func (c *Chip) AcceptHook(h Hook) {
	c.mu.Lock()
	c.hooks = append(c.hooks, h)
	c.mu.Unlock()
}

func (c *Chip) invokeHook(ctx HookCtx) {
	for _, h := range c.hooks {
		h.Func(ctx)
	}
}

// Recorder is a hook that passes every bus access to a trace.Writer.
type Recorder struct {
	w trace.Writer
}

func NewRecorder(w trace.Writer) *Recorder {
	return &Recorder{w: w}
}

func (r *Recorder) Func(ctx HookCtx) {
	if ctx.Pos != HookPosRead && ctx.Pos != HookPosWrite {
		return
	}
	r.w.Write(ctx.Item.(trace.Access))
}
