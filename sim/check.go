package sim

import "fmt"

// Rules the model checks every write against.
const (
	RuleGuardMissing            = "guard-missing"
	RuleGuardRepeated           = "guard-repeated"
	RulePLLInUse                = "pll-in-use"
	RuleAuxChangedWhileSelected = "aux-changed-while-selected"
	RuleAuxNotRunning           = "aux-not-running"
	RuleTickDivisor             = "tick-divisor"
)

// Violation is a write that real silicon would have punished with a glitch or a
// hang.
type Violation struct {
	Seq    uint64 // of the offending access
	Rule   string
	Detail string
}

func (v Violation) String() string {
	return fmt.Sprintf("#%d %s: %s", v.Seq, v.Rule, v.Detail)
}

func (c *Chip) violate(rule, format string, args ...interface{}) {
	v := Violation{Seq: c.seq, Rule: rule, Detail: fmt.Sprintf(format, args...)}
	c.violations = append(c.violations, v)
	c.invokeHook(HookCtx{Domain: c, Pos: HookPosViolation, Item: v})
}

// Violations returns everything flagged so far.
func (c *Chip) Violations() []Violation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Violation(nil), c.violations...)
}

// HasViolation reports whether rule has been broken.
func (c *Chip) HasViolation(rule string) bool {
	for _, v := range c.Violations() {
		if v.Rule == rule {
			return true
		}
	}
	return false
}
