package rp2

import (
	"errors"
	"fmt"
)

// ErrStabilizationTimeout is matched (with errors.Is) by every TimeoutError.
var ErrStabilizationTimeout = errors.New("stabilization timeout")

// TimeoutError is returned when a hardware status condition didn't become true
// within the configured number of polls.
type TimeoutError struct {
	What  string
	Polls uint64
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out waiting for %s after %d polls", e.What, e.Polls)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrStabilizationTimeout
}

// poller busy-polls status bits. maxPolls == 0 means poll forever: on real
// silicon a condition that never becomes true then hangs the caller.
type poller struct {
	maxPolls uint64
	observe  func(what string, polls uint64)
}

// waitFor evaluates cond until it returns true. cond is evaluated at most
// maxPolls times.
func (p *poller) waitFor(what string, cond func() bool) error {
	var n uint64
	for {
		n++
		if cond() {
			break
		}
		if p.maxPolls != 0 && n >= p.maxPolls {
			if p.observe != nil {
				p.observe(what, n)
			}
			return &TimeoutError{What: what, Polls: n}
		}
	}
	if p.observe != nil {
		p.observe(what, n)
	}
	return nil
}
