package emag

import (
	"sync"
	"time"
)

// CaptchaGate is the process-wide "stop everything" switch. Any client
// that detects a bot challenge sets it; every subsequent call from every
// account fails fast until an operator clears it. Coarse on purpose:
// hammering an upstream that is already serving captchas only deepens
// the block.
type CaptchaGate struct {
	mu        sync.Mutex
	blocked   bool
	reason    string
	blockedAt time.Time
}

// NewCaptchaGate returns an open gate.
func NewCaptchaGate() *CaptchaGate {
	return &CaptchaGate{}
}

// Block sets the gate. The first reason wins; repeat detections while
// already blocked are ignored.
func (g *CaptchaGate) Block(reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.blocked {
		return
	}
	g.blocked = true
	g.reason = reason
	g.blockedAt = time.Now().UTC()
}

// Clear opens the gate. This is the manual operator action exposed via
// the unblock endpoint; nothing clears the gate automatically.
func (g *CaptchaGate) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.blocked = false
	g.reason = ""
	g.blockedAt = time.Time{}
}

// Blocked reports the gate state and, when set, the detection reason and
// time.
func (g *CaptchaGate) Blocked() (bool, string, time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.blocked, g.reason, g.blockedAt
}
