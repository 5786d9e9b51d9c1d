package audit

import (
	"context"
	"encoding/json"
	"sync"
)

type contextKey string

const captureKey contextKey = "audit_capture"

// Capture is the per-request side channel between a handler and the audit
// middleware. The middleware attaches it before the handler runs; the handler
// fills in the pre-mutation snapshot and, rarely, a more specific action.
type Capture struct {
	mu     sync.Mutex
	before json.RawMessage
	action Action
}

// WithCapture attaches a fresh capture to ctx.
func WithCapture(ctx context.Context) (context.Context, *Capture) {
	c := &Capture{}
	return context.WithValue(ctx, captureKey, c), c
}

// CaptureFromContext returns the capture attached to ctx, or nil.
func CaptureFromContext(ctx context.Context) *Capture {
	c, _ := ctx.Value(captureKey).(*Capture)
	return c
}

// SetBefore stores the pre-mutation snapshot. It is a no-op when the request
// is not being audited.
func SetBefore(ctx context.Context, snapshot any) error {
	c := CaptureFromContext(ctx)
	if c == nil {
		return nil
	}
	raw, err := Snapshot(snapshot)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.before = raw
	c.mu.Unlock()
	return nil
}

// OverrideAction replaces the method-derived action, e.g. approve or reject
// on a decision endpoint.
func OverrideAction(ctx context.Context, action Action) {
	if c := CaptureFromContext(ctx); c != nil {
		c.mu.Lock()
		c.action = action
		c.mu.Unlock()
	}
}

func (c *Capture) Before() json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.before
}

func (c *Capture) Action() Action {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.action
}
