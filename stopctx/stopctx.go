// Package stopctx provides cooperative cancellation primitives shared by the
// coroutine core and the composition helpers in async.
//
// A Source is created and owned by whoever can decide to cancel a tree of
// work; a Token is the read-only view handed to the work itself. Tokens form
// a tree: a child created with NewSource(parent) stops whenever its parent
// stops, unless the child itself is stopped first, mirroring the way a
// coroutine inherits its caller's cancellation scope unless it explicitly
// binds a new one (see async.BindStopToken).
package stopctx

import "sync"

// Token is the observer side of a cancellation signal.
type Token struct {
	sig *signal
}

// Source is the owner side of a cancellation signal.
type Source struct {
	sig *signal
}

type signal struct {
	mu       sync.Mutex
	stopped  bool
	reason   any
	handlers []func(reason any)
}

func newSignal() *signal {
	return &signal{}
}

// NewSource creates a Source whose Token stops on its own Stop call, and also
// stops automatically if any of parents stops first. A nil parent is
// ignored, so NewSource() with no parents is a root source.
func NewSource(parents ...Token) *Source {
	s := &Source{sig: newSignal()}
	for _, p := range parents {
		if p.sig == nil {
			continue
		}
		p.onStop(func(reason any) { s.Stop(reason) })
	}
	return s
}

// Token returns the observer handle for this source. Always returns the same
// Token for a given Source.
func (s *Source) Token() Token {
	return Token{sig: s.sig}
}

// Stop requests cancellation. If reason is nil, it defaults to a *StopError.
// Idempotent: only the first call has any effect, and later calls are no-ops.
func (s *Source) Stop(reason any) {
	if reason == nil {
		reason = &StopError{Reason: "stopped"}
	}
	s.sig.stop(reason)
}

func (sig *signal) stop(reason any) {
	sig.mu.Lock()
	if sig.stopped {
		sig.mu.Unlock()
		return
	}
	sig.stopped = true
	sig.reason = reason
	handlers := make([]func(any), len(sig.handlers))
	copy(handlers, sig.handlers)
	sig.handlers = nil
	sig.mu.Unlock()

	for _, h := range handlers {
		if h != nil { // nil marks a deregistered callback
			h(reason)
		}
	}
}

// Stopped reports whether the token has been stopped. A zero-value Token
// (no associated Source) is never stopped.
func (t Token) Stopped() bool {
	if t.sig == nil {
		return false
	}
	t.sig.mu.Lock()
	defer t.sig.mu.Unlock()
	return t.sig.stopped
}

// Reason returns the stop reason, or nil if not yet stopped.
func (t Token) Reason() any {
	if t.sig == nil {
		return nil
	}
	t.sig.mu.Lock()
	defer t.sig.mu.Unlock()
	return t.sig.reason
}

// StopCallback registers fn to run when t stops. If t is already stopped,
// fn runs immediately (on the calling goroutine). Returns a function that
// deregisters fn; it is safe to call the deregister function more than
// once, and safe to call it after fn has already run.
func (t Token) StopCallback(fn func(reason any)) (deregister func()) {
	return t.onStop(fn)
}

func (t Token) onStop(fn func(reason any)) func() {
	if fn == nil || t.sig == nil {
		return func() {}
	}
	sig := t.sig

	sig.mu.Lock()
	if sig.stopped {
		reason := sig.reason
		sig.mu.Unlock()
		fn(reason)
		return func() {}
	}
	idx := len(sig.handlers)
	sig.handlers = append(sig.handlers, fn)
	sig.mu.Unlock()

	return func() {
		sig.mu.Lock()
		defer sig.mu.Unlock()
		if idx < len(sig.handlers) {
			sig.handlers[idx] = nil
		}
	}
}

// ThrowIfStopped returns a *StopError if t has been stopped, else nil.
func (t Token) ThrowIfStopped() error {
	if t.Stopped() {
		return &StopError{Reason: t.Reason()}
	}
	return nil
}

// StopError is returned by ThrowIfStopped and used as the default Stop
// reason.
type StopError struct {
	Reason any
}

func (e *StopError) Error() string {
	if e.Reason == nil {
		return "stopctx: stopped"
	}
	if s, ok := e.Reason.(string); ok {
		return "stopctx: " + s
	}
	if err, ok := e.Reason.(error); ok {
		return "stopctx: " + err.Error()
	}
	return "stopctx: stopped"
}

// Is reports whether target is also a *StopError, so that errors.Is matches
// regardless of the specific reason carried.
func (e *StopError) Is(target error) bool {
	_, ok := target.(*StopError)
	return ok
}

// Unwrap exposes an error Reason for errors.Is/errors.As chaining.
func (e *StopError) Unwrap() error {
	if err, ok := e.Reason.(error); ok {
		return err
	}
	return nil
}

// Any returns a Token that stops as soon as any of tokens stops, carrying
// that token's reason. Useful outside of async.WhenAny for composing
// cancellation scopes directly.
func Any(tokens ...Token) Token {
	src := NewSource(tokens...)
	return src.Token()
}
