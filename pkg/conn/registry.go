package conn

import (
	"sync"

	"github.com/geoassist/relay/pkg/protocol"
)

// Token identifies one registered handler. Tokens make registration
// and removal explicit, auditable operations: the registry is an arena
// of handler slots indexed by an opaque id.
type Token uint64

type openSub struct {
	tok Token
	fn  func()
}

type messageSub struct {
	tok Token
	fn  func(*protocol.Frame)
}

type closeSub struct {
	tok Token
	fn  func(code int)
}

type errorSub struct {
	tok Token
	fn  func(error)
}

// registry holds the independent handler sets for open, message,
// close, error, and connection-lost events. Handlers fire in
// registration order, synchronously, once per event, on the manager
// loop.
type registry struct {
	mu   sync.Mutex
	next Token

	open    []openSub
	message []messageSub
	closed  []closeSub
	errs    []errorSub
	lost    []openSub
}

func (r *registry) nextToken() Token {
	r.next++
	return r.next
}

func (r *registry) addOpen(fn func()) Token {
	r.mu.Lock()
	defer r.mu.Unlock()
	tok := r.nextToken()
	r.open = append(r.open, openSub{tok: tok, fn: fn})
	return tok
}

func (r *registry) addMessage(fn func(*protocol.Frame)) Token {
	r.mu.Lock()
	defer r.mu.Unlock()
	tok := r.nextToken()
	r.message = append(r.message, messageSub{tok: tok, fn: fn})
	return tok
}

func (r *registry) addClose(fn func(code int)) Token {
	r.mu.Lock()
	defer r.mu.Unlock()
	tok := r.nextToken()
	r.closed = append(r.closed, closeSub{tok: tok, fn: fn})
	return tok
}

func (r *registry) addError(fn func(error)) Token {
	r.mu.Lock()
	defer r.mu.Unlock()
	tok := r.nextToken()
	r.errs = append(r.errs, errorSub{tok: tok, fn: fn})
	return tok
}

func (r *registry) addLost(fn func()) Token {
	r.mu.Lock()
	defer r.mu.Unlock()
	tok := r.nextToken()
	r.lost = append(r.lost, openSub{tok: tok, fn: fn})
	return tok
}

// remove deletes the handler with the given token from whichever set
// holds it. Removing an unknown token is a no-op.
func (r *registry) remove(tok Token) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, s := range r.open {
		if s.tok == tok {
			r.open = append(r.open[:i], r.open[i+1:]...)
			return
		}
	}
	for i, s := range r.message {
		if s.tok == tok {
			r.message = append(r.message[:i], r.message[i+1:]...)
			return
		}
	}
	for i, s := range r.closed {
		if s.tok == tok {
			r.closed = append(r.closed[:i], r.closed[i+1:]...)
			return
		}
	}
	for i, s := range r.errs {
		if s.tok == tok {
			r.errs = append(r.errs[:i], r.errs[i+1:]...)
			return
		}
	}
	for i, s := range r.lost {
		if s.tok == tok {
			r.lost = append(r.lost[:i], r.lost[i+1:]...)
			return
		}
	}
}

// The fire* methods copy the slot list under the lock, then invoke
// outside it so a handler may register or remove handlers without
// deadlocking. New registrations take effect from the next event.

func (r *registry) fireOpen() {
	r.mu.Lock()
	subs := append([]openSub(nil), r.open...)
	r.mu.Unlock()
	for _, s := range subs {
		s.fn()
	}
}

func (r *registry) fireMessage(f *protocol.Frame) {
	r.mu.Lock()
	subs := append([]messageSub(nil), r.message...)
	r.mu.Unlock()
	for _, s := range subs {
		s.fn(f)
	}
}

func (r *registry) fireClose(code int) {
	r.mu.Lock()
	subs := append([]closeSub(nil), r.closed...)
	r.mu.Unlock()
	for _, s := range subs {
		s.fn(code)
	}
}

func (r *registry) fireError(err error) {
	r.mu.Lock()
	subs := append([]errorSub(nil), r.errs...)
	r.mu.Unlock()
	for _, s := range subs {
		s.fn(err)
	}
}

func (r *registry) fireLost() {
	r.mu.Lock()
	subs := append([]openSub(nil), r.lost...)
	r.mu.Unlock()
	for _, s := range subs {
		s.fn()
	}
}

// counts reports the number of registered handlers per set, used by
// reference-counted teardown.
func (r *registry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.open) + len(r.message) + len(r.closed) + len(r.errs) + len(r.lost)
}
