package tokencache

import (
	"context"

	"identity-session/internal/token"
)

// Computation is a single shared token fetch. It is started once and any
// number of callers may Wait on it; they all observe the same result.
type Computation struct {
	done chan struct{}
	tok  *token.Token
	err  error
}

// Start runs fn in its own goroutine and returns the pending computation.
// The fetch is never cancelled by waiters: a caller giving up only stops
// waiting.
func Start(fn func() (*token.Token, error)) *Computation {
	c := &Computation{done: make(chan struct{})}
	go func() {
		defer close(c.done)
		c.tok, c.err = fn()
	}()
	return c
}

// Resolved returns a computation that has already produced tok.
func Resolved(tok *token.Token) *Computation {
	c := &Computation{done: make(chan struct{}), tok: tok}
	close(c.done)
	return c
}

// Wait blocks until the computation settles or ctx is done.
func (c *Computation) Wait(ctx context.Context) (*token.Token, error) {
	select {
	case <-c.done:
		return c.tok, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// peek returns the outcome without blocking; settled is false while the
// fetch is still in flight.
func (c *Computation) peek() (*token.Token, bool, error) {
	select {
	case <-c.done:
		return c.tok, true, c.err
	default:
		return nil, false, nil
	}
}
