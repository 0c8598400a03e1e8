// Package confirm implements the human-approval gate for privileged
// wallet operations. At most one confirmation is outstanding at a time;
// approval-requiring operations are already serialized by the action
// queue, so a second Begin while one is pending indicates a caller that
// bypassed the queue and is rejected with ErrBusy.
package confirm

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/keefertaylor/templewallet-extension/pkg/core"
)

var (
	// ErrBusy indicates a confirmation is already outstanding.
	ErrBusy = errors.New("confirmation already pending")
	// ErrNotFound indicates the id does not match the outstanding
	// confirmation; stale or foreign ids never touch coordinator state.
	ErrNotFound = errors.New("confirmation not found")
)

// Outcome is the terminal disposition of a confirmation.
type Outcome int

const (
	Declined Outcome = iota
	Confirmed
	Expired
)

// Notifier carries confirmation lifecycle events to connected channels.
// The coordinator owns the expired notification so it is emitted exactly
// once per expiry.
type Notifier interface {
	ConfirmationRequested(id string, payload json.RawMessage)
	ConfirmationExpired(id string)
}

// Pending is one outstanding confirmation. Its ID is available to the
// caller before awaiting so an approval UI can be correlated to the
// exact call.
type Pending struct {
	ID      string
	coord   *Coordinator
	payload json.RawMessage
	outcome chan Outcome
	timer   *time.Timer
}

// Await blocks until confirm, decline or expiry resolves the
// confirmation. The wait is the only cancellable suspension point of a
// privileged call; cancelling abandons the slot silently.
func (p *Pending) Await(ctx context.Context) (Outcome, error) {
	select {
	case <-ctx.Done():
		p.coord.abandon(p.ID)
		return Declined, ctx.Err()
	case out := <-p.outcome:
		return out, nil
	}
}

// Coordinator is the authoritative single source for the outstanding
// confirmation id.
type Coordinator struct {
	mu       sync.Mutex
	current  *Pending
	timeout  time.Duration
	notifier Notifier
}

// New builds a coordinator whose confirmations expire after timeout.
func New(timeout time.Duration, notifier Notifier) *Coordinator {
	return &Coordinator{timeout: timeout, notifier: notifier}
}

// Begin creates the outstanding confirmation, notifies every channel and
// arms the expiry timer racing the approval signal.
func (c *Coordinator) Begin(payload json.RawMessage) (*Pending, error) {
	c.mu.Lock()
	if c.current != nil {
		c.mu.Unlock()
		return nil, ErrBusy
	}
	p := &Pending{
		ID:      core.NewID(),
		coord:   c,
		payload: payload,
		outcome: make(chan Outcome, 1),
	}
	p.timer = time.AfterFunc(c.timeout, func() { c.expire(p.ID) })
	c.current = p
	c.mu.Unlock()

	if c.notifier != nil {
		c.notifier.ConfirmationRequested(p.ID, payload)
	}
	return p, nil
}

// Resolve honors a confirm/decline signal whose id matches the
// outstanding confirmation; any other id is reported as not found and has
// no observable effect on state.
func (c *Coordinator) Resolve(id string, confirmed bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.current
	if p == nil || p.ID != id {
		return ErrNotFound
	}
	p.timer.Stop()
	c.current = nil
	if confirmed {
		p.outcome <- Confirmed
	} else {
		p.outcome <- Declined
	}
	return nil
}

// Payload returns the outstanding confirmation's payload so an approving
// context other than the requesting one can render it.
func (c *Coordinator) Payload(id string) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil || c.current.ID != id {
		return nil, ErrNotFound
	}
	return c.current.payload, nil
}

func (c *Coordinator) expire(id string) {
	c.mu.Lock()
	p := c.current
	if p == nil || p.ID != id {
		c.mu.Unlock()
		return
	}
	c.current = nil
	p.outcome <- Expired
	c.mu.Unlock()

	if c.notifier != nil {
		c.notifier.ConfirmationExpired(id)
	}
}

// abandon clears the slot without notification when the awaiting caller
// goes away.
func (c *Coordinator) abandon(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil || c.current.ID != id {
		return
	}
	c.current.timer.Stop()
	c.current = nil
}
