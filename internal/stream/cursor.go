package stream

import (
	"context"
	"fmt"

	"github.com/sandonleejacobs/rulestream/internal/deadletter"
)

// State is the stage a partition loop is in.
type State int

const (
	StateIdle State = iota
	StateFetching
	StateEvaluating
	StateEmitting
	StateCommitting
	StateError
	StateFatal
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateEvaluating:
		return "evaluating"
	case StateEmitting:
		return "emitting"
	case StateCommitting:
		return "committing"
	case StateError:
		return "error"
	case StateFatal:
		return "fatal"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// inflight is one record between evaluation and commit.
// Records routed to quarantine carry the router's Ack until it resolves.
type inflight struct {
	offset int64
	ack    deadletter.Ack
	done   bool
	err    error
}

// cursor tracks a partition's committed offset and the records evaluated
// after it. The commit point only moves across a contiguous prefix of
// acknowledged records, so the committed offset never passes an
// unacknowledged emission.
type cursor struct {
	committed int64 // -1 before the first commit
	pending   []*inflight
}

func newCursor() *cursor {
	return &cursor{committed: -1}
}

// done tracks a record whose emission already succeeded.
func (c *cursor) done(offset int64) {
	c.pending = append(c.pending, &inflight{offset: offset, done: true})
}

// await tracks a record whose emission resolves through ack.
func (c *cursor) await(offset int64, ack deadletter.Ack) {
	c.pending = append(c.pending, &inflight{offset: offset, ack: ack})
}

func (c *cursor) len() int { return len(c.pending) }

// poll collects every Ack that already resolved without blocking.
func (c *cursor) poll() {
	for _, f := range c.pending {
		if f.done {
			continue
		}
		select {
		case err := <-f.ack:
			f.done, f.err = true, err
		default:
		}
	}
}

// waitOldest blocks until the oldest unresolved Ack resolves or ctx ends.
func (c *cursor) waitOldest(ctx context.Context) error {
	for _, f := range c.pending {
		if f.done {
			continue
		}
		select {
		case err := <-f.ack:
			f.done, f.err = true, err
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// advance pops the acknowledged prefix and returns its last offset.
// ok is false when the prefix is empty. A failed Ack at the front is returned
// as err and stays in place.
func (c *cursor) advance() (offset int64, ok bool, err error) {
	n := 0
	for _, f := range c.pending {
		if !f.done {
			break
		}
		if f.err != nil {
			err = fmt.Errorf("offset %d: %w", f.offset, f.err)
			break
		}
		offset = f.offset
		n++
	}
	if n == 0 {
		return 0, false, err
	}
	c.pending = c.pending[n:]
	return offset, true, err
}
