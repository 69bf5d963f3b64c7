package stream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sandonleejacobs/rulestream/internal/deadletter"
)

func resolvedAck(err error) deadletter.Ack {
	ch := make(chan error, 1)
	ch <- err
	close(ch)
	return ch
}

func TestCursor_AdvancesOverContiguousPrefix(t *testing.T) {
	c := newCursor()
	if _, ok, err := c.advance(); ok || err != nil {
		t.Fatalf("empty cursor advanced: ok=%v err=%v", ok, err)
	}

	pending := make(chan error, 1)
	c.done(0)
	c.done(1)
	c.await(2, pending)
	c.done(3)

	offset, ok, err := c.advance()
	if !ok || err != nil || offset != 1 {
		t.Fatalf("advance = (%d, %v, %v), want (1, true, nil)", offset, ok, err)
	}
	if c.len() != 2 {
		t.Fatalf("len = %d, want 2", c.len())
	}

	// Offset 3 is done but must wait behind 2.
	c.poll()
	if _, ok, _ := c.advance(); ok {
		t.Fatal("advanced past an unacknowledged record")
	}

	pending <- nil
	c.poll()
	offset, ok, err = c.advance()
	if !ok || err != nil || offset != 3 {
		t.Fatalf("advance = (%d, %v, %v), want (3, true, nil)", offset, ok, err)
	}
	if c.len() != 0 {
		t.Fatalf("len = %d, want 0", c.len())
	}
}

func TestCursor_FailedAckStopsAdvance(t *testing.T) {
	c := newCursor()
	boom := errors.New("write failed")
	c.done(4)
	c.await(5, resolvedAck(boom))
	c.done(6)
	c.poll()

	offset, ok, err := c.advance()
	if !ok || offset != 4 {
		t.Fatalf("advance = (%d, %v), want (4, true)", offset, ok)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if c.len() != 2 {
		t.Fatalf("failed record was dropped: len = %d", c.len())
	}
}

func TestCursor_WaitOldest(t *testing.T) {
	c := newCursor()
	pending := make(chan error, 1)
	c.done(0)
	c.await(1, pending)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := c.waitOldest(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("waitOldest = %v, want deadline exceeded", err)
	}

	go func() { pending <- nil }()
	if err := c.waitOldest(context.Background()); err != nil {
		t.Fatalf("waitOldest: %v", err)
	}
	if offset, ok, _ := c.advance(); !ok || offset != 1 {
		t.Fatalf("advance = (%d, %v), want (1, true)", offset, ok)
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateIdle, "idle"},
		{StateFetching, "fetching"},
		{StateEvaluating, "evaluating"},
		{StateEmitting, "emitting"},
		{StateCommitting, "committing"},
		{StateError, "error"},
		{StateFatal, "fatal"},
		{StateStopped, "stopped"},
		{State(42), "unknown(42)"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", int(tt.state), got, tt.want)
		}
	}
}
