package session_test

import (
	"testing"

	"github.com/mngfx/market-feed/cmd/gateway/internal/session"
	"github.com/mngfx/market-feed/pkg/config"
)

func drainStrings(o *session.Outbox) []string {
	var out []string
	for {
		b, ok := o.Pop()
		if !ok {
			return out
		}
		out = append(out, string(b))
	}
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestOutbox_DropNewest(t *testing.T) {
	o := session.NewOutbox(2, config.PolicyDropNewest)

	if !o.Push([]byte("1")) || !o.Push([]byte("2")) {
		t.Fatal("Pushes within capacity must succeed")
	}
	if o.Push([]byte("3")) {
		t.Error("Push beyond capacity should be skipped")
	}

	if got := drainStrings(o); !equal(got, []string{"1", "2"}) {
		t.Errorf("Expected [1 2], got %v", got)
	}
}

func TestOutbox_DropOldest(t *testing.T) {
	o := session.NewOutbox(2, config.PolicyDropOldest)

	o.Push([]byte("1"))
	o.Push([]byte("2"))
	if !o.Push([]byte("3")) {
		t.Error("Drop-oldest should always accept the new frame")
	}

	if got := drainStrings(o); !equal(got, []string{"2", "3"}) {
		t.Errorf("Expected [2 3], got %v", got)
	}
}

func TestOutbox_DropOldestKeepsControlFrames(t *testing.T) {
	o := session.NewOutbox(1, config.PolicyDropOldest)

	o.PushControl([]byte("welcome"))
	o.Push([]byte("t1"))
	o.Push([]byte("t2"))
	o.PushControl([]byte("ack"))
	o.Push([]byte("t3"))

	if got := drainStrings(o); !equal(got, []string{"welcome", "ack", "t3"}) {
		t.Errorf("Expected [welcome ack t3], got %v", got)
	}
}

func TestOutbox_ControlFramesIgnoreTickCapacity(t *testing.T) {
	for _, policy := range []string{config.PolicyDropNewest, config.PolicyDropOldest, config.PolicyDisconnect} {
		o := session.NewOutbox(2, policy)
		o.Push([]byte("t1"))
		o.Push([]byte("t2"))

		if !o.PushControl([]byte("ack")) || !o.PushControl([]byte("error")) {
			t.Errorf("%s: control frames must be queued on a full outbox", policy)
		}
		if got := drainStrings(o); !equal(got, []string{"t1", "t2", "ack", "error"}) {
			t.Errorf("%s: expected ticks then replies in order, got %v", policy, got)
		}
		select {
		case <-o.Overflow():
			t.Errorf("%s: replies must not trigger overflow", policy)
		default:
		}
	}
}

func TestOutbox_TooManyPendingReplies(t *testing.T) {
	o := session.NewOutbox(1, config.PolicyDropOldest)
	for i := 0; i < session.MaxPendingReplies; i++ {
		if !o.PushControl([]byte("ack")) {
			t.Fatalf("Reply %d should be queued", i)
		}
	}

	if o.PushControl([]byte("ack")) {
		t.Error("Reply past the limit should be refused")
	}
	select {
	case <-o.Overflow():
	default:
		t.Fatal("Expected overflow once the client stops reading replies")
	}
}

func TestOutbox_Disconnect(t *testing.T) {
	o := session.NewOutbox(1, config.PolicyDisconnect)

	o.Push([]byte("1"))
	select {
	case <-o.Overflow():
		t.Fatal("No overflow yet")
	default:
	}

	if o.Push([]byte("2")) || o.Push([]byte("3")) {
		t.Error("Pushes past capacity should fail")
	}
	select {
	case <-o.Overflow():
	default:
		t.Fatal("Expected overflow signal")
	}
}

func TestOutbox_ReadySignal(t *testing.T) {
	o := session.NewOutbox(4, config.PolicyDropOldest)

	select {
	case <-o.Ready():
		t.Fatal("Empty outbox should not be ready")
	default:
	}

	o.Push([]byte("1"))
	o.Push([]byte("2"))
	select {
	case <-o.Ready():
	default:
		t.Fatal("Expected ready after push")
	}
	drainStrings(o)

	o.Close()
	select {
	case <-o.Ready():
	default:
		t.Fatal("Expected ready after close")
	}
	if !o.Closed() {
		t.Error("Expected closed")
	}
}

func TestOutbox_CloseTwiceAndPushAfterClose(t *testing.T) {
	o := session.NewOutbox(4, config.PolicyDropNewest)
	o.Push([]byte("1"))
	o.Close()
	o.Close()

	if o.Push([]byte("2")) || o.PushControl([]byte("ack")) {
		t.Error("Push after close must be a no-op")
	}

	if got := drainStrings(o); !equal(got, []string{"1"}) {
		t.Errorf("Queued frames should still drain after close, got %v", got)
	}
}
