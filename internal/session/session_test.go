package session

import (
	"testing"
	"time"
)

func TestSession_SendAndOutbound(t *testing.T) {
	s := New("c1", nil)

	env := Envelope{Event: "status_update", Data: map[string]string{"status": "ok"}}
	if !s.Send(env, 50*time.Millisecond) {
		t.Fatal("Send() = false on an empty queue")
	}

	select {
	case got := <-s.Outbound():
		if got.Event != "status_update" {
			t.Errorf("Event = %q, expected status_update", got.Event)
		}
	case <-time.After(time.Second):
		t.Fatal("enqueued envelope never surfaced on Outbound")
	}
}

func TestSession_SendDeadlineMiss(t *testing.T) {
	s := New("c1", nil)

	for i := 0; i < sendQueueSize; i++ {
		if !s.Send(Envelope{Event: "fill"}, 10*time.Millisecond) {
			t.Fatalf("Send() = false while filling queue at %d", i)
		}
	}

	start := time.Now()
	if s.Send(Envelope{Event: "overflow"}, 20*time.Millisecond) {
		t.Error("Send() = true on a full queue")
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("Send returned after %v, expected it to wait out the deadline", elapsed)
	}
}

func TestSession_SendAfterClose(t *testing.T) {
	s := New("c1", nil)
	s.Close()
	s.Close() // idempotent

	if s.Send(Envelope{Event: "late"}, 10*time.Millisecond) {
		t.Error("Send() = true on a closed session")
	}
}

func TestSession_DistinctIDsPerConnection(t *testing.T) {
	a := New("c1", nil)
	b := New("c1", nil)
	if a.ID == b.ID {
		t.Error("two sessions for one client share a session ID")
	}
}
