package mailbox

import (
	"testing"
	"time"

	"ngi/plangame/internal/game"
)

func TestListenDrainsInFireOrder(t *testing.T) {
	m := New()
	m.AddClient("SP-0001")

	m.Fire("GM-0001", "SP-0001", game.Event{Type: game.EventGameState})
	m.Fire("GM-0001", "SP-0001", game.Event{Type: game.EventPlanChange})
	m.Fire("GM-0001", "SP-0001", game.Event{Type: game.EventScoreUpdate})

	events, err := m.Listen("SP-0001")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("drained %d events, want 3", len(events))
	}
	want := []game.EventType{game.EventGameState, game.EventPlanChange, game.EventScoreUpdate}
	for i, event := range events {
		if event.Type != want[i] {
			t.Fatalf("event %d is %s, want %s", i, event.Type, want[i])
		}
		if event.ID == "" || event.FiredAt.IsZero() {
			t.Fatalf("event %d missing stamp: %+v", i, event)
		}
		if event.Sender != "GM-0001" {
			t.Fatalf("event %d sender %q", i, event.Sender)
		}
	}

	//1.- A second drain without intervening fires must come back empty.
	events, err = m.Listen("SP-0001")
	if err != nil {
		t.Fatalf("second Listen: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("drained events were re-delivered: %v", events)
	}
}

func TestFireWithoutQueueIsSilent(t *testing.T) {
	m := New()
	if m.Fire("", "SP-9999", game.Event{Type: game.EventJoin}) {
		t.Fatalf("fire at unregistered client reported success")
	}
	if _, err := m.Listen("SP-9999"); game.CodeOf(err) != game.CodeEvent {
		t.Fatalf("listen without queue: %v", err)
	}
}

func TestBroadcastCountsReachableClients(t *testing.T) {
	m := New()
	m.AddClient("SP-0001")
	m.AddClient("SP-0002")

	notified := m.Broadcast("GM-0001", []string{"SP-0001", "SP-0002", "SP-gone"}, game.Event{Type: game.EventGameState})
	if notified != 2 {
		t.Fatalf("broadcast reached %d, want 2", notified)
	}
}

func TestAddClientKeepsPendingOnReRegister(t *testing.T) {
	m := New()
	m.AddClient("SB-0001")
	m.Fire("", "SB-0001", game.Event{Type: game.EventScoreUpdate})

	//1.- A reconnect re-registers the queue; pending events must survive.
	m.AddClient("SB-0001")
	events, err := m.Listen("SB-0001")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("re-registration dropped pending events: %v", events)
	}
}

func TestFlushDiscardsWithoutRemoving(t *testing.T) {
	m := New()
	m.AddClient("SP-0001")
	m.Fire("", "SP-0001", game.Event{Type: game.EventPlanChange})
	m.Flush("SP-0001")

	events, err := m.Listen("SP-0001")
	if err != nil {
		t.Fatalf("queue vanished after flush: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("flush left events behind: %v", events)
	}
}

func TestFireAndWaitReturnsWhenDrained(t *testing.T) {
	m := New()
	m.AddClient("SP-0001")

	done := make(chan error, 1)
	go func() {
		done <- m.FireAndWait("", "SP-0001", game.Event{Type: game.EventEnd}, 5*time.Second)
	}()

	//1.- Poll until the event is queued, then drain it.
	deadline := time.After(2 * time.Second)
	for {
		events, err := m.Listen("SP-0001")
		if err != nil {
			t.Fatalf("Listen: %v", err)
		}
		if len(events) == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("event never arrived")
		case <-time.After(5 * time.Millisecond):
		}
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("FireAndWait after drain: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("FireAndWait did not return after the drain")
	}
}

func TestFireAndWaitTimesOut(t *testing.T) {
	m := New()
	m.AddClient("SP-0001")

	err := m.FireAndWait("", "SP-0001", game.Event{Type: game.EventEnd}, 20*time.Millisecond)
	if game.CodeOf(err) != game.CodeEventTimeout {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestFireAndWaitUnblocksOnRemoval(t *testing.T) {
	m := New()
	m.AddClient("SP-0001")

	done := make(chan error, 1)
	go func() {
		done <- m.FireAndWait("", "SP-0001", game.Event{Type: game.EventEnd}, 5*time.Second)
	}()
	time.Sleep(10 * time.Millisecond)
	if err := m.RemoveClient("SP-0001"); err != nil {
		t.Fatalf("RemoveClient: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("FireAndWait after removal: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("FireAndWait still blocked after the queue was removed")
	}
}

func TestCounts(t *testing.T) {
	m := New()
	m.AddClient("SP-0001")
	m.Fire("", "SP-0001", game.Event{Type: game.EventJoin})
	m.Fire("", "SP-0001", game.Event{Type: game.EventJoin})
	_, _ = m.Listen("SP-0001")

	fired, drained := m.Counts()
	if fired != 2 || drained != 2 {
		t.Fatalf("counts = %d/%d, want 2/2", fired, drained)
	}
}
