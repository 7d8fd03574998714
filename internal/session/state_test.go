package session

import "testing"

func TestNext(t *testing.T) {
	tests := []struct {
		from  State
		on    Trigger
		to    State
		legal bool
	}{
		{Idle, TriggerSpeechStart, Listening, true},
		{Listening, TriggerSpeechEnd, Processing, true},
		{Listening, TriggerSpeechDiscard, Idle, true},
		{Processing, TriggerFirstChunk, Speaking, true},
		{Processing, TriggerFailure, Idle, true},
		{Speaking, TriggerResponseDone, Idle, true},
		{Speaking, TriggerSpeechStart, Listening, true},
		{Speaking, TriggerCancel, Idle, true},
		{Idle, TriggerSay, Processing, true},

		{Idle, TriggerSpeechEnd, Idle, false},
		{Idle, TriggerFirstChunk, Idle, false},
		{Processing, TriggerSpeechStart, Processing, false},
		{Listening, TriggerFirstChunk, Listening, false},
		{Speaking, TriggerSay, Speaking, false},
		{Listening, TriggerSay, Listening, false},
	}

	for _, tt := range tests {
		t.Run(tt.from.String()+"/"+tt.on.String(), func(t *testing.T) {
			to, ok := Next(tt.from, tt.on)
			if ok != tt.legal {
				t.Fatalf("Expected legal=%v, got %v", tt.legal, ok)
			}
			if ok && to != tt.to {
				t.Errorf("Expected %s, got %s", tt.to, to)
			}
		})
	}
}

func TestCancelFromEveryStateGoesIdle(t *testing.T) {
	for _, s := range []State{Idle, Listening, Processing, Speaking} {
		to, ok := Next(s, TriggerCancel)
		if !ok || to != Idle {
			t.Errorf("Expected cancel from %s to reach idle, got %s (legal=%v)", s, to, ok)
		}
	}
}

func TestMachineIgnoresIllegalTriggers(t *testing.T) {
	var changes []string
	m := machine{onChange: func(from, to State, on Trigger) {
		changes = append(changes, from.String()+"->"+to.String())
	}}

	if m.fire(TriggerFirstChunk) {
		t.Error("Expected first_chunk in idle to be rejected")
	}
	if m.state != Idle {
		t.Errorf("Expected idle after rejected trigger, got %s", m.state)
	}

	for _, tr := range []Trigger{TriggerSpeechStart, TriggerSpeechEnd, TriggerFirstChunk, TriggerResponseDone} {
		if !m.fire(tr) {
			t.Fatalf("Expected %s to be accepted in %s", tr, m.state)
		}
	}

	want := []string{"idle->listening", "listening->processing", "processing->speaking", "speaking->idle"}
	if len(changes) != len(want) {
		t.Fatalf("Expected %d changes, got %v", len(want), changes)
	}
	for i := range want {
		if changes[i] != want[i] {
			t.Errorf("Change %d: expected %s, got %s", i, want[i], changes[i])
		}
	}

	// Self loops are legal but not reported as changes.
	if !m.fire(TriggerCancel) {
		t.Error("Expected cancel in idle to be legal")
	}
	if len(changes) != len(want) {
		t.Errorf("Expected no change for idle->idle, got %v", changes)
	}
}

func TestHistoryIsBounded(t *testing.T) {
	h := NewHistory(3)
	h.Add("user", "one")
	h.Add("assistant", "")
	h.Add("assistant", "two")
	h.Add("user", "three")
	h.Add("assistant", "four")

	if h.Len() != 3 {
		t.Fatalf("Expected 3 turns, got %d", h.Len())
	}
	snap := h.Snapshot()
	if snap[0].Text != "two" || snap[2].Text != "four" {
		t.Errorf("Expected oldest turns evicted, got %+v", snap)
	}

	snap[0].Text = "changed"
	if h.Snapshot()[0].Text != "two" {
		t.Error("Expected snapshot to be a copy")
	}

	off := NewHistory(0)
	off.Add("user", "ignored")
	if off.Len() != 0 {
		t.Errorf("Expected disabled history to stay empty, got %d", off.Len())
	}
}

func TestResponseSetIsBounded(t *testing.T) {
	r := newResponseSet(2)
	r.add("a")
	r.add("b")
	r.add("a")
	r.add("c")

	if r.has("a") {
		t.Error("Expected oldest id to be evicted")
	}
	if !r.has("b") || !r.has("c") {
		t.Error("Expected newest ids to be remembered")
	}
}
