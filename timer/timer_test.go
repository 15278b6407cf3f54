package timer

import (
	"errors"
	"testing"
	"time"
)

func TestArmFiresOnce(t *testing.T) {
	var src Manual
	tm := New(&src, time.Millisecond)
	if tm.PollFired() {
		t.Fatal("fresh timer reports fired")
	}
	if err := tm.Arm(100); err != nil {
		t.Fatal(err)
	}
	if !tm.Armed() {
		t.Error("not armed after Arm")
	}
	src.Advance(99 * time.Millisecond)
	if tm.PollFired() {
		t.Fatal("fired early")
	}
	src.Advance(time.Millisecond)
	if tm.Armed() {
		t.Error("still armed after firing")
	}
	if !tm.PollFired() {
		t.Fatal("did not fire")
	}
	if tm.PollFired() {
		t.Error("PollFired returned true twice")
	}
}

func TestArmWhileArmed(t *testing.T) {
	var src Manual
	tm := New(&src, time.Millisecond)
	if err := tm.Arm(10); err != nil {
		t.Fatal(err)
	}
	if err := tm.Arm(10); !errors.Is(err, ErrAlreadyArmed) {
		t.Errorf("second Arm = %v, want: %v", err, ErrAlreadyArmed)
	}
	src.Advance(10 * time.Millisecond)
	if err := tm.Arm(10); err != nil {
		t.Errorf("Arm after fire = %v", err)
	}
}

func TestCancelIgnoresStaleFire(t *testing.T) {
	var src Manual
	tm := New(&src, time.Millisecond)
	if err := tm.Arm(10); err != nil {
		t.Fatal(err)
	}
	stale := tm.stop
	tm.Cancel()
	if tm.Armed() {
		t.Fatal("armed after Cancel")
	}
	if src.Pending() != 0 {
		t.Errorf("%d callbacks pending after Cancel", src.Pending())
	}
	if stale.Stop() {
		t.Error("callback was not stopped by Cancel")
	}

	// A new session arms again; the old callback firing late must not
	// count as the new countdown.
	if err := tm.Arm(50); err != nil {
		t.Fatal(err)
	}
	tm.fire(tm.Generation() - 2)
	if tm.PollFired() {
		t.Fatal("stale fire leaked into the new generation")
	}
	if !tm.Armed() {
		t.Fatal("stale fire disarmed the new countdown")
	}
	src.Advance(50 * time.Millisecond)
	if !tm.PollFired() {
		t.Error("new countdown did not fire")
	}
}

func TestRealtime(t *testing.T) {
	tm := New(nil, time.Millisecond)
	if err := tm.Arm(2); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(time.Second)
	for !tm.PollFired() {
		if time.Now().After(deadline) {
			t.Fatal("realtime timer never fired")
		}
		time.Sleep(time.Millisecond)
	}
}
