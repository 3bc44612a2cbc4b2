// Copyright 2026 The Conclave Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"testing"
	"time"
)

func TestFake_NowIsStable(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := Fake(start)

	if !c.Now().Equal(start) {
		t.Fatalf("Now() = %v, want %v", c.Now(), start)
	}
	if !c.Now().Equal(c.Now()) {
		t.Error("Now() moved without Advance")
	}

	c.Advance(time.Hour)
	if !c.Now().Equal(start.Add(time.Hour)) {
		t.Errorf("Now() after Advance = %v, want %v", c.Now(), start.Add(time.Hour))
	}
}

func TestFake_AfterFiresOnAdvance(t *testing.T) {
	c := Fake(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	ch := c.After(time.Minute)

	select {
	case <-ch:
		t.Fatal("After fired before Advance")
	default:
	}

	c.Advance(30 * time.Second)
	select {
	case <-ch:
		t.Fatal("After fired before its deadline")
	default:
	}

	c.Advance(30 * time.Second)
	select {
	case fired := <-ch:
		if !fired.Equal(c.Now()) {
			t.Errorf("fire time = %v, want %v", fired, c.Now())
		}
	default:
		t.Fatal("After did not fire at its deadline")
	}
}

func TestFake_AfterNonPositive(t *testing.T) {
	c := Fake(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	select {
	case <-c.After(0):
	default:
		t.Fatal("After(0) should fire immediately")
	}
	if c.PendingCount() != 0 {
		t.Errorf("PendingCount() = %d, want 0", c.PendingCount())
	}
}

func TestFake_MultipleWaitersFireInOrder(t *testing.T) {
	c := Fake(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	late := c.After(2 * time.Minute)
	early := c.After(time.Minute)

	if c.PendingCount() != 2 {
		t.Fatalf("PendingCount() = %d, want 2", c.PendingCount())
	}

	c.Advance(3 * time.Minute)
	select {
	case <-early:
	default:
		t.Error("early waiter did not fire")
	}
	select {
	case <-late:
	default:
		t.Error("late waiter did not fire")
	}
	if c.PendingCount() != 0 {
		t.Errorf("PendingCount() = %d, want 0", c.PendingCount())
	}
}
