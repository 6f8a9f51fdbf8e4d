package service

import (
	"testing"
	"time"
)

func TestAssignmentResolveSuppressesExpiry(t *testing.T) {
	expired := make(chan Assignment, 1)
	tbl := newAssignmentTable(20*time.Millisecond, 5*time.Millisecond, func(a Assignment) {
		expired <- a
	})

	tbl.Put("t1", "a1")
	if _, ok := tbl.Get("t1"); !ok {
		t.Fatal("expected active assignment")
	}

	asn, ok := tbl.Resolve("t1")
	if !ok {
		t.Fatal("expected resolve to find the assignment")
	}
	if asn.AgentID != "a1" {
		t.Errorf("resolved agent %s, want a1", asn.AgentID)
	}
	if tbl.Count() != 0 {
		t.Errorf("expected empty table, got %d", tbl.Count())
	}

	select {
	case a := <-expired:
		t.Fatalf("expiry fired for resolved assignment %s", a.TaskID)
	case <-time.After(80 * time.Millisecond):
	}
}

func TestAssignmentExpiryFires(t *testing.T) {
	expired := make(chan Assignment, 1)
	tbl := newAssignmentTable(10*time.Millisecond, 5*time.Millisecond, func(a Assignment) {
		expired <- a
	})

	tbl.Put("t1", "a1")

	select {
	case a := <-expired:
		if a.TaskID != "t1" || a.AgentID != "a1" {
			t.Errorf("unexpected assignment %+v", a)
		}
	case <-time.After(time.Second):
		t.Fatal("expiry never fired")
	}
}

func TestAssignmentPutReplaces(t *testing.T) {
	tbl := newAssignmentTable(time.Minute, time.Minute, nil)

	tbl.Put("t1", "a1")
	tbl.Put("t1", "a2")

	asn, ok := tbl.Get("t1")
	if !ok {
		t.Fatal("expected active assignment")
	}
	if asn.AgentID != "a2" {
		t.Errorf("expected replacement to win, got %s", asn.AgentID)
	}
	if tbl.Count() != 1 {
		t.Errorf("expected single entry, got %d", tbl.Count())
	}
}

func TestAssignmentResolveUnknown(t *testing.T) {
	tbl := newAssignmentTable(time.Minute, time.Minute, nil)
	if _, ok := tbl.Resolve("ghost"); ok {
		t.Error("expected resolve of unknown task to report absence")
	}
}
