package recordstore

import (
	"errors"
	"testing"
)

func TestApplyAndRead(t *testing.T) {
	s := New()
	if _, err := s.ApplyValue("alice", "ip", "1.1.1.1"); !errors.Is(err, ErrNoRecord) {
		t.Fatalf("apply to missing record: %v", err)
	}
	s.Create("alice", map[string]string{"ip": "0.0.0.0"})
	s.ApplyValue("alice", "ip", "1.1.1.1")
	s.AppendValue("alice", "tags", "a")
	s.AppendValue("alice", "tags", "b")
	if v, _ := s.ReadValue("alice", "ip"); v != "1.1.1.1" {
		t.Fatalf("ip = %q", v)
	}
	if v, _ := s.ReadValue("alice", "tags"); v != "ab" {
		t.Fatalf("tags = %q", v)
	}
	s.RemoveField("alice", "tags")
	if _, ok := s.ReadValue("alice", "tags"); ok {
		t.Fatal("removed field still readable")
	}
}

func TestSnapshotRestore(t *testing.T) {
	a := New()
	a.Create("bob", map[string]string{"ip": "2.2.2.2", "ttl": "60"})
	snap, err := a.Snapshot("bob")
	if err != nil {
		t.Fatal(err)
	}
	b := New()
	if err := b.Restore("bob", snap); err != nil {
		t.Fatal(err)
	}
	if v, _ := b.ReadValue("bob", "ttl"); v != "60" {
		t.Fatalf("ttl = %q", v)
	}
	b.ApplyValue("bob", "ttl", "30")
	if v, _ := a.ReadValue("bob", "ttl"); v != "60" {
		t.Fatal("restored record shares storage with the source")
	}
	b.Remove("bob")
	if b.Exists("bob") {
		t.Fatal("record survived Remove")
	}
	if err := b.Restore("bob", "not json"); err == nil {
		t.Fatal("bad blob restored")
	}
}
