package nodeconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"gnspaxos/packet"
)

func writeNodeFile(t *testing.T, body string) string {
	t.Helper()
	loc := filepath.Join(t.TempDir(), "nodes.json")
	if err := os.WriteFile(loc, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return loc
}

func TestLoad(t *testing.T) {
	loc := writeNodeFile(t, `[{"id":3,"host":"10.0.0.3","port":7003},{"id":1,"host":"10.0.0.1","port":7001}]`)
	d, err := Load(loc)
	if err != nil {
		t.Fatal(err)
	}
	ids := d.NodeIDs()
	if len(ids) != 2 || ids[0] != 1 || ids[1] != 3 {
		t.Fatalf("ids %v", ids)
	}
	if addr, ok := d.Address(3); !ok || addr != "10.0.0.3:7003" {
		t.Fatalf("address %q %v", addr, ok)
	}
	if _, ok := d.Address(2); ok {
		t.Fatal("resolved unknown node")
	}
}

func TestLoadRejectsBadFiles(t *testing.T) {
	for name, body := range map[string]string{
		"duplicate": `[{"id":1,"host":"a","port":1},{"id":1,"host":"b","port":2}]`,
		"no port":   `[{"id":1,"host":"a"}]`,
		"empty":     `[]`,
		"garbage":   `{`,
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeNodeFile(t, body)); err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}

func TestClosestNode(t *testing.T) {
	d := New([]NodeInfo{{1, "h", 1}, {2, "h", 2}, {3, "h", 3}, {4, "h", 4}})
	if c, _ := d.ClosestNode([]packet.NodeID{3, 2}); c != 2 {
		t.Fatalf("unmeasured tie broke to %d", c)
	}
	d.UpdateLatency(3, 5*time.Millisecond)
	d.UpdateLatency(2, 40*time.Millisecond)
	if c, _ := d.ClosestNode([]packet.NodeID{1, 2, 3}); c != 3 {
		t.Fatalf("closest = %d, want 3", c)
	}
	if c, _ := d.ClosestExcluding([]packet.NodeID{1, 2, 3}, map[packet.NodeID]bool{3: true}); c != 2 {
		t.Fatalf("closest excluding 3 = %d, want 2", c)
	}
	if _, ok := d.ClosestNode([]packet.NodeID{9}); ok {
		t.Fatal("unknown candidate chosen")
	}
	order := d.SortByLatency([]packet.NodeID{1, 2, 3})
	if order[0] != 3 || order[1] != 2 || order[2] != 1 {
		t.Fatalf("order %v", order)
	}
}

func TestLatencyIsAveraged(t *testing.T) {
	d := New([]NodeInfo{{1, "h", 1}})
	d.UpdateLatency(1, 100*time.Millisecond)
	d.UpdateLatency(1, 0)
	lat, ok := d.Latency(1)
	if !ok || lat < 89*time.Millisecond || lat > 91*time.Millisecond {
		t.Fatalf("latency %v", lat)
	}
}

func TestPrimaryIsStable(t *testing.T) {
	a := New([]NodeInfo{{1, "h", 1}, {2, "h", 2}, {3, "h", 3}})
	b := New([]NodeInfo{{3, "x", 9}, {1, "y", 8}, {2, "z", 7}})
	for _, name := range []string{"alice", "bob", "carol"} {
		if a.Primary(name) != b.Primary(name) {
			t.Fatalf("primary of %s differs", name)
		}
	}
}
