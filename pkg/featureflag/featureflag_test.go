package featureflag

import (
	"fmt"
	"reflect"
	"sync"
	"testing"
)

func TestStore_LastWriteWins(t *testing.T) {
	s := NewStore()
	s.Set("x", "a")
	s.Set("x", "b")

	snap := s.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("Snapshot() has %d entries, want 1", len(snap))
	}
	if snap["x"] != "b" {
		t.Errorf(`snapshot["x"] = %q, want "b"`, snap["x"])
	}
}

func TestStore_NoVariant(t *testing.T) {
	s := NewStore()
	s.Set("dark-mode", "")

	v, ok := s.Get("dark-mode")
	if !ok || v != "" {
		t.Errorf("Get() = %q, %v", v, ok)
	}
}

func TestStore_IgnoresEmptyName(t *testing.T) {
	s := NewStore()
	s.Set("", "v")
	s.SetMany(Flag{Name: ""}, Flag{Name: "ok", Variant: "1"})

	if s.Len() != 1 {
		t.Errorf("Len() = %d, want 1", s.Len())
	}
}

func TestStore_Clear(t *testing.T) {
	s := NewStore()
	s.SetMany(Flag{Name: "a"}, Flag{Name: "b", Variant: "2"})

	s.Clear("a")
	s.Clear("missing")

	if _, ok := s.Get("a"); ok {
		t.Error("flag a should be cleared")
	}
	if s.Len() != 1 {
		t.Errorf("Len() = %d, want 1", s.Len())
	}

	s.ClearAll()
	if s.Len() != 0 {
		t.Errorf("after ClearAll() Len() = %d", s.Len())
	}
}

func TestStore_SnapshotIsCopy(t *testing.T) {
	s := NewStore()
	s.Set("a", "1")

	snap := s.Snapshot()
	snap["a"] = "mutated"
	s.Set("b", "2")

	if v, _ := s.Get("a"); v != "1" {
		t.Errorf("store changed through snapshot: %q", v)
	}
	if _, ok := snap["b"]; ok {
		t.Error("snapshot changed after later Set")
	}
}

func TestStore_FlagsSorted(t *testing.T) {
	s := NewStore()
	s.SetMany(Flag{Name: "zeta"}, Flag{Name: "alpha", Variant: "on"})

	want := []Flag{{Name: "alpha", Variant: "on"}, {Name: "zeta"}}
	if got := s.Flags(); !reflect.DeepEqual(got, want) {
		t.Errorf("Flags() = %v, want %v", got, want)
	}
}

func TestStore_ConcurrentSetsOnDifferentNames(t *testing.T) {
	s := NewStore()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			name := fmt.Sprintf("flag-%d", i)
			for j := 0; j < 100; j++ {
				s.Set(name, fmt.Sprint(j))
			}
		}()
	}
	wg.Wait()

	snap := s.Snapshot()
	if len(snap) != 32 {
		t.Fatalf("Snapshot() has %d flags, want 32", len(snap))
	}
	for name, v := range snap {
		if v != "99" {
			t.Errorf("%s = %q, want 99", name, v)
		}
	}
}
