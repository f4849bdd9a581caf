package ledger

import (
	"reflect"
	"testing"
)

func TestPositionSetSetClearHas(t *testing.T) {
	var s PositionSet

	if !s.IsEmpty() {
		t.Fatal("new position set should be empty")
	}

	for _, idx := range []uint32{0, 1, 63, 64, 100, 127} {
		s.Set(idx)
		if !s.Has(idx) {
			t.Fatalf("Has(%d) = false after Set", idx)
		}
	}
	if s.IsEmpty() {
		t.Fatal("set with bits should not be empty")
	}

	s.Clear(63)
	s.Clear(100)
	if s.Has(63) || s.Has(100) {
		t.Fatal("cleared bits still present")
	}

	got := s.Indices()
	want := []uint32{0, 1, 64, 127}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Indices() = %v, want %v", got, want)
	}
}

func TestPositionSetIdempotent(t *testing.T) {
	var s PositionSet
	s.Set(5)
	s.Set(5)
	if got := s.Indices(); len(got) != 1 || got[0] != 5 {
		t.Fatalf("Indices() = %v, want [5]", got)
	}
	s.Clear(5)
	s.Clear(5)
	if !s.IsEmpty() {
		t.Fatal("double clear should leave set empty")
	}
}

func TestPositionSetCapacityPanic(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("Set(128) should panic")
		}
	}()
	var s PositionSet
	s.Set(128)
}
