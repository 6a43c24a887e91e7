package core

import "testing"

func TestJoin(t *testing.T) {
	tests := []struct {
		a, b, want LifecycleState
	}{
		{Unallocated, Unallocated, Unallocated},
		{Unallocated, Open, Open},
		{Disposed, Unallocated, Disposed},
		{Open, Open, Open},
		{Disposed, Disposed, Disposed},
		{Open, Disposed, MaybeDisposed},
		{Disposed, Open, MaybeDisposed},
		{MaybeDisposed, Open, MaybeDisposed},
		{MaybeDisposed, Disposed, MaybeDisposed},
		{Open, Leaked, Leaked},
		{Leaked, Disposed, Leaked},
		{Leaked, MaybeDisposed, Leaked},
	}
	for _, tt := range tests {
		if got := Join(tt.a, tt.b); got != tt.want {
			t.Errorf("Join(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestJoinIsLeastUpperBound(t *testing.T) {
	all := []LifecycleState{Unallocated, Open, Disposed, MaybeDisposed, Leaked}
	for _, a := range all {
		for _, b := range all {
			j := Join(a, b)
			if j != Join(b, a) {
				t.Errorf("Join not commutative for %v, %v", a, b)
			}
			if !Leq(a, j) || !Leq(b, j) {
				t.Errorf("Join(%v, %v) = %v is not an upper bound", a, b, j)
			}
			for _, c := range all {
				if Join(Join(a, b), c) != Join(a, Join(b, c)) {
					t.Errorf("Join not associative for %v, %v, %v", a, b, c)
				}
			}
		}
	}
}

func TestLeqOrder(t *testing.T) {
	tests := []struct {
		a, b LifecycleState
		want bool
	}{
		{Unallocated, Open, true},
		{Open, MaybeDisposed, true},
		{Disposed, MaybeDisposed, true},
		{MaybeDisposed, Leaked, true},
		{Open, Disposed, false},
		{Disposed, Open, false},
		{Leaked, Open, false},
	}
	for _, tt := range tests {
		if got := Leq(tt.a, tt.b); got != tt.want {
			t.Errorf("Leq(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestObligated(t *testing.T) {
	for s, want := range map[LifecycleState]bool{
		Unallocated: false, Open: true, Disposed: false, MaybeDisposed: true, Leaked: false,
	} {
		if got := s.Obligated(); got != want {
			t.Errorf("%v.Obligated() = %v, want %v", s, got, want)
		}
	}
}
