package core

// LifecycleState 资源生命周期格
//
//	Unallocated ⊑ Open ⊑ MaybeDisposed ⊑ Leaked
//	Unallocated ⊑ Disposed ⊑ MaybeDisposed
type LifecycleState uint8

const (
	Unallocated LifecycleState = iota
	Open
	Disposed
	MaybeDisposed
	Leaked
)

var lifecycleNames = [...]string{
	Unallocated:   "Unallocated",
	Open:          "Open",
	Disposed:      "Disposed",
	MaybeDisposed: "MaybeDisposed",
	Leaked:        "Leaked",
}

func (s LifecycleState) String() string {
	if int(s) < len(lifecycleNames) {
		return lifecycleNames[s]
	}
	return "Invalid"
}

// Join 最小上界
func Join(a, b LifecycleState) LifecycleState {
	switch {
	case a == b:
		return a
	case a == Unallocated:
		return b
	case b == Unallocated:
		return a
	case a == Leaked || b == Leaked:
		return Leaked
	default:
		// Open、Disposed、MaybeDisposed 中任意两个不同元素
		return MaybeDisposed
	}
}

// Leq a ⊑ b
func Leq(a, b LifecycleState) bool {
	return Join(a, b) == b
}

// Obligated 资源仍有未履行的释放义务
func (s LifecycleState) Obligated() bool {
	return s == Open || s == MaybeDisposed
}
