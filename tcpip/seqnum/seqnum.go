package seqnum

// Value represents the value of a sequence number.
type Value uint32

// Size represents the size (length) of a sequence number window
type Size uint32

// Timestamp 是RFC7323时间戳选项的值 回绕比较规则与序列号相同
type Timestamp uint32

// LessThan v < w
func (v Value) LessThan(w Value) bool {
	return int32(v-w) < 0
}

// LessThanEq returns true if v==w or v is before w, i.e., v < w.
func (v Value) LessThanEq(w Value) bool {
	if v == w {
		return true
	}
	return v.LessThan(w)
}

// GreaterThan v > w
func (v Value) GreaterThan(w Value) bool {
	return int32(v-w) > 0
}

// GreaterThanEq returns true if v==w or v is after w.
func (v Value) GreaterThanEq(w Value) bool {
	if v == w {
		return true
	}
	return v.GreaterThan(w)
}

// InRange v ∈ [a, b)
func (v Value) InRange(a, b Value) bool {
	//return a <= v && v < b
	return v-a < b-a
}

// InWindow check v in [first, first+size)
func (v Value) InWindow(first Value, size Size) bool {
	return v.InRange(first, first.Add(size))
}

// Add return v + s
func (v Value) Add(s Size) Value {
	return v + Value(s)
}

// Size return the size of [v, w)
func (v Value) Size(w Value) Size {
	return Size(w - v)
}

// UpdateForward update the value to v+s
func (v *Value) UpdateForward(s Size) {
	*v += Value(s)
}

// Max returns the later of v and w.
func Max(v, w Value) Value {
	if v.GreaterThan(w) {
		return v
	}
	return w
}

// Min returns the earlier of v and w.
func Min(v, w Value) Value {
	if v.LessThan(w) {
		return v
	}
	return w
}

// Overlap checks if the window [a,a+b) overlaps with the window [x, x+y).
func Overlap(a Value, b Size, x Value, y Size) bool {
	return a.LessThan(x.Add(y)) && x.LessThan(a.Add(b))
}

// LessThan t < u
func (t Timestamp) LessThan(u Timestamp) bool {
	return int32(t-u) < 0
}

// LessThanEq t <= u
func (t Timestamp) LessThanEq(u Timestamp) bool {
	if t == u {
		return true
	}
	return t.LessThan(u)
}
