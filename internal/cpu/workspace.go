package cpu

// Workspace is scratch memory reused across launches. Each accessor returns
// a slice of exactly n elements, growing the backing buffer when needed;
// contents are unspecified.
type Workspace struct {
	i8  []int8
	f32 []float32
	i32 []int32
}

func (w *Workspace) Int8(n int) []int8 {
	if cap(w.i8) < n {
		w.i8 = make([]int8, n)
	}
	return w.i8[:n]
}

func (w *Workspace) Float32(n int) []float32 {
	if cap(w.f32) < n {
		w.f32 = make([]float32, n)
	}
	return w.f32[:n]
}

func (w *Workspace) Int32(n int) []int32 {
	if cap(w.i32) < n {
		w.i32 = make([]int32, n)
	}
	return w.i32[:n]
}

// Bytes is the total capacity held.
func (w *Workspace) Bytes() int {
	return cap(w.i8) + 4*cap(w.f32) + 4*cap(w.i32)
}
