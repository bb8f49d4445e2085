// Package tensor provides the typed, shaped, owned buffers that flow between
// kernels. A tensor's buffer always holds exactly Dims().Production()
// elements of its DType.
package tensor

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/23skdu/longbow-lite/internal/metrics"
	"github.com/23skdu/longbow-lite/internal/place"
)

type DType int

const (
	Unknown DType = iota
	Int8
	Float32
	Int32
)

// Size returns the byte size of one element.
func (dt DType) Size() int {
	switch dt {
	case Int8:
		return 1
	case Float32, Int32:
		return 4
	default:
		return 0
	}
}

func (dt DType) String() string {
	switch dt {
	case Int8:
		return "int8"
	case Float32:
		return "float32"
	case Int32:
		return "int32"
	default:
		return "unknown"
	}
}

// FromPrecision maps a place precision to the element type used to store it.
func FromPrecision(p place.Precision) DType {
	switch p {
	case place.PrecisionInt8:
		return Int8
	case place.PrecisionFloat:
		return Float32
	case place.PrecisionInt32:
		return Int32
	default:
		return Unknown
	}
}

// Dims is a logical shape, outermost first.
type Dims []int

func (d Dims) Production() int {
	return d.Count(0, len(d))
}

// Count returns the product of extents in [start, end).
func (d Dims) Count(start, end int) int {
	n := 1
	for i := start; i < end && i < len(d); i++ {
		n *= d[i]
	}
	return n
}

func (d Dims) Equal(o Dims) bool {
	if len(d) != len(o) {
		return false
	}
	for i := range d {
		if d[i] != o[i] {
			return false
		}
	}
	return true
}

func (d Dims) Clone() Dims {
	if d == nil {
		return nil
	}
	out := make(Dims, len(d))
	copy(out, d)
	return out
}

func (d Dims) String() string {
	parts := make([]string, len(d))
	for i, v := range d {
		parts[i] = fmt.Sprint(v)
	}
	return "[" + strings.Join(parts, "x") + "]"
}

var allocatedBytes int64

func traceAlloc(delta int64) {
	metrics.RecordTensorBytes(atomic.AddInt64(&allocatedBytes, delta))
}

// AllocatedBytes returns the bytes currently held by live tensor buffers.
func AllocatedBytes() int64 {
	return atomic.LoadInt64(&allocatedBytes)
}

type Tensor struct {
	name  string
	dims  Dims
	dtype DType
	scale []float32
	data  interface{}
}

// New allocates a zeroed tensor.
func New(dtype DType, dims ...int) *Tensor {
	t := &Tensor{dtype: dtype}
	t.Resize(dims...)
	return t
}

// FromFloat32 wraps data without copying. len(data) must match dims.
func FromFloat32(data []float32, dims ...int) *Tensor {
	return wrap(Float32, data, len(data), dims)
}

// FromInt8 wraps data without copying. len(data) must match dims.
func FromInt8(data []int8, dims ...int) *Tensor {
	return wrap(Int8, data, len(data), dims)
}

func wrap(dtype DType, data interface{}, n int, dims []int) *Tensor {
	d := Dims(dims).Clone()
	if d.Production() != n {
		panic(fmt.Sprintf("tensor: %d elements do not match dims %v", n, d))
	}
	traceAlloc(int64(n * dtype.Size()))
	return &Tensor{dims: d, dtype: dtype, data: data}
}

func (t *Tensor) Name() string        { return t.name }
func (t *Tensor) SetName(name string) { t.name = name }
func (t *Tensor) Dims() Dims          { return t.dims }
func (t *Tensor) DType() DType        { return t.dtype }
func (t *Tensor) Numel() int          { return t.dims.Production() }

// Bytes returns the size of the owned buffer.
func (t *Tensor) Bytes() int {
	return t.Numel() * t.dtype.Size()
}

// Scale returns the quantization scale: one value per tensor or per channel.
func (t *Tensor) Scale() []float32 { return t.scale }

func (t *Tensor) SetScale(scale ...float32) {
	t.scale = append([]float32(nil), scale...)
}

// Resize sets new dims and reallocates a zeroed buffer. Prior contents are
// discarded; use CopyDataFrom to carry data across.
func (t *Tensor) Resize(dims ...int) {
	t.release()
	t.dims = Dims(dims).Clone()
	t.alloc()
}

// SetDType changes the element type and reallocates a zeroed buffer.
func (t *Tensor) SetDType(dtype DType) {
	if dtype == t.dtype && t.data != nil {
		return
	}
	t.release()
	t.dtype = dtype
	t.alloc()
}

func (t *Tensor) alloc() {
	n := t.dims.Production()
	switch t.dtype {
	case Int8:
		t.data = make([]int8, n)
	case Float32:
		t.data = make([]float32, n)
	case Int32:
		t.data = make([]int32, n)
	default:
		t.data = nil
		return
	}
	traceAlloc(int64(n * t.dtype.Size()))
}

func (t *Tensor) release() {
	if t.data != nil {
		traceAlloc(-int64(t.Bytes()))
		t.data = nil
	}
}

// Release drops the buffer; the tensor keeps its dims and dtype.
func (t *Tensor) Release() {
	t.release()
}

// Released reports whether the buffer has been dropped.
func (t *Tensor) Released() bool {
	return t.data == nil
}

func (t *Tensor) Int8s() []int8 {
	d, ok := t.data.([]int8)
	if !ok {
		panic(fmt.Sprintf("tensor %q: Int8s on %s tensor", t.name, t.dtype))
	}
	return d
}

func (t *Tensor) Float32s() []float32 {
	d, ok := t.data.([]float32)
	if !ok {
		panic(fmt.Sprintf("tensor %q: Float32s on %s tensor", t.name, t.dtype))
	}
	return d
}

func (t *Tensor) Int32s() []int32 {
	d, ok := t.data.([]int32)
	if !ok {
		panic(fmt.Sprintf("tensor %q: Int32s on %s tensor", t.name, t.dtype))
	}
	return d
}

// CopyDataFrom makes t a deep copy of src: dims, dtype, scale and data.
func (t *Tensor) CopyDataFrom(src *Tensor) {
	t.release()
	t.dims = src.dims.Clone()
	t.dtype = src.dtype
	t.scale = append([]float32(nil), src.scale...)
	t.alloc()
	switch d := src.data.(type) {
	case []int8:
		copy(t.data.([]int8), d)
	case []float32:
		copy(t.data.([]float32), d)
	case []int32:
		copy(t.data.([]int32), d)
	}
}

func (t *Tensor) String() string {
	return fmt.Sprintf("%s%s:%s", t.name, t.dims, t.dtype)
}
