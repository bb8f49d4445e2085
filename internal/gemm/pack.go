// Package gemm implements matrix multiply over a prepacked left operand.
//
// A is packed into panels of hblock interleaved rows: for a matrix with
// rows R and columns K the packed buffer is laid out as
// [ceil(R/hblock)][K][hblock]. Rows past R in the last panel are zero.
package gemm

import (
	"github.com/23skdu/longbow-lite/internal/cpu"
	"github.com/23skdu/longbow-lite/internal/errdefs"
	"github.com/23skdu/longbow-lite/internal/metrics"
)

// Element is the set of operand types the packer handles.
type Element interface {
	~int8 | ~float32
}

func roundUp(v, to int) int {
	return (v + to - 1) / to * to
}

// PackedSize is the element count of a packed rows x cols operand.
func PackedSize(rows, cols, hblock int) int {
	return roundUp(rows, hblock) * cols
}

// PackedIndex maps logical (row, col) of a matrix with cols columns to its
// offset in the packed buffer.
func PackedIndex(row, col, cols, hblock int) int {
	return (row/hblock)*hblock*cols + col*hblock + row%hblock
}

// PrepackA packs rows [m0, mmax) and columns [k0, kmax) of src into dst
// using the context's row block. With trans set, src holds A transposed:
// element (row, col) is src[col*lda+row].
func PrepackA[T Element](dst, src []T, lda, m0, mmax, k0, kmax int, trans bool, ctx *cpu.Context) error {
	return PackA(dst, src, lda, m0, mmax, k0, kmax, trans, ctx.Hblock(), ctx)
}

// PackA is PrepackA with an explicit row block. A nil ctx packs on the
// calling goroutine.
func PackA[T Element](dst, src []T, lda, m0, mmax, k0, kmax int, trans bool, hblock int, ctx *cpu.Context) error {
	rows := mmax - m0
	cols := kmax - k0
	if rows < 0 || cols < 0 {
		return errdefs.Shape("prepack", "range", "inverted range [%d,%d)x[%d,%d)", m0, mmax, k0, kmax)
	}
	if want := PackedSize(rows, cols, hblock); len(dst) != want {
		return errdefs.Dimension("prepack", "packed length", want, len(dst))
	}
	if rows == 0 || cols == 0 {
		return nil
	}
	var need int
	if trans {
		need = (kmax-1)*lda + mmax
	} else {
		need = (mmax-1)*lda + kmax
	}
	if len(src) < need {
		return errdefs.Dimension("prepack", "source length", need, len(src))
	}

	panels := (rows + hblock - 1) / hblock
	packPanels := func(_, start, end int) {
		for p := start; p < end; p++ {
			out := dst[p*hblock*cols : (p+1)*hblock*cols]
			for r := 0; r < hblock; r++ {
				row := p*hblock + r
				if row >= rows {
					for c := 0; c < cols; c++ {
						out[c*hblock+r] = 0
					}
					continue
				}
				if trans {
					for c := 0; c < cols; c++ {
						out[c*hblock+r] = src[(k0+c)*lda+m0+row]
					}
				} else {
					line := src[(m0+row)*lda+k0 : (m0+row)*lda+kmax]
					for c, v := range line {
						out[c*hblock+r] = v
					}
				}
			}
		}
	}
	if ctx == nil {
		packPanels(0, 0, panels)
	} else {
		ctx.ParallelFor(panels, packPanels)
	}
	metrics.RecordPacked("A", len(dst)*elemSize[T]())
	return nil
}

// UnpackA writes the logical rows x cols matrix held in packed back to dst
// in row-major order.
func UnpackA[T Element](dst, packed []T, rows, cols, hblock int) error {
	if want := PackedSize(rows, cols, hblock); len(packed) != want {
		return errdefs.Dimension("unpack", "packed length", want, len(packed))
	}
	if len(dst) != rows*cols {
		return errdefs.Dimension("unpack", "destination length", rows*cols, len(dst))
	}
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			dst[r*cols+c] = packed[PackedIndex(r, c, cols, hblock)]
		}
	}
	return nil
}

func elemSize[T Element]() int {
	var zero T
	switch any(zero).(type) {
	case int8:
		return 1
	default:
		return 4
	}
}
