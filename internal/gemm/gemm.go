package gemm

import (
	"github.com/23skdu/longbow-lite/internal/cpu"
	"github.com/23skdu/longbow-lite/internal/errdefs"
	"github.com/23skdu/longbow-lite/internal/quant"
)

// Params describes C[M x N] = A[M x K] * B[K x N] over a packed A.
//
// B is row-major K x N, or N x K when TransB is set. Scale holds one
// combined factor per output row (scale_A[row] * scale_B) and Bias one
// value per output row. OutScale is only used for int8 output.
type Params struct {
	M, N, K  int
	TransB   bool
	HasBias  bool
	HasRelu  bool
	Bias     []float32
	Scale    []float32
	OutScale float32
}

func (p Params) check(op string, lenA, lenB, lenC, hblock int, needScale bool) error {
	if p.M <= 0 || p.N <= 0 || p.K <= 0 {
		return errdefs.Shape(op, "MxNxK", "non-positive extent %dx%dx%d", p.M, p.N, p.K)
	}
	if want := PackedSize(p.M, p.K, hblock); lenA != want {
		return errdefs.Dimension(op, "packed A length", want, lenA)
	}
	if lenB != p.K*p.N {
		return errdefs.Dimension(op, "B length", p.K*p.N, lenB)
	}
	if lenC != p.M*p.N {
		return errdefs.Dimension(op, "C length", p.M*p.N, lenC)
	}
	if (needScale || p.Scale != nil) && len(p.Scale) != p.M {
		return errdefs.Dimension(op, "scale length", p.M, len(p.Scale))
	}
	if p.HasBias && len(p.Bias) != p.M {
		return errdefs.Dimension(op, "bias length", p.M, len(p.Bias))
	}
	return nil
}

func (p Params) rowBias(row int) float32 {
	if p.HasBias {
		return p.Bias[row]
	}
	return 0
}

func (p Params) rowScale(row int) float32 {
	if p.Scale == nil {
		return 1
	}
	return p.Scale[row]
}

func transpose[T Element](dst, src []T, rows, cols int) {
	for r := 0; r < rows; r++ {
		line := src[r*cols : r*cols+cols]
		for c, v := range line {
			dst[c*rows+r] = v
		}
	}
}

// GemmPrepackInt8 computes float32 output from int8 operands:
// C = relu(acc * Scale[row] + Bias[row]).
func GemmPrepackInt8(a, b []int8, c []float32, p Params, ctx *cpu.Context) error {
	h := ctx.Hblock()
	if err := p.check("gemm_int8", len(a), len(b), len(c), h, true); err != nil {
		return err
	}
	runInt8(a, b, h, p, ctx, func(row int, acc []int32) {
		out := c[row*p.N : (row+1)*p.N]
		s, bias := p.Scale[row], p.rowBias(row)
		for j, v := range acc {
			f := float32(v)*s + bias
			if p.HasRelu && f < 0 {
				f = 0
			}
			out[j] = f
		}
	})
	return nil
}

// GemmPrepackInt8Int8 is GemmPrepackInt8 with the float result divided by
// OutScale and saturated to int8.
func GemmPrepackInt8Int8(a, b []int8, c []int8, p Params, ctx *cpu.Context) error {
	h := ctx.Hblock()
	if err := p.check("gemm_int8_int8", len(a), len(b), len(c), h, true); err != nil {
		return err
	}
	if !(p.OutScale > 0) {
		return errdefs.Config("gemm_int8_int8", "output scale must be positive, got %v", p.OutScale)
	}
	inv := 1 / p.OutScale
	runInt8(a, b, h, p, ctx, func(row int, acc []int32) {
		out := c[row*p.N : (row+1)*p.N]
		s, bias := p.Scale[row], p.rowBias(row)
		for j, v := range acc {
			f := float32(v)*s + bias
			if p.HasRelu && f < 0 {
				f = 0
			}
			out[j] = quant.SaturateInt8(f * inv)
		}
	})
	return nil
}

// runInt8 accumulates each packed panel in int32 and hands every valid
// output row to store. Panels are split statically over the worker pool.
func runInt8(a, b []int8, h int, p Params, ctx *cpu.Context, store func(row int, acc []int32)) {
	m, n, k := p.M, p.N, p.K
	panels := (m + h - 1) / h
	ctx.ParallelFor(panels, func(tid, start, end int) {
		ws := ctx.ThreadWorkspace(tid)
		bRow := b
		if p.TransB {
			bRow = ws.Int8(k * n)
			transpose(bRow, b, n, k)
		}
		acc := ws.Int32(h * n)
		for pi := start; pi < end; pi++ {
			accumulateInt8(acc, a[pi*h*k:(pi+1)*h*k], bRow, h, n, k)
			rows := min(h, m-pi*h)
			for r := 0; r < rows; r++ {
				store(pi*h+r, acc[r*n:(r+1)*n])
			}
		}
	})
}

func accumulateInt8(acc []int32, panel, b []int8, h, n, k int) {
	clear(acc)
	for kk := 0; kk < k; kk++ {
		arow := panel[kk*h : kk*h+h]
		brow := b[kk*n : kk*n+n]
		for r, av := range arow {
			if av == 0 {
				continue
			}
			x := int32(av)
			dst := acc[r*n : r*n+n]
			for j, bv := range brow {
				dst[j] += x * int32(bv)
			}
		}
	}
}

// SgemmPrepack is the float32 variant. Scale may be nil, meaning 1 for
// every row.
func SgemmPrepack(a, b, c []float32, p Params, ctx *cpu.Context) error {
	h := ctx.Hblock()
	if err := p.check("sgemm", len(a), len(b), len(c), h, false); err != nil {
		return err
	}
	m, n, k := p.M, p.N, p.K
	panels := (m + h - 1) / h
	ctx.ParallelFor(panels, func(tid, start, end int) {
		ws := ctx.ThreadWorkspace(tid)
		size := h * n
		if p.TransB {
			size += k * n
		}
		buf := ws.Float32(size)
		acc := buf[:h*n]
		bRow := b
		if p.TransB {
			bRow = buf[h*n:]
			transpose(bRow, b, n, k)
		}
		for pi := start; pi < end; pi++ {
			accumulateFloat32(acc, a[pi*h*k:(pi+1)*h*k], bRow, h, n, k)
			rows := min(h, m-pi*h)
			for r := 0; r < rows; r++ {
				row := pi*h + r
				out := c[row*n : (row+1)*n]
				s, bias := p.rowScale(row), p.rowBias(row)
				for j, v := range acc[r*n : (r+1)*n] {
					f := v*s + bias
					if p.HasRelu && f < 0 {
						f = 0
					}
					out[j] = f
				}
			}
		}
	})
	return nil
}

func accumulateFloat32(acc, panel, b []float32, h, n, k int) {
	clear(acc)
	for kk := 0; kk < k; kk++ {
		arow := panel[kk*h : kk*h+h]
		brow := b[kk*n : kk*n+n]
		for r, x := range arow {
			if x == 0 {
				continue
			}
			dst := acc[r*n : r*n+n]
			for j, bv := range brow {
				dst[j] += x * bv
			}
		}
	}
}
