package gemm

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/23skdu/longbow-lite/internal/cpu"
	"github.com/23skdu/longbow-lite/internal/errdefs"
	"github.com/23skdu/longbow-lite/internal/quant"
	"github.com/23skdu/longbow-lite/internal/reference"
	"github.com/23skdu/longbow-lite/internal/validate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type gemmCase struct {
	m, n, k        int
	transA, transB bool
	bias, relu     bool
	threads        int
	hblock         int
}

func (c gemmCase) String() string {
	return fmt.Sprintf("m%d_n%d_k%d_ta%v_tb%v_bias%v_relu%v_th%d_h%d",
		c.m, c.n, c.k, c.transA, c.transB, c.bias, c.relu, c.threads, c.hblock)
}

// runInt8Case mirrors the calibration used by the quantized GEMM harness:
// A and B scaled by 1/127, the int8 output by k/127.
func runInt8Case(t *testing.T, rng *rand.Rand, tc gemmCase, tol validate.Tolerance, ctx *cpu.Context) {
	t.Helper()
	m, n, k := tc.m, tc.n, tc.k
	a := make([]int8, m*k)
	b := make([]int8, k*n)
	bias := make([]float32, m)
	reference.FillInt8(rng, a, -127, 127)
	reference.FillInt8(rng, b, -127, 127)
	reference.FillFloat32(rng, bias, -1, 1)

	scaleA := make([]float32, m)
	for i := range scaleA {
		scaleA[i] = 1.0 / 127
	}
	scaleB := float32(1.0 / 127)
	scaleC := float32(k) / 127
	merged := quant.MergeScales(scaleA, scaleB)

	lda := k
	if tc.transA {
		lda = m
	}

	af := make([]float32, len(a))
	quant.Int8ToFp32(a, af, scaleA[:1], 1, 1, len(a))
	bf := reference.ToFloat32(b, scaleB)
	var refBias []float32
	if tc.bias {
		refBias = bias
	}
	want := reference.Gemm(tc.transA, tc.transB, m, n, k, af, bf, refBias, tc.relu)
	wantInt8 := make([]int8, len(want))
	quant.Fp32ToInt8(want, wantInt8, []float32{scaleC}, 1, 1, len(want))

	packed := make([]int8, PackedSize(m, k, tc.hblock))
	require.NoError(t, PrepackA(packed, a, lda, 0, m, 0, k, tc.transA, ctx))

	p := Params{M: m, N: n, K: k, TransB: tc.transB, HasBias: tc.bias, HasRelu: tc.relu,
		Bias: bias, Scale: merged, OutScale: scaleC}

	gotF := make([]float32, m*n)
	require.NoError(t, GemmPrepackInt8(packed, b, gotF, p, ctx))
	require.NoError(t, tol.CheckFloat("gemm_int8_fp32", want, gotF), tc.String())

	gotI := make([]int8, m*n)
	require.NoError(t, GemmPrepackInt8Int8(packed, b, gotI, p, ctx))
	require.NoError(t, tol.CheckInt8("gemm_int8_int8", wantInt8, gotI), tc.String())
}

func TestGemmPrepackInt8Grid(t *testing.T) {
	ms := []int{1, 3, 8, 32, 37}
	ns := []int{1, 3, 13, 141}
	ks := []int{1, 3, 8, 59}
	threads := []int{1, 2, 4}
	if testing.Short() {
		ms, ns, ks, threads = []int{3, 8}, []int{13}, []int{59}, []int{1, 2}
	}
	tol := validate.DefaultTolerance()
	rng := rand.New(rand.NewSource(42))
	ctxs := map[int]*cpu.Context{}
	for _, th := range threads {
		ctxs[th] = newCtx(t, th, 4)
	}

	for _, m := range ms {
		for _, n := range ns {
			for _, k := range ks {
				for _, ta := range []bool{false, true} {
					for _, tb := range []bool{false, true} {
						for _, bias := range []bool{false, true} {
							for _, relu := range []bool{false, true} {
								for _, th := range threads {
									tc := gemmCase{m, n, k, ta, tb, bias, relu, th, 4}
									runInt8Case(t, rng, tc, tol, ctxs[th])
								}
							}
						}
					}
				}
			}
		}
	}
}

func TestGemmPrepackInt8Hblock8(t *testing.T) {
	tol := validate.DefaultTolerance()
	rng := rand.New(rand.NewSource(7))
	ctx := newCtx(t, 4, 8)
	for _, m := range []int{1, 7, 8, 9, 397} {
		for _, tb := range []bool{false, true} {
			tc := gemmCase{m, 29, 33, false, tb, true, true, 4, 8}
			t.Run(tc.String(), func(t *testing.T) {
				runInt8Case(t, rng, tc, tol, ctx)
			})
		}
	}
}

func TestSgemmPrepack(t *testing.T) {
	tol := validate.DefaultTolerance()
	rng := rand.New(rand.NewSource(3))
	for _, tc := range []gemmCase{
		{m: 5, n: 7, k: 9, threads: 1, hblock: 4},
		{m: 13, n: 31, k: 17, transA: true, transB: true, bias: true, relu: true, threads: 2, hblock: 4},
		{m: 33, n: 8, k: 64, transB: true, bias: true, threads: 4, hblock: 8},
	} {
		t.Run(tc.String(), func(t *testing.T) {
			a := make([]float32, tc.m*tc.k)
			b := make([]float32, tc.k*tc.n)
			bias := make([]float32, tc.m)
			reference.FillFloat32(rng, a, -1, 1)
			reference.FillFloat32(rng, b, -1, 1)
			reference.FillFloat32(rng, bias, -1, 1)
			var refBias []float32
			if tc.bias {
				refBias = bias
			}
			want := reference.Gemm(tc.transA, tc.transB, tc.m, tc.n, tc.k, a, b, refBias, tc.relu)

			ctx := newCtx(t, tc.threads, tc.hblock)
			lda := tc.k
			if tc.transA {
				lda = tc.m
			}
			packed := make([]float32, PackedSize(tc.m, tc.k, tc.hblock))
			require.NoError(t, PrepackA(packed, a, lda, 0, tc.m, 0, tc.k, tc.transA, ctx))

			got := make([]float32, tc.m*tc.n)
			p := Params{M: tc.m, N: tc.n, K: tc.k, TransB: tc.transB, HasBias: tc.bias, HasRelu: tc.relu, Bias: bias}
			require.NoError(t, SgemmPrepack(packed, b, got, p, ctx))
			require.NoError(t, tol.CheckFloat("sgemm", want, got))
		})
	}
}

func TestGemmDimensionErrors(t *testing.T) {
	ctx := newCtx(t, 1, 4)
	m, n, k := 5, 3, 2
	packed := make([]int8, PackedSize(m, k, 4))
	b := make([]int8, k*n)
	c := make([]float32, m*n)
	scale := make([]float32, m)
	p := Params{M: m, N: n, K: k, Scale: scale}

	require.NoError(t, GemmPrepackInt8(packed, b, c, p, ctx))

	tests := []struct {
		name string
		err  error
	}{
		{"short packed A", GemmPrepackInt8(packed[:len(packed)-1], b, c, p, ctx)},
		{"B with wrong K", GemmPrepackInt8(packed, make([]int8, (k+1)*n), c, p, ctx)},
		{"short C", GemmPrepackInt8(packed, b, c[:m*n-1], p, ctx)},
		{"short scale", GemmPrepackInt8(packed, b, c, Params{M: m, N: n, K: k, Scale: scale[:1]}, ctx)},
		{"missing bias", GemmPrepackInt8(packed, b, c, Params{M: m, N: n, K: k, Scale: scale, HasBias: true}, ctx)},
		{"sgemm short B", SgemmPrepack(make([]float32, len(packed)), make([]float32, 1), make([]float32, m*n), Params{M: m, N: n, K: k}, ctx)},
	}
	for _, tt := range tests {
		assert.True(t, errdefs.IsDimension(tt.err), "%s: %v", tt.name, tt.err)
	}

	err := GemmPrepackInt8Int8(packed, b, make([]int8, m*n), p, ctx)
	assert.True(t, errdefs.IsConfig(err), "zero output scale")

	err = GemmPrepackInt8(packed, b, c, Params{M: 0, N: n, K: k}, ctx)
	assert.True(t, errdefs.IsShape(err))
}

func TestGemmInt8Saturates(t *testing.T) {
	ctx := newCtx(t, 1, 4)
	a := []int8{127, -127}
	packed := make([]int8, PackedSize(2, 1, 4))
	require.NoError(t, PrepackA(packed, a, 1, 0, 2, 0, 1, false, ctx))

	c := make([]int8, 2)
	p := Params{M: 2, N: 1, K: 1, Scale: []float32{1, 1}, OutScale: 1}
	require.NoError(t, GemmPrepackInt8Int8(packed, []int8{127}, c, p, ctx))
	assert.Equal(t, []int8{127, -127}, c)
}

func BenchmarkGemmPrepackInt8(b *testing.B) {
	m, n, k := 256, 256, 256
	rng := rand.New(rand.NewSource(1))
	a := make([]int8, m*k)
	bm := make([]int8, k*n)
	reference.FillInt8(rng, a, -127, 127)
	reference.FillInt8(rng, bm, -127, 127)
	ctx := newCtx(b, 4, 4)
	packed := make([]int8, PackedSize(m, k, 4))
	require.NoError(b, PrepackA(packed, a, k, 0, m, 0, k, false, ctx))
	scale := make([]float32, m)
	for i := range scale {
		scale[i] = 1.0 / (127 * 127)
	}
	c := make([]float32, m*n)
	p := Params{M: m, N: n, K: k, Scale: scale}

	b.SetBytes(int64(m * k))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := GemmPrepackInt8(packed, bm, c, p, ctx); err != nil {
			b.Fatal(err)
		}
	}
}
