package conv

import (
	"github.com/23skdu/longbow-lite/internal/cpu"
	"github.com/23skdu/longbow-lite/internal/gemm"
)

type window struct {
	c, h, w  int
	kh, kw   int
	oh, ow   int
	stride   [2]int
	pad      [2]int
	dilation [2]int
}

// im2col lays the receptive field of every output pixel out as a column:
// dst is (c*kh*kw) x (oh*ow) row-major, zero where the window overhangs
// the padded border.
func im2col[T gemm.Element](dst, src []T, win window, ctx *cpu.Context) {
	rows := win.c * win.kh * win.kw
	spatial := win.oh * win.ow
	ctx.ParallelFor(rows, func(_, start, end int) {
		for r := start; r < end; r++ {
			kx := r % win.kw
			ky := (r / win.kw) % win.kh
			ci := r / (win.kw * win.kh)
			plane := src[ci*win.h*win.w : (ci+1)*win.h*win.w]
			line := dst[r*spatial : (r+1)*spatial]
			for y := 0; y < win.oh; y++ {
				iy := y*win.stride[0] - win.pad[0] + ky*win.dilation[0]
				out := line[y*win.ow : (y+1)*win.ow]
				if iy < 0 || iy >= win.h {
					clear(out)
					continue
				}
				row := plane[iy*win.w : (iy+1)*win.w]
				for x := range out {
					ix := x*win.stride[1] - win.pad[1] + kx*win.dilation[1]
					if ix < 0 || ix >= win.w {
						out[x] = 0
					} else {
						out[x] = row[ix]
					}
				}
			}
		}
	})
}
