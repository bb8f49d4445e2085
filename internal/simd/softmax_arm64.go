//go:build arm64 && !noasm

package simd

func init() {
	softmaxImpl = softmaxUnrolled
	reluImpl = reluUnrolled
}
