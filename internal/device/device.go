// Package device reports what the host CPU can do: the ISA family the
// kernels should target, the dot-product extensions that widen the packed
// row block, and the big/little core split used by power modes.
package device

import (
	"runtime"
	"sync"

	"github.com/23skdu/longbow-lite/internal/place"
	"golang.org/x/sys/cpu"
)

type Info struct {
	Arch        string
	Target      place.Target
	Cores       int
	BigCores    []int
	LittleCores []int

	// DotProd is set when an int8 dot-product instruction is available
	// (ARMv8.2 SDOT/UDOT or x86 AVX512-VNNI).
	DotProd bool
	SIMD    bool
}

var (
	detectOnce sync.Once
	detected   Info
)

// Detect probes the running machine once and caches the result.
func Detect() Info {
	detectOnce.Do(func() {
		detected = probe(runtime.GOARCH, sysfsRoot)
	})
	return detected
}

func probe(arch, root string) Info {
	info := Info{Arch: arch, Cores: runtime.NumCPU()}
	switch arch {
	case "arm64":
		info.Target = place.TargetARM
		info.SIMD = cpu.ARM64.HasASIMD
		info.DotProd = cpu.ARM64.HasASIMDDP
	case "arm":
		info.Target = place.TargetARM
		info.SIMD = cpu.ARM.HasNEON
	case "amd64", "386":
		info.Target = place.TargetX86
		info.SIMD = cpu.X86.HasAVX2
		info.DotProd = cpu.X86.HasAVX512VNNI
	default:
		info.Target = place.TargetHost
	}
	info.BigCores, info.LittleCores = readClusters(root, info.Cores)
	return info
}

// Hblock is the number of A rows interleaved per packed panel.
func (i Info) Hblock() int {
	if i.DotProd {
		return 8
	}
	return 4
}

// ValidPlaces lists the places kernels may be picked for, in preference
// order: int8 first, then float, then host memory for feed and fetch.
func (i Info) ValidPlaces() []place.Place {
	if i.Target == place.TargetHost {
		return []place.Place{
			place.New(place.TargetHost, place.PrecisionFloat),
			place.New(place.TargetHost, place.PrecisionAny),
		}
	}
	return []place.Place{
		place.New(i.Target, place.PrecisionInt8),
		place.New(i.Target, place.PrecisionFloat),
		place.New(place.TargetHost, place.PrecisionAny),
	}
}

// FloatPlaces is ValidPlaces without int8, for graphs that must stay in
// float32.
func (i Info) FloatPlaces() []place.Place {
	var out []place.Place
	for _, p := range i.ValidPlaces() {
		if p.Precision != place.PrecisionInt8 {
			out = append(out, p)
		}
	}
	return out
}
