package cpu

import (
	"fmt"
	"strings"
)

// PowerMode selects which cluster the worker threads run on.
type PowerMode int

const (
	PowerHigh PowerMode = iota
	PowerLow
	PowerFull
	PowerNoBind
	PowerRandHigh
	PowerRandLow
)

func (m PowerMode) String() string {
	switch m {
	case PowerHigh:
		return "high"
	case PowerLow:
		return "low"
	case PowerFull:
		return "full"
	case PowerNoBind:
		return "no_bind"
	case PowerRandHigh:
		return "rand_high"
	case PowerRandLow:
		return "rand_low"
	default:
		return fmt.Sprintf("PowerMode(%d)", int(m))
	}
}

func ParsePowerMode(s string) (PowerMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high", "0":
		return PowerHigh, nil
	case "low", "1":
		return PowerLow, nil
	case "full", "2":
		return PowerFull, nil
	case "no_bind", "nobind", "3":
		return PowerNoBind, nil
	case "rand_high", "4":
		return PowerRandHigh, nil
	case "rand_low", "5":
		return PowerRandLow, nil
	}
	return PowerHigh, fmt.Errorf("unknown power mode %q", s)
}

// selectCores returns the core ids the workers bind to and the thread count
// that fits on them. A nil core list means the workers are left unbound.
func selectCores(mode PowerMode, threads int, big, little []int, rnd func(int) int) ([]int, int) {
	if threads <= 0 {
		threads = 1
	}
	pick := func(cluster []int, random bool) ([]int, int) {
		if len(cluster) == 0 {
			return nil, threads
		}
		n := min(threads, len(cluster))
		if !random || n == len(cluster) {
			return append([]int(nil), cluster[:n]...), n
		}
		start := rnd(len(cluster) - n + 1)
		return append([]int(nil), cluster[start:start+n]...), n
	}

	switch mode {
	case PowerHigh:
		return pick(big, false)
	case PowerRandHigh:
		return pick(big, true)
	case PowerLow, PowerRandLow:
		if len(little) == 0 {
			return pick(big, mode == PowerRandLow)
		}
		return pick(little, mode == PowerRandLow)
	case PowerFull:
		all := append(append([]int(nil), big...), little...)
		return pick(all, false)
	default:
		return nil, threads
	}
}
