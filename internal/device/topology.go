package device

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const sysfsRoot = "/sys/devices/system/cpu"

// readClusters splits cores into big and little clusters by their maximum
// frequency. Machines without cpufreq report every core as big.
func readClusters(root string, n int) (big, little []int) {
	freqs := make([]int, n)
	ok := true
	for i := 0; i < n; i++ {
		f, err := readMaxFreq(root, i)
		if err != nil {
			ok = false
			break
		}
		freqs[i] = f
	}
	all := make([]int, n)
	for i := range all {
		all[i] = i
	}
	if !ok || n == 0 {
		return all, nil
	}

	maxF := 0
	minF := freqs[0]
	for _, f := range freqs {
		if f > maxF {
			maxF = f
		}
		if f < minF {
			minF = f
		}
	}
	if maxF == minF {
		return all, nil
	}
	for i, f := range freqs {
		if f == minF {
			little = append(little, i)
		} else {
			big = append(big, i)
		}
	}
	// Highest frequency cores first.
	sort.SliceStable(big, func(a, b int) bool { return freqs[big[a]] > freqs[big[b]] })
	return big, little
}

func readMaxFreq(root string, core int) (int, error) {
	path := filepath.Join(root, fmt.Sprintf("cpu%d", core), "cpufreq", "cpuinfo_max_freq")
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}
	return v, nil
}
