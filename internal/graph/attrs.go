package graph

import "sort"

// Attrs are operator attributes. Values are int, float32, bool, string,
// []int or []float32.
type Attrs map[string]interface{}

func (a Attrs) Clone() Attrs {
	out := make(Attrs, len(a))
	for k, v := range a {
		switch t := v.(type) {
		case []int:
			out[k] = append([]int(nil), t...)
		case []float32:
			out[k] = append([]float32(nil), t...)
		default:
			out[k] = v
		}
	}
	return out
}

func (a Attrs) Has(key string) bool {
	_, ok := a[key]
	return ok
}

func (a Attrs) Int(key string, def int) int {
	if v, ok := a[key].(int); ok {
		return v
	}
	return def
}

func (a Attrs) Float(key string, def float32) float32 {
	switch v := a[key].(type) {
	case float32:
		return v
	case float64:
		return float32(v)
	}
	return def
}

func (a Attrs) Bool(key string) bool {
	v, _ := a[key].(bool)
	return v
}

func (a Attrs) Str(key, def string) string {
	if v, ok := a[key].(string); ok {
		return v
	}
	return def
}

// Pair reads a two-element []int, e.g. strides, falling back to def.
func (a Attrs) Pair(key string, def [2]int) [2]int {
	v, ok := a[key].([]int)
	if !ok || len(v) != 2 {
		return def
	}
	return [2]int{v[0], v[1]}
}

func (a Attrs) Floats(key string) []float32 {
	v, _ := a[key].([]float32)
	return v
}

// Keys returns attribute names sorted.
func (a Attrs) Keys() []string {
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
