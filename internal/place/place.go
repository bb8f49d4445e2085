// Package place describes where and in which representation a value lives:
// the execution target (CPU ISA family or host memory), the numeric
// precision and the memory layout.
package place

import (
	"fmt"
	"strings"
)

type Target int

const (
	TargetUnknown Target = iota
	TargetHost
	TargetX86
	TargetARM
	TargetAny
)

func (t Target) String() string {
	switch t {
	case TargetHost:
		return "host"
	case TargetX86:
		return "x86"
	case TargetARM:
		return "arm"
	case TargetAny:
		return "any"
	default:
		return "unk"
	}
}

type Precision int

const (
	PrecisionUnknown Precision = iota
	PrecisionFloat
	PrecisionInt8
	PrecisionInt32
	PrecisionAny
)

func (p Precision) String() string {
	switch p {
	case PrecisionFloat:
		return "float"
	case PrecisionInt8:
		return "int8"
	case PrecisionInt32:
		return "int32"
	case PrecisionAny:
		return "any"
	default:
		return "unk"
	}
}

type Layout int

const (
	LayoutUnknown Layout = iota
	LayoutNCHW
	LayoutAny
)

func (l Layout) String() string {
	switch l {
	case LayoutNCHW:
		return "NCHW"
	case LayoutAny:
		return "any"
	default:
		return "unk"
	}
}

// Place is a (target, precision, layout) triple.
type Place struct {
	Target    Target
	Precision Precision
	Layout    Layout
}

func New(t Target, p Precision) Place {
	return Place{Target: t, Precision: p, Layout: LayoutNCHW}
}

func (p Place) String() string {
	return fmt.Sprintf("%s/%s/%s", p.Target, p.Precision, p.Layout)
}

// Valid reports whether every field is resolved to something other than unknown.
func (p Place) Valid() bool {
	return p.Target != TargetUnknown && p.Precision != PrecisionUnknown && p.Layout != LayoutUnknown
}

func targetMatch(a, b Target) bool {
	return a == b || a == TargetAny || b == TargetAny
}

func precisionMatch(a, b Precision) bool {
	return a == b || a == PrecisionAny || b == PrecisionAny
}

func layoutMatch(a, b Layout) bool {
	return a == b || a == LayoutAny || b == LayoutAny
}

// TargetCompatible reports whether two places agree on target, treating Any
// as a wildcard.
func TargetCompatible(a, b Place) bool { return targetMatch(a.Target, b.Target) }

// PrecisionCompatible reports whether two places agree on precision.
func PrecisionCompatible(a, b Place) bool { return precisionMatch(a.Precision, b.Precision) }

// Compatible reports whether a value at a can be consumed where b is declared.
func Compatible(a, b Place) bool {
	return targetMatch(a.Target, b.Target) && precisionMatch(a.Precision, b.Precision) && layoutMatch(a.Layout, b.Layout)
}

// Resolve fills Any fields of declared from the concrete upstream place.
func Resolve(declared, upstream Place) Place {
	out := declared
	if out.Target == TargetAny || out.Target == TargetUnknown {
		out.Target = upstream.Target
	}
	if out.Precision == PrecisionAny || out.Precision == PrecisionUnknown {
		out.Precision = upstream.Precision
	}
	if out.Layout == LayoutAny || out.Layout == LayoutUnknown {
		out.Layout = upstream.Layout
	}
	return out
}

// Parse reads "target/precision[/layout]", e.g. "arm/int8" or "x86/float/NCHW".
func Parse(s string) (Place, error) {
	parts := strings.Split(strings.TrimSpace(s), "/")
	if len(parts) < 2 || len(parts) > 3 {
		return Place{}, fmt.Errorf("invalid place %q: want target/precision[/layout]", s)
	}
	var p Place
	switch strings.ToLower(parts[0]) {
	case "host":
		p.Target = TargetHost
	case "x86":
		p.Target = TargetX86
	case "arm":
		p.Target = TargetARM
	case "any":
		p.Target = TargetAny
	default:
		return Place{}, fmt.Errorf("invalid place %q: unknown target %q", s, parts[0])
	}
	switch strings.ToLower(parts[1]) {
	case "float", "fp32":
		p.Precision = PrecisionFloat
	case "int8":
		p.Precision = PrecisionInt8
	case "int32":
		p.Precision = PrecisionInt32
	case "any":
		p.Precision = PrecisionAny
	default:
		return Place{}, fmt.Errorf("invalid place %q: unknown precision %q", s, parts[1])
	}
	p.Layout = LayoutNCHW
	if len(parts) == 3 {
		switch strings.ToUpper(parts[2]) {
		case "NCHW":
		case "ANY":
			p.Layout = LayoutAny
		default:
			return Place{}, fmt.Errorf("invalid place %q: unknown layout %q", s, parts[2])
		}
	}
	return p, nil
}

// ParseList parses a comma separated list of places, keeping order.
func ParseList(s string) ([]Place, error) {
	var out []Place
	for _, item := range strings.Split(s, ",") {
		if strings.TrimSpace(item) == "" {
			continue
		}
		p, err := Parse(item)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Index returns the position of p in places or -1.
func Index(places []Place, p Place) int {
	for i, v := range places {
		if v == p {
			return i
		}
	}
	return -1
}
