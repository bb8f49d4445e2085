// Package errdefs defines the error taxonomy shared by the pass pipeline and
// the kernel layer.
//
// Configuration and shape errors are never recovered internally: a failing
// plan build or kernel launch aborts and reports the violated invariant.
package errdefs

import (
	"errors"
	"fmt"
)

// ConfigError reports that no kernel satisfies a node's place constraints,
// or that group/channel arithmetic is inconsistent. Detected at build time.
type ConfigError struct {
	Node   string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Node == "" {
		return "configuration error: " + e.Reason
	}
	return fmt.Sprintf("configuration error at %s: %s", e.Node, e.Reason)
}

// ShapeError reports a degenerate output extent or an edge whose
// shape/dtype cannot be reconciled.
type ShapeError struct {
	Op     string
	Dim    string
	Reason string
}

func (e *ShapeError) Error() string {
	switch {
	case e.Dim != "":
		return fmt.Sprintf("shape error in %s (%s): %s", e.Op, e.Dim, e.Reason)
	case e.Op != "":
		return fmt.Sprintf("shape error in %s: %s", e.Op, e.Reason)
	default:
		return "shape error: " + e.Reason
	}
}

// DimensionError reports packed operand dimensions that disagree at launch.
type DimensionError struct {
	Op   string
	What string
	Want int
	Got  int
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("dimension error in %s: %s want %d, got %d", e.Op, e.What, e.Want, e.Got)
}

func Config(node, format string, args ...interface{}) error {
	return &ConfigError{Node: node, Reason: fmt.Sprintf(format, args...)}
}

func Shape(op, dim, format string, args ...interface{}) error {
	return &ShapeError{Op: op, Dim: dim, Reason: fmt.Sprintf(format, args...)}
}

func Dimension(op, what string, want, got int) error {
	return &DimensionError{Op: op, What: what, Want: want, Got: got}
}

func IsConfig(err error) bool {
	var e *ConfigError
	return errors.As(err, &e)
}

func IsShape(err error) bool {
	var e *ShapeError
	return errors.As(err, &e)
}

func IsDimension(err error) bool {
	var e *DimensionError
	return errors.As(err, &e)
}
