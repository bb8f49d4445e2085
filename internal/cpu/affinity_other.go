//go:build !linux

package cpu

func bindThread(int) func() { return func() {} }
