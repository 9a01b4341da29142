// Copyright 2024-2026 The Substrata Authors. SPDX-License-Identifier: Apache-2.0

// Package kernels binds compute routines to the tensors of an execution
// context, without per-operator boilerplate.
//
// A compute routine declares what it needs through its parameter list alone:
// each *TensorView[T] parameter consumes the next input slot of the context,
// each *Tensor[T] parameter consumes the next output slot, in declaration
// order. The binding is derived once per signature when the kernel is
// registered, and re-executed against the live KernelContext on every
// Compute call.
//
// Two kernel forms are supported: function kernels (a stateless func, safe
// for concurrent invocations) and struct kernels (an instance built once per
// kernel from provider metadata, with Compute as a method). See Registry.
package kernels

import (
	"github.com/substrata-ml/substrata/shapes"
)

// KernelContext is the borrowed, call-scoped handle to the execution
// engine's buffers. Input and output data travel as flat []T slices.
//
// A KernelContext must not be stored or used after the Compute call that
// supplied it returns.
type KernelContext interface {
	// NumInputs returns how many input slots the current call carries.
	NumInputs() int

	// InputData returns the flat data of the given input slot, as a []T of
	// the slot's element type.
	InputData(index int) (any, error)

	// InputShape returns the shape of the given input slot.
	InputShape(index int) (shapes.Shape, error)

	// AllocateOutput allocates the buffer for the given output slot and
	// returns it as a flat []T. Allocation may fail on resource exhaustion;
	// the error propagates as a per-invocation kernel failure.
	AllocateOutput(index int, shape shapes.Shape) (any, error)
}

// KernelInfo supplies provider metadata (operator attributes) to a struct
// kernel's one-time initialization.
type KernelInfo interface {
	AttrString(name string) (string, bool)
	AttrInt(name string) (int64, bool)
	AttrFloat(name string) (float64, bool)
}

// StaticInfo is a map-backed KernelInfo, convenient for embedding callers
// and tests.
type StaticInfo map[string]any

var _ KernelInfo = StaticInfo(nil)

// AttrString implements KernelInfo.
func (s StaticInfo) AttrString(name string) (string, bool) {
	v, ok := s[name].(string)
	return v, ok
}

// AttrInt implements KernelInfo. Both int and int64 values are accepted.
func (s StaticInfo) AttrInt(name string) (int64, bool) {
	switch v := s[name].(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	}
	return 0, false
}

// AttrFloat implements KernelInfo.
func (s StaticInfo) AttrFloat(name string) (float64, bool) {
	switch v := s[name].(type) {
	case float32:
		return float64(v), true
	case float64:
		return v, true
	}
	return 0, false
}
