// Copyright 2024-2026 The Substrata Authors. SPDX-License-Identifier: Apache-2.0

package kernels

import (
	"reflect"

	"github.com/pkg/errors"
)

// Kernel is a registered compute routine bound to its argument table. A
// Kernel outlives any individual invocation; the argument wrappers are
// created fresh per Compute call.
type Kernel interface {
	Compute(ctx KernelContext) error
}

// Initializer is implemented by struct kernel types that need one-time setup
// from provider metadata. Init runs exactly once, when the kernel instance
// is built, before any Compute call.
type Initializer interface {
	Init(info KernelInfo) error
}

// fnKernel wraps a stateless compute function. Every invocation derives all
// state from the bound arguments, so a single fnKernel is safe to share
// across concurrent invocations on independent contexts.
type fnKernel struct {
	fn      reflect.Value
	binding *binding
}

func newFnKernel(fn any) (*fnKernel, error) {
	v := reflect.ValueOf(fn)
	if !v.IsValid() {
		return nil, errors.New("compute entry is nil")
	}
	b, err := bindSignature(v.Type(), 0)
	if err != nil {
		return nil, err
	}
	return &fnKernel{fn: v, binding: b}, nil
}

func (k *fnKernel) Compute(ctx KernelContext) error {
	args, err := k.binding.materialize(ctx)
	if err != nil {
		return err
	}
	return resultError(k.fn.Call(args))
}

// structKernel wraps the Compute method of an instance built once at kernel
// initialization. The instance may carry state read across calls; Compute
// must not mutate it, since no invocation-level locking is provided --
// callers running one instance on concurrent execution streams must
// serialize themselves.
type structKernel struct {
	compute reflect.Value
	binding *binding
}

func (k *structKernel) Compute(ctx KernelContext) error {
	args, err := k.binding.materialize(ctx)
	if err != nil {
		return err
	}
	return resultError(k.compute.Call(args))
}

func resultError(out []reflect.Value) error {
	if out[0].IsNil() {
		return nil
	}
	return out[0].Interface().(error)
}

// structBinding analyzes the Compute method of *K without instantiating it,
// so arity and parameter types are validated at registration time.
func structBinding[K any]() (*binding, error) {
	t := reflect.TypeOf((*K)(nil))
	method, ok := t.MethodByName("Compute")
	if !ok {
		return nil, errors.Errorf("struct kernel type %s has no Compute method", t.Elem())
	}
	// method.Type carries the receiver as parameter 0.
	b, err := bindSignature(method.Type, 1)
	if err != nil {
		return nil, errors.WithMessagef(err, "struct kernel %s.Compute", t.Elem())
	}
	return b, nil
}

// buildStructKernel constructs the one instance of K, runs its optional
// Init, and wraps its Compute method.
func buildStructKernel[K any](b *binding, info KernelInfo) (Kernel, error) {
	instance := new(K)
	if init, ok := any(instance).(Initializer); ok {
		if err := init.Init(info); err != nil {
			return nil, errors.WithMessagef(err, "initializing kernel %T", instance)
		}
	}
	return &structKernel{
		compute: reflect.ValueOf(instance).MethodByName("Compute"),
		binding: b,
	}, nil
}
