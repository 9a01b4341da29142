// Copyright 2024-2026 The Substrata Authors. SPDX-License-Identifier: Apache-2.0

package kernels

import (
	"reflect"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// boundParam is one entry of a signature's binding table: which factory
// builds the argument and which physical slot it consumes.
type boundParam struct {
	factory paramFactory
	slot    int
}

// binding is the per-signature table derived at registration time. It maps
// each declared parameter to its role, element type and physical slot, and
// is walked on every invocation to build the argument list.
type binding struct {
	params       []boundParam
	numInputs    int
	numOutputs   int
	inputDTypes  []dtypes.DType
	outputDTypes []dtypes.DType
}

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// bindSignature analyzes a compute routine's type. The first skip parameters
// are ignored (used to drop the method receiver of struct kernels). Each
// remaining parameter must be a *TensorView[T] (consumes the next input
// slot) or a *Tensor[T] (consumes the next output slot); the routine must
// return exactly one error. A routine with zero tensor parameters is legal.
func bindSignature(fn reflect.Type, skip int) (*binding, error) {
	if fn.Kind() != reflect.Func {
		return nil, errors.Errorf("compute entry must be a function, got %s", fn)
	}
	if fn.IsVariadic() {
		return nil, errors.Errorf("compute entry cannot be variadic: %s", fn)
	}
	if fn.NumOut() != 1 || fn.Out(0) != errorType {
		return nil, errors.Errorf("compute entry must return exactly one error, got %s", fn)
	}
	b := &binding{}
	for i := skip; i < fn.NumIn(); i++ {
		factory, ok := paramFactories[fn.In(i)]
		if !ok {
			return nil, errors.Errorf(
				"parameter %d has unsupported type %s: kernel parameters must be *kernels.TensorView[T] or *kernels.Tensor[T] of a supported element type",
				i-skip, fn.In(i))
		}
		var slot int
		switch factory.role {
		case roleInput:
			slot = b.numInputs
			b.numInputs++
			b.inputDTypes = append(b.inputDTypes, factory.dtype)
		case roleOutput:
			slot = b.numOutputs
			b.numOutputs++
			b.outputDTypes = append(b.outputDTypes, factory.dtype)
		}
		b.params = append(b.params, boundParam{factory: factory, slot: slot})
	}
	return b, nil
}

// materialize builds the argument list for one invocation against the live
// context. On failure the partially built arguments are simply dropped; all
// wrappers are owned by the returned slice and die with the call.
func (b *binding) materialize(ctx KernelContext) ([]reflect.Value, error) {
	args := make([]reflect.Value, len(b.params))
	for i, p := range b.params {
		v, err := p.factory.build(ctx, p.slot)
		if err != nil {
			return nil, errors.WithMessagef(err, "binding argument %d", i)
		}
		args[i] = v
	}
	return args, nil
}
