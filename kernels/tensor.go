// Copyright 2024-2026 The Substrata Authors. SPDX-License-Identifier: Apache-2.0

package kernels

import (
	"reflect"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"k8s.io/klog/v2"

	"github.com/substrata-ml/substrata/shapes"
)

// TensorView is a read-only, typed view over one input slot of a
// KernelContext. Data and shape are fetched once, at construction; the view
// is only valid within the Compute call that created it.
type TensorView[T dtypes.Supported] struct {
	index int
	shape shapes.Shape
	data  []T
}

// NewTensorView fetches input slot index of ctx. It fails if the slot does
// not hold a []T.
func NewTensorView[T dtypes.Supported](ctx KernelContext, index int) (*TensorView[T], error) {
	raw, err := ctx.InputData(index)
	if err != nil {
		return nil, errors.WithMessagef(err, "reading input %d", index)
	}
	data, ok := raw.([]T)
	if !ok {
		return nil, errors.Errorf("input %d holds %T, kernel parameter expects []%s",
			index, raw, dtypes.FromGenericsType[T]())
	}
	shape, err := ctx.InputShape(index)
	if err != nil {
		return nil, errors.WithMessagef(err, "reading shape of input %d", index)
	}
	return &TensorView[T]{index: index, shape: shape, data: data}, nil
}

// Shape of the viewed input.
func (v *TensorView[T]) Shape() shapes.Shape { return v.shape }

// Data returns the flat input data. The slice is borrowed from the context
// and must not be mutated or retained past the Compute call.
func (v *TensorView[T]) Data() []T { return v.data }

// Tensor is a writable, lazily allocated wrapper over one output slot of a
// KernelContext. Like TensorView, it is scoped to a single Compute call.
type Tensor[T dtypes.Supported] struct {
	ctx   KernelContext
	index int
	shape shapes.Shape
	data  []T
}

// NewTensor binds output slot index of ctx. No allocation happens until
// Allocate is called.
func NewTensor[T dtypes.Supported](ctx KernelContext, index int) *Tensor[T] {
	return &Tensor[T]{ctx: ctx, index: index}
}

// Allocate returns the output buffer, allocating it through the context on
// the first call. Subsequent calls return the cached buffer unchanged -- the
// output shape is fixed by the first call and later requested shapes are
// ignored.
func (t *Tensor[T]) Allocate(shape shapes.Shape) ([]T, error) {
	if t.data != nil {
		return t.data, nil
	}
	raw, err := t.ctx.AllocateOutput(t.index, shape)
	if err != nil {
		return nil, errors.WithMessagef(err, "allocating output %d (%s)", t.index, shape)
	}
	data, ok := raw.([]T)
	if !ok {
		return nil, errors.Errorf("output %d allocated as %T, kernel parameter expects []%s",
			t.index, raw, dtypes.FromGenericsType[T]())
	}
	t.shape = shape.Clone()
	t.data = data
	klog.V(2).Infof("kernels: allocated %s for output %d (%s)",
		humanize.Bytes(uint64(shape.Memory())), t.index, shape)
	return data, nil
}

// Shape returns the allocated shape, or an invalid Shape before the first
// Allocate call.
func (t *Tensor[T]) Shape() shapes.Shape { return t.shape }

// paramRole tells whether a declared parameter consumes an input or an
// output slot.
type paramRole int

const (
	roleInput paramRole = iota
	roleOutput
)

// paramFactory builds the argument wrapper for one supported parameter type.
type paramFactory struct {
	role  paramRole
	dtype dtypes.DType
	build func(ctx KernelContext, slot int) (reflect.Value, error)
}

// paramFactories maps a declared parameter type (e.g. *TensorView[float32])
// to its factory. Populated at init for every supported element type; the
// binder consults it when a kernel signature is registered.
var paramFactories = make(map[reflect.Type]paramFactory)

func registerParamType[T dtypes.Supported]() {
	dtype := dtypes.FromGenericsType[T]()
	viewType := reflect.TypeOf((*TensorView[T])(nil))
	paramFactories[viewType] = paramFactory{
		role:  roleInput,
		dtype: dtype,
		build: func(ctx KernelContext, slot int) (reflect.Value, error) {
			view, err := NewTensorView[T](ctx, slot)
			if err != nil {
				return reflect.Value{}, err
			}
			return reflect.ValueOf(view), nil
		},
	}
	tensorType := reflect.TypeOf((*Tensor[T])(nil))
	paramFactories[tensorType] = paramFactory{
		role:  roleOutput,
		dtype: dtype,
		build: func(ctx KernelContext, slot int) (reflect.Value, error) {
			return reflect.ValueOf(NewTensor[T](ctx, slot)), nil
		},
	}
}

func init() {
	registerParamType[bool]()
	registerParamType[int8]()
	registerParamType[int16]()
	registerParamType[int32]()
	registerParamType[int64]()
	registerParamType[uint8]()
	registerParamType[uint16]()
	registerParamType[uint32]()
	registerParamType[uint64]()
	registerParamType[float16.Float16]()
	registerParamType[float32]()
	registerParamType[float64]()
}
