// Copyright 2024-2026 The Substrata Authors. SPDX-License-Identifier: Apache-2.0

package kernels

import (
	"flag"
	"os"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"

	"github.com/substrata-ml/substrata/shapes"
)

func TestMain(m *testing.M) {
	klog.InitFlags(nil)
	flag.Parse()
	os.Exit(m.Run())
}

// fakeContext is an in-memory KernelContext holding float32 buffers.
type fakeContext struct {
	inputs     []fakeInput
	allocated  map[int]any
	allocCalls int
	failAlloc  bool
}

type fakeInput struct {
	data  any
	shape shapes.Shape
}

func newFakeContext(inputs ...fakeInput) *fakeContext {
	return &fakeContext{inputs: inputs, allocated: make(map[int]any)}
}

func float32Input(shape shapes.Shape, data []float32) fakeInput {
	return fakeInput{data: data, shape: shape}
}

func (c *fakeContext) NumInputs() int { return len(c.inputs) }

func (c *fakeContext) InputData(index int) (any, error) {
	if index < 0 || index >= len(c.inputs) {
		return nil, errors.Errorf("no input slot %d", index)
	}
	return c.inputs[index].data, nil
}

func (c *fakeContext) InputShape(index int) (shapes.Shape, error) {
	if index < 0 || index >= len(c.inputs) {
		return shapes.Shape{}, errors.Errorf("no input slot %d", index)
	}
	return c.inputs[index].shape, nil
}

func (c *fakeContext) AllocateOutput(index int, shape shapes.Shape) (any, error) {
	if c.failAlloc {
		return nil, errors.New("device memory exhausted")
	}
	c.allocCalls++
	var buf any
	switch shape.DType {
	case dtypes.Float32:
		buf = make([]float32, shape.Size())
	case dtypes.Float64:
		buf = make([]float64, shape.Size())
	default:
		return nil, errors.Errorf("fakeContext does not allocate %s", shape.DType)
	}
	c.allocated[index] = buf
	return buf, nil
}

func mulFloat32(a, b *TensorView[float32], out *Tensor[float32]) error {
	result, err := out.Allocate(a.Shape())
	if err != nil {
		return err
	}
	for i, v := range a.Data() {
		result[i] = v * b.Data()[i]
	}
	return nil
}

func TestBindingArity(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterFn("test", "", "Mul", 1, 0, mulFloat32))

	kb, err := r.Lookup("test", "", "Mul", 1)
	require.NoError(t, err)
	require.Equal(t, 2, kb.NumInputs())
	require.Equal(t, 1, kb.NumOutputs())
	require.Equal(t, []dtypes.DType{dtypes.Float32, dtypes.Float32}, kb.InputDTypes())
	require.Equal(t, []dtypes.DType{dtypes.Float32}, kb.OutputDTypes())

	k, err := r.NewKernel("test", "", "Mul", 1, nil)
	require.NoError(t, err)
	shape := shapes.Make(dtypes.Float32, 2, 2)
	ctx := newFakeContext(
		float32Input(shape, []float32{1, 2, 3, 4}),
		float32Input(shape, []float32{10, 20, 30, 40}))
	require.NoError(t, k.Compute(ctx))
	require.Equal(t, []float32{10, 40, 90, 160}, ctx.allocated[0])
}

func TestBindingRejectsBadSignatures(t *testing.T) {
	r := NewRegistry()
	// Not a function.
	require.Error(t, r.RegisterFn("test", "", "Op", 1, 0, 42))
	// Unsupported parameter type.
	require.Error(t, r.RegisterFn("test", "", "Op", 1, 0, func(n int) error { return nil }))
	// TensorView by value, not by pointer.
	require.Error(t, r.RegisterFn("test", "", "Op", 1, 0, func(v TensorView[float32]) error { return nil }))
	// Wrong results.
	require.Error(t, r.RegisterFn("test", "", "Op", 1, 0, func() {}))
	require.Error(t, r.RegisterFn("test", "", "Op", 1, 0, func() int { return 0 }))
	require.Error(t, r.RegisterFn("test", "", "Op", 1, 0,
		func() (int, error) { return 0, nil }))
	// Variadic.
	require.Error(t, r.RegisterFn("test", "", "Op", 1, 0, func(vs ...*TensorView[float32]) error { return nil }))
	// Nil entry.
	require.Error(t, r.RegisterFn("test", "", "Op", 1, 0, nil))
}

func TestZeroTensorParams(t *testing.T) {
	r := NewRegistry()
	called := false
	require.NoError(t, r.RegisterFn("test", "", "Nop", 1, 0, func() error {
		called = true
		return nil
	}))
	k, err := r.NewKernel("test", "", "Nop", 1, nil)
	require.NoError(t, err)
	require.NoError(t, k.Compute(newFakeContext()))
	require.True(t, called)
}

func TestMixedElementTypes(t *testing.T) {
	r := NewRegistry()
	err := r.RegisterFn("test", "", "Cast", 1, 0,
		func(in *TensorView[float32], out *Tensor[float64]) error {
			result, err := out.Allocate(shapes.Make(dtypes.Float64, in.Shape().Dimensions...))
			if err != nil {
				return err
			}
			for i, v := range in.Data() {
				result[i] = float64(v)
			}
			return nil
		})
	require.NoError(t, err)

	kb, err := r.Lookup("test", "", "Cast", 1)
	require.NoError(t, err)
	require.Equal(t, []dtypes.DType{dtypes.Float32}, kb.InputDTypes())
	require.Equal(t, []dtypes.DType{dtypes.Float64}, kb.OutputDTypes())

	ctx := newFakeContext(float32Input(shapes.Make(dtypes.Float32, 2), []float32{1, 2}))
	k, err := r.NewKernel("test", "", "Cast", 1, nil)
	require.NoError(t, err)
	require.NoError(t, k.Compute(ctx))
	require.Equal(t, []float64{1, 2}, ctx.allocated[0])
}

func TestVersionRanges(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterFn("test", "ml", "Op", 7, 9, func() error { return nil }))
	require.NoError(t, r.RegisterFn("test", "ml", "Op", 9, 0, func() error { return nil }))

	kb, err := r.Lookup("test", "ml", "Op", 7)
	require.NoError(t, err)
	require.Equal(t, 9, kb.EndVersion)
	kb, err = r.Lookup("test", "ml", "Op", 8)
	require.NoError(t, err)
	require.Equal(t, 9, kb.EndVersion)
	kb, err = r.Lookup("test", "ml", "Op", 9)
	require.NoError(t, err)
	require.Equal(t, 0, kb.EndVersion)
	kb, err = r.Lookup("test", "ml", "Op", 100)
	require.NoError(t, err)
	require.Equal(t, 0, kb.EndVersion)

	_, err = r.Lookup("test", "ml", "Op", 6)
	require.Error(t, err)
	_, err = r.Lookup("test", "ml", "Other", 7)
	require.Error(t, err)
	_, err = r.Lookup("other", "ml", "Op", 7)
	require.Error(t, err)
}

func TestRegistrationErrors(t *testing.T) {
	r := NewRegistry()
	nop := func() error { return nil }
	require.NoError(t, r.RegisterFn("test", "", "Op", 7, 9, nop))

	// Overlapping version ranges are a configuration error.
	err := r.RegisterFn("test", "", "Op", 8, 10, nop)
	require.ErrorContains(t, err, "overlaps")
	err = r.RegisterFn("test", "", "Op", 1, 0, nop)
	require.ErrorContains(t, err, "overlaps")
	// Adjacent ranges are fine, and other identities never conflict.
	require.NoError(t, r.RegisterFn("test", "", "Op", 9, 11, nop))
	require.NoError(t, r.RegisterFn("test", "other", "Op", 1, 0, nop))

	require.Error(t, r.RegisterFn("", "", "Op", 1, 0, nop))
	require.Error(t, r.RegisterFn("test", "", "", 1, 0, nop))
	require.Error(t, r.RegisterFn("test", "", "Op2", 0, 0, nop))
	require.Error(t, r.RegisterFn("test", "", "Op2", 5, 5, nop))
	require.Error(t, r.RegisterFn("test", "", "Op2", 5, 4, nop))
}

func TestFnKernelIsShared(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterFn("test", "", "Mul", 1, 0, mulFloat32))
	k1, err := r.NewKernel("test", "", "Mul", 1, nil)
	require.NoError(t, err)
	k2, err := r.NewKernel("test", "", "Mul", 1, nil)
	require.NoError(t, err)
	require.Same(t, k1, k2)
}

var scaleInitCount int

type scaleKernel struct {
	factor float32
}

func (k *scaleKernel) Init(info KernelInfo) error {
	scaleInitCount++
	factor, ok := info.AttrFloat("scale")
	if !ok {
		return errors.New(`the "scale" attribute is required`)
	}
	k.factor = float32(factor)
	return nil
}

func (k *scaleKernel) Compute(in *TensorView[float32], out *Tensor[float32]) error {
	result, err := out.Allocate(in.Shape())
	if err != nil {
		return err
	}
	for i, v := range in.Data() {
		result[i] = v * k.factor
	}
	return nil
}

func TestStructKernel(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, RegisterStruct[scaleKernel](r, "test", "", "Scale", 1, 0))

	scaleInitCount = 0
	k, err := r.NewKernel("test", "", "Scale", 1, StaticInfo{"scale": 2.5})
	require.NoError(t, err)
	require.Equal(t, 1, scaleInitCount)

	shape := shapes.Make(dtypes.Float32, 3)
	ctx := newFakeContext(float32Input(shape, []float32{2, 4, 8}))
	require.NoError(t, k.Compute(ctx))
	require.Equal(t, []float32{5, 10, 20}, ctx.allocated[0])

	// Init ran once at construction, not per Compute.
	ctx2 := newFakeContext(float32Input(shape, []float32{1, 0, -1}))
	require.NoError(t, k.Compute(ctx2))
	require.Equal(t, []float32{2.5, 0, -2.5}, ctx2.allocated[0])
	require.Equal(t, 1, scaleInitCount)

	// Each NewKernel builds and initializes a fresh instance.
	k2, err := r.NewKernel("test", "", "Scale", 1, StaticInfo{"scale": 10.0})
	require.NoError(t, err)
	require.NotSame(t, k, k2)
	require.Equal(t, 2, scaleInitCount)

	// Init failures surface at construction.
	_, err = r.NewKernel("test", "", "Scale", 1, StaticInfo{})
	require.ErrorContains(t, err, "scale")
}

type noComputeKernel struct{}

func TestStructKernelRequiresCompute(t *testing.T) {
	r := NewRegistry()
	err := RegisterStruct[noComputeKernel](r, "test", "", "Broken", 1, 0)
	require.ErrorContains(t, err, "Compute")
}

func TestAllocateIsIdempotent(t *testing.T) {
	ctx := newFakeContext()
	out := NewTensor[float32](ctx, 0)
	require.False(t, out.Shape().Ok())

	first := shapes.Make(dtypes.Float32, 2, 2)
	buf, err := out.Allocate(first)
	require.NoError(t, err)
	require.Len(t, buf, 4)
	require.Equal(t, 1, ctx.allocCalls)

	// A second call returns the cached buffer; the new shape is ignored.
	buf2, err := out.Allocate(shapes.Make(dtypes.Float32, 9))
	require.NoError(t, err)
	require.Len(t, buf2, 4)
	require.Equal(t, 1, ctx.allocCalls)
	require.True(t, out.Shape().Equal(first))
	buf[0] = 7
	require.Equal(t, float32(7), buf2[0])
}

func TestAllocateFailure(t *testing.T) {
	ctx := newFakeContext()
	ctx.failAlloc = true
	out := NewTensor[float32](ctx, 0)
	_, err := out.Allocate(shapes.Make(dtypes.Float32, 2))
	require.ErrorContains(t, err, "allocating output 0")
}

func TestTensorViewTypeMismatch(t *testing.T) {
	shape := shapes.Make(dtypes.Float32, 2)
	ctx := newFakeContext(float32Input(shape, []float32{1, 2}))
	_, err := NewTensorView[float64](ctx, 0)
	require.ErrorContains(t, err, "expects")

	_, err = NewTensorView[float32](ctx, 5)
	require.ErrorContains(t, err, "input 5")

	v, err := NewTensorView[float32](ctx, 0)
	require.NoError(t, err)
	require.True(t, v.Shape().Equal(shape))
	require.Equal(t, []float32{1, 2}, v.Data())
}

func TestComputeBindingFailure(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterFn("test", "", "Mul", 1, 0, mulFloat32))
	k, err := r.NewKernel("test", "", "Mul", 1, nil)
	require.NoError(t, err)

	// One input short: binding argument 1 cannot be built.
	ctx := newFakeContext(float32Input(shapes.Make(dtypes.Float32, 2), []float32{1, 2}))
	err = k.Compute(ctx)
	require.ErrorContains(t, err, "binding argument 1")
}

func TestStaticInfo(t *testing.T) {
	info := StaticInfo{"name": "gemm", "version": 12, "alpha": float32(1.5)}
	s, ok := info.AttrString("name")
	require.True(t, ok)
	require.Equal(t, "gemm", s)
	i, ok := info.AttrInt("version")
	require.True(t, ok)
	require.Equal(t, int64(12), i)
	f, ok := info.AttrFloat("alpha")
	require.True(t, ok)
	require.Equal(t, 1.5, f)
	_, ok = info.AttrString("missing")
	require.False(t, ok)
	_, ok = info.AttrInt("alpha")
	require.False(t, ok)
}
